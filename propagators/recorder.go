package propagators

import (
	"sync"

	"github.com/creastat/flowcore/node"
)

// Recorder is a terminal node.Propagator that appends every delivered
// message to an in-memory slice. It exists for tests that need a
// non-Node propagation target without standing up a real WebSocket
// connection.
type Recorder struct {
	mu       sync.Mutex
	messages []any
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Propagate(msg any, _ bool) node.PropagateResult {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return node.PropagateResult{Outcome: node.OutcomeDelivered, Value: msg}
}

func (r *Recorder) Downstream() []*node.Edge { return nil }

func (r *Recorder) Transactional() {}

// Messages returns a snapshot of everything recorded so far.
func (r *Recorder) Messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.messages))
	copy(out, r.messages)
	return out
}
