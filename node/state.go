package node

import (
	"github.com/creastat/flowcore/queue"
	"github.com/creastat/flowcore/result"
)

// State is the immutable snapshot a Node replaces as a whole on every
// transition. Readers obtain a consistent view via an atomic pointer load
// without ever taking the Node's lock.
type State struct {
	Mode            Mode
	DownstreamCount int
	Split           *Node
	Err             error
	Queue           queue.Queue
	Read            bool
	Transactional   bool
	Permanent       bool
}

func (s *State) split() bool    { return s.Mode == Split }
func (s *State) consumed() bool { return s.Mode == Consumed }

// Terminal reports whether the state is a dead end (drained or error) —
// watchers never fire again, and edges/watchers/cancellations are clear.
func (s *State) Terminal() bool { return s.Mode == Drained || s.Mode == Error }

func (s State) clone() State { return s }

func closedResult() PropagateResult { return PropagateResult{Outcome: OutcomeClosed} }

func errorResult(err error) PropagateResult {
	return PropagateResult{Outcome: OutcomeError, Err: err}
}

// wrapReceiveResult adapts a queue.ReceiveResult into a PropagateResult,
// tagging the async case with the metadata propagate() promises when a
// message ends up merely queued rather than handed directly downstream.
func wrapReceiveResult(rr queue.ReceiveResult, description string) PropagateResult {
	if rr.IsAsync() {
		return PropagateResult{Outcome: OutcomeDelivered, Value: taggedAsync{
			Async:       rr.Async,
			Type:        "queue",
			Name:        description,
			TimestampNS: nowNanos(),
		}}
	}
	return PropagateResult{Outcome: OutcomeDelivered, Value: rr.Value}
}

// taggedAsync carries the metadata propagate() attaches to an async
// receive-result produced on the zero-downstream path (§4.2). The
// Node's own queue never actually produces an async ReceiveResult from
// Enqueue (every enqueue completes synchronously — see queue.Enqueue),
// so in practice this tag is inert scaffolding for the one case spec.md
// leaves unspecified: whether multiple enqueues coalesce timestamps. They
// do not; each tag gets its own timestamp at construction time.
type taggedAsync struct {
	Async       *result.Result
	Type        string
	Name        string
	TimestampNS int64
}
