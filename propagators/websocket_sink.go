// Package propagators supplies non-Node implementations of
// node.Propagator: terminal targets a fused propagation chain can hand
// off to once it stops finding a *node.Node on the other end of an edge.
package propagators

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/creastat/flowcore/node"
	"github.com/creastat/flowcore/telemetry"
)

// WebSocketSinkConfig configures a WebSocketSink.
type WebSocketSinkConfig struct {
	Conn      *websocket.Conn
	SessionID string
	Logger    telemetry.Logger
}

// WebSocketSink is a terminal node.Propagator: every message propagated
// into it is JSON-marshalled and written to a WebSocket connection.
// Binary messages ([]byte) are sent as a WebSocket binary frame instead.
// A write failure marks the sink permanently failed and propagates an
// error outcome upstream for every message after, mirroring the "drain
// without failing the rest of the pipeline" policy its ancestor used —
// except here the caller, not a goroutine loop, decides what draining
// means.
type WebSocketSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger telemetry.Logger
	failed error
}

// NewWebSocketSink constructs a sink writing to cfg.Conn.
func NewWebSocketSink(cfg WebSocketSinkConfig) *WebSocketSink {
	logger := cfg.Logger
	if logger.IsZero() {
		logger = telemetry.Nop()
	}
	return &WebSocketSink{
		conn:   cfg.Conn,
		logger: logger.WithModule("websocket_sink"),
	}
}

// Propagate implements node.Propagator. transform is ignored: a sink has
// no operator of its own.
func (w *WebSocketSink) Propagate(msg any, _ bool) node.PropagateResult {
	w.mu.Lock()
	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		return node.PropagateResult{Outcome: node.OutcomeError, Err: err}
	}
	w.mu.Unlock()

	var writeErr error
	switch v := msg.(type) {
	case []byte:
		writeErr = w.conn.WriteMessage(websocket.BinaryMessage, v)
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			w.logger.Error("marshal message for websocket sink", telemetry.Err(err))
			return node.PropagateResult{Outcome: node.OutcomeFiltered}
		}
		writeErr = w.conn.WriteMessage(websocket.TextMessage, data)
	}

	if writeErr != nil {
		wrapped := fmt.Errorf("websocket sink write: %w", writeErr)
		w.mu.Lock()
		w.failed = wrapped
		w.mu.Unlock()
		w.logger.Error("websocket sink write failed", telemetry.Err(writeErr))
		return node.PropagateResult{Outcome: node.OutcomeError, Err: wrapped}
	}

	return node.PropagateResult{Outcome: node.OutcomeDelivered, Value: msg}
}

// Downstream implements node.Propagator: a sink has no further edges.
func (w *WebSocketSink) Downstream() []*node.Edge { return nil }

// Transactional implements node.Propagator as a no-op: a sink has no
// queue to upgrade.
func (w *WebSocketSink) Transactional() {}

// Closed reports whether a prior write failure has permanently closed
// the sink.
func (w *WebSocketSink) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed != nil
}
