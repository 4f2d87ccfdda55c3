// Package channelops provides the small set of stream combinators that
// fall naturally out of a node.Node with an Operator: Map, Filter, and
// TakeWhile each build a fresh output Node, join it to the input with a
// full cascade, and return the output for further chaining.
package channelops

import (
	"github.com/creastat/flowcore/connectors"
	"github.com/creastat/flowcore/node"
)

// Map returns a new Node that applies fn to every message propagated
// through src and forwards the result.
func Map(src *node.Node, description string, fn func(any) (any, error)) *node.Node {
	out := node.New(node.Config{Description: description})
	connectors.Cascade(src, out, description, connectors.Options{Upstream: true, PropagateUpstreamError: true, Downstream: true})
	return pipeThrough(src, out, fn)
}

// Filter returns a new Node that forwards only messages for which keep
// returns true; the rest are silently dropped via node.Filtered.
func Filter(src *node.Node, description string, keep func(any) bool) *node.Node {
	out := node.New(node.Config{Description: description})
	connectors.Cascade(src, out, description, connectors.Options{Upstream: true, PropagateUpstreamError: true, Downstream: true})
	return pipeThrough(src, out, func(msg any) (any, error) {
		if keep(msg) {
			return msg, nil
		}
		return node.Filtered, nil
	})
}

// TakeWhile returns a new Node that forwards messages while pred holds,
// closing itself the first time pred returns false — the terminating
// message itself is dropped. src is not closed and its relay edge stays
// linked; every later message on it is dropped at the edge.
func TakeWhile(src *node.Node, description string, pred func(any) bool) *node.Node {
	out := node.New(node.Config{Description: description})
	connectors.Cascade(src, out, description, connectors.Options{Upstream: true, PropagateUpstreamError: true, Downstream: true})

	done := make(chan struct{})
	var closeOnce func()
	closeOnce = func() {
		select {
		case <-done:
			return
		default:
			close(done)
			out.Close(false)
		}
	}

	edge := &node.Edge{Next: relayPropagator{out: out, gate: func(msg any) (any, error) {
		select {
		case <-done:
			return node.Filtered, nil
		default:
		}
		if pred(msg) {
			return msg, nil
		}
		closeOnce()
		return node.Filtered, nil
	}}}
	src.Link("", edge, nil, nil)
	return out
}

// pipeThrough installs a relay edge from src into a freshly constructed
// out Node, running every message through transform before handing it to
// out.Propagate.
func pipeThrough(src, out *node.Node, transform func(any) (any, error)) *node.Node {
	edge := &node.Edge{Next: relayPropagator{out: out, gate: transform}}
	src.Link("", edge, nil, nil)
	return out
}

// relayPropagator adapts a (gate, out) pair into a node.Propagator:
// gate's result is propagated into out with transform=false, since the
// gate itself already performed whatever transform or filtering was
// required.
type relayPropagator struct {
	out  *node.Node
	gate func(any) (any, error)
}

func (r relayPropagator) Propagate(msg any, _ bool) node.PropagateResult {
	out, err := r.gate(msg)
	if err != nil {
		r.out.Error(err, true)
		return node.PropagateResult{Outcome: node.OutcomeError, Err: err}
	}
	if node.IsFiltered(out) {
		return node.PropagateResult{Outcome: node.OutcomeFiltered}
	}
	return r.out.Propagate(out, false)
}

func (r relayPropagator) Downstream() []*node.Edge { return r.out.Downstream() }

func (r relayPropagator) Transactional() { r.out.Transactional() }
