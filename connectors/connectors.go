// Package connectors wires two node.Node graphs together, installing both
// the forwarding edge and the cascading watchers that keep upstream and
// downstream state in sync. See spec.md §4.5.
package connectors

import (
	"fmt"

	"github.com/creastat/flowcore/cleanup"
	"github.com/creastat/flowcore/node"
)

// Options controls which direction(s) a connection cascades state in.
type Options struct {
	// Upstream watches dst: dst closing/draining cancels src's standing
	// link to it; dst erroring either propagates the error into src
	// (PropagateUpstreamError) or merely cancels the link too, same as a
	// plain drain.
	Upstream bool
	// PropagateUpstreamError selects, for the Upstream watcher's error
	// case, whether dst's error is forced onto src (join) or just cancels
	// the link without touching src's own mode (siphon).
	PropagateUpstreamError bool
	// Downstream propagates src's terminal transitions onto dst: src
	// draining closes dst; src erroring forces dst into error.
	Downstream bool
	Sneaky     bool
	Name       string
}

// Connect links src to dst with a plain edge plus the cascading watchers
// Options selects. It is the common path both Siphon and Join build on.
func Connect(src, dst *node.Node, description string, opts Options) bool {
	edge := &node.Edge{Next: dst, Description: description, Sneaky: opts.Sneaky}
	if !src.Link(opts.Name, edge, nil, nil) {
		return false
	}
	cascade(src, dst, description, opts, func() bool { return src.Unlink(edge) })
	return true
}

// Cascade installs only the state-watching half of Connect: no edge is
// linked, so the caller is responsible for wiring its own propagation
// path (e.g. through a custom node.Propagator that applies a transform
// before handing off to dst). Used by packages that need cascading
// lifecycle semantics around an edge shape Connect can't express.
func Cascade(src, dst *node.Node, description string, opts Options) {
	var cancel func() bool
	if opts.Name != "" {
		cancel = func() bool { return src.Cancel(opts.Name) }
	}
	cascade(src, dst, description, opts, cancel)
}

// cascade installs the upstream/downstream watchers Options selects.
// cancel, when non-nil, is what the upstream watcher calls to detach
// src's side of the connection once dst reaches a terminal mode.
func cascade(src, dst *node.Node, description string, opts Options, cancel func() bool) {
	watcherName := opts.Name
	if watcherName != "" {
		watcherName = watcherName + ":cascade"
	}

	if opts.Downstream {
		src.OnStateChanged(watcherName+":down", func(mode node.Mode, _ int, err error) {
			switch mode {
			case node.Drained:
				cleanup.Submit(func() { dst.Close(false) })
			case node.Error:
				cleanup.Submit(func() { dst.Error(fmt.Errorf("upstream %q: %w", description, err), true) })
			}
		})
	}

	if opts.Upstream {
		dst.OnStateChanged(watcherName+":up", func(mode node.Mode, _ int, err error) {
			switch mode {
			case node.Closed, node.Drained:
				if cancel != nil {
					cleanup.Submit(func() { cancel() })
				}
			case node.Error:
				if opts.PropagateUpstreamError {
					cleanup.Submit(func() { src.Error(fmt.Errorf("downstream %q: %w", description, err), true) })
				} else if cancel != nil {
					cleanup.Submit(func() { cancel() })
				}
			}
		})
	}
}

// Siphon installs only the upstream watcher: dst closing, draining or erroring
// cancels src's link to it, but src's own terminal transitions never
// reach dst. Used for a tap whose removal must never affect the main
// flow's lifecycle, and whose own failure must not be allowed to
// propagate back into the main flow either.
func Siphon(src, dst *node.Node, description string) bool {
	return Connect(src, dst, description, Options{Upstream: true})
}

// Join installs a full bidirectional cascade: src's terminal transitions
// propagate onto dst, and dst's terminal transitions propagate back onto
// src (including its errors, unlike Siphon). This is what node.Node.Split
// uses conceptually to keep a split clone's lifecycle entangled with its
// origin.
func Join(src, dst *node.Node, description string) bool {
	return Connect(src, dst, description, Options{Upstream: true, PropagateUpstreamError: true, Downstream: true})
}

// TapError wires a sink purely to observe src's error transitions, never
// affecting src's own lifecycle — useful for routing failures to a
// propagators.Recorder or logging sink without Siphon's queue-message
// coupling.
func TapError(src *node.Node, onError func(error)) {
	src.OnStateChanged("", func(mode node.Mode, _ int, err error) {
		if mode == node.Error {
			onError(err)
		}
	})
}
