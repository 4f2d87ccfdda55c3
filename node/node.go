package node

import (
	"sync/atomic"

	"github.com/creastat/flowcore/asynclock"
	"github.com/creastat/flowcore/cleanup"
	"github.com/creastat/flowcore/queue"
	"github.com/creastat/flowcore/result"
	"github.com/creastat/flowcore/telemetry"
)

// cancellation is what the cancellations map stores: either a plain
// thunk (reversing a link or a watcher registration) or a pending
// receive's *result.Result (so Receive can recognize an already-pending
// name idempotently). fn is always populated and is what Cancel invokes.
type cancellation struct {
	fn  func()
	res *result.Result
}

type watcherEntry struct {
	name string
	cb   func(Mode, int, error)
}

// Config constructs a Node.
type Config struct {
	// Operator is the optional pure message transform. Nil means pass
	// messages through unchanged.
	Operator Operator
	// Description is an opaque label used for diagnostics and as the
	// "name" metadata tag on queued async results.
	Description string
	// Grounded nodes discard messages rather than buffering them when
	// downstream_count is 0.
	Grounded bool
	// Permanent nodes ignore close/error unless called with force.
	Permanent bool
	Logger    telemetry.Logger
}

// Node is a thread-safe vertex in a directed graph of message
// propagators. See the package doc and spec.md for the full contract.
type Node struct {
	lock        *asynclock.Lock
	operator    Operator
	description string
	grounded    bool
	logger      telemetry.Logger

	state atomic.Pointer[State]
	edges atomic.Pointer[[]*Edge]

	// cancellations and watchers are mutated only while lock is held
	// exclusively.
	cancellations map[string]cancellation
	watchers      []watcherEntry

	txDepth int32
}

// New constructs an open Node with no edges and no materialized queue.
func New(cfg Config) *Node {
	n := &Node{
		lock:          asynclock.New(),
		operator:      cfg.Operator,
		description:   cfg.Description,
		grounded:      cfg.Grounded,
		logger:        cfg.Logger,
		cancellations: make(map[string]cancellation),
	}
	if n.logger.IsZero() {
		n.logger = telemetry.Nop()
	}
	empty := []*Edge{}
	n.edges.Store(&empty)
	n.state.Store(&State{Mode: Open, Permanent: cfg.Permanent})
	return n
}

// Description returns the node's opaque label.
func (n *Node) Description() string { return n.description }

// State returns the current immutable snapshot. Safe to call without
// holding the lock — NodeState is replaced atomically as a whole.
func (n *Node) State() *State { return n.state.Load() }

// Downstream returns a snapshot of the node's current edges.
func (n *Node) Downstream() []*Edge {
	p := n.edges.Load()
	out := make([]*Edge, len(*p))
	copy(out, *p)
	return out
}

func (n *Node) edgesSnapshot() []*Edge { return *n.edges.Load() }

// Size returns the current queue depth (the Counted capability).
func (n *Node) Size() int {
	st := n.State()
	if st.split() {
		return st.Split.Size()
	}
	if st.Queue == nil {
		return 0
	}
	return st.Queue.Size()
}

// Queue returns the node's materialized queue, creating one if needed.
// Forwards to the split clone when the node is in Split mode.
func (n *Node) Queue() queue.Queue {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Queue()
	}
	q := n.ensureQueueLocked(st)
	n.lock.ReleaseExclusive()
	return q
}

// Lock capability — delegated straight to the embedded asymmetric lock.
func (n *Node) Acquire()                  { n.lock.Acquire() }
func (n *Node) Release()                  { n.lock.Release() }
func (n *Node) TryAcquire() bool          { return n.lock.TryAcquire() }
func (n *Node) AcquireExclusive()         { n.lock.AcquireExclusive() }
func (n *Node) ReleaseExclusive()         { n.lock.ReleaseExclusive() }
func (n *Node) TryAcquireExclusive() bool { return n.lock.TryAcquireExclusive() }
func (n *Node) LockID() uint64            { return n.lock.ID() }

// ensureQueueLocked materializes the queue if absent, matching §4.4's
// policy: transactionality follows state.Transactional. Assumes the
// exclusive lock is held and st is the current snapshot.
func (n *Node) ensureQueueLocked(st *State) queue.Queue {
	if st.Queue != nil {
		return st.Queue
	}
	var q queue.Queue = queue.New()
	if st.Transactional {
		q = queue.NewTransactional(q)
	}
	ns := st.clone()
	ns.Queue = q
	ns.Read = true
	n.state.Store(&ns)
	return q
}

func (n *Node) fireWatchers(entries []watcherEntry, mode Mode, count int, err error) {
	for _, w := range entries {
		w.cb(mode, count, err)
	}
}

// callOperator applies the node's operator, converting a panic into an
// error exactly like a thrown exception would in the source language.
func (n *Node) callOperator(msg any) (out any, err error) {
	if n.operator == nil {
		return msg, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = operatorPanic{r}
		}
	}()
	return n.operator(msg)
}

type operatorPanic struct{ v any }

func (p operatorPanic) Error() string { return "operator panic" }

// Propagate accepts a message upstream. See spec.md §4.2 for the full
// outcome/propagation-policy contract.
func (n *Node) Propagate(msg any, transform bool) PropagateResult {
	if transform {
		out, err := n.callOperator(msg)
		if err != nil {
			n.Error(err, true)
			return errorResult(err)
		}
		if IsFiltered(out) {
			return PropagateResult{Outcome: OutcomeFiltered}
		}
		msg = out
	}
	n.lock.AcquireExclusive()
	st := n.State()
	edges := n.edgesSnapshot()
	return n.propagateLocked(msg, st, edges)
}

// propagateLocked assumes the exclusive lock is held; every branch
// releases it (or hands it off to a fused/fan-out continuation) before
// returning.
func (n *Node) propagateLocked(msg any, st *State, edges []*Edge) PropagateResult {
	if n.grounded && st.DownstreamCount == 0 && st.Mode != Consumed {
		n.lock.ReleaseExclusive()
		return PropagateResult{Outcome: OutcomeGrounded}
	}

	switch st.Mode {
	case Closed, Drained:
		n.lock.ReleaseExclusive()
		return closedResult()

	case Error:
		err := st.Err
		n.lock.ReleaseExclusive()
		return errorResult(err)

	case Consumed:
		q := n.ensureQueueLocked(st)
		rr := q.Enqueue(msg, false, func() { n.lock.ReleaseExclusive() })
		return wrapReceiveResult(rr, n.description)

	case Open, Split:
		switch len(edges) {
		case 0:
			q := n.ensureQueueLocked(st)
			rr := q.Enqueue(msg, false, func() { n.lock.ReleaseExclusive() })
			return wrapReceiveResult(rr, n.description)
		case 1:
			return n.fusedStep(msg, edges[0])
		default:
			return n.fanOut(msg, edges)
		}

	default:
		n.lock.ReleaseExclusive()
		return closedResult()
	}
}

// fusedStep implements §4.3: the walker holds at most one node's lock at
// a time (briefly two, at the handoff instant), applying each hop's
// operator before taking that hop's lock (the previous hop's lock is
// still held at that point) and checking its freshly-read state only
// after acquiring it. n (the receiver, aliased as cur below) is already
// locked on entry; ownership of exactly one lock is maintained until a
// terminal return.
func (n *Node) fusedStep(msg any, edge *Edge) PropagateResult {
	cur := n
	for {
		target, ok := edge.Next.(*Node)
		if !ok {
			cur.lock.ReleaseExclusive()
			return edge.Next.Propagate(msg, true)
		}

		transformed, err := target.callOperator(msg)
		if err != nil {
			target.lock.AcquireExclusive()
			target.errorLocked(err)
			cur.lock.ReleaseExclusive()
			return errorResult(err)
		}
		if IsFiltered(transformed) {
			cur.lock.ReleaseExclusive()
			return PropagateResult{Outcome: OutcomeFiltered}
		}

		target.lock.AcquireExclusive()
		cur.lock.ReleaseExclusive()
		cur = target
		msg = transformed

		st := cur.State()
		edges := cur.edgesSnapshot()
		if (st.Mode == Open || st.split()) && len(edges) == 1 {
			edge = edges[0]
			continue
		}
		return cur.propagateLocked(msg, st, edges)
	}
}

// fanOut implements the >1-edges branch: it releases n's lock immediately
// (a fan-out node does no buffering of its own) and recursively
// propagates to every edge, promoting the first child error into n's own
// error per §7.
func (n *Node) fanOut(msg any, edges []*Edge) PropagateResult {
	n.lock.ReleaseExclusive()
	results := make([]PropagateResult, 0, len(edges))
	for _, e := range edges {
		r := e.Next.Propagate(msg, true)
		if r.Outcome == OutcomeError {
			n.Error(r.Err, true)
			return errorResult(r.Err)
		}
		if !e.Sneaky {
			results = append(results, r)
		}
	}
	return PropagateResult{Outcome: OutcomeDelivered, Value: results}
}

// errorLocked assumes the exclusive lock is held and unconditionally
// forces the node into Error mode — used for operator-failure paths,
// which must never be silently swallowed by a permanent-guard or a
// closed/consumed mode check.
func (n *Node) errorLocked(err error) {
	st := n.State()
	if st.Terminal() {
		n.lock.ReleaseExclusive()
		return
	}
	if st.Queue != nil {
		st.Queue.Error(err)
	}
	toNotify, ns := n.terminalizeLocked(Error, queue.Errored(err), err, st)
	n.lock.ReleaseExclusive()
	n.fireWatchers(toNotify, ns.Mode, ns.DownstreamCount, ns.Err)
}

// terminalizeLocked clears edges (always, per the mode-invariant in
// spec.md §3) and, when entering a genuinely terminal mode, clears
// watchers/cancellations too. Assumes the lock is held; does not release
// it. Returns the watcher list to fire (a copy, safe to use after
// unlock) and the newly installed state.
func (n *Node) terminalizeLocked(mode Mode, q queue.Queue, err error, st *State) ([]watcherEntry, *State) {
	empty := []*Edge{}
	n.edges.Store(&empty)

	var toNotify []watcherEntry
	if mode == Drained || mode == Error {
		toNotify = append([]watcherEntry{}, n.watchers...)
		n.watchers = nil
		n.cancellations = make(map[string]cancellation)
	} else {
		toNotify = append([]watcherEntry{}, n.watchers...)
	}

	ns := &State{
		Mode:          mode,
		Queue:         q,
		Err:           err,
		Read:          st.Read,
		Transactional: st.Transactional,
		Permanent:     st.Permanent,
	}
	n.state.Store(ns)
	return toNotify, ns
}

// Close is a no-op (returns false) on an already-terminal or (unless
// force) permanent node. Split nodes ignore Close entirely — closure
// flows through the split target per §4.1.
func (n *Node) Close(force bool) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		n.lock.ReleaseExclusive()
		return false
	}
	if st.Terminal() {
		n.lock.ReleaseExclusive()
		return false
	}
	if st.Permanent && !force {
		n.lock.ReleaseExclusive()
		return false
	}

	mode := Drained
	q := queue.Drained()
	if st.Queue != nil {
		st.Queue.Close()
		if st.Queue.Size() > 0 {
			mode = Closed
			q = st.Queue
		}
	}

	toNotify, ns := n.terminalizeLocked(mode, q, nil, st)
	n.lock.ReleaseExclusive()
	n.fireWatchers(toNotify, ns.Mode, ns.DownstreamCount, ns.Err)
	return true
}

// Error forces the node to Error mode, signalling err on any existing
// queue first and replacing it with the error-sentinel.
func (n *Node) Error(err error, force bool) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.Terminal() {
		n.lock.ReleaseExclusive()
		return false
	}
	if st.Permanent && !force {
		n.lock.ReleaseExclusive()
		return false
	}
	if st.Queue != nil {
		st.Queue.Error(err)
	}
	toNotify, ns := n.terminalizeLocked(Error, queue.Errored(err), err, st)
	n.lock.ReleaseExclusive()
	n.fireWatchers(toNotify, ns.Mode, ns.DownstreamCount, ns.Err)
	return true
}

// checkDrained runs the §4.1 "closed -> drained when queue empties"
// check. Called after any read that may have emptied a closed node's
// queue.
func (n *Node) checkDrained() {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.Mode != Closed || st.Queue == nil || st.Queue.Size() > 0 {
		n.lock.ReleaseExclusive()
		return
	}
	toNotify, ns := n.terminalizeLocked(Drained, queue.Drained(), nil, st)
	n.lock.ReleaseExclusive()
	n.fireWatchers(toNotify, ns.Mode, ns.DownstreamCount, ns.Err)
}

// Link attaches edge as a new downstream target under name. See §4.2 for
// the full per-mode contract.
func (n *Node) Link(name string, edge *Edge, pre, post func(bool)) bool {
	n.lock.AcquireExclusive()
	if name != "" {
		if _, exists := n.cancellations[name]; exists {
			n.lock.ReleaseExclusive()
			return false
		}
	}

	st := n.State()
	var (
		success       bool
		drainSource   queue.Queue
		drainTarget   *Edge
		notify        []watcherEntry
		notifyMode    Mode
		notifyCount   int
		transUpgrade  *Node
		skipCancelReg bool
	)

	switch st.Mode {
	case Open, Split:
		oldEdges := n.edgesSnapshot()
		newEdges := append(append([]*Edge{}, oldEdges...), edge)
		n.edges.Store(&newEdges)

		newCount := st.DownstreamCount
		if !edge.Sneaky {
			newCount++
		}
		ns := st.clone()
		ns.DownstreamCount = newCount
		if ns.Read && ns.Queue == nil {
			ns.Queue = n.ensureQueueLocked(&ns)
		}
		n.state.Store(&ns)

		if ns.Transactional {
			if tn, ok := edge.Next.(*Node); ok {
				transUpgrade = tn
			}
		}
		if st.DownstreamCount == 0 && newCount == 1 {
			drainSource = ns.Queue
			drainTarget = edge
		}
		success = true
		if newCount == 0 || newCount == 1 {
			notify = append([]watcherEntry{}, n.watchers...)
			notifyMode, notifyCount = ns.Mode, ns.DownstreamCount
		}

	case Closed:
		// A newly linked consumer drains the closed queue into itself;
		// the node has nothing further to offer after that, so it goes
		// straight to drained rather than keeping the edge as standing.
		drainSource = st.Queue
		drainTarget = edge
		empty := []*Edge{}
		n.edges.Store(&empty)
		ns := State{Mode: Drained, Queue: queue.Drained(), Read: st.Read, Transactional: st.Transactional, Permanent: st.Permanent}
		n.state.Store(&ns)
		notify = append([]watcherEntry{}, n.watchers...)
		n.watchers = nil
		n.cancellations = make(map[string]cancellation)
		notifyMode, notifyCount = ns.Mode, ns.DownstreamCount
		success = true
		skipCancelReg = true

	default: // error, drained, consumed
		success = false
	}

	if pre != nil {
		pre(success)
	}
	if success && name != "" && !skipCancelReg {
		n.cancellations[name] = cancellation{fn: func() { n.Unlink(edge) }}
	}
	if post != nil {
		post(success)
	}
	n.lock.ReleaseExclusive()

	if transUpgrade != nil {
		transUpgrade.Transactional()
	}
	if drainTarget != nil && drainSource != nil {
		for _, msg := range drainSource.Drain() {
			drainSource.DispatchMessage(msg, func(v any) { drainTarget.Next.Propagate(v, true) })
		}
	}
	if notify != nil {
		n.fireWatchers(notify, notifyMode, notifyCount, nil)
	}
	return success
}

// Unlink removes edge from the node's downstream set. Unlinking an edge
// that isn't currently a member is a no-op returning false (spec.md §9's
// Open Question resolution for the source's unreachable
// ::state-unchanged branch).
func (n *Node) Unlink(edge *Edge) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.Mode != Open && st.Mode != Split {
		n.lock.ReleaseExclusive()
		return false
	}
	edges := n.edgesSnapshot()
	idx := -1
	for i, e := range edges {
		if e == edge {
			idx = i
			break
		}
	}
	if idx < 0 {
		n.lock.ReleaseExclusive()
		return false
	}

	newEdges := append(append([]*Edge{}, edges[:idx]...), edges[idx+1:]...)
	n.edges.Store(&newEdges)
	newCount := st.DownstreamCount
	if !edge.Sneaky {
		newCount--
	}

	if newCount == 0 {
		if st.Permanent {
			ns := st.clone()
			ns.DownstreamCount = 0
			ns.Queue = queue.New()
			if ns.Transactional {
				ns.Queue = queue.NewTransactional(ns.Queue)
			}
			ns.Read = false
			n.state.Store(&ns)
			notify := append([]watcherEntry{}, n.watchers...)
			n.lock.ReleaseExclusive()
			n.fireWatchers(notify, ns.Mode, ns.DownstreamCount, nil)
			return true
		}
		mode := Drained
		q := queue.Drained()
		if st.Queue != nil {
			st.Queue.Close()
			if st.Queue.Size() > 0 {
				mode = Closed
				q = st.Queue
			}
		}
		toNotify, ns := n.terminalizeLocked(mode, q, nil, st)
		n.lock.ReleaseExclusive()
		n.fireWatchers(toNotify, ns.Mode, ns.DownstreamCount, ns.Err)
		return true
	}

	ns := st.clone()
	ns.DownstreamCount = newCount
	n.state.Store(&ns)
	var notify []watcherEntry
	if newCount == 1 {
		notify = append([]watcherEntry{}, n.watchers...)
	}
	n.lock.ReleaseExclusive()
	if notify != nil {
		n.fireWatchers(notify, ns.Mode, ns.DownstreamCount, nil)
	}
	return true
}

// Consume installs edge as the node's sole consumer. Only legal on an
// open node with no existing downstream; idempotently re-succeeds
// (returning a no-op cancellation) if the node is already terminal.
func (n *Node) Consume(edge *Edge) (func() bool, bool) {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Consume(edge)
	}
	if st.Terminal() {
		n.lock.ReleaseExclusive()
		return func() bool { return false }, true
	}
	if st.Mode != Open || st.DownstreamCount != 0 {
		n.lock.ReleaseExclusive()
		return nil, false
	}

	q := n.ensureQueueLocked(st)
	n.edges.Store(&[]*Edge{edge})
	ns := State{Mode: Consumed, DownstreamCount: 1, Queue: q, Read: true, Transactional: st.Transactional, Permanent: st.Permanent}
	n.state.Store(&ns)
	notify := append([]watcherEntry{}, n.watchers...)
	n.lock.ReleaseExclusive()

	if ns.Transactional {
		if tn, ok := edge.Next.(*Node); ok {
			tn.Transactional()
		}
	}
	n.fireWatchers(notify, ns.Mode, ns.DownstreamCount, nil)

	return func() bool { return n.Unconsume(edge) }, true
}

// Unconsume detaches the consumer edge installed by Consume, returning to
// Open (or Closed, if the queue had already been closed underneath it).
func (n *Node) Unconsume(edge *Edge) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Unconsume(edge)
	}
	if !st.consumed() {
		n.lock.ReleaseExclusive()
		return false
	}
	edges := n.edgesSnapshot()
	if len(edges) != 1 || edges[0] != edge {
		n.lock.ReleaseExclusive()
		return false
	}

	n.edges.Store(&[]*Edge{})
	mode := Open
	if st.Queue != nil && st.Queue.Closed() {
		mode = Closed
	}
	ns := State{Mode: mode, Queue: st.Queue, Read: st.Read, Transactional: st.Transactional, Permanent: st.Permanent}
	n.state.Store(&ns)
	notify := append([]watcherEntry{}, n.watchers...)
	n.lock.ReleaseExclusive()
	n.fireWatchers(notify, ns.Mode, ns.DownstreamCount, nil)
	return true
}

// Split hands this node's queue and edges to a clone, leaving the
// original in Split mode with a single synthetic edge to the clone — so
// the existing fused single-edge path transparently forwards every
// future propagate into it.
func (n *Node) Split() *Node {
	n.lock.AcquireExclusive()
	st := n.State()

	clone := &Node{
		lock:        asynclock.New(),
		operator:    n.operator,
		description: n.description,
		grounded:    n.grounded,
		logger:      n.logger,
	}
	clone.cancellations = make(map[string]cancellation, len(n.cancellations))
	for k, v := range n.cancellations {
		clone.cancellations[k] = v
	}
	clone.watchers = append([]watcherEntry{}, n.watchers...)
	clone.edges.Store(n.edges.Load())
	cloneState := st.clone()
	clone.state.Store(&cloneState)

	// The original becomes a forwarder: a single synthetic edge to the
	// clone, wired so a clone error cascades back (the only transition
	// spec.md allows directly out of Split mode).
	n.cancellations = make(map[string]cancellation)
	n.watchers = nil
	syntheticEdge := &Edge{Next: clone, Description: "split:" + n.description}
	n.edges.Store(&[]*Edge{syntheticEdge})
	ns := State{Mode: Split, DownstreamCount: 1, Split: clone, Read: st.Read, Transactional: st.Transactional, Permanent: st.Permanent}
	n.state.Store(&ns)
	n.lock.ReleaseExclusive()

	clone.OnStateChanged("", func(mode Mode, _ int, err error) {
		if mode == Error {
			cleanup.Submit(func() { n.Error(err, true) })
		}
	})

	return clone
}

// Receive registers a cancellable read. See §4.2 for the idempotency and
// cancellation-registration contract.
func (n *Node) Receive(name string, predicate func(any) bool, falseValue any, cb func(any)) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Receive(name, predicate, falseValue, cb)
	}
	if name != "" {
		if existing, ok := n.cancellations[name]; ok {
			n.lock.ReleaseExclusive()
			if existing.res != nil && existing.res.IsAsync() {
				return true
			}
			return false
		}
	}

	q := n.ensureQueueLocked(st)
	rr := q.Receive(predicate, falseValue)
	n.lock.ReleaseExclusive()

	if !rr.IsAsync() {
		n.checkDrained()
		cb(rr.Value)
		return true
	}

	async := rr.Async
	if name != "" {
		n.lock.AcquireExclusive()
		n.cancellations[name] = cancellation{res: async, fn: func() { q.CancelReceive(async) }}
		n.lock.ReleaseExclusive()
		async.Subscribe(func(any) {
			n.lock.AcquireExclusive()
			if existing, ok := n.cancellations[name]; ok && existing.res == async {
				delete(n.cancellations, name)
			}
			n.lock.ReleaseExclusive()
		})
	}
	async.Subscribe(func(v any) {
		n.checkDrained()
		cb(v)
	})
	return true
}

// ReadNode performs an uncancellable read, forwarding to the split clone
// or the node's own queue.
func (n *Node) ReadNode(predicate func(any) bool, falseValue any) *result.Result {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.ReadNode(predicate, falseValue)
	}
	q := n.ensureQueueLocked(st)
	rr := q.Receive(predicate, falseValue)
	n.lock.ReleaseExclusive()

	if !rr.IsAsync() {
		n.checkDrained()
		return result.Completed(rr.Value)
	}
	rr.Async.Subscribe(func(any) { n.checkDrained() })
	return rr.Async
}

// Drain atomically empties the queue and returns its contents, then runs
// the drained check.
func (n *Node) Drain() []any {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Drain()
	}
	if st.Queue == nil {
		n.lock.ReleaseExclusive()
		return nil
	}
	msgs := st.Queue.Drain()
	n.lock.ReleaseExclusive()
	n.checkDrained()
	return msgs
}

// Transactional upgrades this node and its whole downstream closure to
// transactional queues, using hand-over-hand locking: the root is held
// only long enough to acquire its immediate children, then released
// before recursing. Each child stays locked until its own step runs, and
// that step locks the child's children before releasing it, so siblings
// still waiting their turn remain locked while an earlier sibling's
// children are acquired.
func (n *Node) Transactional() {
	n.lock.AcquireExclusive()
	n.transactionalStep()
}

func (n *Node) transactionalStep() {
	atomic.AddInt32(&n.txDepth, 1)
	st := n.State()
	if st.Transactional {
		atomic.AddInt32(&n.txDepth, -1)
		n.lock.ReleaseExclusive()
		return
	}

	ns := st.clone()
	ns.Transactional = true
	if ns.Queue != nil {
		ns.Queue = queue.NewTransactional(ns.Queue)
	}
	n.state.Store(&ns)

	edges := n.edgesSnapshot()
	seen := make(map[*Node]bool, len(edges))
	children := make([]*Node, 0, len(edges))
	childLocks := make([]*asynclock.Lock, 0, len(edges))
	for _, e := range edges {
		if dn, ok := e.Next.(*Node); ok {
			if seen[dn] {
				continue
			}
			seen[dn] = true
			children = append(children, dn)
			childLocks = append(childLocks, dn.lock)
		}
	}
	asynclock.AcquireAll(childLocks)

	atomic.AddInt32(&n.txDepth, -1)
	n.lock.ReleaseExclusive()

	for _, c := range children {
		c.transactionalStep()
	}
}

// Cancel reverses a prior named registration (link, receive, or watcher).
// It takes the node's exclusive lock first, so a call that overlaps a
// Transactional() upgrade of this node waits until the upgrade releases
// the node and then proceeds; txDepth is back to zero by then, so the
// upgrade does not by itself make Cancel return false.
func (n *Node) Cancel(name string) bool {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.split() {
		clone := st.Split
		n.lock.ReleaseExclusive()
		return clone.Cancel(name)
	}
	if atomic.LoadInt32(&n.txDepth) > 0 {
		n.lock.ReleaseExclusive()
		return false
	}
	c, ok := n.cancellations[name]
	if !ok {
		n.lock.ReleaseExclusive()
		return false
	}
	delete(n.cancellations, name)
	n.lock.ReleaseExclusive()
	c.fn()
	return true
}

// OnStateChanged registers a watcher, immediately invoking it once with
// the current (mode, downstream_count, error). A no-op on an
// already-terminal node. The callback is wrapped to swallow panics —
// logged, never propagated.
func (n *Node) OnStateChanged(name string, cb func(mode Mode, count int, err error)) {
	n.lock.AcquireExclusive()
	st := n.State()
	if st.Terminal() {
		n.lock.ReleaseExclusive()
		return
	}

	wrapped := func(mode Mode, count int, err error) {
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("watcher panicked", telemetry.String("node", n.description))
			}
		}()
		cb(mode, count, err)
	}
	n.watchers = append(n.watchers, watcherEntry{name: name, cb: wrapped})
	if name != "" {
		n.cancellations[name] = cancellation{fn: func() { n.removeWatcher(name) }}
	}
	mode, count, err := st.Mode, st.DownstreamCount, st.Err
	n.lock.ReleaseExclusive()

	wrapped(mode, count, err)
}

func (n *Node) removeWatcher(name string) {
	n.lock.AcquireExclusive()
	for i, w := range n.watchers {
		if w.name == name {
			n.watchers = append(n.watchers[:i], n.watchers[i+1:]...)
			break
		}
	}
	n.lock.ReleaseExclusive()
}
