// Package queue implements the FIFO collaborator a node.Node materializes
// on demand: enqueue/receive with predicate matching, drain, close, the
// drained/errored sentinels, and transactional copies. It is an external
// collaborator from the node package's point of view — node never reaches
// into a queue's internals, only its interface.
package queue

import (
	"sync"

	"github.com/creastat/flowcore/result"
)

// ReceiveResult is what Enqueue and Receive hand back: either a value
// already available synchronously, or a pending result.Result that
// completes later.
type ReceiveResult struct {
	Value any
	Async *result.Result
}

// Sync wraps a value that is available immediately.
func Sync(v any) ReceiveResult { return ReceiveResult{Value: v} }

// Pending wraps a result.Result that will complete later.
func Pending(r *result.Result) ReceiveResult { return ReceiveResult{Async: r} }

// IsAsync reports whether the result is still pending.
func (r ReceiveResult) IsAsync() bool { return r.Async != nil }

// Queue is the messaging FIFO node.Node consumes.
type Queue interface {
	Enqueue(msg any, persist bool, onComplete func()) ReceiveResult
	Receive(predicate func(any) bool, falseValue any) ReceiveResult
	Drain() []any
	Close() bool
	Closed() bool
	Drained() bool
	Error(err error) bool
	CancelReceive(r *result.Result)
	DispatchMessage(msg any, fn func(any))
	Size() int
}

type waiter struct {
	predicate  func(any) bool
	falseValue any
	res        *result.Result
}

// errorValue wraps an error delivered to a pending waiter when the queue
// transitions to the error state while a receive is outstanding.
type errorValue struct{ err error }

type fifo struct {
	mu      sync.Mutex
	buf     []any
	waiters []waiter
	closed  bool
	err     error
	copyTo  *fifo
}

// New returns an empty, open Queue.
func New() Queue {
	return &fifo{}
}

// NewTransactional wraps base so every enqueued message is additionally
// appended to a transactional copy, matching the transactional-copy
// collaborator the node.transactional() upgrade installs.
func NewTransactional(base Queue) Queue {
	b, ok := base.(*fifo)
	if !ok {
		// Unknown Queue implementation: returned unchanged, with no
		// transactional copy.
		return base
	}
	b.mu.Lock()
	if b.copyTo == nil {
		b.copyTo = &fifo{}
	}
	b.mu.Unlock()
	return b
}

// TransactionalCopy returns the messages recorded in q's transactional
// copy, or nil if q was never upgraded.
func TransactionalCopy(q Queue) []any {
	b, ok := q.(*fifo)
	if !ok || b.copyTo == nil {
		return nil
	}
	return b.copyTo.Drain()
}

var (
	drainedSentinel = &fifo{closed: true}
)

// Drained returns the singleton always-drained sentinel queue.
func Drained() Queue { return drainedSentinel }

// Errored returns a fresh always-erroring sentinel queue carrying err.
func Errored(err error) Queue {
	return &fifo{closed: true, err: err}
}

func (q *fifo) Enqueue(msg any, persist bool, onComplete func()) ReceiveResult {
	q.mu.Lock()

	if q.copyTo != nil {
		q.copyTo.Enqueue(msg, true, nil)
	}

	if !persist {
		for i, w := range q.waiters {
			if w.predicate == nil || w.predicate(msg) {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				if onComplete != nil {
					onComplete()
				}
				w.res.Complete(msg)
				return Sync(msg)
			}
		}
	}

	q.buf = append(q.buf, msg)
	q.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
	return Sync(msg)
}

func (q *fifo) Receive(predicate func(any) bool, falseValue any) ReceiveResult {
	q.mu.Lock()
	for i, msg := range q.buf {
		if predicate == nil || predicate(msg) {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			q.mu.Unlock()
			return Sync(msg)
		}
	}

	if q.closed {
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return Sync(errorValue{err})
		}
		return Sync(falseValue)
	}

	res := result.New()
	q.waiters = append(q.waiters, waiter{predicate: predicate, falseValue: falseValue, res: res})
	q.mu.Unlock()
	return Pending(res)
}

func (q *fifo) Drain() []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

func (q *fifo) Close() bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w.res.Complete(w.falseValue)
	}
	return true
}

func (q *fifo) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *fifo) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.buf) == 0 && q.err == nil
}

func (q *fifo) Error(err error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	q.err = err
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w.res.Complete(errorValue{err})
	}
	return true
}

func (q *fifo) CancelReceive(r *result.Result) {
	q.mu.Lock()
	for i, w := range q.waiters {
		if w.res == r {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	r.Cancel()
}

func (q *fifo) DispatchMessage(msg any, fn func(any)) {
	fn(msg)
}

func (q *fifo) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// ErrorOf extracts the error carried by a value Receive returned via the
// error-sentinel path, if any.
func ErrorOf(v any) (error, bool) {
	if ev, ok := v.(errorValue); ok {
		return ev.err, true
	}
	return nil, false
}
