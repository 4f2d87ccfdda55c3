package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueReceive_SoloRoundTrip(t *testing.T) {
	q := New()
	rr := q.Enqueue("hello", true, nil)
	assert.False(t, rr.IsAsync())

	got := q.Receive(nil, "none")
	assert.False(t, got.IsAsync())
	assert.Equal(t, "hello", got.Value)
}

func TestReceive_PredicateSkipsNonMatching(t *testing.T) {
	q := New()
	q.Enqueue(1, true, nil)
	q.Enqueue(2, true, nil)
	q.Enqueue(3, true, nil)

	got := q.Receive(func(v any) bool { return v.(int) == 2 }, nil)
	assert.Equal(t, 2, got.Value)
	assert.Equal(t, 2, q.Size())
}

func TestReceive_PendingThenEnqueueCompletesIt(t *testing.T) {
	q := New()
	rr := q.Receive(nil, "none")
	assert.True(t, rr.IsAsync())

	var got any
	rr.Async.Subscribe(func(v any) { got = v })

	q.Enqueue("arrived", false, nil)
	assert.Equal(t, "arrived", got)
	assert.Equal(t, 0, q.Size())
}

func TestEnqueue_NonPersistHandsOffDirectlyToWaiter(t *testing.T) {
	q := New()
	released := false
	rr := q.Receive(nil, nil)
	assert.True(t, rr.IsAsync())

	var got any
	rr.Async.Subscribe(func(v any) { got = v })

	q.Enqueue("direct", false, func() { released = true })
	assert.True(t, released)
	assert.Equal(t, "direct", got)
	assert.Equal(t, 0, q.Size())
}

func TestClose_WakesPendingWaitersWithFalseValue(t *testing.T) {
	q := New()
	rr := q.Receive(nil, "fallback")
	var got any
	rr.Async.Subscribe(func(v any) { got = v })

	assert.True(t, q.Close())
	assert.Equal(t, "fallback", got)
	assert.True(t, q.Closed())
}

func TestClose_Idempotent(t *testing.T) {
	q := New()
	assert.True(t, q.Close())
	assert.False(t, q.Close())
}

func TestDrained_TrueOnlyWhenClosedAndEmpty(t *testing.T) {
	q := New()
	q.Enqueue("x", true, nil)
	q.Close()
	assert.False(t, q.Drained())
	q.Drain()
	assert.True(t, q.Drained())
}

func TestError_WakesWaitersWithErrorValue(t *testing.T) {
	q := New()
	rr := q.Receive(nil, nil)
	var got any
	rr.Async.Subscribe(func(v any) { got = v })

	boom := errors.New("boom")
	assert.True(t, q.Error(boom))

	err, ok := ErrorOf(got)
	assert.True(t, ok)
	assert.Equal(t, boom, err)
}

func TestReceive_AfterCloseReturnsFalseValueSynchronously(t *testing.T) {
	q := New()
	q.Close()
	got := q.Receive(nil, "bye")
	assert.False(t, got.IsAsync())
	assert.Equal(t, "bye", got.Value)
}

func TestCancelReceive_RemovesWaiterAndCancelsResult(t *testing.T) {
	q := New()
	rr := q.Receive(nil, nil)
	q.CancelReceive(rr.Async)

	assert.False(t, q.Enqueue("late", false, nil).IsAsync())
	assert.Equal(t, 1, q.Size())
	_, done := rr.Async.Success()
	assert.False(t, done)
}

func TestTransactionalCopy_RecordsEveryEnqueue(t *testing.T) {
	base := New()
	q := NewTransactional(base)
	q.Enqueue("a", true, nil)
	q.Enqueue("b", true, nil)
	q.Receive(nil, nil) // drains "a" from the live queue, not the copy

	copy := TransactionalCopy(q)
	assert.Equal(t, []any{"a", "b"}, copy)
}

func TestDrainedSentinel_AlwaysReportsClosed(t *testing.T) {
	d := Drained()
	assert.True(t, d.Closed())
	assert.True(t, d.Drained())
	got := d.Receive(nil, "fallback")
	assert.Equal(t, "fallback", got.Value)
}

func TestErroredSentinel_CarriesError(t *testing.T) {
	boom := errors.New("boom")
	e := Errored(boom)
	got := e.Receive(nil, nil)
	err, ok := ErrorOf(got.Value)
	assert.True(t, ok)
	assert.Equal(t, boom, err)
}
