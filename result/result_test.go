package result

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompleted_AlreadySuccessful(t *testing.T) {
	r := Completed(42)
	v, ok := r.Success()
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.False(t, r.IsAsync())
}

func TestSubscribe_BeforeComplete(t *testing.T) {
	r := New()
	var got any
	r.Subscribe(func(v any) { got = v })
	assert.Nil(t, got)
	assert.True(t, r.Complete("done"))
	assert.Equal(t, "done", got)
}

func TestSubscribe_AfterComplete(t *testing.T) {
	r := Completed("value")
	var got any
	r.Subscribe(func(v any) { got = v })
	assert.Equal(t, "value", got)
}

func TestComplete_OnlyOnce(t *testing.T) {
	r := New()
	assert.True(t, r.Complete("first"))
	assert.False(t, r.Complete("second"))
	v, _ := r.Success()
	assert.Equal(t, "first", v)
}

func TestCancel_DropsPendingSubscribers(t *testing.T) {
	r := New()
	called := false
	r.Subscribe(func(any) { called = true })
	assert.True(t, r.Cancel())
	assert.False(t, called)
	assert.False(t, r.Complete("too late"))
}

func TestCancel_LosesRaceAfterComplete(t *testing.T) {
	r := New()
	r.Complete("won")
	assert.False(t, r.Cancel())
	v, ok := r.Success()
	assert.True(t, ok)
	assert.Equal(t, "won", v)
}

func TestComplete_ConcurrentCallersOnlyOneWins(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	wins := make([]bool, 16)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = r.Complete(i)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
