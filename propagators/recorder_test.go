package propagators

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/creastat/flowcore/node"
)

func TestRecorder_RecordsEveryPropagatedMessage(t *testing.T) {
	r := NewRecorder()

	res1 := r.Propagate("a", false)
	res2 := r.Propagate(2, true)

	assert.Equal(t, node.OutcomeDelivered, res1.Outcome)
	assert.Equal(t, node.OutcomeDelivered, res2.Outcome)
	assert.Equal(t, []any{"a", 2}, r.Messages())
	assert.Nil(t, r.Downstream())
}

func TestRecorder_MessagesReturnsASnapshotCopy(t *testing.T) {
	r := NewRecorder()
	r.Propagate("x", false)

	snap := r.Messages()
	snap[0] = "mutated"

	assert.Equal(t, []any{"x"}, r.Messages())
}
