package ev_test

import (
	"errors"
	"testing"

	"deedles.dev/kms/internal/ev"
	"github.com/stretchr/testify/assert"
)

func TestFlush(t *testing.T) {
	var order []int
	errA := errors.New("a")

	var q ev.Events
	q.Add(func() error { order = append(order, 1); return errA })
	q.Add(func() error { order = append(order, 2); return nil })
	assert.Equal(t, 2, q.Len())

	err := q.Flush()
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []int{1, 2}, order)
	assert.Zero(t, q.Len())

	q.Add(func() error { order = append(order, 3); return nil })
	q.Discard()
	assert.NoError(t, q.Flush())
	assert.Equal(t, []int{1, 2}, order)
}
