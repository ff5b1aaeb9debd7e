package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowPausesAtLimit(t *testing.T) {
	f := newFlow(100)

	assert.False(t, f.queued(60))
	assert.True(t, f.queued(40), "reaching the limit pauses reads")
	assert.False(t, f.queued(10), "already paused")
	assert.Equal(t, 1, f.pauses)

	assert.False(t, f.written(30), "80 buffered is above the low-water mark")
	assert.True(t, f.written(30), "50 buffered is at the low-water mark")
	assert.False(t, f.paused)
}

func TestFlowBacklogIsFIFO(t *testing.T) {
	f := newFlow(100)

	var order []int
	send := func(i, n int) func() {
		return func() {
			order = append(order, i)
			f.queued(n)
		}
	}

	f.enqueue(send(0, 100))
	require.Equal(t, []int{0}, order)
	require.True(t, f.congested())

	for i := 1; i <= 4; i++ {
		f.enqueue(send(i, 40))
	}
	assert.Equal(t, []int{0}, order, "congested sends wait in the backlog")

	// 100 -> 0: entries 1,2,3 fit (120 >= limit stops the drain)
	f.written(100)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
	assert.Len(t, f.backlog, 1)

	// a new send queues behind the remaining backlog even if there is room
	f.written(90)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	f.enqueue(send(5, 1))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestFlowResumeAfterBacklogDrains(t *testing.T) {
	f := newFlow(10)
	require.True(t, f.queued(10))

	ran := false
	f.enqueue(func() { ran = true })
	assert.False(t, ran)

	assert.True(t, f.written(10))
	assert.True(t, ran)
	assert.Empty(t, f.backlog)
}
