package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	q := New()
	q.Push("low", 1)
	q.Push("high", 9)
	q.Push("mid", 5)

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "high", first.Payload)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "mid", second.Payload)

	third, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "low", third.Payload)
}

// TestFIFOAmongEqualSuspicion checks that the queue yields strict FIFO
// order among items with equal suspicion.
func TestFIFOAmongEqualSuspicion(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(i, 3)
	}
	for i := 0; i < 5; i++ {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, item.Payload)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan Item, 1)
	go func() {
		item, ok := q.Pop()
		if ok {
			done <- item
		}
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("late", 0)
	select {
	case item := <-done:
		assert.Equal(t, "late", item.Payload)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New()
	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Close")
	}
}

func TestCloseDrainsRemainingItems(t *testing.T) {
	q := New()
	q.Push("a", 0)
	q.Close()

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", item.Payload)

	_, ok = q.Pop()
	assert.False(t, ok)
}
