package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	assert.True(t, q.Enqueue("a", now))
	assert.True(t, q.Enqueue("b", now))
	assert.True(t, q.Enqueue("c", now))
	assert.Equal(t, []string{"a", "b", "c"}, q.IDs())

	e, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", e.ID)
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Enqueue("a", now), "popped id can queue again")
	assert.Equal(t, []string{"b", "c", "a"}, q.IDs())
}

func TestQueueRejectsDuplicates(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	assert.True(t, q.Enqueue("a", now))
	assert.False(t, q.Enqueue("a", now))
	assert.Equal(t, 1, q.Len())
}

func TestQueuePopKeepsJoinTime(t *testing.T) {
	q := NewQueue()
	joined := time.Unix(100, 0)
	q.Enqueue("a", joined)
	q.Enqueue("b", time.Unix(200, 0))

	e, _ := q.Pop()
	assert.Equal(t, joined, e.JoinedAt)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	q.Enqueue("a", now)
	q.Enqueue("b", now)
	q.Enqueue("c", now)

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, q.IDs())
}

func TestQueuePopEmpty(t *testing.T) {
	_, ok := NewQueue().Pop()
	assert.False(t, ok)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, k)

	_, err = ParseKind("audio")
	assert.Error(t, err)
}
