package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueFIFO(t *testing.T) {
	q := NewSendQueue(4)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push([]byte{byte(i)}))
	}
	assert.Equal(t, 0, q.Available())

	for i := 0; i < 4; i++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, got)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestSendQueueFullIsUnchanged(t *testing.T) {
	q := NewSendQueue(2)
	require.NoError(t, q.Push([]byte("a")))
	require.NoError(t, q.Push([]byte("b")))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, q.Push([]byte("c")), ErrQueueFull)
	}
	assert.Equal(t, 2, q.Len())

	head, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), head)
}

func TestSendQueueWrapsAround(t *testing.T) {
	q := NewSendQueue(3)
	var want []string

	next := 0
	for round := 0; round < 5; round++ {
		for q.Available() > 0 {
			s := string(rune('a' + next%26))
			next++
			require.NoError(t, q.Push([]byte(s)))
			want = append(want, s)
		}
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want[0], string(got))
		want = want[1:]
	}
	assert.Equal(t, len(want), q.Len())
}

func TestSendQueueClear(t *testing.T) {
	q := NewSendQueue(0)
	assert.Equal(t, DefaultQueueSize, q.Available())

	require.NoError(t, q.Push([]byte("x")))
	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, DefaultQueueSize, q.Available())
}
