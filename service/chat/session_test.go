package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionEphemeralDropsWhenFull(t *testing.T) {
	sess := NewSession("s1", "alice", 2)

	assert.True(t, sess.EnqueueEphemeral([]byte("a")))
	assert.True(t, sess.EnqueueEphemeral([]byte("b")))
	assert.False(t, sess.EnqueueEphemeral([]byte("c")), "full queue drops ephemeral events")
	assert.False(t, sess.IsClosed(), "dropped ephemeral events never cost the connection")

	// queue content is intact, nothing was displaced
	assert.Equal(t, []byte("a"), <-sess.Outbound())
	assert.Equal(t, []byte("b"), <-sess.Outbound())
}

func TestSessionMessageFullQueueDisconnects(t *testing.T) {
	sess := NewSession("s1", "alice", 1)

	assert.True(t, sess.EnqueueMessage([]byte("a")))
	// nobody drains: the next must-deliver event closes the session instead
	// of waiting on the slow consumer
	assert.False(t, sess.EnqueueMessage([]byte("b")))
	assert.True(t, sess.IsClosed())

	// every enqueue after close is a silent no-op
	assert.False(t, sess.EnqueueMessage([]byte("c")))
	assert.False(t, sess.EnqueueEphemeral([]byte("d")))
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sess := NewSession("s1", "alice", 1)
	sess.Close()
	sess.Close()
	assert.True(t, sess.IsClosed())
	select {
	case <-sess.Closed():
	default:
		t.Fatal("Closed channel must be signalled")
	}
}
