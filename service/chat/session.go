package chat

import (
	"sync"
)

// Session is one live connection bound to exactly one authenticated user.
// All outbound traffic goes through a bounded queue drained by a single
// writer goroutine, so one slow client never blocks a broadcast to others.
type Session struct {
	ID     string
	UserID string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(id, userID string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Session{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Outbound is drained by the transport's writer goroutine.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Closed is signalled once; after that every enqueue is a silent no-op.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// EnqueueMessage queues a must-deliver event without ever blocking the
// caller. A full queue means the client has fallen a whole queue length
// behind; the session is closed so a stalled consumer can never hold up
// the conversation fan-out. Returns false when the event was not queued.
func (s *Session) EnqueueMessage(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.Close()
		return false
	}
}

// EnqueueEphemeral queues a droppable event (typing, presence). A full queue
// drops it immediately; ephemeral events carry no delivery guarantee.
func (s *Session) EnqueueEphemeral(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}
