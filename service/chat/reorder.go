package chat

import (
	"context"
	"sync"
	"time"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/module/chat/model"
)

// reorderer turns the broker's per-partition delivery into strict
// per-conversation sequence order before broadcast. Messages arriving ahead
// of the expected sequence wait in a bounded lookahead window; a gap that
// outlives gapWait (or overflows the window) is recovered by fetching the
// missing range straight from the store.
type reorderer struct {
	window  int
	gapWait time.Duration

	emit  func(*model.Message)
	fetch func(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error)

	mu      sync.Mutex
	cursors map[string]*convCursor
}

type convCursor struct {
	mu       sync.Mutex
	next     int64 // next expected seq; 0 until the first delivery
	pending  map[int64]*model.Message
	gapTimer *time.Timer
}

func newReorderer(window int, gapWait time.Duration,
	emit func(*model.Message),
	fetch func(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error),
) *reorderer {
	if window <= 0 {
		window = 128
	}
	if gapWait <= 0 {
		gapWait = 2 * time.Second
	}
	return &reorderer{
		window:  window,
		gapWait: gapWait,
		emit:    emit,
		fetch:   fetch,
		cursors: make(map[string]*convCursor),
	}
}

func (r *reorderer) cursor(conversationID string) *convCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[conversationID]
	if !ok {
		c = &convCursor{pending: make(map[int64]*model.Message)}
		r.cursors[conversationID] = c
	}
	return c
}

// Deliver accepts one persisted message in whatever order the broker
// produced it and emits in non-decreasing sequence order.
func (r *reorderer) Deliver(msg *model.Message) {
	c := r.cursor(msg.ConversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next == 0 {
		c.next = msg.Seq
	}
	switch {
	case msg.Seq < c.next:
		// duplicate redelivery of something already broadcast
		return
	case msg.Seq == c.next:
		r.emit(msg)
		c.next++
		c.flushLocked(r.emit)
		if len(c.pending) == 0 {
			c.stopTimerLocked()
		}
	default:
		c.pending[msg.Seq] = msg
		if len(c.pending) >= r.window {
			r.recoverLocked(msg.ConversationID, c)
			return
		}
		if c.gapTimer == nil {
			conv := msg.ConversationID
			c.gapTimer = time.AfterFunc(r.gapWait, func() { r.recoverGap(conv) })
		}
	}
}

func (c *convCursor) flushLocked(emit func(*model.Message)) {
	for {
		m, ok := c.pending[c.next]
		if !ok {
			return
		}
		delete(c.pending, c.next)
		emit(m)
		c.next++
	}
}

func (c *convCursor) stopTimerLocked() {
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}
}

func (r *reorderer) recoverGap(conversationID string) {
	c := r.cursor(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.recoverLocked(conversationID, c)
}

// recoverLocked fills the hole before the lowest pending message from the
// store, then advances past it. Sequences genuinely absent from the store
// (an abandoned allocation) are skipped so the conversation cannot wedge.
func (r *reorderer) recoverLocked(conversationID string, c *convCursor) {
	c.stopTimerLocked()
	if len(c.pending) == 0 {
		return
	}
	lowest := int64(0)
	for s := range c.pending {
		if lowest == 0 || s < lowest {
			lowest = s
		}
	}
	if lowest > c.next {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msgs, err := r.fetch(ctx, conversationID, c.next, lowest-1)
		cancel()
		if err != nil {
			logger.Errorf("[reorder] gap fetch failed conv=%s range=[%d,%d) err=%v",
				conversationID, c.next, lowest, err)
			// keep the timer armed, try again later
			conv := conversationID
			c.gapTimer = time.AfterFunc(r.gapWait, func() { r.recoverGap(conv) })
			return
		}
		for _, m := range msgs {
			if m.Seq >= c.next {
				r.emit(m)
			}
		}
		c.next = lowest
	}
	c.flushLocked(r.emit)
	if len(c.pending) > 0 {
		conv := conversationID
		c.gapTimer = time.AfterFunc(r.gapWait, func() { r.recoverGap(conv) })
	}
}
