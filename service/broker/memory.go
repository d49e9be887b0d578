package broker

import (
	"context"
	"hash/crc32"
	"sync"
	"time"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/safe"
)

// Memory is the in-process broker channel: hash-partitioned by conversation
// id so one conversation is always consumed by a single worker in publish
// order. A handler error blocks that partition and retries with backoff;
// at-least-once, nothing dropped.
//
// Shutdown is signalled through the done channel. The partition channels are
// never closed, so a publish racing Close can only fail, never panic.
type Memory struct {
	mu         sync.Mutex
	parts      []chan *Envelope
	done       chan struct{}
	closed     bool
	started    bool
	retryDelay time.Duration
	wg         sync.WaitGroup
}

func NewMemory(partitions, queueSize int) *Memory {
	if partitions <= 0 {
		partitions = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	m := &Memory{
		parts:      make([]chan *Envelope, partitions),
		done:       make(chan struct{}),
		retryDelay: 50 * time.Millisecond,
	}
	for i := range m.parts {
		m.parts[i] = make(chan *Envelope, queueSize)
	}
	return m
}

func (m *Memory) partition(key string) chan *Envelope {
	h := crc32.ChecksumIEEE([]byte(key))
	return m.parts[int(h%uint32(len(m.parts)))]
}

func (m *Memory) Publish(ctx context.Context, env *Envelope) error {
	select {
	case <-m.done:
		return errs.ErrPublishFailed.WrapMsg("broker closed")
	default:
	}
	select {
	case m.partition(env.ConversationID) <- env:
		return nil
	case <-m.done:
		return errs.ErrPublishFailed.WrapMsg("broker closed")
	case <-ctx.Done():
		return errs.ErrPublishFailed.WrapMsg("publish wait", "err", ctx.Err())
	}
}

func (m *Memory) Start(ctx context.Context, h Handler) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errs.New("memory broker already started")
	}
	m.started = true
	m.mu.Unlock()

	for _, p := range m.parts {
		part := p
		m.wg.Add(1)
		safe.Go(func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case env := <-part:
					m.deliver(ctx, h, env)
				}
			}
		})
	}
	return nil
}

// deliver retries until the handler accepts the envelope or the consumer
// stops. Redelivery of an already-applied envelope is safe: the store is
// idempotent on ClientMsgID.
func (m *Memory) deliver(ctx context.Context, h Handler, env *Envelope) {
	delay := m.retryDelay
	for {
		err := h(ctx, env)
		if err == nil {
			return
		}
		logger.Warnf("[broker.memory] handler failed, redelivering conv=%s client_msg_id=%s err=%v",
			env.ConversationID, env.ClientMsgID, err)
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
