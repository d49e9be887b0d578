package broker

import (
	"sync"

	"github.com/taskhive/chatcore/tools/safe"
)

// Bus is the best-effort ephemeral side channel for typing indicators and
// presence transitions. No durability, no ordering, no retry: a subscriber
// that is slow simply misses events.
type Bus interface {
	PublishEphemeral(subject string, data []byte) error
	SubscribeEphemeral(subject string, fn func(data []byte)) error
	Close() error
}

// MemoryBus delivers ephemeral events inside the process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]func(data []byte)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]func(data []byte))}
}

func (b *MemoryBus) PublishEphemeral(subject string, data []byte) error {
	b.mu.RLock()
	fns := b.subs[subject]
	b.mu.RUnlock()
	for _, fn := range fns {
		f := fn
		cp := append([]byte(nil), data...)
		safe.Go(func() { f(cp) })
	}
	return nil
}

func (b *MemoryBus) SubscribeEphemeral(subject string, fn func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], fn)
	return nil
}

func (b *MemoryBus) Close() error { return nil }
