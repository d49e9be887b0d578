package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskhive/chatcore/tools/errs"
)

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus carries ephemeral events between gateway nodes over core NATS.
// Core (non-JetStream) delivery matches the contract: best-effort only.
type NatsBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &NatsBus{nc: nc}, nil
}

func (b *NatsBus) PublishEphemeral(subject string, data []byte) error {
	// fire and forget; callers treat failures as a missed best-effort event
	return b.nc.Publish(subject, data)
}

func (b *NatsBus) SubscribeEphemeral(subject string, fn func(data []byte)) error {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(append([]byte(nil), m.Data...))
	})
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", subject)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}
