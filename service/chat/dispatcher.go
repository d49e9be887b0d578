package chat

import (
	"context"

	"github.com/taskhive/chatcore/tools/errs"
)

// HandlerFunc processes one inbound frame on behalf of a session.
type HandlerFunc func(ctx context.Context, sess *Session, f *Frame) error

// Dispatcher routes frames by type. Registration happens once at startup;
// dispatch is read-only afterwards.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(frameType string, h HandlerFunc) {
	d.handlers[frameType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, f *Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrInvalidPayload.WrapMsg("no handler", "type", f.Type)
	}
	return h(ctx, sess, f)
}
