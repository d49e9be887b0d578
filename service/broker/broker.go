package broker

import (
	"context"
	"encoding/json"

	"github.com/taskhive/chatcore/tools/errs"
)

// Envelope is the unit the ingestion path publishes and the persistence
// worker consumes. ClientMsgID is the idempotency token; the store resolves
// redelivered envelopes to the already-persisted message, so at-least-once
// delivery never duplicates data.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	ClientMsgID    string `json:"client_msg_id"`
	ClientTS       int64  `json:"client_ts"`
}

func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode envelope")
	}
	return b, nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errs.WrapMsg(err, "decode envelope")
	}
	return &e, nil
}

// Handler processes one consumed envelope. Returning an error requests
// redelivery; the consumer must not drop the envelope.
type Handler func(ctx context.Context, env *Envelope) error

// Producer publishes envelopes keyed by conversation id. Publish returns only
// after the broker durably accepted the envelope, or fails with PublishFailed.
type Producer interface {
	Publish(ctx context.Context, env *Envelope) error
}

// Consumer pushes envelopes to a handler, in per-conversation publish order,
// at least once.
type Consumer interface {
	Start(ctx context.Context, h Handler) error
	Close() error
}
