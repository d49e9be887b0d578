package store

import (
	"context"

	"github.com/taskhive/chatcore/module/chat/model"
)

// MembershipSource answers whether a user belongs to a conversation. The
// surrounding application owns membership; the core only consults it.
type MembershipSource interface {
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
}

// Store is the durable message/read-state backend.
//
// Append serializes per conversation: two concurrent appends to the same
// conversation get distinct consecutive sequence numbers; appends to different
// conversations never block each other. Append is idempotent on clientMsgID:
// redelivered envelopes resolve to the already-stored message.
type Store interface {
	MembershipSource

	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)

	Append(ctx context.Context, conversationID, senderID, body, clientMsgID string) (*model.Message, error)
	GetMessage(ctx context.Context, serverMsgID string) (*model.Message, error)
	// GetRange returns messages with fromSeq <= seq <= toSeq in sequence order.
	GetRange(ctx context.Context, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)

	// UpdateReadState moves the (conversation, user) read cursor forward.
	// A lower or equal seq is a no-op, not an error.
	UpdateReadState(ctx context.Context, conversationID, userID string, seq int64) error
	ReadSeq(ctx context.Context, conversationID, userID string) (int64, error)
}
