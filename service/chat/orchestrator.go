package chat

import (
	"context"
	"time"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/module/chat/store"
	"github.com/taskhive/chatcore/service/broker"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/ids"
)

const typingSubject = "chat.typing"

type OrchestratorConfig struct {
	MaxBodyBytes  int
	ReorderWindow int
	GapWait       time.Duration
}

// Orchestrator validates inbound events, publishes them to the broker
// channel, consumes the channel to persist and broadcast, and answers
// read-state and presence-adjacent queries.
type Orchestrator struct {
	cfg      OrchestratorConfig
	store    store.Store
	producer broker.Producer
	registry *Registry
	bus      broker.Bus
	reorder  *reorderer
}

func NewOrchestrator(cfg OrchestratorConfig, st store.Store, producer broker.Producer, registry *Registry, bus broker.Bus) *Orchestrator {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4096
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		producer: producer,
		registry: registry,
		bus:      bus,
	}
	o.reorder = newReorderer(cfg.ReorderWindow, cfg.GapWait, o.broadcastMessage, st.GetRange)
	registry.SetOnJoin(o.autoMarkOnJoin)
	return o
}

// Start wires the orchestrator into the ephemeral bus. The broker consumer is
// wired by the caller via PersistHandler so transport setup stays in main.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := o.bus.SubscribeEphemeral(typingSubject, func(data []byte) {
		var ev TypingEvent
		if err := decodeTyping(data, &ev); err != nil {
			logger.Warnf("[orchestrator] bad typing event: %v", err)
			return
		}
		o.registry.Broadcast(ev.ConversationID, EncodeTypingEvent(&ev), true)
	})
	if err != nil {
		return err
	}
	// presence transitions are not conversation-scoped; every connected
	// session hears them
	return o.bus.SubscribeEphemeral(presenceSubject, func(data []byte) {
		var ev PresenceEvent
		if err := decodePresence(data, &ev); err != nil {
			logger.Warnf("[orchestrator] bad presence event: %v", err)
			return
		}
		o.registry.BroadcastAll(EncodePresenceEvent(&ev))
	})
}

// SendMessage validates and publishes, returning as soon as the broker
// durably accepted the envelope. Exactly one publish per call; retries are
// the client's decision on PublishFailed. The returned client message id is
// the idempotency token under which the message will persist.
func (o *Orchestrator) SendMessage(ctx context.Context, senderID, conversationID, body, clientMsgID string) (string, error) {
	ok, err := o.store.IsParticipant(ctx, senderID, conversationID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.ErrUnauthorized.WrapMsg("send",
			"user_id", senderID, "conversation_id", conversationID)
	}
	if body == "" {
		return "", errs.ErrInvalidPayload.WrapMsg("empty body")
	}
	if len(body) > o.cfg.MaxBodyBytes {
		return "", errs.ErrInvalidPayload.WrapMsg("body too large",
			"len", len(body), "max", o.cfg.MaxBodyBytes)
	}
	// every envelope carries a token so broker redelivery can never
	// persist twice; clients may supply their own for end-to-end dedup
	if clientMsgID == "" {
		clientMsgID = ids.GenerateString()
	}
	env := &broker.Envelope{
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ClientMsgID:    clientMsgID,
		ClientTS:       time.Now().UnixMilli(),
	}
	if err := o.producer.Publish(ctx, env); err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// PersistHandler is the broker consumer callback: append to the store, then
// hand the persisted message to the in-order broadcaster. A store failure
// propagates so the broker redelivers; at-least-once, nothing dropped.
func (o *Orchestrator) PersistHandler(ctx context.Context, env *broker.Envelope) error {
	msg, err := o.store.Append(ctx, env.ConversationID, env.SenderID, env.Body, env.ClientMsgID)
	if err != nil {
		return err
	}
	o.reorder.Deliver(msg)
	return nil
}

func (o *Orchestrator) broadcastMessage(msg *model.Message) {
	o.registry.Broadcast(msg.ConversationID, EncodeMessageEvent(msg), false)
}

// MarkMessageAsRead resolves the message and advances the reader's cursor.
// Stale acknowledgments are silent no-ops.
func (o *Orchestrator) MarkMessageAsRead(ctx context.Context, userID, serverMsgID string) error {
	msg, err := o.store.GetMessage(ctx, serverMsgID)
	if err != nil {
		return err
	}
	ok, err := o.store.IsParticipant(ctx, userID, msg.ConversationID)
	if err != nil {
		return err
	}
	if !ok {
		// non-participants learn nothing about the message's existence
		return errs.ErrNotFound.WrapMsg("message", "server_msg_id", serverMsgID)
	}
	return o.store.UpdateReadState(ctx, msg.ConversationID, userID, msg.Seq)
}

// autoMarkOnJoin moves the joining user's cursor to the conversation head.
// The registry already rejected non-participants; a failed check here is
// defense in depth and only logged.
func (o *Orchestrator) autoMarkOnJoin(ctx context.Context, userID, conversationID string) {
	ok, err := o.store.IsParticipant(ctx, userID, conversationID)
	if err != nil || !ok {
		logger.Warnf("[orchestrator] auto-mark skipped user=%s conv=%s ok=%v err=%v",
			userID, conversationID, ok, err)
		return
	}
	maxSeq, err := o.store.MaxSeq(ctx, conversationID)
	if err != nil {
		logger.Errorf("[orchestrator] auto-mark max seq user=%s conv=%s err=%v", userID, conversationID, err)
		return
	}
	if maxSeq == 0 {
		return
	}
	if err := o.store.UpdateReadState(ctx, conversationID, userID, maxSeq); err != nil {
		logger.Errorf("[orchestrator] auto-mark update user=%s conv=%s err=%v", userID, conversationID, err)
	}
}

// GetUnreadCount is maxSeq - readSeq clamped at zero.
func (o *Orchestrator) GetUnreadCount(ctx context.Context, userID, conversationID string) (int64, error) {
	maxSeq, err := o.store.MaxSeq(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	readSeq, err := o.store.ReadSeq(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	unread := maxSeq - readSeq
	if unread < 0 {
		unread = 0
	}
	return unread, nil
}

func (o *Orchestrator) HasUnread(ctx context.Context, userID, conversationID string) (bool, error) {
	n, err := o.GetUnreadCount(ctx, userID, conversationID)
	return n > 0, err
}

// PublishTyping broadcasts an ephemeral typing indicator to current
// subscribers. Best effort by contract: no persistence, no retry, and a
// non-participant's indicator is discarded quietly.
func (o *Orchestrator) PublishTyping(ctx context.Context, userID, conversationID string, isTyping bool) {
	ok, err := o.store.IsParticipant(ctx, userID, conversationID)
	if err != nil || !ok {
		logger.Debug("[orchestrator] typing discarded")
		return
	}
	ev := &TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		TS:             time.Now().UnixMilli(),
	}
	if err := o.bus.PublishEphemeral(typingSubject, EncodeTypingEvent(ev)); err != nil {
		logger.Debug("[orchestrator] typing publish failed")
	}
}

// History returns the sequence-ordered message range for a participant, used
// by clients backfilling after subscribe.
func (o *Orchestrator) History(ctx context.Context, userID, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error) {
	ok, err := o.store.IsParticipant(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrForbidden.WrapMsg("history",
			"user_id", userID, "conversation_id", conversationID)
	}
	return o.store.GetRange(ctx, conversationID, fromSeq, toSeq)
}
