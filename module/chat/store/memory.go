package store

import (
	"context"
	"sync"
	"time"

	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/ids"
)

// Memory is the in-process Store used by tests and single-node deployments.
// Each conversation carries its own append mutex so appends to different
// conversations proceed in parallel while same-conversation appends serialize.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*memConv
	bySID map[string]*model.Message

	readMu sync.Mutex
	reads  map[string]*model.ReadState // conv|user
}

type memConv struct {
	appendMu sync.Mutex
	conv     *model.Conversation
	msgs     []*model.Message // index i holds seq i+1
	byCID    map[string]*model.Message
}

func NewMemory() *Memory {
	return &Memory{
		convs: make(map[string]*memConv),
		bySID: make(map[string]*model.Message),
		reads: make(map[string]*model.ReadState),
	}
}

func readKey(conv, user string) string { return conv + "|" + user }

func (m *Memory) CreateConversation(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ConversationID]; ok {
		return nil
	}
	cp := *conv
	if cp.CreateTime.IsZero() {
		cp.CreateTime = time.Now()
	}
	m.convs[conv.ConversationID] = &memConv{
		conv:  &cp,
		byCID: make(map[string]*model.Message),
	}
	return nil
}

func (m *Memory) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.convs[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}
	return mc.conv, nil
}

func (m *Memory) IsParticipant(_ context.Context, userID, conversationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.convs[conversationID]
	if !ok {
		return false, nil
	}
	return mc.conv.HasParticipant(userID), nil
}

func (m *Memory) Append(_ context.Context, conversationID, senderID, body, clientMsgID string) (*model.Message, error) {
	m.mu.RLock()
	mc, ok := m.convs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}

	mc.appendMu.Lock()
	defer mc.appendMu.Unlock()

	if clientMsgID != "" {
		if prev, dup := mc.byCID[clientMsgID]; dup {
			return prev, nil
		}
	}

	msg := &model.Message{
		ServerMsgID:    ids.GenerateString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientMsgID:    clientMsgID,
		Body:           body,
		Seq:            int64(len(mc.msgs)) + 1,
		CreateTimeMS:   time.Now().UnixMilli(),
	}
	mc.msgs = append(mc.msgs, msg)
	if clientMsgID != "" {
		mc.byCID[clientMsgID] = msg
	}

	m.mu.Lock()
	m.bySID[msg.ServerMsgID] = msg
	m.mu.Unlock()
	return msg, nil
}

func (m *Memory) GetMessage(_ context.Context, serverMsgID string) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.bySID[serverMsgID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message", "server_msg_id", serverMsgID)
	}
	return msg, nil
}

func (m *Memory) GetRange(_ context.Context, conversationID string, fromSeq, toSeq int64) ([]*model.Message, error) {
	m.mu.RLock()
	mc, ok := m.convs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}

	mc.appendMu.Lock()
	defer mc.appendMu.Unlock()
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq > int64(len(mc.msgs)) {
		toSeq = int64(len(mc.msgs))
	}
	if fromSeq > toSeq {
		return nil, nil
	}
	out := make([]*model.Message, 0, toSeq-fromSeq+1)
	for s := fromSeq; s <= toSeq; s++ {
		out = append(out, mc.msgs[s-1])
	}
	return out, nil
}

func (m *Memory) MaxSeq(_ context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	mc, ok := m.convs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return 0, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}
	mc.appendMu.Lock()
	defer mc.appendMu.Unlock()
	return int64(len(mc.msgs)), nil
}

func (m *Memory) UpdateReadState(_ context.Context, conversationID, userID string, seq int64) error {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	k := readKey(conversationID, userID)
	rs, ok := m.reads[k]
	if !ok {
		rs = &model.ReadState{ConversationID: conversationID, UserID: userID}
		m.reads[k] = rs
	}
	if seq <= rs.ReadSeq {
		return nil
	}
	rs.ReadSeq = seq
	rs.ReadTimeMS = time.Now().UnixMilli()
	return nil
}

func (m *Memory) ReadSeq(_ context.Context, conversationID, userID string) (int64, error) {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	if rs, ok := m.reads[readKey(conversationID, userID)]; ok {
		return rs.ReadSeq, nil
	}
	return 0, nil
}
