package chat

import (
	"context"
	"sync"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/module/chat/store"
	"github.com/taskhive/chatcore/tools/errs"
)

// Registry maps live sessions to the conversations they subscribe to. It is
// the single owner of subscription state: every mutation goes through its
// methods, and broadcast readers always observe either the pre- or
// post-mutation subscriber set.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*sessionEntry
	byConv    map[string]map[string]*Session

	membership store.MembershipSource

	// onJoin runs after a successful subscribe (auto-mark-read hook).
	// Failures are logged, never surfaced: the subscribe itself stands.
	onJoin func(ctx context.Context, userID, conversationID string)
}

type sessionEntry struct {
	sess  *Session
	convs map[string]struct{}
}

func NewRegistry(membership store.MembershipSource) *Registry {
	return &Registry{
		bySession:  make(map[string]*sessionEntry),
		byConv:     make(map[string]map[string]*Session),
		membership: membership,
	}
}

// SetOnJoin installs the subscribe hook. Call before serving traffic.
func (r *Registry) SetOnJoin(fn func(ctx context.Context, userID, conversationID string)) {
	r.onJoin = fn
}

// Register makes a connected session known to the registry. Idempotent.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[sess.ID]; ok {
		return
	}
	r.bySession[sess.ID] = &sessionEntry{sess: sess, convs: make(map[string]struct{})}
}

// Subscribe adds the session to a conversation's subscriber set. Fails with
// Forbidden when the session's user is not a participant. Repeated subscribes
// are no-ops beyond re-running the (idempotent) onJoin hook.
func (r *Registry) Subscribe(ctx context.Context, sess *Session, conversationID string) error {
	ok, err := r.membership.IsParticipant(ctx, sess.UserID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrForbidden.WrapMsg("subscribe",
			"user_id", sess.UserID, "conversation_id", conversationID)
	}

	r.mu.Lock()
	entry, known := r.bySession[sess.ID]
	if !known {
		entry = &sessionEntry{sess: sess, convs: make(map[string]struct{})}
		r.bySession[sess.ID] = entry
	}
	entry.convs[conversationID] = struct{}{}
	subs := r.byConv[conversationID]
	if subs == nil {
		subs = make(map[string]*Session)
		r.byConv[conversationID] = subs
	}
	subs[sess.ID] = sess
	r.mu.Unlock()

	if r.onJoin != nil {
		r.onJoin(ctx, sess.UserID, conversationID)
	}
	return nil
}

// Unsubscribe is safe to call repeatedly, including for unknown sessions.
func (r *Registry) Unsubscribe(sessionID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.bySession[sessionID]; ok {
		delete(entry.convs, conversationID)
	}
	if subs, ok := r.byConv[conversationID]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.byConv, conversationID)
		}
	}
}

// OnDisconnect removes every subscription of the session synchronously:
// after it returns no broadcast will target the session. Idempotent.
func (r *Registry) OnDisconnect(sessionID string) {
	r.mu.Lock()
	entry, ok := r.bySession[sessionID]
	if ok {
		for conv := range entry.convs {
			if subs, sok := r.byConv[conv]; sok {
				delete(subs, sessionID)
				if len(subs) == 0 {
					delete(r.byConv, conv)
				}
			}
		}
		delete(r.bySession, sessionID)
	}
	r.mu.Unlock()
	if ok {
		entry.sess.Close()
	}
}

// Broadcast delivers a payload to every current subscriber of the
// conversation. The loop never blocks on a single session: droppable events
// are shed on full queues, and a full queue on a message event disconnects
// that session while delivery to the rest proceeds. Delivery to a session
// that has since disconnected is silently dropped.
func (r *Registry) Broadcast(conversationID string, payload []byte, droppable bool) {
	r.mu.RLock()
	subs := r.byConv[conversationID]
	targets := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		if droppable {
			sess.EnqueueEphemeral(payload)
			continue
		}
		if !sess.EnqueueMessage(payload) && sess.IsClosed() {
			logger.Warnf("[registry] session %s stalled, deregistering user=%s conv=%s",
				sess.ID, sess.UserID, conversationID)
			r.OnDisconnect(sess.ID)
		}
	}
}

// BroadcastAll delivers an ephemeral payload to every registered session
// regardless of subscriptions, used for presence transitions.
func (r *Registry) BroadcastAll(payload []byte) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.bySession))
	for _, entry := range r.bySession {
		targets = append(targets, entry.sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		sess.EnqueueEphemeral(payload)
	}
}

// Subscribers reports the sessions currently subscribed to a conversation.
func (r *Registry) Subscribers(conversationID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byConv[conversationID]
	out := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		out = append(out, sess)
	}
	return out
}
