package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/chatcore/module/chat/model"
	"github.com/taskhive/chatcore/module/chat/store"
	"github.com/taskhive/chatcore/tools/errs"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateConversation(context.Background(), &model.Conversation{
		ConversationID: "c1",
		Participants:   []string{"alice", "bob", "carol"},
	}))
	return NewRegistry(st), st
}

func drainOne(t *testing.T, sess *Session) []byte {
	t.Helper()
	select {
	case p := <-sess.Outbound():
		return p
	case <-time.After(time.Second):
		t.Fatalf("expected a delivery on session %s", sess.ID)
		return nil
	}
}

func TestSubscribeRejectsNonParticipant(t *testing.T) {
	r, _ := newTestRegistry(t)
	sess := NewSession("s1", "mallory", 8)
	r.Register(sess)

	err := r.Subscribe(context.Background(), sess, "c1")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.Empty(t, r.Subscribers("c1"))
}

func TestBroadcastFanOutExactlyOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s1 := NewSession("s1", "alice", 8)
	s2 := NewSession("s2", "bob", 8)
	s3 := NewSession("s3", "carol", 8)
	other := NewSession("s4", "alice", 8)
	for _, s := range []*Session{s1, s2, s3, other} {
		r.Register(s)
	}
	require.NoError(t, r.Subscribe(ctx, s1, "c1"))
	require.NoError(t, r.Subscribe(ctx, s2, "c1"))
	require.NoError(t, r.Subscribe(ctx, s3, "c1"))
	// "other" never subscribes to c1

	r.Broadcast("c1", []byte("payload"), false)

	for _, s := range []*Session{s1, s2, s3} {
		assert.Equal(t, []byte("payload"), drainOne(t, s))
		select {
		case extra := <-s.Outbound():
			t.Fatalf("session %s got a second delivery: %q", s.ID, extra)
		default:
		}
	}
	select {
	case p := <-other.Outbound():
		t.Fatalf("unsubscribed session received %q", p)
	default:
	}
}

func TestUnsubscribeAndDisconnectAreIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess := NewSession("s1", "alice", 8)
	r.Register(sess)
	require.NoError(t, r.Subscribe(ctx, sess, "c1"))

	r.Unsubscribe("s1", "c1")
	r.Unsubscribe("s1", "c1")
	r.Unsubscribe("unknown", "c1")
	assert.Empty(t, r.Subscribers("c1"))

	r.OnDisconnect("s1")
	r.OnDisconnect("s1")
	r.OnDisconnect("never-registered")
}

func TestDisconnectStopsFurtherBroadcasts(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	sess := NewSession("s1", "alice", 8)
	r.Register(sess)
	require.NoError(t, r.Subscribe(ctx, sess, "c1"))

	r.OnDisconnect("s1")
	r.Broadcast("c1", []byte("late"), false)

	select {
	case p := <-sess.Outbound():
		t.Fatalf("disconnected session received %q", p)
	default:
	}
}

func TestBroadcastSurvivesStalledSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	stalled := NewSession("s1", "alice", 1)
	healthy := NewSession("s2", "bob", 8)
	r.Register(stalled)
	r.Register(healthy)
	require.NoError(t, r.Subscribe(ctx, stalled, "c1"))
	require.NoError(t, r.Subscribe(ctx, healthy, "c1"))

	// fill the stalled session's queue so the next message delivery closes it
	require.True(t, stalled.EnqueueMessage([]byte("fill")))

	r.Broadcast("c1", []byte("m1"), false)

	assert.Equal(t, []byte("m1"), drainOne(t, healthy))
	assert.True(t, stalled.IsClosed(), "persistently full session is disconnected")

	subs := r.Subscribers("c1")
	require.Len(t, subs, 1)
	assert.Equal(t, "s2", subs[0].ID)
}

func TestBroadcastDeliversPromptlyDespiteStalledSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	stalled := NewSession("stalled", "alice", 1)
	r.Register(stalled)
	require.NoError(t, r.Subscribe(ctx, stalled, "c1"))
	require.True(t, stalled.EnqueueMessage([]byte("fill")))

	healthy := make([]*Session, 10)
	for i := range healthy {
		healthy[i] = NewSession(string(rune('a'+i)), "bob", 8)
		r.Register(healthy[i])
		require.NoError(t, r.Subscribe(ctx, healthy[i], "c1"))
	}

	start := time.Now()
	r.Broadcast("c1", []byte("m1"), false)
	elapsed := time.Since(start)

	// a consumer that stopped reading must never hold up the loop
	assert.Less(t, elapsed, 200*time.Millisecond)
	for _, s := range healthy {
		assert.Equal(t, []byte("m1"), drainOne(t, s))
	}
	assert.True(t, stalled.IsClosed())
}

func TestConcurrentSubscribeBroadcastNoRace(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sess := NewSession(string(rune('a'+i)), "alice", 64)
			r.Register(sess)
			_ = r.Subscribe(ctx, sess, "c1")
			r.Unsubscribe(sess.ID, "c1")
			r.OnDisconnect(sess.ID)
		}(i)
		go func() {
			defer wg.Done()
			r.Broadcast("c1", []byte("x"), true)
		}()
	}
	wg.Wait()
}
