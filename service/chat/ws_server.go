package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskhive/chatcore/logger"
	"github.com/taskhive/chatcore/service/auth"
	"github.com/taskhive/chatcore/service/broker"
	"github.com/taskhive/chatcore/service/presence"
	"github.com/taskhive/chatcore/tools/errs"
	"github.com/taskhive/chatcore/tools/safe"
)

const presenceSubject = "chat.presence"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type GatewayConfig struct {
	SendQueueSize int
	PingInterval  time.Duration
	WriteTimeout  time.Duration
}

// Gateway is the WebSocket transport adapter. Identity is resolved exactly
// once at session establishment; afterwards every frame runs under the bound
// user id.
type Gateway struct {
	cfg      GatewayConfig
	binding  auth.Binding
	orch     *Orchestrator
	registry *Registry
	tracker  presence.Tracker
	bus      broker.Bus
	disp     *Dispatcher

	// live connections per user; presence flips only on the 0<->1 edges
	connMu    sync.Mutex
	connCount map[string]int
}

func NewGateway(cfg GatewayConfig, binding auth.Binding, orch *Orchestrator, registry *Registry, tracker presence.Tracker, bus broker.Bus) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	g := &Gateway{
		cfg:       cfg,
		binding:   binding,
		orch:      orch,
		registry:  registry,
		tracker:   tracker,
		bus:       bus,
		disp:      NewDispatcher(),
		connCount: make(map[string]int),
	}
	g.registerHandlers()
	return g
}

func (g *Gateway) Routes(r *gin.Engine) {
	r.GET("/ws", g.HandleWS)
	r.GET("/unread", g.handleUnread)
	r.GET("/presence", g.handlePresence)
	r.GET("/history", g.handleHistory)
}

func (g *Gateway) registerHandlers() {
	g.disp.Register(FrameSubscribe, func(ctx context.Context, sess *Session, f *Frame) error {
		return g.registry.Subscribe(ctx, sess, f.ConversationID)
	})
	g.disp.Register(FrameUnsubscribe, func(_ context.Context, sess *Session, f *Frame) error {
		g.registry.Unsubscribe(sess.ID, f.ConversationID)
		return nil
	})
	g.disp.Register(FrameSend, func(ctx context.Context, sess *Session, f *Frame) error {
		_, err := g.orch.SendMessage(ctx, sess.UserID, f.ConversationID, f.Body, f.ClientMsgID)
		return err
	})
	g.disp.Register(FrameRead, func(ctx context.Context, sess *Session, f *Frame) error {
		return g.orch.MarkMessageAsRead(ctx, sess.UserID, f.MessageID)
	})
	g.disp.Register(FrameTyping, func(ctx context.Context, sess *Session, f *Frame) error {
		g.orch.PublishTyping(ctx, sess.UserID, f.ConversationID, f.IsTyping)
		return nil
	})
	g.disp.Register(FramePing, func(_ context.Context, sess *Session, _ *Frame) error {
		pong, _ := json.Marshal(map[string]any{"type": EventPong, "ts": time.Now().UnixMilli()})
		sess.EnqueueEphemeral(pong)
		return nil
	})
}

// HandleWS upgrades the connection, binds the identity, and runs the read
// loop until the peer goes away.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	userID, err := g.binding.ResolveUserID(c.Request.Context(),
		auth.SessionContext{Token: token, RemoteAddr: c.ClientIP()})
	if err != nil {
		// no resolvable identity: reject at the edge, process nothing
		logger.Infof("[gateway] unauthenticated connection from %s", c.ClientIP())
		return
	}

	sess := NewSession(uuid.NewString(), userID, g.cfg.SendQueueSize)
	g.registry.Register(sess)

	ctx := context.Background()
	g.userConnected(ctx, userID)

	writerDone := make(chan struct{})
	safe.Go(func() { g.writePump(ws, sess, writerDone) })

	g.readLoop(ws, sess)

	// deregister before any further broadcast can target this session
	g.registry.OnDisconnect(sess.ID)
	sess.Close()
	g.userDisconnected(ctx, userID)
	<-writerDone
}

// userConnected flips presence online only for the user's first live
// connection.
func (g *Gateway) userConnected(ctx context.Context, userID string) {
	g.connMu.Lock()
	g.connCount[userID]++
	first := g.connCount[userID] == 1
	g.connMu.Unlock()
	if !first {
		return
	}
	if err := g.tracker.SetOnline(ctx, userID); err != nil {
		logger.Errorf("[gateway] presence online user=%s err=%v", userID, err)
	}
	g.publishPresence(userID, true)
}

// userDisconnected flips presence offline only when the user's last live
// connection goes away.
func (g *Gateway) userDisconnected(ctx context.Context, userID string) {
	g.connMu.Lock()
	g.connCount[userID]--
	last := g.connCount[userID] <= 0
	if last {
		delete(g.connCount, userID)
	}
	g.connMu.Unlock()
	if !last {
		return
	}
	if err := g.tracker.SetOffline(ctx, userID); err != nil {
		logger.Errorf("[gateway] presence offline user=%s err=%v", userID, err)
	}
	g.publishPresence(userID, false)
}

func (g *Gateway) readLoop(ws *websocket.Conn, sess *Session) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if derr := classifyReadError(err); derr != nil {
				logger.Infof("[gateway] session %s user=%s: %v", sess.ID, sess.UserID, derr)
			} else {
				logger.Warnf("[gateway] session %s read error: %v", sess.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			sess.EnqueueEphemeral(EncodeErrorEvent(errs.CodeInvalidPayload, "malformed frame"))
			continue
		}

		// frame failures stay with this session; the connection survives
		if err := g.disp.Dispatch(context.Background(), sess, frame); err != nil {
			code := errs.CodeInternal
			var ce *errs.CodeError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			logger.Infof("[gateway] frame %s rejected session=%s code=%d err=%v",
				frame.Type, sess.ID, code, err)
			sess.EnqueueEphemeral(EncodeErrorEvent(code, frame.Type+" rejected"))
		}
	}
}

func (g *Gateway) writePump(ws *websocket.Conn, sess *Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-sess.Outbound():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				sess.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close()
				return
			}
		case <-sess.Closed():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// resolveHTTPUser binds the request to a user id for the query endpoints,
// using the same token sources as the websocket upgrade.
func (g *Gateway) resolveHTTPUser(c *gin.Context) (string, bool) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	userID, err := g.binding.ResolveUserID(c.Request.Context(),
		auth.SessionContext{Token: token, RemoteAddr: c.ClientIP()})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": errs.CodeUnauthenticated, "msg": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func httpStatus(code int) int {
	switch code {
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeUnauthorized, errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeInvalidPayload:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithCode(c *gin.Context, err error) {
	code := errs.CodeInternal
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	c.JSON(httpStatus(code), gin.H{"code": code, "msg": "request rejected"})
}

func (g *Gateway) handleUnread(c *gin.Context) {
	userID, ok := g.resolveHTTPUser(c)
	if !ok {
		return
	}
	convID := c.Query("conversation_id")
	if convID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidPayload, "msg": "conversation_id required"})
		return
	}
	n, err := g.orch.GetUnreadCount(c.Request.Context(), userID, convID)
	if err != nil {
		abortWithCode(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": convID,
		"unread":          n,
		"has_unread":      n > 0,
	})
}

func (g *Gateway) handlePresence(c *gin.Context) {
	if _, ok := g.resolveHTTPUser(c); !ok {
		return
	}
	ids := strings.Split(c.Query("user_ids"), ",")
	users := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			users = append(users, id)
		}
	}
	if len(users) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidPayload, "msg": "user_ids required"})
		return
	}
	online, err := g.tracker.BulkIsOnline(c.Request.Context(), users)
	if err != nil {
		abortWithCode(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

func (g *Gateway) handleHistory(c *gin.Context) {
	userID, ok := g.resolveHTTPUser(c)
	if !ok {
		return
	}
	convID := c.Query("conversation_id")
	fromSeq, err1 := strconv.ParseInt(c.DefaultQuery("from_seq", "1"), 10, 64)
	toSeq, err2 := strconv.ParseInt(c.Query("to_seq"), 10, 64)
	if convID == "" || err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeInvalidPayload, "msg": "conversation_id, from_seq, to_seq required"})
		return
	}
	msgs, err := g.orch.History(c.Request.Context(), userID, convID, fromSeq, toSeq)
	if err != nil {
		abortWithCode(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": convID, "messages": msgs})
}

func (g *Gateway) publishPresence(userID string, online bool) {
	ev := &PresenceEvent{UserID: userID, Online: online, TS: time.Now().UnixMilli()}
	if err := g.bus.PublishEphemeral(presenceSubject, EncodePresenceEvent(ev)); err != nil {
		logger.Debug("[gateway] presence publish failed")
	}
}

// classifyReadError turns transport-level read failures into an explicit
// Disconnected classification so nothing upstream has to pattern-match
// error strings. A nil return means an unexpected read error.
func classifyReadError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return errs.ErrDisconnected.WrapMsg("peer closed")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errs.ErrDisconnected.WrapMsg("read timeout")
	}
	return nil
}
