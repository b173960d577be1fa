package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zchat/internal/bus"
	"zchat/internal/domain"
	"zchat/internal/httpserver"
	"zchat/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	repliesPending = 16
)

// Subscriber hands out per-connection event streams. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(userID int64) *bus.Subscription
}

// Options configures the /ws endpoint.
type Options struct {
	Auth           httpserver.Authenticator
	Bus            Subscriber
	Conversations  *service.ConversationService
	Messages       *service.MessageService
	Reads          *service.ReadStateService
	Log            *zap.Logger
	AllowedOrigins []string
	PollInterval   time.Duration
}

// Handler serves the push endpoint: it sends a snapshot, streams bus
// events for the user and accepts message, mark_read and typing frames.
type Handler struct {
	opts        Options
	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	checkOrigin := makeCheckOrigin(opts.AllowedOrigins)
	return &Handler{
		opts:        opts,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			CheckOrigin:  checkOrigin,
			Subprotocols: []string{"bearer"},
		},
	}
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin admits requests without an Origin header (non-browser
// clients) and browser requests from the allowed origins.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// extractToken reads the bearer token from the Authorization header or from
// a "bearer, <token>" Sec-WebSocket-Protocol pair.
func extractToken(r *http.Request) string {
	if token := httpserver.BearerToken(r); token != "" {
		return token
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	user, err := h.opts.Auth.Authenticate(r.Context(), token)
	if err != nil {
		status, msg := httpserver.PublicError(err)
		http.Error(w, msg, status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	sub := h.opts.Bus.Subscribe(user.ID)
	c := &client{
		h:       h,
		conn:    conn,
		sub:     sub,
		user:    user,
		replies: make(chan any, repliesPending),
		log: h.opts.Log.With(
			zap.Int64("user_id", user.ID),
			zap.String("connection_id", sub.ID())),
	}
	c.serve(r.Context())
}

type client struct {
	h       *Handler
	conn    *websocket.Conn
	sub     *bus.Subscription
	user    *domain.User
	replies chan any
	log     *zap.Logger
}

func (c *client) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.sub.Close()
	defer c.conn.Close()

	c.log.Info("ws connected")
	defer c.log.Info("ws disconnected")

	// Subscribed before the snapshot is read, so nothing committed after
	// the snapshot can be missed.
	snapshot, err := c.h.opts.Conversations.Snapshot(ctx, c.user.ID)
	if err != nil {
		c.log.Warn("ws snapshot", zap.Error(err))
		_, msg := httpserver.PublicError(err)
		c.closeWith(websocket.CloseInternalServerErr, msg)
		return
	}
	if err := c.write(SnapshotFrame{
		Type:                frameSnapshot,
		ConnectionID:        c.sub.ID(),
		PollIntervalSeconds: int(c.h.opts.PollInterval / time.Second),
		Conversations:       snapshot,
	}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()

	c.readPump(ctx)
	cancel()
	<-done
}

func (c *client) write(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// writePump is the only writer after the snapshot. It stops when the
// reader quits or the subscription is closed.
func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Unblocks the reader when writing fails.
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if err := c.write(ev.ForClient()); err != nil {
				c.log.Debug("ws write event", zap.Error(err))
				return
			}
		case reply := <-c.replies:
			if err := c.write(reply); err != nil {
				c.log.Debug("ws write reply", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws read", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := c.handle(ctx, frame)
		if reply == nil {
			continue
		}
		select {
		case c.replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one client frame and returns the reply to send, if any.
func (c *client) handle(ctx context.Context, f clientFrame) any {
	switch f.Type {
	case frameMessage:
		payload, err := domain.PayloadFromParts(f.Text, f.Image, f.Video, f.File)
		if err != nil {
			return c.errorFrame(f, err)
		}
		msg, created, err := c.h.opts.Messages.SendMessage(ctx, service.SendMessageInput{
			ConversationID: f.ConversationID,
			Payload:        payload,
			ClientMsgID:    f.ClientMsgID,
		}, c.user.ID)
		if err != nil {
			return c.errorFrame(f, err)
		}
		return AckFrame{Type: frameAck, RequestID: f.RequestID, Message: msg, Created: &created}

	case frameMarkRead:
		n, err := c.h.opts.Reads.MarkRead(ctx, f.ConversationID, c.user.ID)
		if err != nil {
			return c.errorFrame(f, err)
		}
		return AckFrame{Type: frameAck, RequestID: f.RequestID, UnreadCount: &n}

	case frameTyping:
		if err := c.h.opts.Conversations.Typing(ctx, f.ConversationID, c.user.ID); err != nil {
			return c.errorFrame(f, err)
		}
		return nil

	default:
		return ErrorFrame{
			Type:      frameError,
			RequestID: f.RequestID,
			Status:    http.StatusBadRequest,
			Error:     fmt.Sprintf("unknown frame type %q", f.Type),
		}
	}
}

func (c *client) errorFrame(f clientFrame, err error) ErrorFrame {
	status, msg := httpserver.PublicError(err)
	if status >= http.StatusInternalServerError {
		c.log.Warn("ws frame failed", zap.String("frame", f.Type), zap.Error(err))
	}
	return ErrorFrame{Type: frameError, RequestID: f.RequestID, Status: status, Error: msg}
}
