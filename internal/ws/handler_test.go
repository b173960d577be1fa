package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"zchat/internal/bus"
	"zchat/internal/domain"
	"zchat/internal/security"
	"zchat/internal/service"
	"zchat/internal/store/sqlite"
	"zchat/internal/ws"
)

// frame is a superset of everything the server writes.
type frame struct {
	Type           string                       `json:"type"`
	RequestID      string                       `json:"request_id"`
	ConnectionID   string                       `json:"connection_id"`
	ConversationID int64                        `json:"conversation_id"`
	ActorID        int64                        `json:"actor_id"`
	Conversations  []domain.ConversationSummary `json:"conversations"`
	Message        *domain.Message              `json:"message"`
	Created        *bool                        `json:"created"`
	UnreadCount    *int                         `json:"unread_count"`
	Status         int                          `json:"status"`
	Error          string                       `json:"error"`
	Recipients     []int64                      `json:"recipients"`
}

type env struct {
	srv   *httptest.Server
	auth  *service.AuthService
	convs *service.ConversationService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	cipher, err := security.NewTextCipher("ws-secret", nil)
	require.NoError(t, err)

	users := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)
	readRepo := sqlite.NewReadStateRepo(db)
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	convs := service.NewConversationService(users, convRepo, cipher, b, nil, "Channel", nil)
	messages := service.NewMessageService(convRepo, msgRepo, readRepo, cipher, b, nil, 100)
	reads := service.NewReadStateService(convRepo, readRepo, b, nil)
	auth := service.NewAuthService(users,
		security.NewTokenService("ws-jwt", time.Hour),
		security.NewPasswordHasher(bcrypt.MinCost),
		convs, nil)

	h := ws.NewHandler(ws.Options{
		Auth:          auth,
		Bus:           b,
		Conversations: convs,
		Messages:      messages,
		Reads:         reads,
		PollInterval:  7 * time.Second,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, auth: auth, convs: convs}
}

func (e *env) register(t *testing.T, name string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, service.RegisterInput{
		Email:     name + "@example.com",
		FirstName: name,
		Password:  "secret-" + name,
	})
	require.NoError(t, err)
	tok, err := e.auth.Login(ctx, service.LoginInput{Email: u.Email, Password: "secret-" + name})
	require.NoError(t, err)
	return u.ID, tok.AccessToken
}

func (e *env) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *env) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := read(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %q frame received", typ)
	return frame{}
}

func TestSnapshotThenLiveEvents(t *testing.T) {
	e := newEnv(t)
	alice, aliceTok := e.register(t, "alice")
	bob, bobTok := e.register(t, "bob")

	aliceConn := e.dial(t, aliceTok)
	snap := read(t, aliceConn)
	assert.Equal(t, "snapshot", snap.Type)
	assert.NotEmpty(t, snap.ConnectionID)
	require.Len(t, snap.Conversations, 1)
	require.NotNil(t, snap.Conversations[0].Name)
	assert.Equal(t, "Channel", *snap.Conversations[0].Name)

	conv, created, err := e.convs.FindOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	require.True(t, created)
	ev := readUntil(t, aliceConn, string(bus.ConversationCreated))
	assert.Equal(t, conv.ID, ev.ConversationID)
	assert.Empty(t, ev.Recipients)

	bobConn := e.dial(t, bobTok)
	bobSnap := read(t, bobConn)
	require.Len(t, bobSnap.Conversations, 2)

	t.Run("MessageFrame", func(t *testing.T) {
		require.NoError(t, aliceConn.WriteJSON(map[string]any{
			"type":            "message",
			"request_id":      "r1",
			"conversation_id": conv.ID,
			"text":            "hi bob",
		}))

		var ack, pushed frame
		for ack.Type == "" || pushed.Type == "" {
			f := read(t, aliceConn)
			switch f.Type {
			case "ack":
				ack = f
			case string(bus.MessageCreated):
				pushed = f
			}
		}
		assert.Equal(t, "r1", ack.RequestID)
		require.NotNil(t, ack.Created)
		assert.True(t, *ack.Created)
		require.NotNil(t, ack.Message)
		assert.Equal(t, int64(1), ack.Message.Seq)
		assert.Equal(t, "hi bob", ack.Message.Payload.Text)

		got := readUntil(t, bobConn, string(bus.MessageCreated))
		require.NotNil(t, got.Message)
		assert.Equal(t, "hi bob", got.Message.Payload.Text)
		assert.Equal(t, alice, got.Message.SenderID)
	})

	t.Run("MarkReadFrame", func(t *testing.T) {
		require.NoError(t, bobConn.WriteJSON(map[string]any{
			"type":            "mark_read",
			"request_id":      "r2",
			"conversation_id": conv.ID,
		}))
		ack := readUntil(t, bobConn, "ack")
		assert.Equal(t, "r2", ack.RequestID)
		require.NotNil(t, ack.UnreadCount)
		assert.Equal(t, 0, *ack.UnreadCount)

		changed := readUntil(t, aliceConn, string(bus.ReadStateChanged))
		assert.Equal(t, bob, changed.ActorID)
		assert.Equal(t, conv.ID, changed.ConversationID)
	})

	t.Run("TypingReachesPeer", func(t *testing.T) {
		require.NoError(t, aliceConn.WriteJSON(map[string]any{
			"type":            "typing",
			"conversation_id": conv.ID,
		}))
		typing := readUntil(t, bobConn, string(bus.Typing))
		assert.Equal(t, alice, typing.ActorID)
	})

	t.Run("RejectedFrames", func(t *testing.T) {
		require.NoError(t, aliceConn.WriteJSON(map[string]any{
			"type":            "message",
			"request_id":      "r3",
			"conversation_id": conv.ID,
			"text":            "both",
			"image":           "messages/x.png",
		}))
		bad := readUntil(t, aliceConn, "error")
		assert.Equal(t, "r3", bad.RequestID)
		assert.Equal(t, http.StatusBadRequest, bad.Status)

		require.NoError(t, aliceConn.WriteJSON(map[string]any{
			"type":            "message",
			"request_id":      "r4",
			"conversation_id": 9999,
			"text":            "nobody home",
		}))
		missing := readUntil(t, aliceConn, "error")
		assert.Equal(t, "r4", missing.RequestID)
		assert.Equal(t, http.StatusNotFound, missing.Status)

		require.NoError(t, aliceConn.WriteJSON(map[string]any{"type": "dance", "request_id": "r5"}))
		unknown := readUntil(t, aliceConn, "error")
		assert.Equal(t, "r5", unknown.RequestID)
		assert.Equal(t, http.StatusBadRequest, unknown.Status)
	})
}

func TestSubprotocolToken(t *testing.T) {
	e := newEnv(t)
	_, tok := e.register(t, "carol")

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", tok}}
	conn, resp, err := dialer.Dial(e.url(), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, "bearer", conn.Subprotocol())
	assert.Equal(t, "snapshot", read(t, conn).Type)
}

func TestHandshakeRejections(t *testing.T) {
	e := newEnv(t)
	_, tok := e.register(t, "dave")

	t.Run("BadToken", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer not-a-token")
		_, resp, err := websocket.DefaultDialer.Dial(e.url(), header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("MissingToken", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(e.url(), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("ForeignOrigin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+tok)
		header.Set("Origin", "https://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(e.url(), header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
