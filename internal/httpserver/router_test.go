package httpserver_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"zchat/internal/blob"
	"zchat/internal/bus"
	"zchat/internal/domain"
	"zchat/internal/httpserver"
	"zchat/internal/security"
	"zchat/internal/service"
	"zchat/internal/store/sqlite"
)

type api struct {
	t       *testing.T
	srv     *httptest.Server
	uploads string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	cipher, err := security.NewTextCipher("api-secret", nil)
	require.NoError(t, err)
	files, err := blob.NewLocalStore(filepath.Join(dir, "uploads"), "")
	require.NoError(t, err)

	users := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	readRepo := sqlite.NewReadStateRepo(db)
	b := bus.New()

	convs := service.NewConversationService(users, convRepo, cipher, b, nil, "Channel", nil)
	router := httpserver.NewRouter(httpserver.Deps{
		MaxUploadSize: 64 << 10,
		Auth: service.NewAuthService(users,
			security.NewTokenService("api-jwt", time.Hour),
			security.NewPasswordHasher(bcrypt.MinCost),
			convs, nil),
		Users:         service.NewUserService(users),
		Conversations: convs,
		Messages:      service.NewMessageService(convRepo, sqlite.NewMessageRepo(db), readRepo, cipher, b, nil, 100),
		Reads:         service.NewReadStateService(convRepo, readRepo, b, nil),
		Blobs:         files,
		LocalFiles:    files,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &api{t: t, srv: srv, uploads: filepath.Join(dir, "uploads")}
}

func (a *api) do(method, path, token string, body any) (int, []byte) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(req, token)
}

func (a *api) send(req *http.Request, token string) (int, []byte) {
	a.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type session struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	User        domain.User `json:"user"`
}

func (a *api) register(name string) session {
	a.t.Helper()
	status, raw := a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":      name + "@example.com",
		"first_name": name,
		"password":   "pw-" + name,
	})
	require.Equal(a.t, http.StatusCreated, status, string(raw))
	return decode[session](a.t, raw)
}

func TestAuthFlow(t *testing.T) {
	a := newAPI(t)
	alice := a.register("alice")
	assert.NotEmpty(t, alice.AccessToken)
	assert.Equal(t, "bearer", alice.TokenType)

	t.Run("DuplicateEmail", func(t *testing.T) {
		status, raw := a.do(http.MethodPost, "/api/auth/register", "", map[string]string{
			"email": "ALICE@example.com", "password": "other",
		})
		assert.Equal(t, http.StatusConflict, status, string(raw))
	})

	t.Run("Login", func(t *testing.T) {
		status, raw := a.do(http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "pw-alice",
		})
		require.Equal(t, http.StatusOK, status, string(raw))
		s := decode[session](t, raw)

		status, raw = a.do(http.MethodGet, "/api/auth/me", s.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		me := decode[domain.User](t, raw)
		assert.Equal(t, alice.User.ID, me.ID)
		assert.NotContains(t, string(raw), "hashed_password")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		status, _ := a.do(http.MethodPost, "/api/auth/login", "", map[string]string{
			"email": "alice@example.com", "password": "nope",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("MissingToken", func(t *testing.T) {
		status, raw := a.do(http.MethodGet, "/api/conversations", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, string(raw), `"error"`)
	})

	t.Run("BadToken", func(t *testing.T) {
		status, _ := a.do(http.MethodGet, "/api/conversations", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestConversationAndMessageFlow(t *testing.T) {
	a := newAPI(t)
	alice, bob, eve := a.register("alice"), a.register("bob"), a.register("eve")

	status, raw := a.do(http.MethodPost, "/api/conversations", alice.AccessToken,
		map[string]any{"peer_id": bob.User.ID})
	require.Equal(t, http.StatusCreated, status, string(raw))
	conv := decode[domain.Conversation](t, raw)
	assert.ElementsMatch(t, []int64{alice.User.ID, bob.User.ID}, conv.Participants)

	status, raw = a.do(http.MethodPost, "/api/conversations", bob.AccessToken,
		map[string]any{"participant_ids": []int64{alice.User.ID}})
	require.Equal(t, http.StatusOK, status, string(raw))
	assert.Equal(t, conv.ID, decode[domain.Conversation](t, raw).ID)

	msgPath := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)
	for i := 1; i <= 3; i++ {
		status, raw = a.do(http.MethodPost, msgPath, alice.AccessToken,
			map[string]any{"text": fmt.Sprintf("hello %d", i)})
		require.Equal(t, http.StatusCreated, status, string(raw))
		assert.Equal(t, int64(i), decode[domain.Message](t, raw).Seq)
	}

	t.Run("Replay", func(t *testing.T) {
		body := map[string]any{"text": "once", "client_msg_id": "abc-1"}
		status, raw := a.do(http.MethodPost, msgPath, alice.AccessToken, body)
		require.Equal(t, http.StatusCreated, status, string(raw))
		first := decode[domain.Message](t, raw)

		status, raw = a.do(http.MethodPost, msgPath, alice.AccessToken, body)
		require.Equal(t, http.StatusOK, status, string(raw))
		assert.Equal(t, first.ID, decode[domain.Message](t, raw).ID)
	})

	t.Run("ListSince", func(t *testing.T) {
		status, raw := a.do(http.MethodGet, msgPath+"?since=1&limit=2", bob.AccessToken, nil)
		require.Equal(t, http.StatusOK, status, string(raw))
		msgs := decode[[]domain.Message](t, raw)
		require.Len(t, msgs, 2)
		assert.Equal(t, int64(2), msgs[0].Seq)
		assert.Equal(t, "hello 2", msgs[0].Payload.Text)
		assert.Equal(t, int64(3), msgs[1].Seq)
	})

	t.Run("ReadState", func(t *testing.T) {
		unreadPath := fmt.Sprintf("/api/conversations/%d/unread", conv.ID)
		status, raw := a.do(http.MethodGet, unreadPath, bob.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, fmt.Sprintf(`{"conversation_id":%d,"unread_count":4}`, conv.ID), string(raw))

		status, raw = a.do(http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conv.ID), bob.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, fmt.Sprintf(`{"conversation_id":%d,"unread_count":0}`, conv.ID), string(raw))

		status, raw = a.do(http.MethodGet, msgPath+"?limit=1", alice.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		msgs := decode[[]domain.Message](t, raw)
		require.Len(t, msgs, 1)
		assert.Equal(t, []int64{bob.User.ID}, msgs[0].ReadBy)
	})

	t.Run("Snapshot", func(t *testing.T) {
		status, raw := a.do(http.MethodGet, "/api/conversations", alice.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		list := decode[[]domain.ConversationSummary](t, raw)
		require.Len(t, list, 2)
		assert.Equal(t, conv.ID, list[0].ID)
		require.NotNil(t, list[0].LastMessage)
		assert.Equal(t, "once", list[0].LastMessage.Text)
	})

	t.Run("Outsider", func(t *testing.T) {
		status, _ := a.do(http.MethodGet, msgPath, eve.AccessToken, nil)
		assert.Equal(t, http.StatusForbidden, status)
		status, _ = a.do(http.MethodPost, msgPath, eve.AccessToken, map[string]any{"text": "hi"})
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("BadInput", func(t *testing.T) {
		status, _ := a.do(http.MethodPost, msgPath, alice.AccessToken, map[string]any{"text": "a", "image": "b"})
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = a.do(http.MethodPost, msgPath, alice.AccessToken, map[string]any{"txt": "typo"})
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = a.do(http.MethodGet, msgPath+"?since=-1", alice.AccessToken, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = a.do(http.MethodGet, "/api/conversations/abc", alice.AccessToken, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		status, _ = a.do(http.MethodGet, "/api/conversations/424242", alice.AccessToken, nil)
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = a.do(http.MethodPost, "/api/conversations", alice.AccessToken, map[string]any{"peer_id": alice.User.ID})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestGroupRoutes(t *testing.T) {
	a := newAPI(t)
	alice, bob, carol, dave := a.register("alice"), a.register("bob"), a.register("carol"), a.register("dave")

	status, raw := a.do(http.MethodPost, "/api/conversations", alice.AccessToken, map[string]any{
		"is_group":        true,
		"participant_ids": []int64{bob.User.ID, carol.User.ID},
		"name":            "Team",
	})
	require.Equal(t, http.StatusCreated, status, string(raw))
	group := decode[domain.Conversation](t, raw)
	path := fmt.Sprintf("/api/conversations/%d", group.ID)

	status, raw = a.do(http.MethodPatch, path, bob.AccessToken, map[string]string{"name": "Crew"})
	require.Equal(t, http.StatusOK, status, string(raw))
	renamed := decode[domain.Conversation](t, raw)
	require.NotNil(t, renamed.Name)
	assert.Equal(t, "Crew", *renamed.Name)

	status, raw = a.do(http.MethodPost, path+"/participants", alice.AccessToken, map[string]int64{"user_id": dave.User.ID})
	require.Equal(t, http.StatusOK, status, string(raw))
	assert.Len(t, decode[domain.Conversation](t, raw).Participants, 4)

	status, _ = a.do(http.MethodDelete, path, dave.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = a.do(http.MethodGet, path, alice.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	t.Run("ChannelSync", func(t *testing.T) {
		status, raw := a.do(http.MethodPost, "/api/channel/sync", alice.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"added":0}`, string(raw))
	})

	t.Run("Users", func(t *testing.T) {
		status, raw := a.do(http.MethodGet, "/api/users?limit=2", alice.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]domain.User](t, raw), 2)

		status, _ = a.do(http.MethodGet, fmt.Sprintf("/api/users/%d", carol.User.ID), alice.AccessToken, nil)
		assert.Equal(t, http.StatusOK, status)
		status, _ = a.do(http.MethodGet, "/api/users/99999", alice.AccessToken, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func multipartUpload(t *testing.T, url string, convID int64, filename string, content []byte, fields ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("conversation_id", fmt.Sprint(convID)))
	for i := 0; i+1 < len(fields); i += 2 {
		require.NoError(t, mw.WriteField(fields[i], fields[i+1]))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadRoundTrip(t *testing.T) {
	a := newAPI(t)
	alice, bob, eve := a.register("alice"), a.register("bob"), a.register("eve")

	status, raw := a.do(http.MethodPost, "/api/conversations", alice.AccessToken, map[string]any{"peer_id": bob.User.ID})
	require.Equal(t, http.StatusCreated, status)
	conv := decode[domain.Conversation](t, raw)

	png := []byte("\x89PNG\r\n\x1a\nnot really")
	status, raw = a.send(multipartUpload(t, a.srv.URL+"/api/uploads", conv.ID, "cat.png", png), alice.AccessToken)
	require.Equal(t, http.StatusCreated, status, string(raw))
	msg := decode[domain.Message](t, raw)
	assert.Equal(t, domain.PayloadImage, msg.Payload.Kind)
	assert.Contains(t, msg.Payload.Ref, "/api/uploads/messages/")

	status, raw = a.do(http.MethodGet, msg.Payload.Ref, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, png, raw)

	t.Run("Outsider", func(t *testing.T) {
		status, _ := a.send(multipartUpload(t, a.srv.URL+"/api/uploads", conv.ID, "x.png", png), eve.AccessToken)
		assert.Equal(t, http.StatusForbidden, status)
	})

	t.Run("TooLarge", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), 200<<10)
		status, _ := a.send(multipartUpload(t, a.srv.URL+"/api/uploads", conv.ID, "big.bin", big), alice.AccessToken)
		assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	})

	t.Run("ReplayKeepsNoOrphan", func(t *testing.T) {
		up := func() (int, domain.Message) {
			status, raw := a.send(multipartUpload(t, a.srv.URL+"/api/uploads", conv.ID, "dog.png", png,
				"client_msg_id", "upload-1"), alice.AccessToken)
			return status, decode[domain.Message](t, raw)
		}
		status, first := up()
		require.Equal(t, http.StatusCreated, status)
		status, again := up()
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Payload.Ref, again.Payload.Ref)

		objects, err := os.ReadDir(filepath.Join(a.uploads, blob.Prefix))
		require.NoError(t, err)
		// cat.png from above plus a single dog.png.
		assert.Len(t, objects, 2)
	})

	t.Run("Traversal", func(t *testing.T) {
		status, _ := a.do(http.MethodGet, "/api/uploads/messages/..%2F..%2Fapi.db", "", nil)
		assert.NotEqual(t, http.StatusOK, status)
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrUserNotFound, http.StatusNotFound},
		{domain.ErrNotAParticipant, http.StatusForbidden},
		{domain.ErrNotAGroup, http.StatusBadRequest},
		{domain.ErrEmailTaken, http.StatusConflict},
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{domain.Transient(errors.New("db down")), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", domain.ErrInvalidPayload), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, httpserver.StatusFor(c.err), c.err.Error())
	}

	status, msg := httpserver.PublicError(errors.New("secret detail"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, msg, "secret")
}
