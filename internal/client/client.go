// Package client talks to the zchat HTTP API and push endpoint. It
// implements reconcile.Source so a Syncer can drive it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zchat/internal/domain"
	"zchat/internal/reconcile"
)

// APIError is a non-2xx response. It unwraps to the matching domain error
// category so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return domain.ErrInvalidInput
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return domain.ErrTransient
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	mu    sync.RWMutex
	token string
	self  *domain.User
}

var _ reconcile.Source = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithToken uses an access token obtained elsewhere.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the server at baseURL, e.g. http://localhost:8000.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Self is the logged-in user, nil before Login or Me.
func (c *Client) Self() *domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *domain.User `json:"user"`
}

// Login exchanges credentials for an access token used by later calls.
func (c *Client) Login(ctx context.Context, email, password string) (*domain.User, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.token, c.self = resp.AccessToken, resp.User
	c.mu.Unlock()
	c.log.Info("logged in", zap.Int64("user_id", resp.User.ID), zap.Time("expires_at", resp.ExpiresAt))
	return resp.User, nil
}

// Me resolves the current token to its user.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, fmt.Errorf("me: %w", err)
	}
	c.mu.Lock()
	c.self = &u
	c.mu.Unlock()
	return &u, nil
}

func (c *Client) Conversations(ctx context.Context) ([]*domain.ConversationSummary, error) {
	var list []*domain.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Messages(ctx context.Context, conversationID, since int64, limit int) ([]*domain.Message, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages?%s", conversationID, q.Encode())

	var msgs []*domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type sendRequest struct {
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id"`
}

// SendText posts a text message. A fresh client_msg_id is generated when
// none is given, so retrying the same call never duplicates the message.
func (c *Client) SendText(ctx context.Context, conversationID int64, text, clientMsgID string) (*domain.Message, error) {
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	var m domain.Message
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, sendRequest{Text: text, ClientMsgID: clientMsgID}, &m); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &m, nil
}

type unreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (c *Client) MarkRead(ctx context.Context, conversationID int64) (int, error) {
	var resp unreadResponse
	path := fmt.Sprintf("/api/conversations/%d/read", conversationID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return resp.UnreadCount, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsAuthError reports whether err means the token is no longer accepted.
func IsAuthError(err error) bool {
	return errors.Is(err, domain.ErrUnauthenticated)
}
