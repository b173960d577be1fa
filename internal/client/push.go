package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zchat/internal/bus"
)

const (
	minRedial = 500 * time.Millisecond
	maxRedial = 30 * time.Second
)

// Reconnector is told whenever a push connection is (re)established, since
// events may have been missed while it was down. *reconcile.Syncer
// satisfies it.
type Reconnector interface {
	Reconnected()
}

// Hello is the server's first frame on every push connection.
type Hello struct {
	ConnectionID        string `json:"connection_id"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// Push keeps a websocket to /ws open and forwards its events. The returned
// channel is closed when ctx is done or the token is rejected.
func (c *Client) Push(ctx context.Context, r Reconnector) <-chan bus.Event {
	out := make(chan bus.Event, bus.DefaultBuffer)
	go func() {
		defer close(out)
		wait := minRedial
		for {
			err := c.pushOnce(ctx, r, out)
			if ctx.Err() != nil {
				return
			}
			if IsAuthError(err) {
				c.log.Warn("push rejected, falling back to polling", zap.Error(err))
				return
			}
			c.log.Info("push disconnected", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if wait *= 2; wait > maxRedial {
				wait = maxRedial
			}
		}
	}()
	return out
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) pushOnce(ctx context.Context, r Reconnector, out chan<- bus.Event) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				return &APIError{Status: resp.StatusCode, Message: "push handshake rejected"}
			}
		}
		return err
	}
	defer conn.Close()

	// Unblocks ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			c.log.Debug("push frame ignored", zap.Error(err))
			continue
		}

		switch head.Type {
		case "snapshot":
			var hello Hello
			if err := json.Unmarshal(raw, &hello); err == nil {
				c.log.Info("push connected", zap.String("connection_id", hello.ConnectionID))
			}
			r.Reconnected()
		case "ack", "error":
			// replies to frames this client never sends
		default:
			var ev bus.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.log.Debug("push event ignored", zap.String("type", head.Type), zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
