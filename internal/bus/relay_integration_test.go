package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"zchat/internal/testenv"
)

// crossInstance runs two buses over the given relays and checks that an
// event published on one reaches a subscriber of the other.
func crossInstance(t *testing.T, r1, r2 Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1 := New(WithRelay(r1))
	b2 := New(WithRelay(r2))
	errs := make(chan error, 2)
	go func() { errs <- b1.Run(ctx) }()
	go func() { errs <- b2.Run(ctx) }()

	remote := b2.Subscribe(7)
	ev := Event{Type: MessageCreated, ConversationID: 3, Recipients: []int64{7}}

	// Relay subscriptions are confirmed asynchronously; publish until one lands.
	require.Eventually(t, func() bool {
		b1.Publish(ctx, ev)
		select {
		case got := <-remote.Events():
			return got.ConversationID == 3 && got.Origin == b1.Instance()
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 15*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
	assert.NoError(t, b1.Close())
	assert.NoError(t, b2.Close())
}

func TestRedisRelay(t *testing.T) {
	testenv.RequireIntegration(t)
	_, addr := testenv.Start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	})

	relay := func() Relay {
		return NewRedisRelay(redis.NewClient(&redis.Options{Addr: addr}), "zchat-test", zap.NewNop())
	}
	crossInstance(t, relay(), relay())
}

func TestNATSRelay(t *testing.T) {
	testenv.RequireIntegration(t)
	_, addr := testenv.Start(t, testcontainers.ContainerRequest{
		Image:        "nats:2-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	})

	relay := func(name string) Relay {
		nc, err := DialNATS("nats://"+addr, name)
		require.NoError(t, err)
		return NewNATSRelay(nc, "zchat.test", zap.NewNop())
	}
	crossInstance(t, relay("one"), relay("two"))
}
