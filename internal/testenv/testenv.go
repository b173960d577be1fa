// Package testenv starts throwaway service containers for integration tests.
// Tests using it are skipped unless ZCHAT_INTEGRATION is set and Docker is
// reachable.
package testenv

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

const EnvIntegration = "ZCHAT_INTEGRATION"

func RequireIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv(EnvIntegration) == "" {
		t.Skipf("set %s=1 to run container-backed tests", EnvIntegration)
	}
}

// Start runs req and returns the container with the host:port its first
// exposed port is mapped to. The container is terminated on test cleanup.
func Start(t testing.TB, req testcontainers.ContainerRequest) (testcontainers.Container, string) {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start %s", req.Image)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	require.NoError(t, err)

	return c, net.JoinHostPort(host, port.Port())
}
