package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/devbox-orchestrator/internal/auth"
	"github.com/yourusername/devbox-orchestrator/internal/store"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

func writeConfig(t *testing.T, redisAddr string) string {
	t.Helper()
	t.Setenv("ORCHASTRATOR_TOKEN", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("JWT_SECRET", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`
controlplane:
  shared_secret: "fleet-secret"
storage:
  redis:
    addr: %q
    connect_retries: 1
logging:
  level: error
`, redisAddr)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func seed(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cpu := 20.0
	s := store.New(client, store.Options{EntryTTL: time.Minute})
	require.NoError(t, s.Publish(context.Background(), []models.WorkerLoad{
		{Worker: models.Worker{ID: "w1", Address: "10.0.0.1"}, ContainerCount: 2, CPUPercent: &cpu, Score: 0.2},
		{Worker: models.Worker{ID: "w2", Address: "10.0.0.2"}, ContainerCount: 9, Score: 0.54},
	}))
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, newCLI(&out).exec(args))
	return out.String()
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "localhost:0")

	out := run(t, "--config", path, "token", "alice")

	tokens, err := auth.NewTokens("fleet-secret", 0)
	require.NoError(t, err)
	userID, err := tokens.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	path := writeConfig(t, "localhost:0")
	err := newCLI(&bytes.Buffer{}).exec([]string{"--config", path, "token"})
	assert.Error(t, err)
}

func TestPoolCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	seed(t, mr)
	path := writeConfig(t, mr.Addr())

	out := run(t, "--config", path, "pool")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "w1"))
	assert.Contains(t, lines[1], "20.0%")
	assert.True(t, strings.HasPrefix(lines[2], "w2"))
}

func TestSelectCommandReleasesClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	seed(t, mr)
	path := writeConfig(t, mr.Addr())

	out := run(t, "--config", path, "select")
	assert.Equal(t, "w1 10.0.0.1 (3/10 occupied)\n", out)
	assert.Equal(t, "0", mr.HGet("instance:w1", "claimed"))

	run(t, "--config", path, "select", "--keep")
	assert.Equal(t, "1", mr.HGet("instance:w1", "claimed"))
}
