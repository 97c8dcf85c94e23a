package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"ledgerchat/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port, DB: db}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Raw().FlushDB(ctx).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSetNXClaimsOnce(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "webhook:SM1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claim should win")

	ok, err = client.SetNX(ctx, "webhook:SM1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim should lose")

	require.NoError(t, client.Del(ctx, "webhook:SM1"))
	_, err = client.Get(ctx, "webhook:SM1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	require.NoError(t, client.Subscribe(ctx, "ledger:test", func(b []byte) { got <- string(b) }))
	require.NoError(t, client.Publish(ctx, "ledger:test", []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("did not receive pubsub message")
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Error(t, c.Set(context.Background(), "k", "v", time.Second))
	assert.NoError(t, c.Close())
}
