package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func unreachable(t *testing.T) *Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rc.Close() })
	return newClient(rc, Options{})
}

func TestNewClient_DefaultTTLs(t *testing.T) {
	c := unreachable(t)
	assert.Equal(t, 5*time.Minute, c.queryTTL)
	assert.Equal(t, 24*time.Hour, c.embeddingTTL)
}

func TestNewClient_FailsWhenServerIsDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewClient(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestOperationsReportErrorsWhenServerIsDown(t *testing.T) {
	c := unreachable(t)
	ctx := context.Background()

	_, ok, err := c.GetEmbedding(ctx, "abc")
	assert.Error(t, err)
	assert.False(t, ok)

	assert.Error(t, c.SetEmbedding(ctx, "abc", []float32{1, 2}))

	var out map[string]any
	hit, err := c.GetQuery(ctx, "q", &out)
	assert.Error(t, err)
	assert.False(t, hit)

	assert.Error(t, c.SetQuery(ctx, "q", map[string]string{"a": "b"}))
	assert.Error(t, c.Ping(ctx))
}
