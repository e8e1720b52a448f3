package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRedisClient records hash writes and published messages.
type MockRedisClient struct {
	mu         sync.Mutex
	hashData   map[string]map[string]string
	published  map[string][]string
	hsetErr    error
	callCounts map[string]int
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		hashData:   make(map[string]map[string]string),
		published:  make(map[string][]string),
		callCounts: make(map[string]int),
	}
}

func (m *MockRedisClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["HSet"]++
	if m.hsetErr != nil {
		return redis.NewIntResult(0, m.hsetErr)
	}
	if m.hashData[key] == nil {
		m.hashData[key] = make(map[string]string)
	}
	for i := 0; i+1 < len(values); i += 2 {
		m.hashData[key][fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (m *MockRedisClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["Publish"]++
	m.published[channel] = append(m.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (m *MockRedisClient) hash(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashData[key] {
		out[k] = v
	}
	return out
}

func (m *MockRedisClient) messages(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published[channel]...)
}

func TestRedisMirrorPublishesChanges(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCoordinator(log, nil)
	require.NoError(t, c.Register("kv_epoch_ends", 0, false))
	require.NoError(t, c.Register("kv_epoch_starts", 4, true))

	client := NewMockRedisClient()
	mirror := NewRedisMirror(client, c, "test", "", log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.hash("test:watermarks")["kv_epoch_starts"] == "4"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Advance("kv_epoch_ends", 3))
	require.NoError(t, c.MarkStalled("kv_epoch_starts", errors.New("boom")))

	require.Eventually(t, func() bool {
		h := client.hash("test:watermarks")
		return h["kv_epoch_ends"] == "3" && h["kv_epoch_starts:stalled"] == "1"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	msgs := client.messages("test:watermarks")
	require.NotEmpty(t, msgs)
	var last Status
	require.NoError(t, json.Unmarshal([]byte(msgs[len(msgs)-1]), &last))
	assert.NotEmpty(t, last.Pipeline)
}

func TestRedisMirrorRetriesAfterError(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCoordinator(log, nil)
	require.NoError(t, c.Register("p", 1, true))

	client := NewMockRedisClient()
	client.hsetErr = errors.New("connection refused")
	mirror := NewRedisMirror(client, c, "", "", log)

	assert.False(t, mirror.sync(context.Background()))
	assert.Empty(t, client.hash("checkpoint_indexer:watermarks"))

	client.mu.Lock()
	client.hsetErr = nil
	client.mu.Unlock()

	assert.True(t, mirror.sync(context.Background()))
	assert.Equal(t, "1", client.hash("checkpoint_indexer:watermarks")["p"])

	mirror.sync(context.Background())
	assert.Equal(t, 2, client.callCounts["HSet"], "unchanged status is not republished")
}

func TestRedisMirrorRetriesWithoutNewChanges(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCoordinator(log, nil)
	require.NoError(t, c.Register("kv_epoch_ends", 7, true))

	client := NewMockRedisClient()
	client.hsetErr = errors.New("connection refused")
	mirror := NewRedisMirror(client, c, "test", "", log)
	mirror.retry = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mirror.Run(ctx) }()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.callCounts["HSet"] >= 2
	}, time.Second, time.Millisecond, "failed publishes are retried on a timer")

	client.mu.Lock()
	client.hsetErr = nil
	client.mu.Unlock()

	// The coordinator does not change again, so only the retry can land this.
	require.Eventually(t, func() bool {
		return client.hash("test:watermarks")["kv_epoch_ends"] == "7"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, client.messages("test:watermarks"), 1)
}
