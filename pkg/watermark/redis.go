package watermark

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisClient is the subset of redis.Cmdable the mirror uses.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror copies watermark changes into a Redis hash and announces them
// on a pub/sub channel, so query replicas in other processes can follow
// indexing progress without touching the store.
type RedisMirror struct {
	client  RedisClient
	coord   *Coordinator
	key     string
	channel string
	timeout time.Duration
	// retry is how long Run waits before retrying a failed publish when no
	// new change arrives.
	retry time.Duration
	log   *logrus.Entry

	published map[string]Status
}

func NewRedisMirror(client RedisClient, coord *Coordinator, keyPrefix, channel string, log *logrus.Entry) *RedisMirror {
	if keyPrefix == "" {
		keyPrefix = "checkpoint_indexer"
	}
	if channel == "" {
		channel = keyPrefix + ":watermarks"
	}
	return &RedisMirror{
		client:    client,
		coord:     coord,
		key:       keyPrefix + ":watermarks",
		channel:   channel,
		timeout:   2 * time.Second,
		retry:     time.Second,
		log:       log.WithField("component", "redis_mirror"),
		published: make(map[string]Status),
	}
}

// Run mirrors every change until ctx is done. Redis errors are logged and the
// snapshot diff is retried on the next change or after the retry interval,
// whichever comes first.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		changed := m.coord.Changed()
		var (
			timer *time.Timer
			retry <-chan time.Time
		)
		if !m.sync(ctx) {
			timer = time.NewTimer(m.retry)
			retry = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-changed:
		case <-retry:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// sync publishes every status that changed since the last successful publish.
// It reports whether all of them went through.
func (m *RedisMirror) sync(ctx context.Context) bool {
	ok := true
	for _, s := range m.coord.Snapshot() {
		if prev, ok := m.published[s.Pipeline]; ok && prev == s {
			continue
		}
		if !s.HasWatermark && !s.Stalled {
			continue
		}
		if err := m.publish(ctx, s); err != nil {
			m.log.WithError(err).WithField("pipeline", s.Pipeline).Warn("failed to mirror watermark")
			ok = false
			continue
		}
		m.published[s.Pipeline] = s
	}
	return ok
}

func (m *RedisMirror) publish(ctx context.Context, s Status) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	stalled := "0"
	if s.Stalled {
		stalled = "1"
	}
	if err := m.client.HSet(ctx, m.key,
		s.Pipeline, strconv.FormatUint(s.Watermark, 10),
		s.Pipeline+":stalled", stalled,
	).Err(); err != nil {
		return err
	}

	msg, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel, msg).Err()
}
