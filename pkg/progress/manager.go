// Package progress writes a periodic JSON snapshot of indexing progress for
// operators and external tooling.
package progress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

// StatusFunc reports the current pipeline statuses.
type StatusFunc func() []watermark.Status

// Manager handles progress snapshots for one indexer instance.
type Manager struct {
	path       string
	interval   time.Duration
	serviceID  string
	configHash string
	startTime  time.Time
	log        *logrus.Entry

	stats Stats
	mu    sync.Mutex
}

// NewManager creates a manager writing to path. The config is only hashed.
func NewManager(path, serviceID string, interval time.Duration, config interface{}, log *logrus.Entry) (*Manager, error) {
	if path == "" {
		return nil, errors.New("progress path cannot be empty")
	}
	if serviceID == "" {
		return nil, errors.New("service ID cannot be empty")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Manager{
		path:       path,
		interval:   interval,
		serviceID:  serviceID,
		configHash: calculateConfigHash(config),
		startTime:  time.Now(),
		log:        log.WithField("component", "progress"),
	}, nil
}

// Save writes a snapshot built from statuses.
func (m *Manager) Save(statuses []watermark.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.UptimeSeconds = int64(time.Since(m.startTime).Seconds())
	stats := m.stats

	snap := Snapshot{
		Version:           SnapshotVersion,
		ServiceID:         m.serviceID,
		ConfigHash:        m.configHash,
		Pipelines:         make([]PipelineProgress, 0, len(statuses)),
		SnapshotTimestamp: time.Now().UTC(),
		Statistics:        &stats,
	}

	var (
		ready    = len(statuses) > 0
		minWM    uint64
		firstSet bool
	)
	for _, s := range statuses {
		p := PipelineProgress{Name: s.Pipeline, Stalled: s.Stalled, StallReason: s.StallReason}
		if s.HasWatermark {
			wm := s.Watermark
			p.CheckpointHi = &wm
			if !firstSet || wm < minWM {
				minWM = wm
				firstSet = true
			}
		} else {
			ready = false
		}
		snap.Pipelines = append(snap.Pipelines, p)
	}
	if ready {
		snap.ReadyThrough = &minWM
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling progress snapshot")
	}
	return errors.Wrap(WriteAtomic(m.path, data), "writing progress snapshot")
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading progress snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decoding progress snapshot (possibly corrupted)")
	}
	if snap.Version == "" {
		return nil, errors.New("invalid progress snapshot: missing version")
	}
	return &snap, nil
}

// ConfigChanged reports whether snap was written under a different config.
func (m *Manager) ConfigChanged(snap *Snapshot) bool {
	return snap.ConfigHash != m.configHash
}

// Run saves a snapshot every interval until ctx is done, then saves a final
// one. Failures are logged and never stop indexing.
func (m *Manager) Run(ctx context.Context, statuses StatusFunc) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.WithField("interval", m.interval).Info("writing progress snapshots")

	for {
		select {
		case <-ctx.Done():
			if err := m.Save(statuses()); err != nil {
				m.log.WithError(err).Error("failed to save final progress snapshot")
			} else {
				m.log.Info("final progress snapshot saved")
			}
			return

		case <-ticker.C:
			if err := m.Save(statuses()); err != nil {
				m.log.WithError(err).Warn("failed to save progress snapshot")
			}
		}
	}
}

// RecordFetched counts checkpoints delivered by the source.
func (m *Manager) RecordFetched(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.CheckpointsFetched += n
}

func calculateConfigHash(config interface{}) string {
	if config == nil {
		return "no-config"
	}

	data, err := json.Marshal(config)
	if err != nil {
		return "hash-error"
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
