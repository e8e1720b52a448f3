package control

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

// getProgressTimeout reads PROGRESS_TIMEOUT_SECONDS, defaulting to 5 minutes.
func getProgressTimeout() time.Duration {
	if v := os.Getenv("PROGRESS_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 5 * time.Minute
}

// IndexerStats derives heartbeat metrics and health from the watermark
// coordinator. The indexer is unhealthy when a pipeline stalls or when no
// watermark moved for longer than the progress timeout.
type IndexerStats struct {
	coord     *watermark.Coordinator
	startTime time.Time
	timeout   time.Duration
	now       func() time.Time

	mu           sync.Mutex
	lastSnapshot map[string]uint64
	lastProgress time.Time
}

func NewIndexerStats(coord *watermark.Coordinator) *IndexerStats {
	now := time.Now()
	return &IndexerStats{
		coord:        coord,
		startTime:    now,
		timeout:      getProgressTimeout(),
		now:          time.Now,
		lastSnapshot: make(map[string]uint64),
		lastProgress: now,
	}
}

// observe notes whether any watermark moved since the last call.
func (s *IndexerStats) observe(statuses []watermark.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statuses {
		if !st.HasWatermark {
			continue
		}
		if prev, ok := s.lastSnapshot[st.Pipeline]; !ok || prev != st.Watermark {
			s.lastSnapshot[st.Pipeline] = st.Watermark
			s.lastProgress = s.now()
		}
	}
}

func (s *IndexerStats) GetMetrics() map[string]float64 {
	statuses := s.coord.Snapshot()
	s.observe(statuses)

	metrics := map[string]float64{
		"indexer.uptime_seconds": s.now().Sub(s.startTime).Seconds(),
		"indexer.pipeline_count": float64(len(statuses)),
	}
	stalled := 0
	for _, st := range statuses {
		prefix := "pipeline." + st.Pipeline
		if st.HasWatermark {
			metrics[prefix+".watermark"] = float64(st.Watermark)
		}
		if st.Stalled {
			stalled++
			metrics[prefix+".stalled"] = 1
		} else {
			metrics[prefix+".stalled"] = 0
		}
	}
	metrics["indexer.stalled_pipelines"] = float64(stalled)
	return metrics
}

func (s *IndexerStats) IsHealthy() bool {
	statuses := s.coord.Snapshot()
	s.observe(statuses)
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if st.Stalled {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastProgress) <= s.timeout
}

func (s *IndexerStats) GetHealthDetails() map[string]string {
	statuses := s.coord.Snapshot()
	s.observe(statuses)

	s.mu.Lock()
	idle := s.now().Sub(s.lastProgress)
	s.mu.Unlock()

	details := map[string]string{
		"uptime":           s.now().Sub(s.startTime).String(),
		"pipeline_count":   fmt.Sprintf("%d", len(statuses)),
		"progress_timeout": s.timeout.String(),
		"idle":             idle.String(),
	}
	for _, st := range statuses {
		status := "healthy"
		switch {
		case st.Stalled:
			status = "stalled: " + st.StallReason
		case idle > s.timeout:
			status = "idle"
		}
		details[st.Pipeline+"_status"] = status
	}
	return details
}
