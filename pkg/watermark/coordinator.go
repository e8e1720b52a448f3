// Package watermark tracks how far each pipeline has durably committed and
// lets readers block until the pipelines they depend on reach a checkpoint.
package watermark

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/metrics"
)

var (
	// ErrUnknownPipeline means the pipeline is not registered, so waiting on
	// it could never succeed.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrTimeout         = errors.New("timed out waiting for watermark")
	ErrAlreadyExists   = errors.New("pipeline already registered")
)

// RegressionError is returned when a pipeline tries to move its watermark
// backwards. It indicates a bug or corrupted state and is never ignored.
type RegressionError struct {
	Pipeline  string
	Current   uint64
	Attempted uint64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark regression for %s: %d -> %d", e.Pipeline, e.Current, e.Attempted)
}

// TimeoutError reports which pipelines had not reached the target. It means
// "not yet indexed": every pipeline involved exists.
type TimeoutError struct {
	Target  uint64
	Waited  time.Duration
	Lagging []Status
}

func (e *TimeoutError) Error() string {
	names := make([]string, 0, len(e.Lagging))
	for _, s := range e.Lagging {
		if s.Stalled {
			names = append(names, s.Pipeline+" (stalled)")
		} else {
			names = append(names, s.Pipeline)
		}
	}
	return fmt.Sprintf("checkpoint %d not indexed after %s; waiting on %s",
		e.Target, e.Waited.Round(time.Millisecond), strings.Join(names, ", "))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Stalled lists the lagging pipelines that have stopped advancing.
func (e *TimeoutError) Stalled() []string {
	var out []string
	for _, s := range e.Lagging {
		if s.Stalled {
			out = append(out, s.Pipeline)
		}
	}
	return out
}

// Status is a point-in-time view of one pipeline.
type Status struct {
	Pipeline     string `json:"pipeline"`
	Watermark    uint64 `json:"watermark"`
	HasWatermark bool   `json:"has_watermark"`
	Stalled      bool   `json:"stalled"`
	StallReason  string `json:"stall_reason,omitempty"`
}

func (s Status) reached(seq uint64) bool {
	return s.HasWatermark && s.Watermark >= seq
}

// Coordinator holds the in-memory watermark of every registered pipeline.
// Each pipeline has exactly one writer calling Advance; any number of readers
// may wait concurrently.
type Coordinator struct {
	mu        sync.Mutex
	pipelines map[string]*Status
	// changed is closed and replaced whenever any status changes.
	changed chan struct{}

	log     *logrus.Entry
	metrics metrics.IndexerMetrics
}

func NewCoordinator(log *logrus.Entry, m metrics.IndexerMetrics) *Coordinator {
	if m == nil {
		m = metrics.NoopCollector{}
	}
	return &Coordinator{
		pipelines: make(map[string]*Status),
		changed:   make(chan struct{}),
		log:       log.WithField("component", "watermark"),
		metrics:   m,
	}
}

// Register adds a pipeline, seeded with its persisted watermark if it has one.
func (c *Coordinator) Register(name string, wm uint64, has bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pipelines[name]; ok {
		return errors.Wrap(ErrAlreadyExists, name)
	}
	c.pipelines[name] = &Status{Pipeline: name, Watermark: wm, HasWatermark: has}
	c.broadcastLocked()
	return nil
}

func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Changed returns a channel closed on the next status change.
func (c *Coordinator) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Advance records that name has durably committed seq. Re-committing the
// current watermark is a no-op.
func (c *Coordinator) Advance(name string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pipelines[name]
	if !ok {
		return errors.Wrap(ErrUnknownPipeline, name)
	}
	if s.HasWatermark && seq < s.Watermark {
		err := &RegressionError{Pipeline: name, Current: s.Watermark, Attempted: seq}
		c.log.WithError(err).Error("rejected watermark regression")
		return err
	}
	if s.HasWatermark && seq == s.Watermark && !s.Stalled {
		return nil
	}
	s.Watermark = seq
	s.HasWatermark = true
	s.Stalled = false
	s.StallReason = ""
	c.broadcastLocked()
	return nil
}

// MarkStalled records that name stopped advancing. Readers waiting on it keep
// waiting until their timeout and learn about the stall from TimeoutError.
func (c *Coordinator) MarkStalled(name string, reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pipelines[name]
	if !ok {
		return errors.Wrap(ErrUnknownPipeline, name)
	}
	s.Stalled = true
	if reason != nil {
		s.StallReason = reason.Error()
	}
	c.log.WithFields(logrus.Fields{
		"pipeline":  name,
		"watermark": s.Watermark,
	}).WithError(reason).Error("pipeline stalled")
	c.broadcastLocked()
	return nil
}

// Watermark returns the committed watermark of one pipeline.
func (c *Coordinator) Watermark(name string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pipelines[name]
	if !ok {
		return 0, false, errors.Wrap(ErrUnknownPipeline, name)
	}
	return s.Watermark, s.HasWatermark, nil
}

// Readiness is the minimum watermark over names. It is false while any of
// them has committed nothing.
func (c *Coordinator) Readiness(names []string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var min uint64
	ready := true
	for i, name := range names {
		s, ok := c.pipelines[name]
		if !ok {
			return 0, false, errors.Wrap(ErrUnknownPipeline, name)
		}
		if !s.HasWatermark {
			ready = false
			continue
		}
		if i == 0 || s.Watermark < min {
			min = s.Watermark
		}
	}
	if !ready {
		return 0, false, nil
	}
	return min, len(names) > 0, nil
}

// Snapshot returns every pipeline's status ordered by name.
func (c *Coordinator) Snapshot() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.pipelines))
	for _, s := range c.pipelines {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out
}

// Pipelines returns the registered names in order.
func (c *Coordinator) Pipelines() []string {
	snap := c.Snapshot()
	names := make([]string, len(snap))
	for i, s := range snap {
		names[i] = s.Pipeline
	}
	return names
}

// lagging returns the statuses of names below seq, or ErrUnknownPipeline.
func (c *Coordinator) laggingLocked(names []string, seq uint64) ([]Status, error) {
	var out []Status
	for _, name := range names {
		s, ok := c.pipelines[name]
		if !ok {
			return nil, errors.Wrap(ErrUnknownPipeline, name)
		}
		if !s.reached(seq) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// WaitUntil blocks until every pipeline in names has committed seq, the
// timeout elapses, or ctx is done. Unregistered names fail immediately with
// ErrUnknownPipeline instead of waiting.
func (c *Coordinator) WaitUntil(ctx context.Context, names []string, seq uint64, timeout time.Duration) error {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		lagging, err := c.laggingLocked(names, seq)
		changed := c.changed
		c.mu.Unlock()

		if err != nil {
			c.metrics.WaitCompleted(metrics.WaitUnknown, time.Since(start))
			return err
		}
		if len(lagging) == 0 {
			c.metrics.WaitCompleted(metrics.WaitReady, time.Since(start))
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			c.metrics.WaitCompleted(metrics.WaitTimeout, time.Since(start))
			return &TimeoutError{Target: seq, Waited: time.Since(start), Lagging: lagging}
		case <-ctx.Done():
			c.metrics.WaitCompleted(metrics.WaitCanceled, time.Since(start))
			return ctx.Err()
		}
	}
}
