// Package metrics exposes the indexer's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "checkpoint_indexer"

// Wait outcomes reported by WaitCompleted.
const (
	WaitReady    = "ready"
	WaitTimeout  = "timeout"
	WaitUnknown  = "unknown_pipeline"
	WaitCanceled = "canceled"
)

// Fetch failure kinds reported by FetchFailed.
const (
	FetchGap           = "gap"
	FetchUnavailable   = "unavailable"
	FetchDecodeFailure = "decode"
)

// IndexerMetrics is what the source, writers and coordinator report to.
type IndexerMetrics interface {
	CheckpointFetched(seq uint64)
	FetchFailed(kind string)
	CheckpointCommitted(pipeline string, seq uint64, took time.Duration)
	WriteRetried(pipeline string)
	PipelineStalled(pipeline string, stalled bool)
	EpochClosed(pipeline string, epoch uint64)
	WaitCompleted(outcome string, took time.Duration)
}

var _ IndexerMetrics = (*Collector)(nil)
var _ IndexerMetrics = NoopCollector{}

type Collector struct {
	latestFetched  prometheus.Gauge
	fetchErrors    *prometheus.CounterVec
	watermark      *prometheus.GaugeVec
	commitDuration *prometheus.HistogramVec
	writeRetries   *prometheus.CounterVec
	stalled        *prometheus.GaugeVec
	latestEpoch    *prometheus.GaugeVec
	waits          *prometheus.HistogramVec
}

// NewCollector registers the collectors with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		latestFetched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "latest_fetched_checkpoint",
			Help:      "sequence number of the last checkpoint handed to the writers",
		}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_errors_total",
			Help:      "checkpoint fetch failures by kind",
		}, []string{"kind"}),
		watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "watermark",
			Help:      "highest checkpoint committed by the pipeline",
		}, []string{"pipeline"}),
		commitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commit_duration_seconds",
			Help:      "time to process and commit one checkpoint, retries included",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"pipeline"}),
		writeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "write_retries_total",
			Help:      "retried checkpoint commits",
		}, []string{"pipeline"}),
		stalled: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stalled",
			Help:      "1 when the pipeline has stopped advancing",
		}, []string{"pipeline"}),
		latestEpoch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "latest_closed_epoch",
			Help:      "last epoch the pipeline saw close",
		}, []string{"pipeline"}),
		waits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watermark",
			Name:      "wait_duration_seconds",
			Help:      "time readers spent waiting for watermarks, by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"outcome"}),
	}
}

func (c *Collector) CheckpointFetched(seq uint64) {
	c.latestFetched.Set(float64(seq))
}

func (c *Collector) FetchFailed(kind string) {
	c.fetchErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) CheckpointCommitted(pipeline string, seq uint64, took time.Duration) {
	c.watermark.WithLabelValues(pipeline).Set(float64(seq))
	c.commitDuration.WithLabelValues(pipeline).Observe(took.Seconds())
}

func (c *Collector) WriteRetried(pipeline string) {
	c.writeRetries.WithLabelValues(pipeline).Inc()
}

func (c *Collector) PipelineStalled(pipeline string, stalled bool) {
	v := 0.0
	if stalled {
		v = 1
	}
	c.stalled.WithLabelValues(pipeline).Set(v)
}

func (c *Collector) EpochClosed(pipeline string, epoch uint64) {
	c.latestEpoch.WithLabelValues(pipeline).Set(float64(epoch))
}

func (c *Collector) WaitCompleted(outcome string, took time.Duration) {
	c.waits.WithLabelValues(outcome).Observe(took.Seconds())
}

type NoopCollector struct{}

func (NoopCollector) CheckpointFetched(uint64) {}
func (NoopCollector) FetchFailed(string) {}
func (NoopCollector) CheckpointCommitted(string, uint64, time.Duration) {}
func (NoopCollector) WriteRetried(string) {}
func (NoopCollector) PipelineStalled(string, bool) {}
func (NoopCollector) EpochClosed(string, uint64) {}
func (NoopCollector) WaitCompleted(string, time.Duration) {}
