package progress

import "time"

// Snapshot is the on-disk progress report. It is informational: the
// authoritative watermarks live in the store.
type Snapshot struct {
	// Version of the snapshot format.
	Version string `json:"version"`

	ServiceID string `json:"service_id"`

	// ConfigHash detects configuration changes between runs.
	ConfigHash string `json:"config_hash"`

	Pipelines []PipelineProgress `json:"pipelines"`

	// ReadyThrough is the highest checkpoint every pipeline has committed.
	ReadyThrough *uint64 `json:"ready_through,omitempty"`

	SnapshotTimestamp time.Time `json:"snapshot_timestamp"`

	Statistics *Stats `json:"statistics,omitempty"`
}

type PipelineProgress struct {
	Name         string  `json:"name"`
	CheckpointHi *uint64 `json:"checkpoint_hi,omitempty"`
	Stalled      bool    `json:"stalled"`
	StallReason  string  `json:"stall_reason,omitempty"`
}

type Stats struct {
	CheckpointsFetched uint64 `json:"checkpoints_fetched"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = "1.0"
