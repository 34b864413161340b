package common

import (
	"time"

	"github.com/google/uuid"
)

// DownloadJob is one unit of input: fetch URL into Destination.
// Destination is the job identity.
type DownloadJob struct {
	URL         string `json:"url" yaml:"link"`
	Destination string `json:"destination" yaml:"op"`
}

// TaskSnapshot is a read-only copy of a transfer task.
type TaskSnapshot struct {
	ID             uuid.UUID     `json:"id"`
	Job            DownloadJob   `json:"job"`
	State          State         `json:"state"`
	BytesCompleted int64         `json:"bytes_completed"`
	TotalBytes     int64         `json:"total_bytes"`
	Attempt        int           `json:"attempt"`
	Generation     int           `json:"generation"`
	Speed          int64         `json:"speed"`
	ETA            time.Duration `json:"eta,omitempty"`
	ETAKnown       bool          `json:"eta_known"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// BatchStatus aggregates every task owned by a manager.
type BatchStatus struct {
	Total  int           `json:"total"`
	Counts map[State]int `json:"counts"`
	// TotalBytes is -1 while any non-cancelled task has an unknown size.
	BytesCompleted int64 `json:"bytes_completed"`
	TotalBytes     int64 `json:"total_bytes"`
	Speed          int64 `json:"speed"`
	MaxConcurrent  int   `json:"max_concurrent"`
}

// ActiveCount returns the number of tasks holding a worker slot.
func (b BatchStatus) ActiveCount() int {
	return b.Counts[StateConnecting] + b.Counts[StateDownloading] + b.Counts[StateRetrying]
}

// Settled reports whether nothing is queued or running.
func (b BatchStatus) Settled() bool {
	return b.Counts[StatePending] == 0 && b.ActiveCount() == 0
}
