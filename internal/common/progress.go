package common

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the payload carried by an Event.
type EventType string

const (
	EventTaskProgress     EventType = "TaskProgress"
	EventTaskStateChanged EventType = "TaskStateChanged"
	EventBatchSummary     EventType = "BatchSummary"
)

// Event is published by the engine. Exactly one payload field is set,
// matching Type. Payloads are latest-value snapshots, never deltas.
type Event struct {
	ID       uuid.UUID         `json:"id"`
	Type     EventType         `json:"type"`
	Time     time.Time         `json:"time"`
	Progress *TaskProgress     `json:"progress,omitempty"`
	State    *TaskStateChanged `json:"state,omitempty"`
	Summary  *BatchSummary     `json:"summary,omitempty"`
}

// TaskProgress reports bytes for one task. BytesCompleted never decreases
// within one Generation.
type TaskProgress struct {
	Destination    string        `json:"destination"`
	BytesCompleted int64         `json:"bytes_completed"`
	TotalBytes     int64         `json:"total_bytes"`
	Speed          int64         `json:"speed"`
	ETA            time.Duration `json:"eta,omitempty"`
	ETAKnown       bool          `json:"eta_known"`
	Generation     int           `json:"generation"`
}

// TaskStateChanged reports one edge of the task state machine.
type TaskStateChanged struct {
	Destination string `json:"destination"`
	Old         State  `json:"old"`
	New         State  `json:"new"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error,omitempty"`
	// RetryIn is the backoff delay when New is StateRetrying.
	RetryIn time.Duration `json:"retry_in,omitempty"`
}

// BatchSummary carries the aggregate status at the time of publishing.
type BatchSummary struct {
	Status BatchStatus `json:"status"`
}

func NewProgressEvent(p TaskProgress) Event {
	return Event{ID: uuid.New(), Type: EventTaskProgress, Time: time.Now(), Progress: &p}
}

func NewStateEvent(s TaskStateChanged) Event {
	return Event{ID: uuid.New(), Type: EventTaskStateChanged, Time: time.Now(), State: &s}
}

func NewSummaryEvent(b BatchStatus) Event {
	return Event{ID: uuid.New(), Type: EventBatchSummary, Time: time.Now(), Summary: &BatchSummary{Status: b}}
}
