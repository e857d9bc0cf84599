package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrInvalidSubject   = errors.New("invalid subject id")
	ErrStoreUnavailable = errors.New("store temporarily unavailable")
	ErrCycleInProgress  = errors.New("cycle already in progress")
)

// Outcome is the result of a single record_view call. Suppression is a normal outcome.
type Outcome string

const (
	OutcomeCounted    Outcome = "counted"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Drained is the result of draining a subject's pending delta.
// Batch identifies the in-flight record holding Delta until it is acked or restored.
// Resumed is true when an earlier, still unacknowledged batch was returned instead of a fresh drain.
type Drained struct {
	Batch   string
	Delta   int64
	Resumed bool
}

// InFlight is a drained delta that has not been acknowledged yet.
type InFlight struct {
	SubjectID uuid.UUID
	Batch     string
	Delta     int64
}

// Snapshot is an atomic view of a subject's volatile state.
type Snapshot struct {
	Epoch         int64
	Pending       int64
	InFlightBatch string
	InFlightDelta int64
}

// DurableCount is the catalog side of a read.
type DurableCount struct {
	Count        int64
	BatchApplied bool
}

// CountRead asks the catalog for a subject's count and whether Batch is already applied.
type CountRead struct {
	SubjectID uuid.UUID
	Batch     string
}

type ViewCount struct {
	SubjectID             uuid.UUID `json:"job_id"`
	Count                 int64     `json:"view_count"`
	PossiblyUndercounting bool      `json:"possibly_undercounting"`
}

type PendingSubject struct {
	SubjectID uuid.UUID `json:"job_id"`
	Pending   int64     `json:"pending"`
	InFlight  int64     `json:"in_flight"`
	Batch     string    `json:"batch,omitempty"`
}

// RawViewEvent is an append-only analytics record of one detail view.
type RawViewEvent struct {
	ID          uuid.UUID
	SubjectID   uuid.UUID
	Fingerprint string
	UserID      string
	IP          string
	UserAgent   string
	Referrer    string
	ViewedAt    time.Time
}

type FlushReport struct {
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Recovered  int           `json:"recovered"`
	Flushed    int           `json:"subjects_flushed"`
	Increments int64         `json:"increments_committed"`
	Skipped    int           `json:"subjects_skipped"`
	Failed     int           `json:"subjects_failed"`
	Dropped    int           `json:"subjects_dropped"`
	Deferred   int           `json:"subjects_deferred"`
}

type SweepReport struct {
	CycleID          string        `json:"cycle_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
	RawEventsCutoff  time.Time     `json:"raw_events_cutoff"`
	RawEventsDeleted int64         `json:"raw_events_deleted"`
	FlushLogDeleted  int64         `json:"flush_log_deleted"`
	Batches          int           `json:"batches"`
	FailedBatches    int           `json:"failed_batches"`
}
