package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CounterStore is the volatile buffer of pending increments.
// Increment and Drain are the only mutations of the pending value; there is no overwrite.
type CounterStore interface {
	// Increment returns the subject's pending delta including this view.
	Increment(ctx context.Context, subjectID uuid.UUID) (int64, error)
	Peek(ctx context.Context, subjectID uuid.UUID) (int64, error)
	PeekMany(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]int64, error)

	Drain(ctx context.Context, subjectID uuid.UUID, batch string) (Drained, error)
	Ack(ctx context.Context, subjectID uuid.UUID, batch string) (bool, error)
	Restore(ctx context.Context, subjectID uuid.UUID, batch string) (int64, error)

	Snapshot(ctx context.Context, subjectID uuid.UUID) (Snapshot, error)
	SnapshotMany(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]Snapshot, error)
	Epochs(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]int64, error)

	PendingSubjects(ctx context.Context, limit int) ([]uuid.UUID, error)
	InFlight(ctx context.Context) ([]InFlight, error)
	Forget(ctx context.Context, subjectID uuid.UUID) (bool, error)
}

// Deduplicator decides whether a (subject, visitor) view is counted.
type Deduplicator interface {
	Accept(ctx context.Context, subjectID uuid.UUID, fingerprint string) (bool, error)
}

// Catalog is the durable side: the subject's view_count and the flush fence.
type Catalog interface {
	// ApplyFlush adds delta to the subject's durable count once per batch.
	// applied=false means the batch had already been committed earlier.
	ApplyFlush(ctx context.Context, subjectID uuid.UUID, batch string, delta int64, syncedAt time.Time) (applied bool, err error)
	FlushApplied(ctx context.Context, batch string) (bool, error)
	ReadViewCount(ctx context.Context, subjectID uuid.UUID, batch string) (DurableCount, error)
	ReadViewCounts(ctx context.Context, reads []CountRead) (map[uuid.UUID]DurableCount, error)
}

type RawEventStore interface {
	InsertRawEvents(ctx context.Context, events []RawViewEvent) error
	DeleteRawEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	// DeleteFlushLogBefore never deletes the fence rows of the batches in keep.
	DeleteFlushLogBefore(ctx context.Context, cutoff time.Time, limit int, keep []string) (int64, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

// Locker provides a cross-process mutual exclusion guard for periodic cycles.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, bool, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, routingKey, messageID string, body []byte) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishEvent(ctx context.Context, routingKey, messageID string, body []byte) error {
	return nil
}
