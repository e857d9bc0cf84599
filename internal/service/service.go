package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/metrics"
)

// readAttempts bounds how often a read retries when a flush moves the subject's epoch
// between the volatile snapshot and the durable read.
const readAttempts = 3

// RawEventSink accepts raw view events without blocking.
type RawEventSink interface {
	Enqueue(e domain.RawViewEvent) bool
}

// FlushTrigger asks for an out-of-cycle flush of one subject without blocking.
type FlushTrigger interface {
	Trigger(subjectID uuid.UUID) bool
}

type ViewService struct {
	counters domain.CounterStore
	dedup    domain.Deduplicator
	catalog  domain.Catalog
	raw      RawEventSink
	clock    domain.Clock

	trigger   FlushTrigger
	threshold int64
}

func NewViewService(counters domain.CounterStore, dedup domain.Deduplicator, catalog domain.Catalog, raw RawEventSink, clock domain.Clock) *ViewService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &ViewService{
		counters: counters,
		dedup:    dedup,
		catalog:  catalog,
		raw:      raw,
		clock:    clock,
	}
}

// WithFlushTrigger flushes a subject early every time its pending delta reaches a multiple
// of threshold. A threshold <= 0 disables early flushes.
func (s *ViewService) WithFlushTrigger(threshold int64, trigger FlushTrigger) *ViewService {
	s.threshold = threshold
	s.trigger = trigger
	return s
}

// RecordView counts one detail view unless the visitor was already counted within the
// dedup window. It never returns an error: failures are logged, counted and reported as
// OutcomeFailed.
func (s *ViewService) RecordView(ctx context.Context, subjectID uuid.UUID, hint domain.VisitorHint) domain.Outcome {
	outcome := s.recordView(ctx, subjectID, hint)
	metrics.RecordView(string(outcome))
	return outcome
}

func (s *ViewService) recordView(ctx context.Context, subjectID uuid.UUID, hint domain.VisitorHint) domain.Outcome {
	log := logger.WithCtx(ctx)
	if subjectID == uuid.Nil {
		log.Warn().Msg("record view: nil subject id")
		return domain.OutcomeFailed
	}

	fingerprint := hint.Fingerprint()
	accepted, err := s.dedup.Accept(ctx, subjectID, fingerprint)
	if err != nil {
		log.Warn().Err(err).Str("job_id", subjectID.String()).Msg("record view: dedup check failed")
		return domain.OutcomeFailed
	}
	if !accepted {
		return domain.OutcomeSuppressed
	}

	pending, err := s.counters.Increment(ctx, subjectID)
	if err != nil {
		// the dedup record stays; this visitor is not counted until it expires
		log.Warn().Err(err).Str("job_id", subjectID.String()).Msg("record view: increment failed")
		return domain.OutcomeFailed
	}
	if s.trigger != nil && s.threshold > 0 && pending > 0 && pending%s.threshold == 0 {
		if !s.trigger.Trigger(subjectID) {
			metrics.RecordDropped("flush_trigger_full")
		}
	}

	if s.raw != nil {
		ev := domain.RawViewEvent{
			ID:          uuid.New(),
			SubjectID:   subjectID,
			Fingerprint: fingerprint,
			UserID:      hint.UserID,
			IP:          hint.IP,
			UserAgent:   hint.UserAgent,
			Referrer:    hint.Referrer,
			ViewedAt:    s.clock.Now(),
		}
		if !s.raw.Enqueue(ev) {
			metrics.RecordDropped("raw_buffer_full")
		}
	}
	return domain.OutcomeCounted
}

// GetViewCount returns durable count plus not-yet-flushed views. It never overcounts:
// when the volatile store cannot be read consistently the durable count alone is returned
// with PossiblyUndercounting set.
func (s *ViewService) GetViewCount(ctx context.Context, subjectID uuid.UUID) (domain.ViewCount, error) {
	if subjectID == uuid.Nil {
		return domain.ViewCount{}, domain.ErrInvalidSubject
	}

	var last domain.DurableCount
	for attempt := 0; attempt < readAttempts; attempt++ {
		snap, err := s.counters.Snapshot(ctx, subjectID)
		if err != nil {
			if !errors.Is(err, domain.ErrStoreUnavailable) {
				return domain.ViewCount{}, err
			}
			return s.durableOnly(ctx, subjectID, "store_unavailable", err)
		}

		dc, err := s.catalog.ReadViewCount(ctx, subjectID, snap.InFlightBatch)
		if err != nil {
			return domain.ViewCount{}, err
		}
		last = dc

		epochs, err := s.counters.Epochs(ctx, []uuid.UUID{subjectID})
		if err != nil {
			metrics.RecordReadFallback("store_unavailable")
			return domain.ViewCount{SubjectID: subjectID, Count: dc.Count, PossiblyUndercounting: true}, nil
		}
		if epochs[subjectID] == snap.Epoch {
			return domain.ViewCount{SubjectID: subjectID, Count: observed(snap, dc)}, nil
		}
	}

	metrics.RecordReadFallback("epoch_contention")
	logger.WithCtx(ctx).Debug().Str("job_id", subjectID.String()).Msg("view count read lost to concurrent flush; durable only")
	return domain.ViewCount{SubjectID: subjectID, Count: last.Count, PossiblyUndercounting: true}, nil
}

func (s *ViewService) durableOnly(ctx context.Context, subjectID uuid.UUID, reason string, cause error) (domain.ViewCount, error) {
	metrics.RecordReadFallback(reason)
	logger.WithCtx(ctx).Warn().Err(cause).Str("job_id", subjectID.String()).Msg("volatile store unavailable; serving durable count")
	dc, err := s.catalog.ReadViewCount(ctx, subjectID, "")
	if err != nil {
		return domain.ViewCount{}, err
	}
	return domain.ViewCount{SubjectID: subjectID, Count: dc.Count, PossiblyUndercounting: true}, nil
}

// GetViewCounts is the bulk form of GetViewCount. Unknown subjects are left out of the result;
// order follows the first occurrence of each id in subjectIDs.
func (s *ViewService) GetViewCounts(ctx context.Context, subjectIDs []uuid.UUID) ([]domain.ViewCount, error) {
	ids := uniqueIDs(subjectIDs)
	if len(ids) == 0 {
		return []domain.ViewCount{}, nil
	}

	snaps, err := s.counters.SnapshotMany(ctx, ids)
	if err != nil {
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return nil, err
		}
		metrics.RecordReadFallback("store_unavailable")
		return s.durableOnlyMany(ctx, ids)
	}

	reads := make([]domain.CountRead, len(ids))
	for i, id := range ids {
		reads[i] = domain.CountRead{SubjectID: id, Batch: snaps[id].InFlightBatch}
	}
	durable, err := s.catalog.ReadViewCounts(ctx, reads)
	if err != nil {
		return nil, err
	}

	epochs, err := s.counters.Epochs(ctx, ids)
	if err != nil {
		metrics.RecordReadFallback("store_unavailable")
		epochs = nil
	}

	out := make([]domain.ViewCount, 0, len(ids))
	for _, id := range ids {
		dc, ok := durable[id]
		if !ok {
			continue
		}
		if epochs == nil {
			out = append(out, domain.ViewCount{SubjectID: id, Count: dc.Count, PossiblyUndercounting: true})
			continue
		}
		if epochs[id] == snaps[id].Epoch {
			out = append(out, domain.ViewCount{SubjectID: id, Count: observed(snaps[id], dc)})
			continue
		}
		// a flush touched this subject mid-read
		vc, err := s.GetViewCount(ctx, id)
		if errors.Is(err, domain.ErrSubjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, vc)
	}
	return out, nil
}

func (s *ViewService) durableOnlyMany(ctx context.Context, ids []uuid.UUID) ([]domain.ViewCount, error) {
	reads := make([]domain.CountRead, len(ids))
	for i, id := range ids {
		reads[i] = domain.CountRead{SubjectID: id}
	}
	durable, err := s.catalog.ReadViewCounts(ctx, reads)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ViewCount, 0, len(ids))
	for _, id := range ids {
		if dc, ok := durable[id]; ok {
			out = append(out, domain.ViewCount{SubjectID: id, Count: dc.Count, PossiblyUndercounting: true})
		}
	}
	return out, nil
}

// PendingSubjects lists subjects awaiting flush: those with a buffered delta and those whose
// drained delta is not yet acknowledged.
func (s *ViewService) PendingSubjects(ctx context.Context, limit int) ([]domain.PendingSubject, error) {
	ids, err := s.counters.PendingSubjects(ctx, limit)
	if err != nil {
		return nil, err
	}
	inflight, err := s.counters.InFlight(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range inflight {
		ids = append(ids, f.SubjectID)
	}
	ids = uniqueIDs(ids)

	snaps, err := s.counters.SnapshotMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]domain.PendingSubject, 0, len(ids))
	for _, id := range ids {
		snap := snaps[id]
		if snap.Pending <= 0 && snap.InFlightBatch == "" {
			continue
		}
		out = append(out, domain.PendingSubject{
			SubjectID: id,
			Pending:   snap.Pending,
			InFlight:  snap.InFlightDelta,
			Batch:     snap.InFlightBatch,
		})
	}
	return out, nil
}

// observed combines one consistent snapshot with the durable read taken under it.
func observed(snap domain.Snapshot, dc domain.DurableCount) int64 {
	n := dc.Count + max(snap.Pending, 0)
	if snap.InFlightBatch != "" && !dc.BatchApplied {
		n += max(snap.InFlightDelta, 0)
	}
	return n
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Submitter runs work off the request goroutine; TrySubmit must not block.
type Submitter interface {
	TrySubmit(job func()) bool
}

// AsyncRecorder hands RecordView to a bounded pool so the caller never waits on the stores.
type AsyncRecorder struct {
	svc     *ViewService
	pool    Submitter
	timeout time.Duration
}

func NewAsyncRecorder(svc *ViewService, pool Submitter, timeout time.Duration) *AsyncRecorder {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &AsyncRecorder{svc: svc, pool: pool, timeout: timeout}
}

// Record schedules the view and reports whether it was accepted for processing.
// The work outlives the request: only values, not cancellation, are taken from ctx.
func (r *AsyncRecorder) Record(ctx context.Context, subjectID uuid.UUID, hint domain.VisitorHint) bool {
	base := context.WithoutCancel(ctx)
	ok := r.pool.TrySubmit(func() {
		jobCtx, cancel := context.WithTimeout(base, r.timeout)
		defer cancel()
		r.svc.RecordView(jobCtx, subjectID, hint)
	})
	if !ok {
		metrics.RecordDropped("queue_full")
		metrics.RecordView(string(domain.OutcomeFailed))
		logger.WithCtx(ctx).Warn().Str("job_id", subjectID.String()).Msg("record queue full; view dropped")
	}
	return ok
}
