package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/metrics"
	appCtx "github.com/hirehub/view-service/internal/pkg/context"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	flushLockName     = "flush"
	subjectLockPrefix = "flush:subject:"
	lockGrace         = 30 * time.Second

	// store round-trips one subject can take: lock, drain, write, check, restore, unlock
	subjectOps = 6

	triggerBuffer = 256
)

type FlusherConfig struct {
	Interval    time.Duration
	Budget      time.Duration
	OpTimeout   time.Duration
	Workers     int
	MaxSubjects int
}

func (c *FlusherConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Budget <= 0 {
		c.Budget = 5 * time.Minute
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxSubjects <= 0 {
		c.MaxSubjects = 10000
	}
}

// Flusher moves pending deltas into the catalog.
//
// Every drained delta is parked in-flight under a batch id until the catalog write is
// settled: acknowledged when the batch is durable, restored to the pending counter when it
// is known not to be. A delta whose fate cannot be determined stays in-flight and is
// settled by the next cycle's recovery pass, so a crash never loses or doubles a view.
type Flusher struct {
	counters domain.CounterStore
	catalog  domain.Catalog
	locker   domain.Locker
	pub      domain.EventPublisher
	clock    domain.Clock
	cfg      FlusherConfig

	running  atomic.Bool
	subjects sync.Map // uuid.UUID -> struct{}, subjects being settled by this process
	triggers chan uuid.UUID
}

func NewFlusher(counters domain.CounterStore, catalog domain.Catalog, locker domain.Locker, pub domain.EventPublisher, clock domain.Clock, cfg FlusherConfig) *Flusher {
	cfg.defaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Flusher{
		counters: counters,
		catalog:  catalog,
		locker:   locker,
		pub:      pub,
		clock:    clock,
		cfg:      cfg,
		triggers: make(chan uuid.UUID, triggerBuffer),
	}
}

// Start runs a cycle at startup (recovering anything a crash left in-flight) and then every
// Interval until ctx is done. Threshold triggers are served alongside.
func (f *Flusher) Start(ctx context.Context) {
	go runEvery(ctx, "flusher", f.cfg.Interval, func(ctx context.Context) {
		if _, err := f.RunCycle(ctx); err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
			logger.Logger.Warn().Err(err).Str("component", "flusher").Msg("flush cycle aborted")
		}
	})
	go f.runTriggers(ctx)
}

// Trigger queues an early flush of one subject. It never blocks; false means the queue is full
// and the subject waits for the next cycle.
func (f *Flusher) Trigger(subjectID uuid.UUID) bool {
	select {
	case f.triggers <- subjectID:
		return true
	default:
		return false
	}
}

func (f *Flusher) runTriggers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-f.triggers:
			if _, err := f.FlushSubject(ctx, id); err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
				logger.Logger.Warn().Err(err).Str("component", "flusher").Str("job_id", id.String()).Msg("early flush failed")
			}
		}
	}
}

// tally accumulates per-subject results from concurrent workers.
type tally struct {
	mu     sync.Mutex
	report domain.FlushReport
	// subjects not to drain again this cycle; true once tallied as skipped
	held map[uuid.UUID]bool
}

func newTally(cycleID string, started time.Time) *tally {
	return &tally{
		report: domain.FlushReport{CycleID: cycleID, StartedAt: started},
		held:   map[uuid.UUID]bool{},
	}
}

func (t *tally) add(fn func(r *domain.FlushReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.report)
}

func (t *tally) markFailed(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.held[id]; !ok {
		t.held[id] = false
	}
}

func (t *tally) markBusy(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.held[id] {
		t.held[id] = true
		t.report.Skipped++
	}
}

// skipHeld reports whether id is held back this cycle, tallying it as skipped once.
func (t *tally) skipHeld(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	counted, ok := t.held[id]
	if !ok {
		return false
	}
	if !counted {
		t.held[id] = true
		t.report.Skipped++
	}
	return true
}

// cycleLockTTL covers the budget plus the subjects started just before it ran out and the
// listing that follows them.
func (f *Flusher) cycleLockTTL() time.Duration {
	return f.cfg.Budget + (subjectOps+1)*f.cfg.OpTimeout + lockGrace
}

func (f *Flusher) subjectLockTTL() time.Duration {
	return subjectOps*f.cfg.OpTimeout + lockGrace
}

// RunCycle performs one flush cycle. It returns ErrCycleInProgress when another cycle holds
// the in-process guard or the shared lock. Per-subject failures are reported, not returned.
func (f *Flusher) RunCycle(ctx context.Context) (domain.FlushReport, error) {
	if !f.running.CompareAndSwap(false, true) {
		metrics.RecordFlushCycle("skipped", 0)
		return domain.FlushReport{}, domain.ErrCycleInProgress
	}
	defer f.running.Store(false)

	started := f.clock.Now()
	wallStart := time.Now()
	cycleID := uuid.NewString()
	ctx = appCtx.WithCycleID(ctx, cycleID)
	log := logger.WithCtx(ctx).With().Str("component", "flusher").Logger()

	if f.locker != nil {
		lock, ok, err := f.locker.TryLock(ctx, flushLockName, f.cycleLockTTL())
		if err != nil {
			metrics.RecordFlushCycle("skipped", 0)
			return domain.FlushReport{}, fmt.Errorf("acquire flush lock: %w", err)
		}
		if !ok {
			metrics.RecordFlushCycle("skipped", 0)
			log.Info().Msg("flush cycle held by another instance; skipping")
			return domain.FlushReport{}, domain.ErrCycleInProgress
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("release flush lock failed")
			}
		}()
	}

	// budgetCtx only gates starting new subjects; a subject already started runs to
	// completion under its own op timeout.
	budgetCtx, cancel := context.WithTimeout(ctx, f.cfg.Budget)
	defer cancel()

	t := newTally(cycleID, started)

	err := f.recover(ctx, budgetCtx, t, &log)
	if err == nil {
		err = f.flushPending(ctx, budgetCtx, t, &log)
	}

	report := t.report
	report.Duration = time.Since(wallStart)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordFlushCycle(result, report.Duration)
	metrics.RecordFlushSubjects("recovered", report.Recovered)
	metrics.RecordFlushSubjects("flushed", report.Flushed)
	metrics.RecordFlushSubjects("skipped", report.Skipped)
	metrics.RecordFlushSubjects("failed", report.Failed)
	metrics.RecordFlushSubjects("dropped", report.Dropped)
	metrics.RecordFlushSubjects("deferred", report.Deferred)
	metrics.RecordFlushIncrements(report.Increments)

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("recovered", report.Recovered).
		Int("flushed", report.Flushed).
		Int64("increments", report.Increments).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("dropped", report.Dropped).
		Int("deferred", report.Deferred).
		Dur("duration", report.Duration).
		Msg("flush cycle finished")

	publishCycle(ctx, f.pub, RoutingKeyFlushCompleted, cycleID, f.clock.Now(), report)
	return report, err
}

// recover settles deltas left in-flight by an earlier cycle before anything new is drained.
func (f *Flusher) recover(ctx, budgetCtx context.Context, t *tally, log *zerolog.Logger) error {
	opCtx, cancel := f.opContext(ctx)
	inflight, err := f.counters.InFlight(opCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list in-flight: %w", err)
	}
	if len(inflight) == 0 {
		return nil
	}
	log.Info().Int("subjects", len(inflight)).Msg("recovering in-flight deltas")

	g := new(errgroup.Group)
	g.SetLimit(f.cfg.Workers)
	for _, rec := range inflight {
		if budgetCtx.Err() != nil {
			t.add(func(r *domain.FlushReport) { r.Deferred++ })
			continue
		}
		rec := rec
		g.Go(func() error {
			f.withSubject(ctx, t, log, rec.SubjectID, func() {
				t.add(func(r *domain.FlushReport) { r.Recovered++ })
				f.settle(ctx, t, log, rec.SubjectID, rec.Batch, rec.Delta)
			})
			return nil
		})
	}
	return g.Wait()
}

func (f *Flusher) flushPending(ctx, budgetCtx context.Context, t *tally, log *zerolog.Logger) error {
	opCtx, cancel := f.opContext(ctx)
	ids, err := f.counters.PendingSubjects(opCtx, f.cfg.MaxSubjects)
	cancel()
	if err != nil {
		return fmt.Errorf("list pending subjects: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(f.cfg.Workers)
	for _, id := range ids {
		if budgetCtx.Err() != nil {
			t.add(func(r *domain.FlushReport) { r.Deferred++ })
			continue
		}
		if t.skipHeld(id) {
			// restored during recovery or busy elsewhere; retried next cycle
			continue
		}
		id := id
		g.Go(func() error {
			f.withSubject(ctx, t, log, id, func() {
				f.flushSubject(ctx, t, log, id)
			})
			return nil
		})
	}
	return g.Wait()
}

// FlushSubject settles one subject outside the periodic cycle: the batch it has in flight if
// any, otherwise a fresh drain. It shares the per-subject guard with RunCycle and returns
// ErrCycleInProgress while the subject is being settled elsewhere.
func (f *Flusher) FlushSubject(ctx context.Context, subjectID uuid.UUID) (domain.FlushReport, error) {
	cycleID := uuid.NewString()
	ctx = appCtx.WithCycleID(ctx, cycleID)
	log := logger.WithCtx(ctx).With().Str("component", "flusher").Str("trigger", "threshold").Logger()
	t := newTally(cycleID, f.clock.Now())

	release, ok, err := f.lockSubject(ctx, subjectID)
	if err != nil {
		metrics.RecordEarlyFlush("error")
		return t.report, fmt.Errorf("acquire subject lock: %w", err)
	}
	if !ok {
		metrics.RecordEarlyFlush("busy")
		log.Debug().Str("job_id", subjectID.String()).Msg("subject busy; early flush skipped")
		return t.report, domain.ErrCycleInProgress
	}
	f.flushSubject(ctx, t, &log, subjectID)
	release()

	report := t.report
	result := "ok"
	if report.Failed > 0 || report.Skipped > 0 {
		result = "error"
	}
	metrics.RecordEarlyFlush(result)
	metrics.RecordFlushIncrements(report.Increments)
	log.Debug().
		Str("job_id", subjectID.String()).
		Int64("increments", report.Increments).
		Str("result", result).
		Msg("early flush finished")
	return report, nil
}

// withSubject runs fn under the subject guard. A subject held elsewhere is skipped for the
// rest of the cycle.
func (f *Flusher) withSubject(ctx context.Context, t *tally, log *zerolog.Logger, id uuid.UUID, fn func()) {
	release, ok, err := f.lockSubject(ctx, id)
	if err != nil || !ok {
		t.markBusy(id)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("job_id", id.String()).Msg("subject busy; skipped this cycle")
		return
	}
	defer release()
	fn()
}

// lockSubject takes the in-process guard and, with a locker, the shared per-subject lock.
func (f *Flusher) lockSubject(ctx context.Context, id uuid.UUID) (func(), bool, error) {
	if _, busy := f.subjects.LoadOrStore(id, struct{}{}); busy {
		return nil, false, nil
	}
	if f.locker == nil {
		return func() { f.subjects.Delete(id) }, true, nil
	}

	opCtx, cancel := f.opContext(ctx)
	lock, ok, err := f.locker.TryLock(opCtx, subjectLockPrefix+id.String(), f.subjectLockTTL())
	cancel()
	if err != nil || !ok {
		f.subjects.Delete(id)
		return nil, false, err
	}
	return func() {
		opCtx, cancel := f.opContext(ctx)
		defer cancel()
		if err := lock.Release(opCtx); err != nil {
			logger.WithCtx(ctx).Warn().Err(err).Str("job_id", id.String()).Msg("release subject lock failed")
		}
		f.subjects.Delete(id)
	}, true, nil
}

func (f *Flusher) flushSubject(ctx context.Context, t *tally, log *zerolog.Logger, id uuid.UUID) {
	opCtx, cancel := f.opContext(ctx)
	d, err := f.counters.Drain(opCtx, id, fmt.Sprintf("%s:%s", appCtx.GetCycleID(ctx), id))
	cancel()
	if err != nil {
		t.add(func(r *domain.FlushReport) { r.Skipped++ })
		log.Warn().Err(err).Str("job_id", id.String()).Msg("drain failed; subject skipped this cycle")
		return
	}
	if d.Delta <= 0 {
		return
	}
	if d.Resumed {
		t.add(func(r *domain.FlushReport) { r.Recovered++ })
	}
	f.settle(ctx, t, log, id, d.Batch, d.Delta)
}

// settle writes one drained delta and then acknowledges or restores it.
func (f *Flusher) settle(ctx context.Context, t *tally, log *zerolog.Logger, id uuid.UUID, batch string, delta int64) {
	sublog := log.With().Str("job_id", id.String()).Str("batch", batch).Int64("delta", delta).Logger()

	opCtx, cancel := f.opContext(ctx)
	applied, err := f.catalog.ApplyFlush(opCtx, id, batch, delta, f.clock.Now())
	cancel()

	switch {
	case err == nil:
		f.ack(ctx, &sublog, id, batch)
		t.add(func(r *domain.FlushReport) {
			r.Flushed++
			if applied {
				r.Increments += delta
			}
		})
		return

	case errors.Is(err, domain.ErrSubjectNotFound):
		// the subject was deleted from the catalog; its views have nowhere to go
		f.ack(ctx, &sublog, id, batch)
		t.add(func(r *domain.FlushReport) { r.Dropped++ })
		sublog.Warn().Msg("subject no longer exists; pending views discarded")

		opCtx, cancel = f.opContext(ctx)
		if _, err := f.counters.Forget(opCtx, id); err != nil {
			sublog.Warn().Err(err).Msg("forget epoch failed")
		}
		cancel()
		return
	}

	t.markFailed(id)
	t.add(func(r *domain.FlushReport) { r.Failed++ })
	sublog.Warn().Err(err).Msg("durable write failed")

	// the write may have committed before the error surfaced
	opCtx, cancel = f.opContext(ctx)
	done, checkErr := f.catalog.FlushApplied(opCtx, batch)
	cancel()
	if checkErr != nil {
		sublog.Warn().Err(checkErr).Msg("cannot tell whether batch committed; left in-flight for next cycle")
		return
	}
	if done {
		f.ack(ctx, &sublog, id, batch)
		return
	}

	opCtx, cancel = f.opContext(ctx)
	restored, err := f.counters.Restore(opCtx, id, batch)
	cancel()
	switch {
	case err != nil:
		sublog.Error().Err(err).Msg("restore failed; delta left in-flight for next cycle")
	case restored < 0:
		sublog.Warn().Msg("batch no longer in-flight; nothing restored")
	default:
		sublog.Info().Int64("restored", restored).Msg("delta restored to pending")
	}
}

func (f *Flusher) ack(ctx context.Context, log *zerolog.Logger, id uuid.UUID, batch string) {
	opCtx, cancel := f.opContext(ctx)
	defer cancel()
	ok, err := f.counters.Ack(opCtx, id, batch)
	if err != nil {
		// committed; the next cycle finds the batch applied and acknowledges it
		log.Warn().Err(err).Msg("ack failed; batch stays in-flight until next cycle")
		return
	}
	if !ok {
		log.Debug().Msg("ack for batch no longer in-flight")
	}
}

// opContext bounds one store round-trip. It ignores cancellation of ctx so a shutdown
// mid-subject still settles that subject.
func (f *Flusher) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.cfg.OpTimeout)
}
