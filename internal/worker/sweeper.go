package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/metrics"
	appCtx "github.com/hirehub/view-service/internal/pkg/context"
	"github.com/rs/zerolog"
)

const (
	sweepLockName = "sweep"
	// consecutive failed batches after which a table is left for the next cycle
	maxConsecutiveBatchFailures = 3
)

type SweeperConfig struct {
	Interval          time.Duration
	RawRetention      time.Duration
	FlushLogRetention time.Duration
	BatchSize         int
	MaxBatches        int
	OpTimeout         time.Duration
}

func (c *SweeperConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * 24 * time.Hour
	}
	if c.RawRetention <= 0 {
		c.RawRetention = 90 * 24 * time.Hour
	}
	if c.FlushLogRetention <= 0 {
		c.FlushLogRetention = 7 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 500
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
}

// InFlightLister lists drained batches that are not settled yet.
type InFlightLister interface {
	InFlight(ctx context.Context) ([]domain.InFlight, error)
}

// Sweeper purges raw view events past the retention horizon and old flush fence rows.
// It never touches view counts or pending deltas. Dedup records expire on their own TTL.
// The fence row of a batch that is still in-flight is kept regardless of its age.
type Sweeper struct {
	store    domain.RawEventStore
	inflight InFlightLister
	locker   domain.Locker
	pub    domain.EventPublisher
	clock  domain.Clock
	cfg    SweeperConfig

	running atomic.Bool
}

func NewSweeper(store domain.RawEventStore, inflight InFlightLister, locker domain.Locker, pub domain.EventPublisher, clock domain.Clock, cfg SweeperConfig) *Sweeper {
	cfg.defaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Sweeper{
		store:    store,
		inflight: inflight,
		locker:   locker,
		pub:      pub,
		clock:    clock,
		cfg:      cfg,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go runEvery(ctx, "sweeper", s.cfg.Interval, func(ctx context.Context) {
		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
			logger.Logger.Warn().Err(err).Str("component", "sweeper").Msg("sweep cycle aborted")
		}
	})
}

// RunCycle deletes in bounded batches. A failed batch is counted and the cycle moves on;
// whatever is left is picked up next time since every delete is keyed on age alone.
func (s *Sweeper) RunCycle(ctx context.Context) (domain.SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.RecordSweepCycle("skipped")
		return domain.SweepReport{}, domain.ErrCycleInProgress
	}
	defer s.running.Store(false)

	now := s.clock.Now()
	wallStart := time.Now()
	cycleID := uuid.NewString()
	ctx = appCtx.WithCycleID(ctx, cycleID)
	log := logger.WithCtx(ctx).With().Str("component", "sweeper").Logger()

	if s.locker != nil {
		ttl := time.Duration(s.cfg.MaxBatches)*s.cfg.OpTimeout*2 + lockGrace
		lock, ok, err := s.locker.TryLock(ctx, sweepLockName, ttl)
		switch {
		case err != nil:
			// deletes are idempotent, so a second sweeper is wasteful but harmless
			log.Warn().Err(err).Msg("sweep lock unavailable; sweeping without it")
		case !ok:
			metrics.RecordSweepCycle("skipped")
			log.Info().Msg("sweep held by another instance; skipping")
			return domain.SweepReport{}, domain.ErrCycleInProgress
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("release sweep lock failed")
				}
			}()
		}
	}

	report := domain.SweepReport{
		CycleID:         cycleID,
		StartedAt:       now,
		RawEventsCutoff: now.Add(-s.cfg.RawRetention),
	}

	report.RawEventsDeleted = s.sweepTable(ctx, &log, &report, "job_view_events", report.RawEventsCutoff, s.store.DeleteRawEventsBefore)
	keep, err := s.inFlightBatches(ctx)
	if err != nil {
		report.FailedBatches++
		log.Warn().Err(err).Msg("cannot list in-flight batches; flush log left for next cycle")
	} else {
		report.FlushLogDeleted = s.sweepTable(ctx, &log, &report, "job_view_flushes", now.Add(-s.cfg.FlushLogRetention),
			func(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
				return s.store.DeleteFlushLogBefore(ctx, cutoff, limit, keep)
			})
	}
	report.Duration = time.Since(wallStart)

	result := "ok"
	if report.FailedBatches > 0 {
		result = "partial"
	}
	metrics.RecordSweepCycle(result)

	log.Info().
		Time("raw_cutoff", report.RawEventsCutoff).
		Int64("raw_events_deleted", report.RawEventsDeleted).
		Int64("flush_log_deleted", report.FlushLogDeleted).
		Int("batches", report.Batches).
		Int("failed_batches", report.FailedBatches).
		Dur("duration", report.Duration).
		Msg("sweep cycle finished")

	publishCycle(ctx, s.pub, RoutingKeySweepCompleted, cycleID, s.clock.Now(), report)
	return report, nil
}

func (s *Sweeper) inFlightBatches(ctx context.Context) ([]string, error) {
	if s.inflight == nil {
		return nil, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	recs, err := s.inflight.InFlight(opCtx)
	if err != nil {
		return nil, err
	}
	batches := make([]string, 0, len(recs))
	for _, rec := range recs {
		batches = append(batches, rec.Batch)
	}
	return batches, nil
}

type deleteFunc func(ctx context.Context, cutoff time.Time, limit int) (int64, error)

func (s *Sweeper) sweepTable(ctx context.Context, log *zerolog.Logger, report *domain.SweepReport, table string, cutoff time.Time, del deleteFunc) int64 {
	var (
		total       int64
		consecutive int
	)
	for i := 0; i < s.cfg.MaxBatches; i++ {
		if ctx.Err() != nil {
			break
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		n, err := del(opCtx, cutoff, s.cfg.BatchSize)
		cancel()
		report.Batches++

		if err != nil {
			report.FailedBatches++
			consecutive++
			log.Warn().Err(err).Str("table", table).Int("batch", i).Msg("sweep batch failed")
			if consecutive >= maxConsecutiveBatchFailures {
				break
			}
			continue
		}
		consecutive = 0
		total += n
		metrics.RecordSweepDeleted(table, n)
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}
	return total
}
