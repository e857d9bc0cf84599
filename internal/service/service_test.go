package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visitor(n int) domain.VisitorHint {
	return domain.VisitorHint{IP: fmt.Sprintf("10.0.%d.%d", n/256, n%256), UserAgent: "Mozilla/5.0"}
}

func TestRecordView_Outcomes(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	sink := &recordingSink{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), sink, fixedClock{now})
	ctx := context.Background()

	alice := domain.VisitorHint{UserID: "alice", IP: "1.1.1.1", UserAgent: "ua", Referrer: "https://search"}

	assert.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, alice))
	assert.Equal(t, domain.OutcomeSuppressed, svc.RecordView(ctx, job, alice))

	// same user from another device is the same visitor
	alice2 := alice
	alice2.IP, alice2.UserAgent = "2.2.2.2", "other"
	assert.Equal(t, domain.OutcomeSuppressed, svc.RecordView(ctx, job, alice2))

	assert.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, visitor(1)))
	assert.Equal(t, domain.OutcomeFailed, svc.RecordView(ctx, uuid.Nil, visitor(1)))

	n, err := st.counters.Peek(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, sink.events, 2)
	assert.Equal(t, job, sink.events[0].SubjectID)
	assert.Equal(t, "u:alice", sink.events[0].Fingerprint)
	assert.Equal(t, "https://search", sink.events[0].Referrer)
	assert.Equal(t, now, sink.events[0].ViewedAt)
	assert.Equal(t, visitor(1).Fingerprint(), sink.events[1].Fingerprint)
}

func TestRecordView_FlushThreshold(t *testing.T) {
	ctx := context.Background()

	t.Run("every multiple of the threshold triggers", func(t *testing.T) {
		st := newStores(t, time.Hour)
		a, b := uuid.New(), uuid.New()
		trigger := &recordingTrigger{}
		svc := NewViewService(st.counters, st.dedup, newFakeCatalog(a, b), nil, nil).WithFlushTrigger(3, trigger)

		for i := 0; i < 7; i++ {
			require.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, a, visitor(i)))
		}
		require.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, b, visitor(0)))

		// suppressed views do not move the counter
		require.Equal(t, domain.OutcomeSuppressed, svc.RecordView(ctx, a, visitor(0)))
		assert.Equal(t, []uuid.UUID{a, a}, trigger.triggered())
	})

	t.Run("zero disables", func(t *testing.T) {
		st := newStores(t, time.Hour)
		job := uuid.New()
		trigger := &recordingTrigger{}
		svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil).WithFlushTrigger(0, trigger)

		for i := 0; i < 5; i++ {
			svc.RecordView(ctx, job, visitor(i))
		}
		assert.Empty(t, trigger.triggered())
	})

	t.Run("full trigger queue still counts the view", func(t *testing.T) {
		st := newStores(t, time.Hour)
		job := uuid.New()
		trigger := &recordingTrigger{full: true}
		svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil).WithFlushTrigger(1, trigger)

		assert.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, visitor(1)))
		n, err := st.counters.Peek(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestRecordView_StoreDownIsSwallowed(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	sink := &recordingSink{}
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), sink, nil)

	st.mr.Close()
	assert.Equal(t, domain.OutcomeFailed, svc.RecordView(context.Background(), job, visitor(1)))
	assert.Empty(t, sink.events)
}

func TestRecordView_FullSinkStillCounts(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), &recordingSink{full: true}, nil)

	assert.Equal(t, domain.OutcomeCounted, svc.RecordView(context.Background(), job, visitor(1)))
}

func TestRecordView_DedupWindowExpiry(t *testing.T) {
	st := newStores(t, 24*time.Hour)
	job := uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil)
	ctx := context.Background()

	require.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, visitor(7)))
	st.mr.FastForward(23 * time.Hour)
	require.Equal(t, domain.OutcomeSuppressed, svc.RecordView(ctx, job, visitor(7)))
	st.mr.FastForward(time.Hour + time.Second)
	require.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, visitor(7)))
}

func TestRecordView_ConcurrentSameVisitorCountsOnce(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil)
	ctx := context.Background()

	var counted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.RecordView(ctx, job, visitor(3)) == domain.OutcomeCounted {
				counted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), counted.Load())
	n, err := st.counters.Peek(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetViewCount(t *testing.T) {
	ctx := context.Background()

	t.Run("durable plus pending", func(t *testing.T) {
		st := newStores(t, time.Hour)
		job := uuid.New()
		cat := newFakeCatalog()
		cat.set(job, 10)
		svc := NewViewService(st.counters, st.dedup, cat, nil, nil)

		for i := 0; i < 3; i++ {
			require.Equal(t, domain.OutcomeCounted, svc.RecordView(ctx, job, visitor(i)))
		}
		vc, err := svc.GetViewCount(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, domain.ViewCount{SubjectID: job, Count: 13}, vc)
	})

	t.Run("in-flight delta counted exactly once across the flush steps", func(t *testing.T) {
		st := newStores(t, time.Hour)
		job := uuid.New()
		cat := newFakeCatalog(job)
		svc := NewViewService(st.counters, st.dedup, cat, nil, nil)

		for i := 0; i < 5; i++ {
			mustIncrement(t, st.counters, job)
		}

		d, err := st.counters.Drain(ctx, job, "b1")
		require.NoError(t, err)
		vc, err := svc.GetViewCount(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, int64(5), vc.Count, "drained but not yet written")

		_, err = cat.ApplyFlush(ctx, job, d.Batch, d.Delta, time.Now())
		require.NoError(t, err)
		vc, err = svc.GetViewCount(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, int64(5), vc.Count, "written but not yet acknowledged")

		_, err = st.counters.Ack(ctx, job, d.Batch)
		require.NoError(t, err)
		vc, err = svc.GetViewCount(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, int64(5), vc.Count)
		assert.False(t, vc.PossiblyUndercounting)
	})

	t.Run("volatile store down serves durable only", func(t *testing.T) {
		st := newStores(t, time.Hour)
		job := uuid.New()
		cat := newFakeCatalog()
		cat.set(job, 40)
		svc := NewViewService(st.counters, st.dedup, cat, nil, nil)
		mustIncrement(t, st.counters, job)

		st.mr.Close()
		vc, err := svc.GetViewCount(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, domain.ViewCount{SubjectID: job, Count: 40, PossiblyUndercounting: true}, vc)
	})

	t.Run("unknown subject", func(t *testing.T) {
		st := newStores(t, time.Hour)
		svc := NewViewService(st.counters, st.dedup, newFakeCatalog(), nil, nil)

		_, err := svc.GetViewCount(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrSubjectNotFound)

		_, err = svc.GetViewCount(ctx, uuid.Nil)
		assert.ErrorIs(t, err, domain.ErrInvalidSubject)
	})
}

func TestGetViewCounts(t *testing.T) {
	st := newStores(t, time.Hour)
	ctx := context.Background()
	a, b, unknown := uuid.New(), uuid.New(), uuid.New()
	cat := newFakeCatalog()
	cat.set(a, 1)
	cat.set(b, 100)
	svc := NewViewService(st.counters, st.dedup, cat, nil, nil)

	mustIncrement(t, st.counters, a)
	mustIncrement(t, st.counters, b)
	mustIncrement(t, st.counters, b)
	_, err := st.counters.Drain(ctx, b, "bb")
	require.NoError(t, err)
	mustIncrement(t, st.counters, b)

	got, err := svc.GetViewCounts(ctx, []uuid.UUID{b, unknown, a, b})
	require.NoError(t, err)
	assert.Equal(t, []domain.ViewCount{
		{SubjectID: b, Count: 103},
		{SubjectID: a, Count: 2},
	}, got)

	st.mr.Close()
	got, err = svc.GetViewCounts(ctx, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Equal(t, []domain.ViewCount{
		{SubjectID: a, Count: 1, PossiblyUndercounting: true},
		{SubjectID: b, Count: 100, PossiblyUndercounting: true},
	}, got)
}

func TestPendingSubjects(t *testing.T) {
	st := newStores(t, time.Hour)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(a, b), nil, nil)

	mustIncrement(t, st.counters, a)
	mustIncrement(t, st.counters, b)
	mustIncrement(t, st.counters, b)
	_, err := st.counters.Drain(ctx, b, "bb")
	require.NoError(t, err)

	got, err := svc.PendingSubjects(ctx, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PendingSubject{
		{SubjectID: a, Pending: 1},
		{SubjectID: b, InFlight: 2, Batch: "bb"},
	}, got)
}

// Reads racing increments and flush steps never go backwards unless flagged.
func TestGetViewCount_MonotonicUnderFlush(t *testing.T) {
	st := newStores(t, time.Hour)
	ctx := context.Background()
	job := uuid.New()
	cat := newFakeCatalog(job)
	svc := NewViewService(st.counters, st.dedup, cat, nil, nil)

	const views = 300
	done := make(chan struct{})

	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < views/4; i++ {
				_, _ = st.counters.Increment(ctx, job)
			}
		}(w)
	}

	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			d, err := st.counters.Drain(ctx, job, fmt.Sprintf("b%d", i))
			if err != nil || d.Delta == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			if i%3 == 0 {
				_, _ = st.counters.Restore(ctx, job, d.Batch)
				continue
			}
			_, _ = cat.ApplyFlush(ctx, job, d.Batch, d.Delta, time.Now())
			_, _ = st.counters.Ack(ctx, job, d.Batch)
		}
	}()

	var maxSeen int64
	readerDone := make(chan struct{})
	var violations []string
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			vc, err := svc.GetViewCount(ctx, job)
			if err != nil || vc.PossiblyUndercounting {
				continue
			}
			if vc.Count < maxSeen {
				violations = append(violations, fmt.Sprintf("%d after %d", vc.Count, maxSeen))
			}
			if vc.Count > views {
				violations = append(violations, fmt.Sprintf("overcount %d", vc.Count))
			}
			maxSeen = max(maxSeen, vc.Count)
		}
	}()

	writers.Wait()
	time.Sleep(50 * time.Millisecond)
	close(done)
	<-flusherDone
	<-readerDone

	assert.Empty(t, violations)

	vc, err := svc.GetViewCount(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(views), vc.Count)
}

func TestAsyncRecorder(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil)

	pool := workerpool.New(2, 16)
	rec := NewAsyncRecorder(svc, pool, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		require.True(t, rec.Record(ctx, job, visitor(i)))
	}
	// request finishing must not cancel queued work
	cancel()
	pool.Stop()

	n, err := st.counters.Peek(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

type refusingPool struct{}

func (refusingPool) TrySubmit(func()) bool { return false }

func TestAsyncRecorder_QueueFull(t *testing.T) {
	st := newStores(t, time.Hour)
	job := uuid.New()
	svc := NewViewService(st.counters, st.dedup, newFakeCatalog(job), nil, nil)
	rec := NewAsyncRecorder(svc, refusingPool{}, 0)

	assert.False(t, rec.Record(context.Background(), job, visitor(1)))
}
