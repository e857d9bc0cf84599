package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	redisinfra "github.com/hirehub/view-service/internal/infrastructure/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeCatalog is an in-memory catalog with the same fence semantics as the Postgres one.
type fakeCatalog struct {
	mu      sync.Mutex
	counts  map[uuid.UUID]int64
	applied map[string]bool
	readErr error
}

func newFakeCatalog(ids ...uuid.UUID) *fakeCatalog {
	c := &fakeCatalog{counts: map[uuid.UUID]int64{}, applied: map[string]bool{}}
	for _, id := range ids {
		c.counts[id] = 0
	}
	return c
}

func (c *fakeCatalog) ApplyFlush(ctx context.Context, id uuid.UUID, batch string, delta int64, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applied[batch] {
		return false, nil
	}
	if _, ok := c.counts[id]; !ok {
		return false, domain.ErrSubjectNotFound
	}
	c.applied[batch] = true
	c.counts[id] += delta
	return true, nil
}

func (c *fakeCatalog) FlushApplied(ctx context.Context, batch string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[batch], nil
}

func (c *fakeCatalog) ReadViewCount(ctx context.Context, id uuid.UUID, batch string) (domain.DurableCount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return domain.DurableCount{}, c.readErr
	}
	n, ok := c.counts[id]
	if !ok {
		return domain.DurableCount{}, domain.ErrSubjectNotFound
	}
	return domain.DurableCount{Count: n, BatchApplied: batch != "" && c.applied[batch]}, nil
}

func (c *fakeCatalog) ReadViewCounts(ctx context.Context, reads []domain.CountRead) (map[uuid.UUID]domain.DurableCount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	out := map[uuid.UUID]domain.DurableCount{}
	for _, r := range reads {
		if n, ok := c.counts[r.SubjectID]; ok {
			out[r.SubjectID] = domain.DurableCount{Count: n, BatchApplied: r.Batch != "" && c.applied[r.Batch]}
		}
	}
	return out, nil
}

func (c *fakeCatalog) set(id uuid.UUID, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id] = n
}

type fakeRawStore struct {
	mu     sync.Mutex
	events []domain.RawViewEvent
	calls  int
	err    error
}

func (s *fakeRawStore) InsertRawEvents(ctx context.Context, events []domain.RawViewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeRawStore) DeleteRawEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

func (s *fakeRawStore) DeleteFlushLogBefore(ctx context.Context, cutoff time.Time, limit int, keep []string) (int64, error) {
	return 0, nil
}

func (s *fakeRawStore) snapshot() ([]domain.RawViewEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawViewEvent(nil), s.events...), s.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.RawViewEvent
	full   bool
}

func (s *recordingSink) Enqueue(e domain.RawViewEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.events = append(s.events, e)
	return true
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recordingTrigger struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	full bool
}

func (r *recordingTrigger) Trigger(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.ids = append(r.ids, id)
	return true
}

func (r *recordingTrigger) triggered() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.ids...)
}

type stores struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	counters *redisinfra.CounterStore
	dedup    *redisinfra.Deduplicator
}

func newStores(t *testing.T, window time.Duration) stores {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 32, PoolTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = rdb.Close() })
	return stores{
		mr:       mr,
		rdb:      rdb,
		counters: redisinfra.NewCounterStore(rdb, "test"),
		dedup:    redisinfra.NewDeduplicator(rdb, "test", window),
	}
}

func mustIncrement(t *testing.T, counters *redisinfra.CounterStore, id uuid.UUID) int64 {
	t.Helper()
	n, err := counters.Increment(context.Background(), id)
	require.NoError(t, err)
	return n
}
