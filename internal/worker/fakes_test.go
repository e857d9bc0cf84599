package worker

import (
	"context"
	"errors"
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

var errDBDown = errors.New("db down")

// fakeCatalog mirrors the Postgres fence: a batch is applied at most once.
type fakeCatalog struct {
	mu      sync.Mutex
	counts  map[uuid.UUID]int64
	applied map[string]bool
	// failFor makes ApplyFlush fail for a subject; commitThenFail commits and still returns an error.
	failFor        map[uuid.UUID]bool
	commitThenFail map[uuid.UUID]bool
	checkErr       error
	delay          time.Duration
	calls          int
}

func newFakeCatalog(ids ...uuid.UUID) *fakeCatalog {
	c := &fakeCatalog{
		counts:         map[uuid.UUID]int64{},
		applied:        map[string]bool{},
		failFor:        map[uuid.UUID]bool{},
		commitThenFail: map[uuid.UUID]bool{},
	}
	for _, id := range ids {
		c.counts[id] = 0
	}
	return c
}

func (c *fakeCatalog) ApplyFlush(ctx context.Context, id uuid.UUID, batch string, delta int64, at time.Time) (bool, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failFor[id] {
		return false, errDBDown
	}
	if c.applied[batch] {
		return false, nil
	}
	if _, ok := c.counts[id]; !ok {
		return false, domain.ErrSubjectNotFound
	}
	c.applied[batch] = true
	c.counts[id] += delta
	if c.commitThenFail[id] {
		return false, errDBDown
	}
	return true, nil
}

func (c *fakeCatalog) FlushApplied(ctx context.Context, batch string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	return c.applied[batch], nil
}

func (c *fakeCatalog) ReadViewCount(ctx context.Context, id uuid.UUID, batch string) (domain.DurableCount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[id]
	if !ok {
		return domain.DurableCount{}, domain.ErrSubjectNotFound
	}
	return domain.DurableCount{Count: n, BatchApplied: batch != "" && c.applied[batch]}, nil
}

func (c *fakeCatalog) ReadViewCounts(ctx context.Context, reads []domain.CountRead) (map[uuid.UUID]domain.DurableCount, error) {
	out := map[uuid.UUID]domain.DurableCount{}
	for _, r := range reads {
		if dc, err := c.ReadViewCount(ctx, r.SubjectID, r.Batch); err == nil {
			out[r.SubjectID] = dc
		}
	}
	return out, nil
}

func (c *fakeCatalog) count(id uuid.UUID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func (c *fakeCatalog) setFailing(id uuid.UUID, failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFor[id] = failing
}

// fakeRawStore keeps raw events as timestamps and flush log rows as (batch, applied at).
type fakeRawStore struct {
	mu       sync.Mutex
	events   []time.Time
	flushLog []fenceRow
	failures int
	deletes  int
}

type fenceRow struct {
	batch string
	at    time.Time
}

func (s *fakeRawStore) InsertRawEvents(ctx context.Context, events []domain.RawViewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.events = append(s.events, e.ViewedAt)
	}
	return nil
}

func (s *fakeRawStore) DeleteRawEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	var (
		kept    []time.Time
		deleted int64
	)
	for _, at := range s.events {
		if at.Before(cutoff) && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, at)
	}
	s.events = kept
	return deleted, nil
}

func (s *fakeRawStore) DeleteFlushLogBefore(ctx context.Context, cutoff time.Time, limit int, keep []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	skip := make(map[string]bool, len(keep))
	for _, b := range keep {
		skip[b] = true
	}
	var (
		kept    []fenceRow
		deleted int64
	)
	for _, row := range s.flushLog {
		if row.at.Before(cutoff) && !skip[row.batch] && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.flushLog = kept
	return deleted, nil
}

// fail is called with mu held.
func (s *fakeRawStore) fail() error {
	s.deletes++
	if s.failures > 0 {
		s.failures--
		return errDBDown
	}
	return nil
}

func (s *fakeRawStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeRawStore) fences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.flushLog))
	for _, row := range s.flushLog {
		out = append(out, row.batch)
	}
	return out
}

type published struct {
	routingKey string
	messageID  string
	body       []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishEvent(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{routingKey: routingKey, messageID: messageID, body: body})
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held bool
	err  error
	ttls map[string]time.Duration
}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }

func (l *fakeLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (domain.Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ttls == nil {
		l.ttls = map[string]time.Duration{}
	}
	l.ttls[name] = ttl
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return noopLock{}, true, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stores struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	counters *redisinfra.CounterStore
	dedup    *redisinfra.Deduplicator
	locker   *redisinfra.Locker
}

func newStores(t *testing.T, window time.Duration) stores {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return stores{
		mr:       mr,
		rdb:      rdb,
		counters: redisinfra.NewCounterStore(rdb, "test"),
		dedup:    redisinfra.NewDeduplicator(rdb, "test", window),
		locker:   redisinfra.NewLocker(rdb, "test"),
	}
}

func mustIncrement(t *testing.T, counters *redisinfra.CounterStore, id uuid.UUID) int64 {
	t.Helper()
	n, err := counters.Increment(context.Background(), id)
	require.NoError(t, err)
	return n
}
