package redis

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// CounterStore buffers pending view increments per subject.
//
// Layout:
//
//	<prefix>:count:<id>        pending delta (no TTL, cleared only by drain)
//	<prefix>:pending           set of subjects with a non-zero delta
//	<prefix>:inflight:batch    subject -> batch id of a drained, unacknowledged delta
//	<prefix>:inflight:delta    subject -> that delta
//	<prefix>:epoch             subject -> bumped on every drain/ack/restore
type CounterStore struct {
	rdb  *redis.Client
	keys keyspace
}

func NewCounterStore(rdb *redis.Client, prefix string) *CounterStore {
	return &CounterStore{rdb: rdb, keys: newKeyspace(prefix)}
}

var _ domain.CounterStore = (*CounterStore)(nil)

// KEYS: count, pending, inflight batch, inflight delta, epoch
// ARGV: subject id, new batch id
// Returns {batch, delta, fresh}. An unacknowledged batch is handed back untouched so the
// counter is never drained twice into two live batches.
var drainScript = redis.NewScript(`
local held = redis.call("HGET", KEYS[3], ARGV[1])
if held then
  return {held, redis.call("HGET", KEYS[4], ARGV[1]) or "0", 0}
end

local v = redis.call("GET", KEYS[1])
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])

local n = tonumber(v or "0") or 0
if n <= 0 then
  return {"", "0", 1}
end

redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[4], ARGV[1], n)
redis.call("HINCRBY", KEYS[5], ARGV[1], 1)
return {ARGV[2], tostring(n), 1}
`)

// KEYS: inflight batch, inflight delta, epoch
// ARGV: subject id, batch id
var ackScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[3], ARGV[1], 1)
return 1
`)

// KEYS: count, pending, inflight batch, inflight delta, epoch
// ARGV: subject id, batch id
var restoreScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
  return -1
end
local d = tonumber(redis.call("HGET", KEYS[4], ARGV[1]) or "0") or 0
if d > 0 then
  redis.call("INCRBY", KEYS[1], d)
  redis.call("SADD", KEYS[2], ARGV[1])
end
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("HINCRBY", KEYS[5], ARGV[1], 1)
return d
`)

// KEYS: count, inflight batch, epoch
// ARGV: subject id
// The epoch is only dropped while nothing is buffered for the subject.
var forgetScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 or redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
return redis.call("HDEL", KEYS[3], ARGV[1])
`)

// Increment adds one view and returns the pending delta after it. INCR and the index
// update run in one MULTI so a drain never observes a counter that is missing from the
// pending index.
func (s *CounterStore) Increment(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	id := subjectID.String()
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, s.keys.count(id))
		p.SAdd(ctx, s.keys.pending(), id)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return incr.Val(), nil
}

func (s *CounterStore) Peek(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	n, err := s.rdb.Get(ctx, s.keys.count(subjectID.String())).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("peek", err)
	}
	return n, nil
}

func (s *CounterStore) PeekMany(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(subjectIDs))
	for i, id := range subjectIDs {
		keys[i] = s.keys.count(id.String())
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("peek many", err)
	}
	for i, id := range subjectIDs {
		out[id] = toInt64(vals[i])
	}
	return out, nil
}

// Drain atomically reads and clears the pending delta, parking it under batch until Ack or Restore.
func (s *CounterStore) Drain(ctx context.Context, subjectID uuid.UUID, batch string) (domain.Drained, error) {
	id := subjectID.String()
	res, err := drainScript.Run(ctx, s.rdb,
		[]string{s.keys.count(id), s.keys.pending(), s.keys.inflightBatch(), s.keys.inflightDelta(), s.keys.epoch()},
		id, batch,
	).Slice()
	if err != nil {
		return domain.Drained{}, unavailable("drain", err)
	}
	if len(res) != 3 {
		return domain.Drained{}, unavailable("drain", errors.New("unexpected script reply"))
	}
	return domain.Drained{
		Batch:   toString(res[0]),
		Delta:   toInt64(res[1]),
		Resumed: toInt64(res[2]) == 0,
	}, nil
}

// Ack drops the in-flight record once its delta is durable. A stale batch id is a no-op.
func (s *CounterStore) Ack(ctx context.Context, subjectID uuid.UUID, batch string) (bool, error) {
	id := subjectID.String()
	n, err := ackScript.Run(ctx, s.rdb,
		[]string{s.keys.inflightBatch(), s.keys.inflightDelta(), s.keys.epoch()},
		id, batch,
	).Int64()
	if err != nil {
		return false, unavailable("ack", err)
	}
	return n == 1, nil
}

// Restore puts an in-flight delta back into the pending counter. Returns the restored amount,
// or -1 when batch is no longer the subject's in-flight batch.
func (s *CounterStore) Restore(ctx context.Context, subjectID uuid.UUID, batch string) (int64, error) {
	id := subjectID.String()
	n, err := restoreScript.Run(ctx, s.rdb,
		[]string{s.keys.count(id), s.keys.pending(), s.keys.inflightBatch(), s.keys.inflightDelta(), s.keys.epoch()},
		id, batch,
	).Int64()
	if err != nil {
		return 0, unavailable("restore", err)
	}
	return n, nil
}

// Forget removes the epoch of a subject that has nothing pending or in-flight, typically one
// whose catalog row is gone. It reports whether the epoch was removed.
func (s *CounterStore) Forget(ctx context.Context, subjectID uuid.UUID) (bool, error) {
	id := subjectID.String()
	n, err := forgetScript.Run(ctx, s.rdb,
		[]string{s.keys.count(id), s.keys.inflightBatch(), s.keys.epoch()},
		id,
	).Int64()
	if err != nil {
		return false, unavailable("forget", err)
	}
	return n == 1, nil
}

func (s *CounterStore) Snapshot(ctx context.Context, subjectID uuid.UUID) (domain.Snapshot, error) {
	snaps, err := s.SnapshotMany(ctx, []uuid.UUID{subjectID})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snaps[subjectID], nil
}

// SnapshotMany reads pending, in-flight and epoch for all subjects inside one MULTI.
func (s *CounterStore) SnapshotMany(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]domain.Snapshot, error) {
	out := make(map[uuid.UUID]domain.Snapshot, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return out, nil
	}

	ids := make([]string, len(subjectIDs))
	countKeys := make([]string, len(subjectIDs))
	for i, id := range subjectIDs {
		ids[i] = id.String()
		countKeys[i] = s.keys.count(ids[i])
	}

	var counts, batches, deltas, epochs *redis.SliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		counts = p.MGet(ctx, countKeys...)
		batches = p.HMGet(ctx, s.keys.inflightBatch(), ids...)
		deltas = p.HMGet(ctx, s.keys.inflightDelta(), ids...)
		epochs = p.HMGet(ctx, s.keys.epoch(), ids...)
		return nil
	})
	if err != nil {
		return nil, unavailable("snapshot", err)
	}

	cv, bv, dv, ev := counts.Val(), batches.Val(), deltas.Val(), epochs.Val()
	for i, id := range subjectIDs {
		out[id] = domain.Snapshot{
			Epoch:         toInt64(ev[i]),
			Pending:       toInt64(cv[i]),
			InFlightBatch: toString(bv[i]),
			InFlightDelta: toInt64(dv[i]),
		}
	}
	return out, nil
}

func (s *CounterStore) Epochs(ctx context.Context, subjectIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(subjectIDs))
	for i, id := range subjectIDs {
		ids[i] = id.String()
	}
	vals, err := s.rdb.HMGet(ctx, s.keys.epoch(), ids...).Result()
	if err != nil {
		return nil, unavailable("epochs", err)
	}
	for i, id := range subjectIDs {
		out[id] = toInt64(vals[i])
	}
	return out, nil
}

// PendingSubjects walks the pending index with SSCAN, returning at most limit subjects.
// Members that are not subject ids are removed from the index.
func (s *CounterStore) PendingSubjects(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 1000
	}
	var (
		out    []uuid.UUID
		cursor uint64
		seen   = make(map[uuid.UUID]struct{})
	)
	for {
		members, next, err := s.rdb.SScan(ctx, s.keys.pending(), cursor, "", 500).Result()
		if err != nil {
			return nil, unavailable("pending subjects", err)
		}
		for _, m := range members {
			id, err := uuid.Parse(m)
			if err != nil {
				_ = s.rdb.SRem(ctx, s.keys.pending(), m).Err()
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			if len(out) >= limit {
				return out, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *CounterStore) InFlight(ctx context.Context) ([]domain.InFlight, error) {
	var batches, deltas *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		batches = p.HGetAll(ctx, s.keys.inflightBatch())
		deltas = p.HGetAll(ctx, s.keys.inflightDelta())
		return nil
	})
	if err != nil {
		return nil, unavailable("in-flight", err)
	}

	dv := deltas.Val()
	out := make([]domain.InFlight, 0, len(batches.Val()))
	for field, batch := range batches.Val() {
		id, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		out = append(out, domain.InFlight{
			SubjectID: id,
			Batch:     batch,
			Delta:     toInt64(dv[field]),
		})
	}
	return out, nil
}
