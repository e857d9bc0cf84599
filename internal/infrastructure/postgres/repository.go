package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/lib/pq"
)

type Repository struct {
	db *sql.DB
}

func New(db *sql.DB) *Repository { return &Repository{db: db} }

var (
	_ domain.Catalog       = (*Repository)(nil)
	_ domain.RawEventStore = (*Repository)(nil)
)

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ApplyFlush commits one drained delta. The fence row and the counter update share a
// transaction, so a batch id is reflected in view_count at most once.
func (r *Repository) ApplyFlush(ctx context.Context, subjectID uuid.UUID, batch string, delta int64, syncedAt time.Time) (bool, error) {
	if delta <= 0 {
		return false, fmt.Errorf("apply flush: non-positive delta %d", delta)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insertFlushFenceSQL, batch, subjectID, delta, syncedAt)
	if err != nil {
		return false, fmt.Errorf("insert flush fence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("flush fence rows: %w", err)
	}
	if n == 0 {
		// committed by an earlier attempt
		return false, nil
	}

	res, err = tx.ExecContext(ctx, applyViewDeltaSQL, subjectID, delta, syncedAt)
	if err != nil {
		return false, fmt.Errorf("apply view delta: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply view delta rows: %w", err)
	}
	if n == 0 {
		return false, domain.ErrSubjectNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (r *Repository) FlushApplied(ctx context.Context, batch string) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, flushAppliedSQL, batch).Scan(&ok); err != nil {
		return false, fmt.Errorf("flush applied: %w", err)
	}
	return ok, nil
}

// ReadViewCount returns the durable count and, in the same statement, whether batch is
// already reflected in it.
func (r *Repository) ReadViewCount(ctx context.Context, subjectID uuid.UUID, batch string) (domain.DurableCount, error) {
	var dc domain.DurableCount
	err := r.db.QueryRowContext(ctx, readViewCountSQL, subjectID, batch).Scan(&dc.Count, &dc.BatchApplied)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DurableCount{}, domain.ErrSubjectNotFound
	}
	if err != nil {
		return domain.DurableCount{}, fmt.Errorf("read view count: %w", err)
	}
	return dc, nil
}

// ReadViewCounts is the bulk form of ReadViewCount. Unknown subjects are absent from the result.
func (r *Repository) ReadViewCounts(ctx context.Context, reads []domain.CountRead) (map[uuid.UUID]domain.DurableCount, error) {
	out := make(map[uuid.UUID]domain.DurableCount, len(reads))
	if len(reads) == 0 {
		return out, nil
	}

	ids := make([]string, len(reads))
	batches := make([]string, len(reads))
	for i, rd := range reads {
		ids[i] = rd.SubjectID.String()
		batches[i] = rd.Batch
	}

	rows, err := r.db.QueryContext(ctx, readViewCountsSQL, pq.Array(ids), pq.Array(batches))
	if err != nil {
		return nil, fmt.Errorf("read view counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id uuid.UUID
			dc domain.DurableCount
		)
		if err := rows.Scan(&id, &dc.Count, &dc.BatchApplied); err != nil {
			return nil, fmt.Errorf("scan view count: %w", err)
		}
		out[id] = dc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read view counts rows: %w", err)
	}
	return out, nil
}

// InsertRawEvents appends a batch of raw view events in one multi-row INSERT.
func (r *Repository) InsertRawEvents(ctx context.Context, events []domain.RawViewEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 8
	var sb strings.Builder
	sb.WriteString(`INSERT INTO job_view_events (id, job_id, visitor_fingerprint, user_id, ip_address, user_agent, referrer, viewed_at) VALUES `)
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)

		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		args = append(args, id, e.SubjectID, e.Fingerprint,
			nullIfEmpty(e.UserID), nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), nullIfEmpty(e.Referrer),
			e.ViewedAt)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert raw view events: %w", err)
	}
	return nil
}

func (r *Repository) DeleteRawEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return r.deleteBatch(ctx, deleteRawEventsBeforeSQL, cutoff, limit)
}

func (r *Repository) DeleteFlushLogBefore(ctx context.Context, cutoff time.Time, limit int, keep []string) (int64, error) {
	if keep == nil {
		// a NULL array would exclude every row
		keep = []string{}
	}
	return r.deleteBatch(ctx, deleteFlushLogBeforeSQL, cutoff, limit, pq.Array(keep))
}

func (r *Repository) deleteBatch(ctx context.Context, query string, cutoff time.Time, limit int, extra ...any) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	args := append([]any{cutoff, limit}, extra...)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
