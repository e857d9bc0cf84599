package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultDedupWindow = 24 * time.Hour

// Deduplicator records one ViewIdentity per (subject, visitor) with SET NX EX.
// The key's TTL is the dedup window; expiry is what lets the visitor count again.
type Deduplicator struct {
	rdb    *redis.Client
	keys   keyspace
	window time.Duration
}

func NewDeduplicator(rdb *redis.Client, prefix string, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &Deduplicator{rdb: rdb, keys: newKeyspace(prefix), window: window}
}

var _ domain.Deduplicator = (*Deduplicator)(nil)

func (d *Deduplicator) Window() time.Duration { return d.window }

// Accept returns true only for the first caller within the window.
func (d *Deduplicator) Accept(ctx context.Context, subjectID uuid.UUID, fingerprint string) (bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, errors.New("empty fingerprint")
	}
	ok, err := d.rdb.SetNX(ctx, d.keys.seen(subjectID.String(), fingerprint), time.Now().UTC().Unix(), d.window).Result()
	if err != nil {
		return false, unavailable("dedup", err)
	}
	return ok, nil
}
