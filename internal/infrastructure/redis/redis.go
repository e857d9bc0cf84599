package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hirehub/view-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "views"

func NewClient(addr, pass string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     pass,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// keyspace centralises key naming so every store agrees on the layout.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) count(id string) string { return k.prefix + ":count:" + id }
func (k keyspace) pending() string { return k.prefix + ":pending" }
func (k keyspace) inflightBatch() string { return k.prefix + ":inflight:batch" }
func (k keyspace) inflightDelta() string { return k.prefix + ":inflight:delta" }
func (k keyspace) epoch() string { return k.prefix + ":epoch" }
func (k keyspace) seen(id, fp string) string { return k.prefix + ":seen:" + id + ":" + fp }
func (k keyspace) lock(name string) string { return k.prefix + ":lock:" + name }

// unavailable tags a driver error as transient so callers can branch with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
