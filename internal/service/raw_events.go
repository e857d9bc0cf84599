package service

import (
	"context"
	"time"

	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/metrics"
)

// RawEventWriter buffers raw view events in memory and appends them in batches.
// Events are analytics only; a full buffer drops instead of slowing the record path.
type RawEventWriter struct {
	store domain.RawEventStore
	ch    chan domain.RawViewEvent
	batch int
	every time.Duration
}

func NewRawEventWriter(store domain.RawEventStore, buffer, batch int, every time.Duration) *RawEventWriter {
	if buffer <= 0 {
		buffer = 4096
	}
	if batch <= 0 {
		batch = 200
	}
	if every <= 0 {
		every = 2 * time.Second
	}
	return &RawEventWriter{
		store: store,
		ch:    make(chan domain.RawViewEvent, buffer),
		batch: batch,
		every: every,
	}
}

var _ RawEventSink = (*RawEventWriter)(nil)

func (w *RawEventWriter) Enqueue(e domain.RawViewEvent) bool {
	select {
	case w.ch <- e:
		return true
	default:
		return false
	}
}

// Run writes batches until ctx is done, then flushes what is already buffered.
func (w *RawEventWriter) Run(ctx context.Context) {
	log := logger.Logger.With().Str("component", "raw_event_writer").Logger()
	log.Info().Int("batch", w.batch).Dur("every", w.every).Msg("raw event writer started")

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	buf := make([]domain.RawViewEvent, 0, w.batch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-w.ch:
					buf = append(buf, e)
					if len(buf) >= w.batch {
						buf = w.write(context.WithoutCancel(ctx), buf)
					}
				default:
					w.write(context.WithoutCancel(ctx), buf)
					log.Info().Msg("raw event writer stopped")
					return
				}
			}
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= w.batch {
				buf = w.write(ctx, buf)
			}
		case <-ticker.C:
			buf = w.write(ctx, buf)
		}
	}
}

// write persists buf and returns it emptied. A failed batch is dropped.
func (w *RawEventWriter) write(ctx context.Context, buf []domain.RawViewEvent) []domain.RawViewEvent {
	if len(buf) == 0 {
		return buf
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := w.store.InsertRawEvents(wctx, buf); err != nil {
		metrics.RecordRawEvents("error", len(buf))
		logger.Logger.Warn().Err(err).Int("events", len(buf)).Msg("raw view events dropped")
	} else {
		metrics.RecordRawEvents("ok", len(buf))
	}
	return buf[:0]
}
