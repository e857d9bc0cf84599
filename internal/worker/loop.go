package worker

import (
	"context"
	"time"

	"github.com/hirehub/view-service/internal/logger"
)

// runEvery calls fn once immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, component string, interval time.Duration, fn func(context.Context)) {
	log := logger.Logger.With().Str("component", component).Logger()
	log.Info().Dur("interval", interval).Msg("started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
