package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/logger"
)

const (
	EventVersion  = 1
	EventProducer = "view-service"

	RoutingKeyFlushCompleted = "views.flush.completed"
	RoutingKeySweepCompleted = "views.sweep.completed"
)

// CycleEnvelope is the message published when a flush or sweep cycle completes.
type CycleEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	MessageID  string    `json:"message_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// publishCycle is best-effort: a broker outage is logged, never propagated.
func publishCycle[T any](ctx context.Context, pub domain.EventPublisher, routingKey, cycleID string, at time.Time, payload T) {
	if pub == nil {
		return
	}
	body, err := json.Marshal(CycleEnvelope[T]{
		Version:    EventVersion,
		Producer:   EventProducer,
		MessageID:  cycleID,
		OccurredAt: at,
		Payload:    payload,
	})
	if err != nil {
		logger.WithCtx(ctx).Error().Err(err).Str("rk", routingKey).Msg("encode cycle event failed")
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := pub.PublishEvent(pctx, routingKey, cycleID, body); err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("rk", routingKey).Msg("publish cycle event failed")
	}
}
