package ingestion

import (
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/scheduler"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamPublisher is the slice of jetstream.JetStream the event publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher announces finished runs on federation.sync.events.<status>.
type EventPublisher struct {
	js      JetStreamPublisher
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEventPublisher(js JetStreamPublisher, metrics *observability.Metrics, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, metrics: metrics, logger: logger}
}

// Subject returns the subject an event is published on.
func Subject(ev scheduler.Event) string {
	return fmt.Sprintf("federation.sync.events.%s", ev.Status)
}

// Publish sends ev. The message id is derived from the run and status so a
// retried publish is deduplicated by the stream.
func (p *EventPublisher) Publish(ctx context.Context, ev scheduler.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal sync event: %w", err)
	}

	subject := Subject(ev)
	msgID := fmt.Sprintf("%s:%s", ev.RunID, ev.Status)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		p.metrics.PublishFailed()
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug().Str("subject", subject).Str("run_id", ev.RunID.String()).Msg("sync event published")
	return nil
}
