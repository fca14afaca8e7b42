package ingestion

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/scheduler"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RequestsStream  = "FEDERATION_SYNC_REQUESTS"
	RequestsSubject = "federation.sync.requests.>"
	EventsStream    = "FEDERATION_SYNC_EVENTS"
	EventsSubject   = "federation.sync.events.>"

	triggerConsumer = "federation-sync-trigger"

	maxDeliver   = 5
	nakBaseDelay = 2 * time.Second
	nakMaxDelay  = time.Minute
)

// Runner executes one requested sync.
type Runner interface {
	RunFullSyncWithReconciliation(ctx context.Context, userID int64, trigger model.Trigger) (*scheduler.Outcome, error)
}

// TriggerRequest is the JSON body of a sync request message.
type TriggerRequest struct {
	UserID  int64  `json:"user_id"`
	Trigger string `json:"trigger"`
}

// Disposition is what to do with a consumed message.
type Disposition int

const (
	Ack Disposition = iota
	Nak
)

func (d Disposition) String() string {
	if d == Nak {
		return "nak"
	}
	return "ack"
}

// TriggerSubscriber consumes sync requests from JetStream and runs them.
// Malformed requests and requests for users with an active run are acked and
// dropped; any other failure is nak'd for redelivery.
type TriggerSubscriber struct {
	js       jetstream.JetStream
	runner   Runner
	ackWait  time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewTriggerSubscriber(js jetstream.JetStream, runner Runner, ackWait time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *TriggerSubscriber {
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	return &TriggerSubscriber{js: js, runner: runner, ackWait: ackWait, metrics: metrics, logger: logger}
}

// redeliveryDelay doubles from nakBaseDelay per delivery, capped at nakMaxDelay.
func redeliveryDelay(delivered uint64) time.Duration {
	d := nakBaseDelay
	for i := uint64(1); i < delivered && d < nakMaxDelay; i++ {
		d *= 2
	}
	return min(d, nakMaxDelay)
}

// Subscribe creates the durable consumer and starts consuming.
// Messages are explicitly acked with max_deliver=5; a nak asks for
// redelivery after an exponential delay.
func (s *TriggerSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, RequestsStream, jetstream.ConsumerConfig{
		Durable:       triggerConsumer,
		FilterSubject: RequestsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", triggerConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := msg.InProgress(); err != nil {
			s.logger.Debug().Err(err).Msg("in-progress ack failed")
		}
		var ackErr error
		switch s.Handle(ctx, msg.Subject(), msg.Data()) {
		case Nak:
			var delivered uint64 = 1
			if meta, err := msg.Metadata(); err == nil {
				delivered = meta.NumDelivered
			}
			ackErr = msg.NakWithDelay(redeliveryDelay(delivered))
		default:
			ackErr = msg.Ack()
		}
		if ackErr != nil {
			s.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", triggerConsumer, err)
	}

	s.consumer = cc
	s.logger.Info().Str("subject", RequestsSubject).Str("consumer", triggerConsumer).Msg("subscribed")
	return nil
}

// Handle processes one request body and reports how to acknowledge it.
func (s *TriggerSubscriber) Handle(ctx context.Context, subject string, data []byte) Disposition {
	log := s.logger.With().Str("subject", subject).Logger()

	var req TriggerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync request")
		s.metrics.TriggerMessage("malformed")
		return Ack
	}
	trigger, err := model.ParseTrigger(req.Trigger)
	if err != nil || req.UserID <= 0 {
		log.Warn().Int64("user_id", req.UserID).Str("trigger", req.Trigger).Msg("dropping invalid sync request")
		s.metrics.TriggerMessage("malformed")
		return Ack
	}

	out, err := s.runner.RunFullSyncWithReconciliation(ctx, req.UserID, trigger)
	switch {
	case errors.Is(err, model.ErrConcurrency):
		log.Info().Int64("user_id", req.UserID).Msg("sync request dropped: run already active")
		s.metrics.TriggerMessage("concurrent")
		return Ack
	case err != nil:
		log.Error().Err(err).Int64("user_id", req.UserID).Msg("sync request failed")
		s.metrics.TriggerMessage("error")
		return Nak
	}

	log.Info().
		Int64("user_id", req.UserID).
		Str("run_id", out.Run.RunID.String()).
		Str("status", string(out.Run.Status)).
		Msg("sync request handled")
	s.metrics.TriggerMessage("ok")
	return Ack
}

// Stop stops consuming.
func (s *TriggerSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("sync trigger subscriber stopped")
}

// EnsureStreams creates the request and event streams if they do not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      RequestsStream,
			Subjects:  []string{RequestsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("portfolio-federation"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
