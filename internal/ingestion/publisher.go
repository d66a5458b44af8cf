package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is followed by "{event_type}.{market}".
const EventSubjectPrefix = "abr.events."

// JetStreamPublisher is the part of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishedEvent is the outbound message body.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

// OutboundPublisher publishes persisted envelopes to NATS for downstream
// consumers. A failed publish is logged and counted, never retried:
// consumers can read the event log directly.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := op.publish(ctx, env); err != nil {
					op.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
					if op.metrics != nil {
						op.metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the JetStream message id, so a republish
	// inside the stream's duplicate window is discarded.
	_, err = op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}

// EventSubject returns "abr.events.{event_type}.{market}", with "global"
// for events without a market.
func EventSubject(env *event.EventEnvelope) string {
	market := "global"
	if env.MarketID != nil {
		market = *env.MarketID
	}
	return EventSubjectPrefix + env.EventType.String() + "." + market
}
