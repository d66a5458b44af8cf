package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	TickStream   = "ABR_TICKS"
	EventsStream = "ABR_EVENTS"

	tickConsumer = "abrledger-ticks"
)

// RateRequester is the computation entry point; *core.RateController implements it.
type RateRequester interface {
	RequestComputation(market string, mark, index []fpmath.Fixed, declaredMarkLen, declaredIndexLen int) (state.RateState, error)
}

// TickSubscriber consumes tick batches from JetStream and hands each one to
// the rate controller. Every message is acked once handled: core rejections
// are deterministic, so redelivery would fail the same way.
type TickSubscriber struct {
	js       jetstream.JetStream
	rates    RateRequester
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewTickSubscriber(js jetstream.JetStream, rates RateRequester, metrics *observability.Metrics, logger zerolog.Logger) *TickSubscriber {
	return &TickSubscriber{
		js:      js,
		rates:   rates,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe creates the durable tick consumer and starts consuming.
// The consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (ts *TickSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ts.js.CreateOrUpdateConsumer(ctx, TickStream, jetstream.ConsumerConfig{
		Durable:       tickConsumer,
		FilterSubject: TickSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", tickConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ts.Handle(msg.Subject(), msg.Data())
		if err := msg.Ack(); err != nil {
			ts.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", tickConsumer, err)
	}

	ts.consumer = cc
	ts.logger.Info().Str("subject", TickSubjectPrefix+">").Str("consumer", tickConsumer).Msg("subscribed")
	return nil
}

// Handle parses one tick payload and requests a computation. Failures are
// logged and counted; the returned error is informational.
func (ts *TickSubscriber) Handle(subject string, data []byte) (state.RateState, error) {
	batch, err := ParseTickBatch(subject, data)
	if err != nil {
		ts.reject("malformed", subject, err)
		return state.RateState{}, err
	}

	rs, err := ts.rates.RequestComputation(batch.Market, batch.Mark, batch.Index, batch.MarkLen, batch.IndexLen)
	if err != nil {
		ts.reject(rejectReason(err), subject, err)
		return state.RateState{}, err
	}

	ts.logger.Debug().
		Str("market", rs.Market).
		Int64("epoch", rs.Epoch).
		Str("rate", rs.LastRate.String()).
		Msg("tick batch computed")
	return rs, nil
}

func (ts *TickSubscriber) reject(reason, subject string, err error) {
	ts.logger.Warn().Err(err).Str("subject", subject).Str("reason", reason).Msg("tick batch rejected")
	if ts.metrics != nil {
		ts.metrics.IngestRejected.WithLabelValues(reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrRateNotReady):
		return "not_ready"
	case errors.Is(err, state.ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, fpmath.ErrInputShape):
		return "input_shape"
	case errors.Is(err, fpmath.ErrArithmetic):
		return "arithmetic"
	default:
		return "internal"
	}
}

// Stop stops the consumer and waits for an in-flight handler to return.
func (ts *TickSubscriber) Stop() {
	if ts.consumer != nil {
		ts.consumer.Stop()
		<-ts.consumer.Closed()
	}
	ts.logger.Info().Msg("tick subscriber stopped")
}

// EnsureStreams creates the tick and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      TickStream,
			Subjects:  []string{TickSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
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
		nats.Name("abrledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
