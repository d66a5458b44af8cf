package core

import (
	"fmt"
	"sync"
	"time"

	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CoreOutput is everything one committed operation produced, in log order.
type CoreOutput struct {
	Envelopes  []*event.EventEnvelope
	Batch      *ledger.Batch     // nil for state-only operations
	Settlement *SettlementRecord // set by settlements that moved the last-settled mark
}

// SettlementRecord is the durable form of one pair's last settlement.
type SettlementRecord struct {
	PairKey   string    `json:"pair_key"`
	Market    string    `json:"market"`
	Payer     uuid.UUID `json:"payer"`
	Payee     uuid.UUID `json:"payee"`
	Epoch     int64     `json:"epoch"`
	Timestamp int64     `json:"timestamp"` // Rate timestamp, unix seconds
	Amount    int64     `json:"amount"`    // Signed: negative when the payee paid
	Sequence  int64     `json:"sequence"`  // Sequence of the first envelope of the settlement
}

// Emission is one operation handed to the Emitter.
// Commit applies the operation's in-memory state change; when it fails
// nothing is sequenced or sent.
type Emission struct {
	Events     []event.Event
	Batch      *ledger.Batch
	Settlement *SettlementRecord
	Commit     func() error
}

// Emitter sequences committed operations, chains their hashes and hands them
// to persistence and projections.
//
// Commit runs under the emitter lock, so the global sequence order is the
// order in which state changes were applied. Replaying the log in sequence
// order rebuilds the same state.
type Emitter struct {
	mu       sync.Mutex
	sequence int64 // Last assigned sequence, 0 before the first event
	hasher   *StateHasher

	persistChan    chan<- CoreOutput // blocking send; nil disables persistence
	projectionChan chan<- CoreOutput // non-blocking send; nil disables projections

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEmitter(
	persistChan, projectionChan chan<- CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Emitter {
	return &Emitter{
		hasher:         NewStateHasher(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
		logger:         logger,
	}
}

// Emit commits and publishes one operation.
func (e *Emitter) Emit(em Emission) (CoreOutput, error) {
	payloads := make([][]byte, len(em.Events))
	for i, evt := range em.Events {
		p, err := event.Encode(evt)
		if err != nil {
			return CoreOutput{}, err
		}
		payloads[i] = p
	}

	if em.Batch != nil {
		if err := em.Batch.Validate(); err != nil {
			return CoreOutput{}, fmt.Errorf("invalid batch %s: %w", em.Batch.EventRef, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if em.Commit != nil {
		if err := em.Commit(); err != nil {
			return CoreOutput{}, err
		}
	}

	out := CoreOutput{
		Envelopes:  make([]*event.EventEnvelope, 0, len(em.Events)),
		Batch:      em.Batch,
		Settlement: em.Settlement,
	}

	for i, evt := range em.Events {
		seq := e.sequence + 1
		prev := e.hasher.GetPrevHash()
		hash := e.hasher.ComputeHash(seq, payloads[i])
		e.sequence = seq

		out.Envelopes = append(out.Envelopes, &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			MarketID:       evt.MarketID(),
			Timestamp:      time.Unix(evt.OccurredAt(), 0).UTC(),
			SourceSequence: evt.SourceSequence(),
			Payload:        payloads[i],
			StateHash:      hash,
			PrevHash:       prev,
		})
	}

	if len(out.Envelopes) > 0 {
		first := out.Envelopes[0].Sequence
		if out.Batch != nil {
			out.Batch.SetSequence(first)
		}
		if out.Settlement != nil {
			out.Settlement.Sequence = first
		}
	}

	// Persistence: blocking send. The caller stalls until the persistence
	// worker drains, so no committed output is lost.
	if e.persistChan != nil {
		e.persistChan <- out
	}

	// Projections: drop on full, they rebuild from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			e.logger.Warn().Int64("sequence", e.sequence).Msg("projection channel full, output dropped")
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	e.record(out)
	return out, nil
}

func (e *Emitter) record(out CoreOutput) {
	if e.metrics == nil {
		return
	}
	for _, env := range out.Envelopes {
		e.metrics.CoreEventsEmitted.WithLabelValues(env.EventType.String()).Inc()
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	e.metrics.CoreSequence.Set(float64(e.sequence))
	if e.persistChan != nil {
		e.metrics.SetChannelMetrics("persist", len(e.persistChan), cap(e.persistChan))
	}
	if e.projectionChan != nil {
		e.metrics.SetChannelMetrics("projection", len(e.projectionChan), cap(e.projectionChan))
	}
}

// Sequence returns the last assigned sequence.
func (e *Emitter) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Emitter) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// Quiesce runs fn while no operation can commit. fn receives the last
// assigned sequence and the chain tip.
func (e *Emitter) Quiesce(fn func(sequence int64, stateHash [32]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.sequence, e.hasher.GetPrevHash())
}

// Restore positions the emitter after the last recovered event.
func (e *Emitter) Restore(sequence int64, stateHash [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = sequence
	e.hasher.SetPrevHash(stateHash)
}

// VerifyChain checks that envelopes continue the chain from prev.
// Envelopes must be in sequence order. It returns the new chain tip.
func VerifyChain(prev [32]byte, envelopes []*event.EventEnvelope) ([32]byte, error) {
	for _, env := range envelopes {
		if env.PrevHash != prev {
			return prev, fmt.Errorf("hash chain broken at sequence %d: prev_hash mismatch", env.Sequence)
		}
		want := ChainHash(prev, env.Sequence, env.Payload)
		if env.StateHash != want {
			return prev, fmt.Errorf("hash chain broken at sequence %d: state_hash mismatch", env.Sequence)
		}
		prev = env.StateHash
	}
	return prev, nil
}
