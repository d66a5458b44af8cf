package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// WriteBatch is one flush worth of rows.
type WriteBatch struct {
	Events      []EventRow
	Journals    []JournalRow
	Settlements []SettlementRow

	outputs []core.CoreOutput
}

func (b *WriteBatch) add(out core.CoreOutput) {
	b.outputs = append(b.outputs, out)
	events, journals, settlements := RowsFromOutput(out)
	b.Events = append(b.Events, events...)
	b.Journals = append(b.Journals, journals...)
	b.Settlements = append(b.Settlements, settlements...)
}

func (b *WriteBatch) reset() {
	b.Events = b.Events[:0]
	b.Journals = b.Journals[:0]
	b.Settlements = b.Settlements[:0]
	b.outputs = b.outputs[:0]
}

func (b *WriteBatch) lastSequence() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Sequence
}

// Sink durably stores a WriteBatch, all or nothing.
type Sink interface {
	Write(ctx context.Context, batch *WriteBatch) error
}

// PostgresSink writes a batch in a single transaction.
type PostgresSink struct {
	db     *sql.DB
	writer *EventLogWriter
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, writer: NewEventLogWriter()}
}

func (s *PostgresSink) Write(ctx context.Context, batch *WriteBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx_begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.writer.WriteEventBatch(ctx, tx, batch.Events); err != nil {
		return fmt.Errorf("write_events: %w", err)
	}
	if err := s.writer.WriteJournalBatch(ctx, tx, batch.Journals); err != nil {
		return fmt.Errorf("write_journals: %w", err)
	}
	if err := s.writer.WriteSettlementBatch(ctx, tx, batch.Settlements); err != nil {
		return fmt.Errorf("write_settlements: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx_commit: %w", err)
	}
	return nil
}

// Snapshotter produces a consistent state snapshot.
type Snapshotter interface {
	CreateSnapshotState() *core.SnapshotState
}

// SnapshotStore saves snapshots and marks them verified once the event log
// covers them.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

type WorkerConfig struct {
	BatchSize      int
	FlushTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// SnapshotEvery takes a snapshot once this many events have been
	// persisted since the last one. Zero disables snapshots.
	SnapshotEvery int64
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      256,
		FlushTimeout:   50 * time.Millisecond,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		SnapshotEvery:  100_000,
	}
}

// PersistenceWorker drains the persist channel and batch-writes to the sink.
// The core sends on that channel while holding its sequencing lock, so the
// worker never blocks on the core; snapshots are taken on a separate goroutine.
// A failed flush is retried until it succeeds or the worker shuts down.
type PersistenceWorker struct {
	sink      Sink
	inputChan <-chan core.CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger

	snapshotter Snapshotter
	snapshots   SnapshotStore
	snapshotDue chan struct{}

	forward chan<- core.CoreOutput // persisted outputs; non-blocking send

	lastPersisted atomic.Int64
	lastSnapshot  int64        // sequence persisted when the last snapshot was requested
	pendingVerify atomic.Int64 // sequence of a saved, unverified snapshot
	verifyMu      sync.Mutex
}

func NewPersistenceWorker(
	sink Sink,
	inputChan <-chan core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &PersistenceWorker{
		sink:        sink,
		inputChan:   inputChan,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		snapshotDue: make(chan struct{}, 1),
	}
}

// WithSnapshots enables periodic snapshots. Call before Run.
func (pw *PersistenceWorker) WithSnapshots(s Snapshotter, store SnapshotStore) *PersistenceWorker {
	pw.snapshotter = s
	pw.snapshots = store
	return pw
}

// WithForward hands every persisted output to ch, dropping on full.
// Call before Run.
func (pw *PersistenceWorker) WithForward(ch chan<- core.CoreOutput) *PersistenceWorker {
	pw.forward = ch
	return pw
}

// SetLastPersisted seeds the worker after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
	pw.lastSnapshot = seq
}

// LastPersisted returns the highest sequence durably written.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel is closed, after a final flush.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	var snapWG sync.WaitGroup
	if pw.snapshotsEnabled() {
		snapWG.Add(1)
		go func() {
			defer snapWG.Done()
			pw.snapshotLoop(snapCtx)
		}()
	}
	defer func() {
		stopSnapshots()
		snapWG.Wait()
	}()

	batch := &WriteBatch{}
	pending := 0

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if pending == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch, pending); err != nil {
			pw.logger.Error().Err(err).
				Int64("last_sequence", batch.lastSequence()).
				Msg("batch flush failed")
		}
		batch.reset()
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			batch.add(out)
			pending++
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}

			if pending >= pw.cfg.BatchSize {
				flush(ctx)
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. On shutdown it makes one
// last attempt without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *WriteBatch, outputs int) error {
	backoff := pw.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.Events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch, outputs); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > pw.cfg.MaxBackoff {
				backoff = pw.cfg.MaxBackoff
			}
		}

		err := pw.flush(ctx, batch, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *WriteBatch, outputs int) error {
	start := time.Now()

	if err := pw.sink.Write(ctx, batch); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues(classifyError(err)).Inc()
		}
		return err
	}

	last := batch.lastSequence()
	if last > 0 {
		pw.lastPersisted.Store(last)
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(outputs))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.Events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.Journals)))
		pw.metrics.PersistLastSequence.Set(float64(pw.lastPersisted.Load()))
	}

	pw.forwardPersisted(batch.outputs)
	pw.verifyPending(ctx)

	if pw.snapshotsEnabled() && last-pw.lastSnapshot >= pw.cfg.SnapshotEvery {
		pw.lastSnapshot = last
		select {
		case pw.snapshotDue <- struct{}{}:
		default:
		}
	}
	return nil
}

func (pw *PersistenceWorker) forwardPersisted(outputs []core.CoreOutput) {
	if pw.forward == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.forward <- out:
		default:
			pw.logger.Warn().Int("envelopes", len(out.Envelopes)).Msg("forward channel full, output dropped")
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Add(float64(len(out.Envelopes)))
			}
		}
	}
}

func (pw *PersistenceWorker) snapshotsEnabled() bool {
	return pw.snapshotter != nil && pw.snapshots != nil && pw.cfg.SnapshotEvery > 0
}

func (pw *PersistenceWorker) snapshotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.snapshotDue:
			if err := pw.takeSnapshot(ctx); err != nil {
				pw.logger.Error().Err(err).Msg("snapshot failed")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("snapshot").Inc()
				}
			}
		}
	}
}

// takeSnapshot saves an unverified snapshot. It is verified once every
// event up to its sequence is persisted; recovery only loads verified ones.
// TakeSnapshot saves and, once persisted, verifies a snapshot on the caller's
// goroutine. Only call it when no operation can emit, e.g. after Run returned.
func (pw *PersistenceWorker) TakeSnapshot(ctx context.Context) error {
	if !pw.snapshotsEnabled() {
		return nil
	}
	return pw.takeSnapshot(ctx)
}

func (pw *PersistenceWorker) takeSnapshot(ctx context.Context) error {
	start := time.Now()
	snap := pw.snapshotter.CreateSnapshotState()

	size, err := pw.snapshots.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot at %d: %w", snap.Sequence, err)
	}

	if pw.metrics != nil {
		pw.metrics.SnapshotTaken.Inc()
		pw.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		pw.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	pw.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Msg("snapshot saved")

	pw.pendingVerify.Store(snap.Sequence)
	pw.verifyPending(ctx)
	return nil
}

func (pw *PersistenceWorker) verifyPending(ctx context.Context) {
	pw.verifyMu.Lock()
	defer pw.verifyMu.Unlock()

	seq := pw.pendingVerify.Load()
	if seq == 0 || pw.lastPersisted.Load() < seq {
		return
	}

	if err := pw.snapshots.MarkVerified(ctx, seq); err != nil {
		pw.logger.Error().Err(err).Int64("sequence", seq).Msg("mark snapshot verified failed")
		return
	}
	pw.pendingVerify.CompareAndSwap(seq, 0)
	if pw.metrics != nil {
		pw.metrics.SnapshotLastSeq.Set(float64(seq))
	}
}

// classifyError maps a write error to a bounded metric label.
func classifyError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return "pg_" + string(pqErr.Code.Class())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "context"
	}
	return "write"
}
