package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/fleetsync/internal/eventloop"
	"github.com/rickgao/fleetsync/internal/router"
)

// ErrClosed is returned by HandleEnvelope after Stop.
var ErrClosed = errors.New("journal closed")

// Config holds writer settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before insert
	BufferSize    int           // Initial queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    1024,
	}
}

// Batcher sends a pgx batch. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Row is one journal entry.
type Row struct {
	ReceivedAt time.Time
	ConnID     string
	Type       string
	Data       []byte // nil stores SQL NULL
}

// Stats contains writer counters.
type Stats struct {
	Received int64
	Inserts  int64
	Errors   int64
	Flushes  int64
	Pending  int
}

// Writer batches envelopes into sync_events.
type Writer struct {
	cfg    Config
	db     Batcher
	logger *slog.Logger

	input *eventloop.Queue[Row]

	batch   []Row
	batchMu sync.Mutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	drained  chan struct{}
	stopOnce sync.Once

	// Metrics
	received atomic.Int64
	inserts  atomic.Int64
	errs     atomic.Int64
	flushes  atomic.Int64
}

// NewWriter creates a Writer. Call Start before registering it with the
// router.
func NewWriter(cfg Config, db Batcher, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "journal"),
		input:   eventloop.NewQueue[Row](cfg.BufferSize),
		batch:   make([]Row, 0, cfg.BatchSize),
		drained: make(chan struct{}),
	}
}

// HandleEnvelope implements router.Handler. It never blocks.
func (w *Writer) HandleEnvelope(env router.Envelope) error {
	if !w.input.Push(toRow(env)) {
		return ErrClosed
	}
	w.received.Add(1)
	return nil
}

// toRow converts an envelope to a row. Data is copied because the
// envelope buffer belongs to the connection.
func toRow(env router.Envelope) Row {
	row := Row{
		ReceivedAt: env.ReceivedAt.UTC(),
		ConnID:     env.ConnID,
		Type:       env.Type,
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now().UTC()
	}
	if len(env.Data) > 0 && json.Valid(env.Data) {
		row.Data = append([]byte(nil), env.Data...)
	}
	return row
}

// Start begins consuming rows and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop rejects new envelopes, drains the queue, and writes what is left.
func (w *Writer) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.logger.Info("stopping journal writer")
		w.input.Close()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			w.logger.Warn("journal writer stop timed out", "pending", w.input.Len())
			err = ctx.Err()
		}

		// Final flush, bounded by the caller's deadline
		w.flushWith(ctx)
		if w.cancel != nil {
			w.cancel()
		}
		w.logger.Info("journal writer stopped", "inserts", w.inserts.Load())
	})
	return err
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	pending := len(w.batch)
	w.batchMu.Unlock()
	return Stats{
		Received: w.received.Load(),
		Inserts:  w.inserts.Load(),
		Errors:   w.errs.Load(),
		Flushes:  w.flushes.Load(),
		Pending:  pending + w.input.Len(),
	}
}

// consumeLoop moves rows from the queue into the batch until the queue is
// closed and empty.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()
	defer close(w.drained)

	for {
		row, ok := w.input.Pop()
		if !ok {
			return
		}
		w.add(row)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.drained:
			return
		case <-ticker.C:
			w.flushWith(w.ctx)
		}
	}
}

func (w *Writer) add(row Row) {
	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		w.flushWith(w.ctx)
	}
}

// flushWith writes the current batch to the database.
func (w *Writer) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]Row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	if err := w.insert(ctx, batch); err != nil {
		w.errs.Add(1)
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		return
	}

	w.flushes.Add(1)
	w.inserts.Add(int64(len(batch)))
	w.logger.Debug("flushed envelopes",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// insert queues one INSERT per row in a single pgx.Batch.
func (w *Writer) insert(ctx context.Context, rows []Row) error {
	if w.db == nil {
		return errors.New("no database")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		var data any
		if r.Data != nil {
			data = string(r.Data)
		}
		batch.Queue(insertSQL, r.ReceivedAt, r.ConnID, r.Type, data)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return nil
}
