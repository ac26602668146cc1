package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaypulse/streamgate/internal/stream"
)

// WriterConfig holds batching parameters.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// metricsRow is one delivery_metrics row.
type metricsRow struct {
	CampaignID string
	EventTs    int64
	ReceivedAt int64 // Unix microseconds
	Accepted   int64
	Delivered  int64
	Bounced    int64
	Deferred   int64
	Complaints int64
	Opens      int64
	Clicks     int64
}

// progressRow is one campaign_progress row.
type progressRow struct {
	CampaignID string
	EventTs    int64
	ReceivedAt int64 // Unix microseconds
	State      string
	Sent       int64
	Total      int64
}

// EventWriter consumes DeliveryEvents from the watcher's buffer and
// writes them to Postgres in batches. Rows are append-only with
// ON CONFLICT DO NOTHING on (campaign_id, event_ts).
type EventWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the stream watcher
	input *stream.EventBuffer[stream.DeliveryEvent]

	// Database
	db *pgxpool.Pool

	// Batching
	batchMu     sync.Mutex
	metricsRows []metricsRow
	progRows    []progressRow
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewEventWriter creates a new EventWriter.
func NewEventWriter(
	cfg WriterConfig,
	input *stream.EventBuffer[stream.DeliveryEvent],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWriter{
		cfg:         cfg,
		input:       input,
		db:          db,
		logger:      logger,
		metricsRows: make([]metricsRow, 0, cfg.BatchSize),
		progRows:    make([]progressRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping event writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("event writer stopped")
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
	}

	// Final flush
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads events from the input buffer and accumulates
// batches.
func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			ev, ok := w.input.TryPop()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}
			w.handleEvent(ev)
		}
	}
}

// flushLoop periodically flushes the batches.
func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handleEvent transforms an event and adds it to the matching batch.
func (w *EventWriter) handleEvent(ev stream.DeliveryEvent) {
	w.batchMu.Lock()
	switch {
	case ev.Metrics != nil:
		w.metricsRows = append(w.metricsRows, transformMetrics(ev))
	case ev.Progress != nil:
		w.progRows = append(w.progRows, transformProgress(ev))
	}
	shouldFlush := len(w.metricsRows)+len(w.progRows) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

func transformMetrics(ev stream.DeliveryEvent) metricsRow {
	m := ev.Metrics
	return metricsRow{
		CampaignID: ev.CampaignID,
		EventTs:    ev.EventTs,
		ReceivedAt: ev.ReceivedAt.UnixMicro(),
		Accepted:   m.Accepted,
		Delivered:  m.Delivered,
		Bounced:    m.Bounced,
		Deferred:   m.Deferred,
		Complaints: m.Complaints,
		Opens:      m.Opens,
		Clicks:     m.Clicks,
	}
}

func transformProgress(ev stream.DeliveryEvent) progressRow {
	p := ev.Progress
	return progressRow{
		CampaignID: ev.CampaignID,
		EventTs:    ev.EventTs,
		ReceivedAt: ev.ReceivedAt.UnixMicro(),
		State:      p.State,
		Sent:       p.Sent,
		Total:      p.Total,
	}
}

// flush writes the current batches to the database.
func (w *EventWriter) flush() {
	w.batchMu.Lock()
	if len(w.metricsRows) == 0 && len(w.progRows) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batches
	mRows := w.metricsRows
	pRows := w.progRows
	w.metricsRows = make([]metricsRow, 0, w.cfg.BatchSize)
	w.progRows = make([]progressRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	total := len(mRows) + len(pRows)

	conflicts, err := w.batchInsert(mRows, pRows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", total)
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(total - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed delivery events",
		"count", total,
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *EventWriter) batchInsert(mRows []metricsRow, pRows []progressRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range mRows {
		batch.Queue(`
			INSERT INTO delivery_metrics (campaign_id, event_ts, received_at, accepted, delivered, bounced, deferred, complaints, opens, clicks)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (campaign_id, event_ts) DO NOTHING
		`, r.CampaignID, r.EventTs, r.ReceivedAt, r.Accepted, r.Delivered, r.Bounced, r.Deferred, r.Complaints, r.Opens, r.Clicks)
	}
	for _, r := range pRows {
		batch.Queue(`
			INSERT INTO campaign_progress (campaign_id, event_ts, received_at, state, sent, total)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (campaign_id, event_ts) DO NOTHING
		`, r.CampaignID, r.EventTs, r.ReceivedAt, r.State, r.Sent, r.Total)
	}

	results := w.db.SendBatch(w.ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
