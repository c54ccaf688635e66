package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-controld/internal/metrics"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("audit: zstd encoder init: %v", err))
	}
}

const sinkQueueDepth = 4096

// EventPublisher is the narrow surface internal/events.Publisher
// satisfies structurally, letting Sink fan an event out to Kafka without
// this package importing internal/events (which imports this package
// for the Event type).
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink is the write-behind audit log. A nil *Sink (returned by NewSink
// when Audit.Enabled is false) is a safe no-op: Record becomes a cheap
// discard so the core never blocks on Postgres for an optional feature.
type Sink struct {
	pool      *pgxpool.Pool
	logger    *zap.Logger
	compress  bool
	publisher EventPublisher

	events  chan Event
	flushed chan struct{}
}

// NewSink starts the drain goroutine and returns a Sink, or nil if
// enabled is false. batchSize and flushInterval bound how long an event
// can sit in memory before being written.
func NewSink(ctx context.Context, pool *pgxpool.Pool, enabled, compress bool, batchSize int, flushInterval time.Duration, logger *zap.Logger) *Sink {
	if !enabled {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	s := &Sink{
		pool:     pool,
		logger:   logger,
		compress: compress,
		events:   make(chan Event, sinkQueueDepth),
		flushed:  make(chan struct{}),
	}
	go s.run(ctx, batchSize, flushInterval)
	return s
}

// SetPublisher wires an optional Kafka fan-out (design §14): every
// recorded event is also published to the event bus, independent of and
// never blocking on the Postgres write-behind path.
func (s *Sink) SetPublisher(p EventPublisher) {
	if s == nil {
		return
	}
	s.publisher = p
}

// Record enqueues ev for the drain loop. It never blocks: a full channel
// means the drain loop is falling behind Postgres, and the event is
// dropped and counted rather than stalling the caller's scheduling loop.
func (s *Sink) Record(ev Event) {
	if s == nil {
		return
	}
	if s.publisher != nil {
		s.publisher.Publish(context.Background(), ev)
	}
	select {
	case s.events <- ev:
	default:
		metrics.AuditDroppedTotal.WithLabelValues(string(ev.Kind)).Inc()
		s.logger.Warn("audit event dropped, channel full", zap.String("kind", string(ev.Kind)))
	}
}

// Close stops accepting new events and waits for the current batch to
// flush. Safe to call on a nil Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	close(s.events)
	<-s.flushed
}

func (s *Sink) run(ctx context.Context, batchSize int, flushInterval time.Duration) {
	defer close(s.flushed)

	var batch []Event
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.flushBatch(flushCtx, batch); err != nil {
			s.logger.Error("audit batch flush failed", zap.Error(err), zap.Int("count", len(batch)))
		}
		cancel()
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) flushBatch(ctx context.Context, batch []Event) error {
	start := time.Now()
	now := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO membership_audit_log (event_time, event_type, peer_id, table_name, payload, compressed)
		VALUES ($1, $2, $3, $4, $5, $6)`

	pgBatch := &pgx.Batch{}
	for _, ev := range batch {
		payload, err := marshalEvent(ev, now)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		compressed := false
		if s.compress {
			payload = zstdEncoder.EncodeAll(payload, nil)
			compressed = true
		}
		pgBatch.Queue(insertSQL, now, string(ev.Kind), string(ev.PeerID), ev.Table, payload, compressed)
	}

	results := tx.SendBatch(ctx, pgBatch)
	var inserted int64
	for i := range batch {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("insert membership_audit_log[%d]: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("audit", "insert").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("audit", "membership_audit_log", "insert").Add(float64(inserted))
	metrics.BatchSize.WithLabelValues("audit").Observe(float64(len(batch)))

	return nil
}
