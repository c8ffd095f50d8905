// Package postgres provides PostgreSQL infrastructure components.
// Implements the transactional outbox that carries collection changes from a
// committed write to the change topic.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock held by the relay that owns the outbox.
const relayLockID int64 = 0x6375726562697264

// OutboxEntry is one committed collection change awaiting publication.
type OutboxEntry struct {
	ID             int64
	CollectionPath string
	DocumentID     string
	ChangeKind     string
	Payload        json.RawMessage
	Topic          string
	PartitionKey   string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	RetryCount     int
	LastError      *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// Retention is how long processed entries are kept before cleanup
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "collection.changes.dlq",
		Retention:       24 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PendingGauge receives the pending-entry count after every batch.
type PendingGauge interface {
	Set(float64)
}

// Outbox relays committed entries to the publisher.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	pending   PendingGauge
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay. pending may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, pending PendingGauge, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		pending:   pending,
		logger:    logger,
		tracer:    otel.Tracer("collection-outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within a transaction.
// It must run in the same transaction as the document write it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO collection_outbox (collection_path, document_id, change_kind, payload, topic, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.CollectionPath,
		entry.DocumentID,
		entry.ChangeKind,
		entry.Payload,
		entry.Topic,
		entry.PartitionKey,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and relaying outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		case <-housekeeping.C:
			o.housekeep()
		}
	}
}

// processBatch relays one batch while holding the relay advisory lock.
// Session-level advisory locks belong to a connection, so lock and unlock
// must run on the same one.
func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Warn("failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil || !acquired {
		return // another relay owns the outbox
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := o.fetchUnprocessed(ctx, conn)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.processEntry(ctx, conn, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("collection", entry.CollectionPath),
				zap.Error(err))
		}
	}

	if o.pending != nil {
		if stats, err := o.GetStats(ctx); err == nil {
			o.pending.Set(float64(stats.Pending))
		}
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	query := `
		SELECT id, collection_path, document_id, change_kind, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM collection_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := conn.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.CollectionPath, &entry.DocumentID,
			&entry.ChangeKind, &entry.Payload, &entry.Topic,
			&entry.PartitionKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// processEntry publishes a single entry and marks it processed. Entries
// are relayed in id order and a failure stops nothing: the next poll retries
// it while later entries go out, which keeps per-collection order only
// approximately. Subscribers re-read the whole collection, so a late
// notification is harmless.
func (o *Outbox) processEntry(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("change_kind", entry.ChangeKind),
			attribute.String("collection", entry.CollectionPath),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.Topic, entry.PartitionKey, entry.Payload)
	if err != nil {
		updateQuery := `
			UPDATE collection_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := conn.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	markQuery := `
		UPDATE collection_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := conn.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))

	return nil
}

func (o *Outbox) housekeep() {
	ctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
	defer cancel()

	if moved, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if moved > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
	}

	if removed, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if removed > 0 {
		o.logger.Debug("outbox cleaned", zap.Int64("removed", removed))
	}
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM collection_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`

	result, err := o.pool.Exec(ctx, query, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeadLetter is the envelope published for an entry that exhausted its retries.
type DeadLetter struct {
	OriginalTopic  string          `json:"original_topic"`
	CollectionPath string          `json:"collection_path"`
	DocumentID     string          `json:"document_id"`
	ChangeKind     string          `json:"change_kind"`
	Payload        json.RawMessage `json:"payload"`
	RetryCount     int             `json:"retry_count"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exceeded max retries to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, collection_path, document_id, change_kind, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM collection_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.CollectionPath, &e.DocumentID, &e.ChangeKind, &e.Payload,
			&e.Topic, &e.PartitionKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}

	var count int64
	for _, entry := range entries {
		dlPayload, _ := json.Marshal(DeadLetter{
			OriginalTopic:  entry.Topic,
			CollectionPath: entry.CollectionPath,
			DocumentID:     entry.DocumentID,
			ChangeKind:     entry.ChangeKind,
			Payload:        entry.Payload,
			RetryCount:     entry.RetryCount,
			LastError:      entry.LastError,
			CreatedAt:      entry.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.PartitionKey, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		if _, err := o.pool.Exec(ctx, "UPDATE collection_outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Error(err))
			continue
		}

		count++
	}

	return count, nil
}

// OutboxStats summarizes the outbox.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM collection_outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}

	return stats, nil
}
