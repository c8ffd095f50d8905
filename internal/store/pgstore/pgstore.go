// Package pgstore is the Postgres store.Store. Documents live in one JSONB
// table keyed by collection; every write records a collection change in the
// outbox within the same transaction, so other instances learn about it
// through the change topic once the relay publishes it.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/changefeed"
	"github.com/curebird/curebird/internal/infrastructure/postgres"
	"github.com/curebird/curebird/internal/infrastructure/redpanda"
	"github.com/curebird/curebird/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithHub shares the change hub that the change feed also notifies.
func WithHub(hub *changefeed.Hub) Option {
	return func(s *Store) { s.hub = hub }
}

// WithOrigin stamps outgoing changes with this instance's id.
func WithOrigin(origin string) Option {
	return func(s *Store) { s.origin = origin }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store keeps documents in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	hub    *changefeed.Hub
	origin string
	topic  string
	newID  func() string
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// New creates a Store on pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		hub:    changefeed.NewHub(),
		topic:  redpanda.TopicCollectionChanges,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: zap.NewNop(),
		tracer: otel.Tracer("pgstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the change hub driving subscriptions.
func (s *Store) Hub() *changefeed.Hub { return s.hub }

// Subscribe implements store.Store. Each poke of the collection's topic
// triggers a fresh read, so a burst of writes yields one snapshot.
func (s *Store) Subscribe(ctx context.Context, path store.Path) (store.Subscription, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	watch := s.hub.Watch(path.String())

	return store.StartStream(ctx, func(ctx context.Context, emit store.EmitFunc) error {
		defer watch.Stop()
		for {
			docs, err := s.List(ctx, path)
			if err != nil {
				s.logger.Warn("subscription read failed", zap.String("collection", path.String()), zap.Error(err))
				return fmt.Errorf("subscribe %s: %w", path, err)
			}
			if !emit(store.Snapshot{Path: path, Docs: docs, ReadAt: s.now()}) {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-watch.C():
			}
		}
	}), nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, path store.Path) ([]store.Document, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, data
		FROM documents
		WHERE app_id = $1 AND user_id = $2 AND collection = $3
		ORDER BY date DESC NULLS LAST, id ASC
	`, path.AppID, path.UserID, string(path.Domain))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Document, error) {
		var (
			id   string
			data []byte
		)
		if err := row.Scan(&id, &data); err != nil {
			return store.Document{}, err
		}
		return decodeDocument(id, data)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	// The column order and SortDocs agree except for unparseable dates.
	store.SortDocs(docs)
	return docs, nil
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, path store.Path, fields map[string]any) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	ctx, span := s.tracer.Start(ctx, "pgstore.insert", trace.WithAttributes(attribute.String("collection", string(path.Domain))))
	defer span.End()

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	id := s.newID()

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (app_id, user_id, collection, id, date, data)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, path.AppID, path.UserID, string(path.Domain), id, documentDate(fields), data)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return s.recordChange(ctx, tx, path, id, changefeed.KindInsert)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	s.hub.Notify(ctx, path.String())
	return id, nil
}

// Update implements store.Store: top-level fields in the patch replace the
// stored ones.
func (s *Store) Update(ctx context.Context, path store.Path, id string, fields map[string]any) error {
	if err := path.Validate(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "pgstore.update", trace.WithAttributes(attribute.String("collection", string(path.Domain))))
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx, `
			SELECT data FROM documents
			WHERE app_id = $1 AND user_id = $2 AND collection = $3 AND id = $4
			FOR UPDATE
		`, path.AppID, path.UserID, string(path.Domain), id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("update %s/%s: %w", path, id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}

		existing, err := decodeDocument(id, current)
		if err != nil {
			return err
		}
		merged := store.MergeFields(existing.Fields, fields)
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE documents SET data = $5, date = $6, updated_at = NOW()
			WHERE app_id = $1 AND user_id = $2 AND collection = $3 AND id = $4
		`, path.AppID, path.UserID, string(path.Domain), id, data, documentDate(merged))
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return s.recordChange(ctx, tx, path, id, changefeed.KindUpdate)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.hub.Notify(ctx, path.String())
	return nil
}

// Delete implements store.Store. Deleting a missing document is not an error
// and produces no change.
func (s *Store) Delete(ctx context.Context, path store.Path, id string) error {
	if err := path.Validate(); err != nil {
		return err
	}

	var existed bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM documents
			WHERE app_id = $1 AND user_id = $2 AND collection = $3 AND id = $4
		`, path.AppID, path.UserID, string(path.Domain), id)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if existed = tag.RowsAffected() > 0; !existed {
			return nil
		}
		return s.recordChange(ctx, tx, path, id, changefeed.KindDelete)
	})
	if err != nil {
		return err
	}

	if existed {
		s.hub.Notify(ctx, path.String())
	}
	return nil
}

func (s *Store) recordChange(ctx context.Context, tx pgx.Tx, path store.Path, id string, kind changefeed.Kind) error {
	change := changefeed.Change{
		Topic:      path.String(),
		Kind:       kind,
		DocumentID: id,
		Origin:     s.origin,
		Timestamp:  s.now().UTC(),
	}
	payload, err := change.Marshal()
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		CollectionPath: change.Topic,
		DocumentID:     id,
		ChangeKind:     string(kind),
		Payload:        payload,
		Topic:          s.topic,
		PartitionKey:   change.Topic,
	})
}

func decodeDocument(id string, data []byte) (store.Document, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return store.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return store.Document{ID: id, Fields: fields}, nil
}

// documentDate extracts the ordering column, nil when absent.
func documentDate(fields map[string]any) *time.Time {
	t, ok := store.AsTime(fields[store.OrderField])
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}
