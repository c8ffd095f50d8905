// Package fsstore is the Cloud Firestore store.Store. Collection paths map
// one to one onto Firestore collections and subscriptions ride on native
// query snapshots, so no change feed is involved.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/curebird/curebird/internal/store"
)

// Config locates the Firestore database.
type Config struct {
	ProjectID string
	// CredentialsFile is a service account key; empty uses application
	// default credentials (or the emulator when FIRESTORE_EMULATOR_HOST is set).
	CredentialsFile string
}

// Store keeps documents in Firestore.
type Store struct {
	client *firestore.Client
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to Firestore.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) query(path store.Path) firestore.Query {
	return s.client.Collection(path.String()).OrderBy(store.OrderField, firestore.Desc)
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, path store.Path) (store.Subscription, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	return store.StartStream(ctx, func(ctx context.Context, emit store.EmitFunc) error {
		it := s.query(path).Snapshots(ctx)
		defer it.Stop()

		for {
			qs, err := it.Next()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				s.logger.Warn("snapshot listener failed", zap.String("collection", path.String()), zap.Error(err))
				return fmt.Errorf("subscribe %s: %w", path, err)
			}

			docs, err := collect(qs.Documents)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", path, err)
			}
			if !emit(store.Snapshot{Path: path, Docs: docs, ReadAt: qs.ReadTime}) {
				return ctx.Err()
			}
		}
	}), nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, path store.Path) ([]store.Document, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	docs, err := collect(s.query(path).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	return docs, nil
}

func collect(it *firestore.DocumentIterator) ([]store.Document, error) {
	defer it.Stop()
	var docs []store.Document
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{ID: snap.Ref.ID, Fields: snap.Data()})
	}
	store.SortDocs(docs)
	return docs, nil
}

// Insert implements store.Store. Firestore assigns the id.
func (s *Store) Insert(ctx context.Context, path store.Path, fields map[string]any) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	ref, _, err := s.client.Collection(path.String()).Add(ctx, fields)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", path, err)
	}
	return ref.ID, nil
}

// Update implements store.Store. Firestore rejects updates of missing
// documents, which surfaces as store.ErrNotFound.
func (s *Store) Update(ctx context.Context, path store.Path, id string, fields map[string]any) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	_, err := s.client.Collection(path.String()).Doc(id).Update(ctx, toUpdates(fields))
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("update %s/%s: %w", path, id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", path, id, err)
	}
	return nil
}

// Delete implements store.Store. Deleting a missing document succeeds.
func (s *Store) Delete(ctx context.Context, path store.Path, id string) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if _, err := s.client.Collection(path.String()).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", path, id, err)
	}
	return nil
}

// toUpdates turns a patch into top-level field replacements, in key order.
// FieldPath keeps keys with dots from being read as nested paths.
func toUpdates(fields map[string]any) []firestore.Update {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		if t, ok := v.(time.Time); ok {
			v = t.UTC()
		}
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	return updates
}
