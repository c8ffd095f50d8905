// Package memstore is an in-process store.Store used for development and tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curebird/curebird/internal/changefeed"
	"github.com/curebird/curebird/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithHub shares an existing change hub.
func WithHub(hub *changefeed.Hub) Option {
	return func(s *Store) { s.hub = hub }
}

// WithIDGenerator overrides document id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// Store keeps collections in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Document
	hub         *changefeed.Hub
	newID       func() string
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]store.Document),
		hub:         changefeed.NewHub(),
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the change hub driving subscriptions.
func (s *Store) Hub() *changefeed.Hub { return s.hub }

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, path store.Path) (store.Subscription, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}

	// Register before the first read so no change falls between the two.
	watch := s.hub.Watch(path.String())

	return store.StartStream(ctx, func(ctx context.Context, emit store.EmitFunc) error {
		defer watch.Stop()
		for {
			if !emit(s.snapshot(path)) {
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
func (s *Store) List(_ context.Context, path store.Path) ([]store.Document, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return s.snapshot(path).Docs, nil
}

func (s *Store) snapshot(path store.Path) store.Snapshot {
	s.mu.RLock()
	coll := s.collections[path.String()]
	docs := make([]store.Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, store.Document{ID: d.ID, Fields: store.CloneFields(d.Fields)})
	}
	s.mu.RUnlock()

	store.SortDocs(docs)
	return store.Snapshot{Path: path, Docs: docs, ReadAt: s.now()}
}

// Insert implements store.Store.
func (s *Store) Insert(ctx context.Context, path store.Path, fields map[string]any) (string, error) {
	if err := path.Validate(); err != nil {
		return "", err
	}
	id := s.newID()

	s.mu.Lock()
	coll := s.collections[path.String()]
	if coll == nil {
		coll = make(map[string]store.Document)
		s.collections[path.String()] = coll
	}
	coll[id] = store.Document{ID: id, Fields: store.CloneFields(fields)}
	s.mu.Unlock()

	s.hub.Notify(ctx, path.String())
	return id, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, path store.Path, id string, fields map[string]any) error {
	if err := path.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	doc, ok := s.collections[path.String()][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", path, id, store.ErrNotFound)
	}
	doc.Fields = store.MergeFields(doc.Fields, fields)
	s.collections[path.String()][id] = doc
	s.mu.Unlock()

	s.hub.Notify(ctx, path.String())
	return nil
}

// Delete implements store.Store. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, path store.Path, id string) error {
	if err := path.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	coll := s.collections[path.String()]
	_, existed := coll[id]
	delete(coll, id)
	s.mu.Unlock()

	if existed {
		s.hub.Notify(ctx, path.String())
	}
	return nil
}
