// Package binder keeps a local ordered list in sync with one user's remote
// collection for one domain.
//
// The local list is only ever replaced by a complete snapshot received from
// the store. Writes go straight to the store and are reflected locally when the
// next snapshot arrives; there is no optimistic update.
package binder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/store"
)

// State is the binder's subscription state.
type State int

const (
	StateUninitialized State = iota
	StateSubscribing
	StateSynced
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribing:
		return "subscribing"
	case StateSynced:
		return "synced"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

var (
	ErrNoSession       = errors.New("no active session")
	ErrNoPendingDelete = errors.New("no delete pending")
)

// Codec converts between domain values and store documents.
type Codec[T any] interface {
	ID(T) string
	Encode(T) (map[string]any, error)
	Decode(store.Document) (T, error)
}

// Options configures a Binder.
type Options struct {
	Logger *zap.Logger
	// OnChange is called after every local state change. It runs on the
	// binder's pump goroutine and must not block.
	OnChange func()
}

// View is a consistent read of the binder's state.
type View[T any] struct {
	State   State
	Items   []T
	Version uint64
	Loading bool
	Err     error
}

// Binder mirrors a scoped collection into a local list.
type Binder[T any] struct {
	store    store.Store
	appID    string
	domain   store.Domain
	codec    Codec[T]
	logger   *zap.Logger
	onChange func()

	mu            sync.Mutex
	state         State
	items         []T
	version       uint64
	loading       bool
	err           error
	userID        string
	generation    uint64
	sub           store.Subscription
	pendingDelete string
}

// New creates a binder for domain. It does nothing until a session is set.
func New[T any](st store.Store, appID string, domain store.Domain, codec Codec[T], opts Options) *Binder[T] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder[T]{
		store:    st,
		appID:    appID,
		domain:   domain,
		codec:    codec,
		logger:   logger.With(zap.String("domain", string(domain))),
		onChange: opts.OnChange,
		state:    StateUninitialized,
	}
}

// SetSession switches the binder to userID's collection. An empty userID
// releases any subscription and forces the list empty.
func (b *Binder[T]) SetSession(userID string) error {
	b.mu.Lock()
	if userID != "" && userID == b.userID && (b.state == StateSubscribing || b.state == StateSynced) {
		b.mu.Unlock()
		return nil
	}
	old := b.detachLocked()
	b.userID = userID

	if userID == "" {
		if b.state != StateUninitialized {
			b.state = StateUnsubscribed
		}
		b.mu.Unlock()
		b.release(old)
		b.changed()
		return nil
	}

	b.state = StateSubscribing
	b.loading = true
	b.err = nil
	gen := b.generation
	path := b.pathLocked()
	b.mu.Unlock()
	b.release(old)

	sub, err := b.store.Subscribe(context.Background(), path)
	if err != nil {
		b.fail(gen, err)
		return fmt.Errorf("subscribe %s: %w", path, err)
	}

	b.mu.Lock()
	if gen != b.generation {
		// Torn down while subscribing.
		b.mu.Unlock()
		sub.Close()
		return nil
	}
	b.sub = sub
	b.mu.Unlock()

	b.changed()
	go b.pump(gen, sub)
	return nil
}

// Close tears the binder down. The list becomes empty and later snapshots are
// ignored.
func (b *Binder[T]) Close() {
	b.mu.Lock()
	old := b.detachLocked()
	b.userID = ""
	b.state = StateUnsubscribed
	b.mu.Unlock()
	b.release(old)
	b.changed()
}

// detachLocked invalidates the current generation and empties local state.
// The returned subscription must be closed after the lock is released.
func (b *Binder[T]) detachLocked() store.Subscription {
	b.generation++
	old := b.sub
	b.sub = nil
	b.items = nil
	b.version++
	b.loading = false
	b.pendingDelete = ""
	return old
}

func (b *Binder[T]) release(sub store.Subscription) {
	if sub != nil {
		sub.Close()
	}
}

func (b *Binder[T]) pump(gen uint64, sub store.Subscription) {
	for snap := range sub.Snapshots() {
		items := make([]T, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			item, err := b.codec.Decode(doc)
			if err != nil {
				b.logger.Warn("skipping undecodable document",
					zap.String("id", doc.ID),
					zap.Error(err))
				continue
			}
			items = append(items, item)
		}
		b.apply(gen, items)
	}
	if err := sub.Err(); err != nil {
		b.fail(gen, err)
	}
}

func (b *Binder[T]) apply(gen uint64, items []T) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.items = items
	b.version++
	b.state = StateSynced
	b.loading = false
	b.mu.Unlock()
	b.changed()
}

// fail records a terminal subscription error. The last list is kept and no
// retry is attempted.
func (b *Binder[T]) fail(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	b.logger.Error("subscription failed",
		zap.String("user_id", b.userID),
		zap.Error(err))
	b.state = StateUnsubscribed
	b.loading = false
	b.err = err
	b.sub = nil
	b.mu.Unlock()
	b.changed()
}

func (b *Binder[T]) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}

func (b *Binder[T]) pathLocked() store.Path {
	return store.Path{AppID: b.appID, UserID: b.userID, Domain: b.domain}
}

// View returns a copy of the current state.
func (b *Binder[T]) View() View[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]T, len(b.items))
	copy(items, b.items)
	return View[T]{
		State:   b.state,
		Items:   items,
		Version: b.version,
		Loading: b.loading,
		Err:     b.err,
	}
}

func (b *Binder[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Items returns a copy of the local list.
func (b *Binder[T]) Items() []T { return b.View().Items }

// Find returns the local item with id.
func (b *Binder[T]) Find(id string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range b.items {
		if b.codec.ID(item) == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Save writes item to the store: an update-in-place when it carries an id,
// an insert otherwise. It returns the document id. The local list is not
// touched.
func (b *Binder[T]) Save(ctx context.Context, item T) (string, error) {
	b.mu.Lock()
	if b.userID == "" {
		b.mu.Unlock()
		return "", ErrNoSession
	}
	path := b.pathLocked()
	b.mu.Unlock()

	fields, err := b.codec.Encode(item)
	if err != nil {
		return "", err
	}
	NormalizeDates(fields)

	id := b.codec.ID(item)
	if id != "" {
		if err := b.store.Update(ctx, path, id, fields); err != nil {
			b.logger.Error("update failed", zap.String("id", id), zap.Error(err))
			return "", fmt.Errorf("update %s: %w", id, err)
		}
		return id, nil
	}

	id, err = b.store.Insert(ctx, path, fields)
	if err != nil {
		b.logger.Error("insert failed", zap.Error(err))
		return "", fmt.Errorf("insert: %w", err)
	}
	return id, nil
}

// MarkPendingDelete marks id for deletion. Nothing is sent to the store.
func (b *Binder[T]) MarkPendingDelete(id string) error {
	if id == "" {
		return fmt.Errorf("mark pending delete: empty id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.userID == "" {
		return ErrNoSession
	}
	b.pendingDelete = id
	return nil
}

// PendingDelete returns the marked id, if any.
func (b *Binder[T]) PendingDelete() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingDelete
}

// CancelDelete clears the marker without touching the store.
func (b *Binder[T]) CancelDelete() {
	b.mu.Lock()
	b.pendingDelete = ""
	b.mu.Unlock()
}

// ConfirmDelete deletes exactly the marked document and clears the marker.
func (b *Binder[T]) ConfirmDelete(ctx context.Context) error {
	b.mu.Lock()
	id := b.pendingDelete
	b.pendingDelete = ""
	userID := b.userID
	path := b.pathLocked()
	b.mu.Unlock()

	if id == "" {
		return ErrNoPendingDelete
	}
	if userID == "" {
		return ErrNoSession
	}
	if err := b.store.Delete(ctx, path, id); err != nil {
		b.logger.Error("delete failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// NormalizeDates converts date-like string values into native timestamps:
// the top-level ordering field and any nested key ending in "Date".
func NormalizeDates(fields map[string]any) {
	for k, v := range fields {
		switch x := v.(type) {
		case map[string]any:
			NormalizeDates(x)
		case string:
			if k == store.OrderField || strings.HasSuffix(k, "Date") {
				if t, ok := store.AsTime(x); ok {
					fields[k] = t.UTC()
				}
			}
		}
	}
}
