// Package store defines the per-user scoped document collection contract that
// backs every data domain of the portfolio.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Domain identifies a scoped collection kind.
type Domain string

const (
	DomainRecords      Domain = "medical_records"
	DomainAppointments Domain = "appointments"
)

// OrderField is the document field every collection is ordered by (descending).
const OrderField = "date"

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid collection path")
	ErrClosed      = errors.New("store closed")
)

// Path addresses one user's collection for one domain.
type Path struct {
	AppID  string
	UserID string
	Domain Domain
}

// String renders the path as artifacts/{app}/users/{uid}/{domain}.
func (p Path) String() string {
	return fmt.Sprintf("artifacts/%s/users/%s/%s", p.AppID, p.UserID, p.Domain)
}

// Validate rejects paths with empty or slash-bearing segments.
func (p Path) Validate() error {
	for _, seg := range []string{p.AppID, p.UserID, string(p.Domain)} {
		if seg == "" || strings.Contains(seg, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p.String())
		}
	}
	return nil
}

// ParsePath is the inverse of Path.String.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[0] != "artifacts" || parts[2] != "users" {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	p := Path{AppID: parts[1], UserID: parts[3], Domain: Domain(parts[4])}
	return p, p.Validate()
}

// Document is a schemaless key/value bag plus its store-assigned id.
type Document struct {
	ID     string
	Fields map[string]any
}

// Date returns the ordering key, zero if absent or unparseable.
func (d Document) Date() time.Time {
	t, _ := AsTime(d.Fields[OrderField])
	return t
}

// Snapshot is a complete, ordered materialization of a collection.
type Snapshot struct {
	Path   Path
	Docs   []Document
	ReadAt time.Time
}

// Store is the document store collaborator.
type Store interface {
	// Subscribe opens a standing ordered query. The first snapshot is the
	// current contents; every later change yields a fresh full snapshot.
	Subscribe(ctx context.Context, path Path) (Subscription, error)
	List(ctx context.Context, path Path) ([]Document, error)
	Insert(ctx context.Context, path Path, fields map[string]any) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, path Path, id string, fields map[string]any) error
	Delete(ctx context.Context, path Path, id string) error
}

// Subscription delivers snapshots until closed or failed.
type Subscription interface {
	Snapshots() <-chan Snapshot
	// Err reports why the snapshot channel closed; nil after Close.
	Err() error
	Close() error
}

// SortDocs orders documents by date descending, ties broken by id.
func SortDocs(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		di, dj := docs[i].Date(), docs[j].Date()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return docs[i].ID < docs[j].ID
	})
}

// CloneFields copies a field map one level deep, copying nested maps and
// slices of maps so callers cannot mutate stored state.
func CloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneFields(x)
	case []any:
		c := make([]any, len(x))
		for i := range x {
			c[i] = cloneValue(x[i])
		}
		return c
	case []map[string]any:
		c := make([]map[string]any, len(x))
		for i := range x {
			c[i] = CloneFields(x[i])
		}
		return c
	default:
		return v
	}
}

// MergeFields applies a partial update: top-level keys in patch replace those
// in base.
func MergeFields(base, patch map[string]any) map[string]any {
	out := CloneFields(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// AsTime converts the date representations found in stored documents.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, !x.IsZero()
	case string:
		if x == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
