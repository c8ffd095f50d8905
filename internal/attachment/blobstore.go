// Package attachment stores documents attached to medical records, either
// inline on the record as a data URL or as a blob in the object store.
package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrMissingFileName = errors.New("file name is required")
	ErrBlobTooLarge    = errors.New("file exceeds maximum allowed size")
)

// MaxBlobSize is the largest blob accepted by the object store (25 MB).
const MaxBlobSize = 25 * 1024 * 1024

// Meta describes a stored blob.
type Meta struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	OwnerID     string    `json:"ownerId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BlobStore is the object store collaborator.
type BlobStore interface {
	Put(ctx context.Context, meta Meta, content io.Reader) (Meta, error)
	Get(ctx context.Context, id string) (io.ReadCloser, Meta, error)
	Delete(ctx context.Context, id string) error
}

// readBlob reads content up to MaxBlobSize and fills in id, size and hash.
func readBlob(meta Meta, content io.Reader) (Meta, []byte, error) {
	if meta.FileName == "" {
		return Meta{}, nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return Meta{}, nil, ErrBlobTooLarge
	}
	sum := sha256.Sum256(data)
	meta.ID = uuid.NewString()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sum)
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

type storedBlob struct {
	meta    Meta
	content []byte
}

// MemoryBlobStore keeps blobs in memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]storedBlob
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]storedBlob)}
}

func (s *MemoryBlobStore) Put(_ context.Context, meta Meta, content io.Reader) (Meta, error) {
	meta, data, err := readBlob(meta, content)
	if err != nil {
		return Meta{}, err
	}
	s.mu.Lock()
	s.blobs[meta.ID] = storedBlob{meta: meta, content: data}
	s.mu.Unlock()
	return meta, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, id string) (io.ReadCloser, Meta, error) {
	s.mu.RLock()
	b, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, Meta{}, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(b.content)), b.meta, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

// PostgresBlobStore keeps blobs in the blobs table.
type PostgresBlobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresBlobStore(pool *pgxpool.Pool) *PostgresBlobStore {
	return &PostgresBlobStore{pool: pool}
}

func (s *PostgresBlobStore) Put(ctx context.Context, meta Meta, content io.Reader) (Meta, error) {
	meta, data, err := readBlob(meta, content)
	if err != nil {
		return Meta{}, err
	}
	query := `
		INSERT INTO blobs (id, path, owner_id, file_name, content_type, size, sha256, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		meta.ID, meta.Path, meta.OwnerID, meta.FileName, meta.ContentType,
		meta.Size, meta.Hash, data, meta.CreatedAt,
	)
	if err != nil {
		return Meta{}, fmt.Errorf("insert blob: %w", err)
	}
	return meta, nil
}

func (s *PostgresBlobStore) Get(ctx context.Context, id string) (io.ReadCloser, Meta, error) {
	query := `
		SELECT id, path, owner_id, file_name, content_type, size, sha256, data, created_at
		FROM blobs
		WHERE id = $1
	`
	var (
		meta Meta
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&meta.ID, &meta.Path, &meta.OwnerID, &meta.FileName, &meta.ContentType,
		&meta.Size, &meta.Hash, &data, &meta.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Meta{}, ErrBlobNotFound
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("select blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *PostgresBlobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}
