package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byUID   map[string]User
	byEmail map[string]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byUID:   make(map[string]User),
		byEmail: make(map[string]string),
	}
}

func (d *MemoryDirectory) Create(_ context.Context, u User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.byEmail[u.Email]; taken {
		return ErrEmailInUse
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	d.byUID[u.UID] = u
	d.byEmail[u.Email] = u.UID
	return nil
}

func (d *MemoryDirectory) ByEmail(_ context.Context, email string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	uid, ok := d.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return d.byUID[uid], nil
}

func (d *MemoryDirectory) ByUID(_ context.Context, uid string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byUID[uid]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (d *MemoryDirectory) UpsertFederated(_ context.Context, u User) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := d.byUID[u.UID]; ok {
		// Keep a display name the user chose over the provider's.
		if existing.DisplayName != "" {
			u.DisplayName = existing.DisplayName
		}
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	d.byUID[u.UID] = u
	if u.Email != "" {
		d.byEmail[u.Email] = u.UID
	}
	return u, nil
}

func (d *MemoryDirectory) UpdateDisplayName(_ context.Context, uid, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byUID[uid]
	if !ok {
		return ErrUserNotFound
	}
	u.DisplayName = name
	u.UpdatedAt = time.Now().UTC()
	d.byUID[uid] = u
	return nil
}

// PostgresDirectory stores users in the users table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a directory backed by pool.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

const uniqueViolation = "23505"

func (d *PostgresDirectory) Create(ctx context.Context, u User) error {
	query := `
		INSERT INTO users (uid, email, display_name, photo_url, password_hash, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := d.pool.Exec(ctx, query, u.UID, u.Email, u.DisplayName, u.PhotoURL, u.PasswordHash, u.Provider)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailInUse
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const selectUser = `
	SELECT uid, COALESCE(email, ''), display_name, photo_url, password_hash, provider, created_at, updated_at
	FROM users
`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.UID, &u.Email, &u.DisplayName, &u.PhotoURL, &u.PasswordHash, &u.Provider, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (d *PostgresDirectory) ByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(d.pool.QueryRow(ctx, selectUser+` WHERE email = $1`, email))
}

func (d *PostgresDirectory) ByUID(ctx context.Context, uid string) (User, error) {
	return scanUser(d.pool.QueryRow(ctx, selectUser+` WHERE uid = $1`, uid))
}

func (d *PostgresDirectory) UpsertFederated(ctx context.Context, u User) (User, error) {
	query := `
		INSERT INTO users (uid, email, display_name, photo_url, password_hash, provider)
		VALUES ($1, NULLIF($2, ''), $3, $4, '', $5)
		ON CONFLICT (uid) DO UPDATE
		SET email = EXCLUDED.email,
		    photo_url = EXCLUDED.photo_url,
		    display_name = CASE WHEN users.display_name = '' THEN EXCLUDED.display_name ELSE users.display_name END,
		    updated_at = NOW()
		RETURNING uid, COALESCE(email, ''), display_name, photo_url, password_hash, provider, created_at, updated_at
	`
	return scanUser(d.pool.QueryRow(ctx, query, u.UID, u.Email, u.DisplayName, u.PhotoURL, u.Provider))
}

func (d *PostgresDirectory) UpdateDisplayName(ctx context.Context, uid, name string) error {
	tag, err := d.pool.Exec(ctx, `UPDATE users SET display_name = $1, updated_at = NOW() WHERE uid = $2`, name, uid)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
