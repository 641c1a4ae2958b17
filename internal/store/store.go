package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrVersionConflict is returned by CompareAndSwap when the stored
// version no longer matches the caller's copy: another actor won the
// race and the caller must re-read before trying again.
var ErrVersionConflict = errors.New("workflow version conflict")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps access to the database via a shared *sql.DB with pooling.
type Store struct {
	DB *sql.DB
}

// New creates a new Store backed by the given database handle.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// hashAPIKey hashes a raw API key string using SHA-256 and returns a hex string.
func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKey is a stored credential for the HTTP API. Tenant-scoped keys
// may only touch their own tenant's workflows; admin keys see all.
type APIKey struct {
	ID        uuid.UUID
	Label     string
	IsAdmin   bool
	Tenant    string
	CreatedAt time.Time
}

// GetAPIKeyByRawKey looks up an API key by its raw value.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (APIKey, error) {
	hash := hashAPIKey(rawKey)

	var key APIKey
	var tenant sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, label, is_admin, tenant, created_at FROM api_keys WHERE key_hash = $1`,
		hash,
	).Scan(&key.ID, &key.Label, &key.IsAdmin, &tenant, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	key.Tenant = tenant.String
	return key, nil
}

// EnsureAPIKey ensures a key exists for the given raw value. If it
// already exists it is returned unchanged; otherwise it is created.
// Safe to run multiple times (bootstrap).
func (s *Store) EnsureAPIKey(ctx context.Context, rawKey, label string, isAdmin bool, tenant string) (APIKey, error) {
	key, err := s.GetAPIKeyByRawKey(ctx, rawKey)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return APIKey{}, err
	}

	id := uuid.New()
	var tenantVal sql.NullString
	if tenant != "" {
		tenantVal = sql.NullString{String: tenant, Valid: true}
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, label, is_admin, tenant)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key_hash) DO NOTHING`,
		id, hashAPIKey(rawKey), label, isAdmin, tenantVal,
	)
	if err != nil {
		return APIKey{}, err
	}
	return s.GetAPIKeyByRawKey(ctx, rawKey)
}

// EnsureTenant inserts a tenant row if the slug is not yet known.
func (s *Store) EnsureTenant(ctx context.Context, slug, name string) error {
	if name == "" {
		name = slug
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, name) VALUES ($1, $2, $3)
		 ON CONFLICT (slug) DO NOTHING`,
		uuid.New(), slug, name,
	)
	return err
}
