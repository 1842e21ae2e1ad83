// ABOUTME: Store methods for API key lifecycle management.
// ABOUTME: LookupAPIKey is the authentication hot-path; does not take a scope.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// APIKey is an org-bound machine credential. Role is a ceiling: requests
// authenticated by the key act inside OrgID with at most this role.
type APIKey struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	CreatedByUserID uuid.UUID
	KeyHash         string
	Name            string
	Role            string
	ExpiresAt       sql.NullTime
	RevokedAt       sql.NullTime
	LastUsedAt      sql.NullTime
	CreatedAt       time.Time
}

const apiKeyColumns = `id, org_id, created_by_user_id, key_hash, name, role, expires_at, revoked_at, last_used_at, created_at`

func (k *APIKey) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&k.ID, &k.OrgID, &k.CreatedByUserID, &k.KeyHash, &k.Name, &k.Role,
		&k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt,
	)
}

// CreateAPIKey inserts a new API key record. keyHash is sha256(raw_key).
// expiresAt may be sql.NullTime{} for a never-expiring key.
func (s *Store) CreateAPIKey(ctx context.Context, orgID, createdBy uuid.UUID, keyHash, name, role string, expiresAt sql.NullTime) (*APIKey, error) {
	query, args, err := psql.Insert("api_keys").
		Columns("org_id", "created_by_user_id", "key_hash", "name", "role", "expires_at").
		Values(orgID, createdBy, keyHash, name, role, expiresAt).
		Suffix("RETURNING " + apiKeyColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create api key: build query: %w", err)
	}
	var k APIKey
	if err := k.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &k, nil
}

// LookupAPIKey returns the active (non-revoked, non-expired) key matching keyHash,
// or (nil, nil) if not found. The caller checks the key's org is still active.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	if err := k.scanFrom(s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_hash = $1 AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())`,
		keyHash,
	)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &k, nil
}

// ListAPIKeys returns the scope's API keys ordered by creation time
// descending. The scope must be filtered; key management never crosses orgs.
func (r *Records) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	query, args, err := r.sc.where(psql.Select(apiKeyColumns).From("api_keys"), "org_id").
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list api keys: build query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []APIKey
	for rows.Next() {
		var k APIKey
		if err := k.scanFrom(rows); err != nil {
			return nil, fmt.Errorf("list api keys: scan: %w", err)
		}
		// The hash never leaves the store layer.
		k.KeyHash = ""
		result = append(result, k)
	}
	return result, rows.Err()
}

// RevokeAPIKey marks the key as revoked. A key outside the scope is silently
// a no-op, indistinguishable from a key that never existed.
func (r *Records) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	query, args, err := r.sc.whereUpdate(
		psql.Update("api_keys").Set("revoked_at", sq.Expr("now()")).Where(sq.Eq{"id": id}),
		"org_id",
	).ToSql()
	if err != nil {
		return fmt.Errorf("revoke api key: build query: %w", err)
	}
	if _, err := r.s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// UpdateAPIKeyLastUsed records the current time as last_used_at for the key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}
