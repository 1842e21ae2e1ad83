// ABOUTME: Store methods for user authentication: creation, lookup, token versioning.
// ABOUTME: These are global-table operations with no org scope; auth happens before tenancy.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// User is a platform account. Org-level rights live on memberships;
// platform_roles carries cross-org roles such as oversight.
type User struct {
	ID                  uuid.UUID
	Email               string
	DisplayName         string
	PasswordHash        string
	PasswordHashVersion int32
	PlatformRoles       pq.StringArray
	IsSuperuser         bool
	TokenVersion        int32
	LastLoginAt         sql.NullTime
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasPlatformRole reports whether the user carries the named platform role.
func (u *User) HasPlatformRole(role string) bool {
	for _, r := range u.PlatformRoles {
		if r == role {
			return true
		}
	}
	return false
}

const userColumns = `id, email, display_name, password_hash, password_hash_version,
	platform_roles, is_superuser, token_version, last_login_at, created_at, updated_at`

func (u *User) scanFrom(row interface{ Scan(...any) error }) error {
	return row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.PasswordHashVersion,
		&u.PlatformRoles, &u.IsSuperuser, &u.TokenVersion, &u.LastLoginAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
}

// CreateUser inserts a new user row. Returns the created user.
// Pass an empty passwordHash for SSO-only accounts.
func (s *Store) CreateUser(ctx context.Context, email, displayName, passwordHash string, hashVersion int) (*User, error) {
	query, args, err := psql.Insert("users").
		Columns("email", "display_name", "password_hash", "password_hash_version").
		Values(email, displayName, passwordHash, hashVersion).
		Suffix("RETURNING " + userColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("create user: build query: %w", err)
	}
	var u User
	if err := u.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// GetUserByID returns the user with the given ID, or (nil, nil) if not found.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

// GetUserByEmail returns the user with the given email, or (nil, nil) if not found.
// SECURITY: call only from auth flows, never from org-facing endpoints.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, sq.Eq{"email": email})
}

func (s *Store) getUser(ctx context.Context, pred any) (*User, error) {
	query, args, err := psql.Select(userColumns).From("users").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get user: build query: %w", err)
	}
	var u User
	if err := u.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UpdateLastLogin sets last_login_at to now for the given user.
func (s *Store) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = now(), updated_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// IncrementTokenVersion increments token_version and returns the new value.
// Used by logout-all to immediately invalidate all outstanding refresh tokens.
func (s *Store) IncrementTokenVersion(ctx context.Context, id uuid.UUID) (int32, error) {
	var v int32
	if err := s.db.QueryRowContext(ctx,
		`UPDATE users SET token_version = token_version + 1, updated_at = now()
		 WHERE id = $1 RETURNING token_version`, id,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("increment token version: %w", err)
	}
	return v, nil
}

// UpdatePasswordHash replaces the password hash and bumps token_version to
// invalidate all active sessions (forces re-login after password change).
func (s *Store) UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string, hashVersion int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, password_hash_version = $3,
		        token_version = token_version + 1, updated_at = now()
		 WHERE id = $1`,
		id, passwordHash, hashVersion,
	); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// SetPlatformRoles replaces the user's platform role set. Granting or
// removing the oversight role goes through here.
func (s *Store) SetPlatformRoles(ctx context.Context, id uuid.UUID, roles []string) (*User, error) {
	if roles == nil {
		roles = []string{}
	}
	query, args, err := psql.Update("users").
		Set("platform_roles", pq.StringArray(roles)).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + userColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("set platform roles: build query: %w", err)
	}
	var u User
	if err := u.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("set platform roles: %w", err)
	}
	return &u, nil
}

// SetSuperuser grants or removes the platform superuser flag. Only the seed
// command and existing superusers reach this.
func (s *Store) SetSuperuser(ctx context.Context, id uuid.UUID, superuser bool) error {
	query, args, err := psql.Update("users").
		Set("is_superuser", superuser).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("set superuser: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set superuser: %w", err)
	}
	return nil
}

// UpsertUserIdentity creates or updates a user_identities row for the given provider.
func (s *Store) UpsertUserIdentity(ctx context.Context, userID uuid.UUID, provider, providerUserID, email string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_identities (provider, provider_user_id, user_id, email)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, provider_user_id) DO UPDATE
		   SET email = EXCLUDED.email, updated_at = now()`,
		provider, providerUserID, userID, email,
	); err != nil {
		return fmt.Errorf("upsert user identity: %w", err)
	}
	return nil
}

// GetUserByProviderID returns the user linked to the given SSO identity,
// or (nil, nil) if no such identity exists. Matching is on the provider's
// stable subject, never on email.
func (s *Store) GetUserByProviderID(ctx context.Context, provider, providerUserID string) (*User, error) {
	query, args, err := psql.Select(
		"u.id, u.email, u.display_name, u.password_hash, u.password_hash_version",
		"u.platform_roles, u.is_superuser, u.token_version, u.last_login_at, u.created_at, u.updated_at").
		From("user_identities ui").
		Join("users u ON u.id = ui.user_id").
		Where(sq.Eq{"ui.provider": provider, "ui.provider_user_id": providerUserID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get user by provider id: build query: %w", err)
	}
	var u User
	if err := u.scanFrom(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by provider id: %w", err)
	}
	return &u, nil
}

// ── Refresh tokens ────────────────────────────────────────────────────────────

// RefreshToken is one link in a user's refresh rotation chain.
type RefreshToken struct {
	Jti           uuid.UUID
	UserID        uuid.UUID
	TokenVersion  int32
	ExpiresAt     time.Time
	UsedAt        sql.NullTime
	ReplacedByJti uuid.NullUUID
	CreatedAt     time.Time
}

// CreateRefreshToken inserts a new refresh token row.
func (s *Store) CreateRefreshToken(ctx context.Context, jti, userID uuid.UUID, tokenVersion int, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (jti, user_id, token_version, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		jti, userID, tokenVersion, expiresAt,
	); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the refresh token for the given JTI, or (nil, nil) if not found.
func (s *Store) GetRefreshToken(ctx context.Context, jti uuid.UUID) (*RefreshToken, error) {
	var t RefreshToken
	if err := s.db.QueryRowContext(ctx,
		`SELECT jti, user_id, token_version, expires_at, used_at, replaced_by_jti, created_at
		 FROM refresh_tokens WHERE jti = $1`, jti,
	).Scan(&t.Jti, &t.UserID, &t.TokenVersion, &t.ExpiresAt, &t.UsedAt, &t.ReplacedByJti, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &t, nil
}

// MarkRefreshTokenUsed sets used_at and records the JTI of the replacement token.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, jti, replacedByJTI uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET used_at = now(), replaced_by_jti = $2 WHERE jti = $1`,
		jti, uuid.NullUUID{UUID: replacedByJTI, Valid: true},
	); err != nil {
		return fmt.Errorf("mark refresh token used: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes tokens expired more than 60 seconds ago.
// Returns the number of rows deleted.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < now() - interval '60 seconds'`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: rows affected: %w", err)
	}
	return n, nil
}
