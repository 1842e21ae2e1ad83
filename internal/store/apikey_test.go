// ABOUTME: Integration tests for API key storage: lookup filtering and org-scoped revocation.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/testutil"
)

func keyFixtures(t *testing.T, s *store.Store) (*store.Organization, *store.User) {
	t.Helper()
	ctx := context.Background()
	org, err := s.CreateOrg(ctx, store.CreateOrgParams{
		Code: "MBHTE", Name: "Ministry of Basic, Higher and Technical Education", OrgType: store.OrgTypeMinistry,
	})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	user, err := s.CreateUser(ctx, "keys@mbhte.gov", "Key Admin", "", 0)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return org, user
}

func TestLookupAPIKey_ValidKey(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	hash := "validhash_" + uuid.New().String()
	key, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash, "Partner Sync", "manager", sql.NullTime{})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := s.LookupAPIKey(ctx, hash)
	if err != nil {
		t.Fatalf("LookupAPIKey: %v", err)
	}
	if got == nil {
		t.Fatal("LookupAPIKey returned nil for valid key")
	}
	if got.ID != key.ID {
		t.Errorf("key ID mismatch: got %v, want %v", got.ID, key.ID)
	}
	if got.OrgID != org.ID {
		t.Errorf("key OrgID = %v, want %v", got.OrgID, org.ID)
	}
}

func TestLookupAPIKey_RevokedKey(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	hash := "revokedhash_" + uuid.New().String()
	key, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash, "Revoked Key", "staff", sql.NullTime{})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	if err := s.Records(store.OrgScope(org.ID)).RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	got, err := s.LookupAPIKey(ctx, hash)
	if err != nil {
		t.Fatalf("LookupAPIKey(revoked): %v", err)
	}
	if got != nil {
		t.Error("LookupAPIKey should return nil for revoked key")
	}
}

func TestLookupAPIKey_ExpiredKey(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	hash := "expiredhash_" + uuid.New().String()
	pastExpiry := sql.NullTime{Time: time.Now().Add(-1 * time.Hour), Valid: true}
	if _, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash, "Expired Key", "staff", pastExpiry); err != nil {
		t.Fatalf("CreateAPIKey(expired): %v", err)
	}

	got, err := s.LookupAPIKey(ctx, hash)
	if err != nil {
		t.Fatalf("LookupAPIKey(expired): %v", err)
	}
	if got != nil {
		t.Error("LookupAPIKey should return nil for expired key")
	}
}

func TestLookupAPIKey_NeverExpiresKey(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	hash := "neverexpires_" + uuid.New().String()
	// expires_at = NULL means never expires.
	key, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash, "Never Expires", "admin", sql.NullTime{})
	if err != nil {
		t.Fatalf("CreateAPIKey(never expires): %v", err)
	}

	got, err := s.LookupAPIKey(ctx, hash)
	if err != nil {
		t.Fatalf("LookupAPIKey(never expires): %v", err)
	}
	if got == nil {
		t.Fatal("LookupAPIKey should return key with NULL expires_at")
	}
	if got.ID != key.ID {
		t.Errorf("key ID mismatch: got %v, want %v", got.ID, key.ID)
	}
	if got.ExpiresAt.Valid {
		t.Error("ExpiresAt should be null for never-expires key")
	}
}

func TestListAPIKeys_ScopedAndHashStripped(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	other, err := s.CreateOrg(ctx, store.CreateOrgParams{
		Code: "MOTC", Name: "Ministry of Transportation and Communications", OrgType: store.OrgTypeMinistry,
	})
	if err != nil {
		t.Fatalf("create second org: %v", err)
	}

	hash1 := "listhash1_" + uuid.New().String()
	hash2 := "listhash2_" + uuid.New().String()
	hashOther := "listhash3_" + uuid.New().String()
	if _, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash1, "Key One", "staff", sql.NullTime{}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if _, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash2, "Key Two", "admin", sql.NullTime{}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if _, err := s.CreateAPIKey(ctx, other.ID, user.ID, hashOther, "Foreign Key", "staff", sql.NullTime{}); err != nil {
		t.Fatalf("CreateAPIKey (other org): %v", err)
	}

	keys, err := s.Records(store.OrgScope(org.ID)).ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListAPIKeys returned %d keys, want 2", len(keys))
	}
	// Ordered by created_at DESC — Key Two was inserted last.
	if keys[0].Name != "Key Two" {
		t.Errorf("expected Key Two first (newest), got %q", keys[0].Name)
	}
	for _, k := range keys {
		if k.KeyHash != "" {
			t.Errorf("key %q: hash must not leave the store layer", k.Name)
		}
	}
}

func TestRevokeAPIKey_WrongOrgIsNoop(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	org, user := keyFixtures(t, s)

	other, err := s.CreateOrg(ctx, store.CreateOrgParams{
		Code: "BPDA", Name: "Bangsamoro Planning and Development Authority", OrgType: store.OrgTypeAgency,
	})
	if err != nil {
		t.Fatalf("create second org: %v", err)
	}

	hash := "wrongorg_" + uuid.New().String()
	key, err := s.CreateAPIKey(ctx, org.ID, user.ID, hash, "Cross Org Key", "staff", sql.NullTime{})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	// Revoking through another org's scope silently does nothing: the key is
	// outside the scope, indistinguishable from one that never existed.
	if err := s.Records(store.OrgScope(other.ID)).RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey(wrong org): %v", err)
	}

	got, err := s.LookupAPIKey(ctx, hash)
	if err != nil {
		t.Fatalf("LookupAPIKey after wrong-org revoke: %v", err)
	}
	if got == nil {
		t.Error("key should still be active after wrong-org revoke attempt")
	}
}
