package tenant_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/tenant"
)

func TestFromContextAbsent(t *testing.T) {
	t.Parallel()

	got, ok := tenant.FromContext(context.Background())
	if ok {
		t.Error("FromContext on a bare context reported ok=true")
	}
	if got.Active() {
		t.Errorf("zero-value Context should be inactive, got %+v", got)
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	t.Parallel()

	tc := tenant.Context{
		OrgID:      uuid.New(),
		OrgCode:    "MOH",
		UserID:     uuid.New(),
		Source:     tenant.SourcePath,
		ResolvedAt: time.Now(),
	}
	ctx := tenant.NewContext(context.Background(), tc)

	got, ok := tenant.FromContext(ctx)
	if !ok {
		t.Fatal("FromContext reported ok=false after NewContext")
	}
	if got.OrgID != tc.OrgID || got.OrgCode != tc.OrgCode || got.UserID != tc.UserID {
		t.Errorf("FromContext = %+v, want %+v", got, tc)
	}
}

func TestFromContextZeroValueTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	// A stored zero value (no org) must behave exactly like no value at all.
	ctx := tenant.NewContext(context.Background(), tenant.Context{})
	if _, ok := tenant.FromContext(ctx); ok {
		t.Error("FromContext reported ok=true for a zero-value Context")
	}
	if got := tenant.OrgID(ctx); got != uuid.Nil {
		t.Errorf("OrgID = %s, want uuid.Nil", got)
	}
}

func TestOrgID(t *testing.T) {
	t.Parallel()

	if got := tenant.OrgID(context.Background()); got != uuid.Nil {
		t.Errorf("OrgID on bare context = %s, want uuid.Nil", got)
	}

	id := uuid.New()
	ctx := tenant.NewContext(context.Background(), tenant.Context{OrgID: id, OrgCode: "MAFAR"})
	if got := tenant.OrgID(ctx); got != id {
		t.Errorf("OrgID = %s, want %s", got, id)
	}
}

func TestSiblingContextsDoNotShare(t *testing.T) {
	t.Parallel()

	parent := context.Background()
	a := tenant.NewContext(parent, tenant.Context{OrgID: uuid.New(), OrgCode: "MOH"})
	b := tenant.NewContext(parent, tenant.Context{OrgID: uuid.New(), OrgCode: "MAFAR"})

	gotA, _ := tenant.FromContext(a)
	gotB, _ := tenant.FromContext(b)
	if gotA.OrgCode != "MOH" || gotB.OrgCode != "MAFAR" {
		t.Errorf("sibling contexts leaked: a=%q b=%q", gotA.OrgCode, gotB.OrgCode)
	}
	if _, ok := tenant.FromContext(parent); ok {
		t.Error("parent context observed a child's organization")
	}
}

func TestNewContextShadowsOuter(t *testing.T) {
	t.Parallel()

	outer := tenant.NewContext(context.Background(), tenant.Context{OrgID: uuid.New(), OrgCode: "MOH"})
	inner := tenant.NewContext(outer, tenant.Context{OrgID: uuid.New(), OrgCode: "MAFAR"})

	got, ok := tenant.FromContext(inner)
	if !ok || got.OrgCode != "MAFAR" {
		t.Errorf("inner context = %+v, want MAFAR", got)
	}
	// The outer association is untouched.
	got, ok = tenant.FromContext(outer)
	if !ok || got.OrgCode != "MOH" {
		t.Errorf("outer context = %+v, want MOH", got)
	}
}
