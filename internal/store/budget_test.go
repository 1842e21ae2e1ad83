// ABOUTME: Integration tests for the budget proposal lifecycle in store/budget.go.
// ABOUTME: Covers submit, duplicate detection, decisions, and cross-tenant access.
package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/testutil"
)

func TestBudgetSubmitLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, _ := twoOrgs(t, s)
	rec := s.Records(store.OrgScope(moh.ID))

	b, err := rec.CreateBudget(ctx, store.CreateBudgetParams{
		Title:      "Rural health stations",
		FiscalYear: 2026,
		Amount:     "2500000.00",
		LineItems: []store.LineItem{
			{Category: "infrastructure", Description: "Station construction", Amount: "2000000.00"},
			{Category: "equipment", Description: "Cold chain units", Amount: "500000.00"},
		},
	})
	if err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	if b.Status != store.BudgetDraft {
		t.Errorf("new proposal status = %q, want draft", b.Status)
	}
	if b.SubmissionHash.Valid {
		t.Error("draft should have no submission hash")
	}

	sub, err := rec.SubmitBudget(ctx, b.ID)
	if err != nil {
		t.Fatalf("SubmitBudget: %v", err)
	}
	if sub.Status != store.BudgetSubmitted {
		t.Errorf("status after submit = %q, want submitted", sub.Status)
	}
	if !sub.SubmissionHash.Valid || sub.SubmissionHash.String == "" {
		t.Error("submission hash not stamped")
	}
	if !sub.SubmittedAt.Valid {
		t.Error("submitted_at not stamped")
	}

	// Submitting again is a no-op: the proposal is no longer a draft.
	again, err := rec.SubmitBudget(ctx, b.ID)
	if err != nil {
		t.Fatalf("SubmitBudget(again): %v", err)
	}
	if again != nil {
		t.Error("second submit should return nil")
	}
}

func TestDuplicateSubmissionRejectedWithinOrg(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, mafar := twoOrgs(t, s)

	items := []store.LineItem{{Category: "supplies", Description: "Medical kits", Amount: "300000.00"}}
	mk := func(rec *store.Records) *store.BudgetProposal {
		b, err := rec.CreateBudget(ctx, store.CreateBudgetParams{
			Title: "Medical kit procurement", FiscalYear: 2026, Amount: "300000.00", LineItems: items,
		})
		if err != nil {
			t.Fatalf("CreateBudget: %v", err)
		}
		return b
	}

	mohRec := s.Records(store.OrgScope(moh.ID))
	first := mk(mohRec)
	second := mk(mohRec)

	if _, err := mohRec.SubmitBudget(ctx, first.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := mohRec.SubmitBudget(ctx, second.ID)
	if !errors.Is(err, store.ErrDuplicateSubmission) {
		t.Errorf("second submit err = %v, want ErrDuplicateSubmission", err)
	}

	// The same content submitted by another org is not a duplicate; the
	// fingerprint guard is per organization.
	mafarRec := s.Records(store.OrgScope(mafar.ID))
	theirs := mk(mafarRec)
	if _, err := mafarRec.SubmitBudget(ctx, theirs.ID); err != nil {
		t.Errorf("cross-org identical submit should succeed, got %v", err)
	}
}

func TestDecideBudget(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, _ := twoOrgs(t, s)
	rec := s.Records(store.OrgScope(moh.ID))

	approver, _ := s.CreateUser(ctx, "approver@bangsamoro.gov.ph", "Approver", "", 0)

	b, _ := rec.CreateBudget(ctx, store.CreateBudgetParams{Title: "Vaccination drive", FiscalYear: 2026, Amount: "900000.00"})

	// Deciding a draft is a no-op; only submitted proposals can be decided.
	early, err := rec.DecideBudget(ctx, b.ID, true, approver.ID)
	if err != nil {
		t.Fatalf("DecideBudget(draft): %v", err)
	}
	if early != nil {
		t.Error("deciding a draft should return nil")
	}

	if _, err := rec.SubmitBudget(ctx, b.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	decided, err := rec.DecideBudget(ctx, b.ID, true, approver.ID)
	if err != nil {
		t.Fatalf("DecideBudget: %v", err)
	}
	if decided.Status != store.BudgetApproved {
		t.Errorf("status = %q, want approved", decided.Status)
	}
	if !decided.DecidedBy.Valid || decided.DecidedBy.UUID != approver.ID {
		t.Errorf("decided_by = %v, want %v", decided.DecidedBy, approver.ID)
	}
	if !decided.DecidedAt.Valid {
		t.Error("decided_at not stamped")
	}
}

func TestBudgetCrossTenantFetchIsNotFound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, mafar := twoOrgs(t, s)

	b, err := s.Records(store.OrgScope(moh.ID)).CreateBudget(ctx, store.CreateBudgetParams{
		Title: "Water systems", FiscalYear: 2027, Amount: "4000000.00",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Records(store.OrgScope(mafar.ID)).GetBudget(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if got != nil {
		t.Error("cross-tenant budget fetch returned a record, want nil")
	}

	// The record owner still sees it, and the privileged path does too.
	own, _ := s.Records(store.OrgScope(moh.ID)).GetBudget(ctx, b.ID)
	if own == nil {
		t.Fatal("owner fetch returned nil")
	}
	priv, _ := s.Records(store.AllOrgs()).GetBudget(ctx, b.ID)
	if priv == nil {
		t.Error("AllOrgs fetch returned nil")
	}
}

func TestUpdateBudgetOnlyWhileDraft(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, _ := twoOrgs(t, s)
	rec := s.Records(store.OrgScope(moh.ID))

	b, _ := rec.CreateBudget(ctx, store.CreateBudgetParams{Title: "Draft title", FiscalYear: 2026, Amount: "100000.00"})

	title := "Better title"
	updated, err := rec.UpdateBudget(ctx, b.ID, store.UpdateBudgetParams{Title: &title})
	if err != nil {
		t.Fatalf("UpdateBudget: %v", err)
	}
	if updated.Title != "Better title" {
		t.Errorf("title = %q, want Better title", updated.Title)
	}

	if _, err := rec.SubmitBudget(ctx, b.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	title2 := "Too late"
	late, err := rec.UpdateBudget(ctx, b.ID, store.UpdateBudgetParams{Title: &title2})
	if err != nil {
		t.Fatalf("UpdateBudget(submitted): %v", err)
	}
	if late != nil {
		t.Error("updating a submitted proposal should return nil")
	}

	n, _ := rec.DeleteBudget(ctx, b.ID)
	if n != 0 {
		t.Error("deleting a submitted proposal should remove nothing")
	}
}

func TestBudgetListFilters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	moh, _ := twoOrgs(t, s)
	rec := s.Records(store.OrgScope(moh.ID))

	b1, _ := rec.CreateBudget(ctx, store.CreateBudgetParams{Title: "FY26 ops", FiscalYear: 2026, Amount: "100.00"})
	_, _ = rec.CreateBudget(ctx, store.CreateBudgetParams{Title: "FY27 ops", FiscalYear: 2027, Amount: "200.00"})
	if _, err := rec.SubmitBudget(ctx, b1.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	status := store.BudgetSubmitted
	submitted, err := rec.ListBudgets(ctx, &status, nil, nil, nil, 10)
	if err != nil {
		t.Fatalf("ListBudgets(status): %v", err)
	}
	if len(submitted) != 1 || submitted[0].ID != b1.ID {
		t.Errorf("submitted filter returned %d rows, want the submitted one", len(submitted))
	}

	fy := int32(2027)
	fy27, err := rec.ListBudgets(ctx, nil, &fy, nil, nil, 10)
	if err != nil {
		t.Fatalf("ListBudgets(fy): %v", err)
	}
	if len(fy27) != 1 || fy27[0].FiscalYear != 2027 {
		t.Errorf("fiscal year filter returned %d rows, want the 2027 one", len(fy27))
	}
}
