// ABOUTME: Integration tests for the oversight surface: cross-org listings,
// ABOUTME: record counts, budget aggregates and the read-only guarantee.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/testutil"
)

// oversightToken registers a user, grants the oversight platform role and
// returns an access token. The user is deliberately a member of no org.
func oversightToken(t *testing.T, ctx context.Context, db *store.Store, ts *httptest.Server, email string) string {
	t.Helper()
	u := doRegister(t, ctx, ts, email, "password123")
	if _, err := db.SetPlatformRoles(ctx, uuid.MustParse(u.UserID), []string{"oversight"}); err != nil {
		t.Fatalf("set platform roles: %v", err)
	}
	return loginToken(t, ctx, ts, email, "password123")
}

func TestOversightListOrgs(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	_, ts := newTestServer(t, db, "open")

	moh, _ := seedOrgMember(t, ctx, db, ts, "MOH", "Ministry of Health", "moh@example.com", "manager")
	mbhte, err := db.CreateOrg(ctx, store.CreateOrgParams{Code: "MBHTE", Name: "Ministry of Education", OrgType: store.OrgTypeMinistry})
	if err != nil {
		t.Fatalf("create mbhte: %v", err)
	}
	dormant, err := db.CreateOrg(ctx, store.CreateOrgParams{Code: "DORM", Name: "Dormant Office", OrgType: store.OrgTypeOffice})
	if err != nil {
		t.Fatalf("create dormant: %v", err)
	}
	if _, err := db.SetOrgStatus(ctx, dormant.ID, store.OrgStatusInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	mohRec := db.Records(store.OrgScope(moh.ID))
	for _, name := range []string{"Barangay East", "Barangay West"} {
		if _, err := mohRec.CreateCommunity(ctx, store.CreateCommunityParams{ //nolint:exhaustruct // test: only relevant fields set
			Name:         name,
			Municipality: "Marawi City",
			Province:     "Lanao del Sur",
		}); err != nil {
			t.Fatalf("seed community: %v", err)
		}
	}
	if _, err := mohRec.CreateAssessment(ctx, store.CreateAssessmentParams{Title: "Baseline"}); err != nil { //nolint:exhaustruct // test: only relevant fields set
		t.Fatalf("seed assessment: %v", err)
	}
	if _, err := db.Records(store.OrgScope(mbhte.ID)).CreateBudget(ctx, store.CreateBudgetParams{ //nolint:exhaustruct // test: only relevant fields set
		Title:      "School repairs",
		FiscalYear: 2026,
		Amount:     "100000.00",
	}); err != nil {
		t.Fatalf("seed budget: %v", err)
	}

	token := oversightToken(t, ctx, db, ts, "oversight@example.com")
	resp := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/orgs", "")
	defer resp.Body.Close() //nolint:errcheck,gosec // G104
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list orgs: got %d, want 200", resp.StatusCode)
	}

	var out struct {
		Orgs []struct {
			Code        string `json:"code"`
			Status      string `json:"status"`
			Communities int64  `json:"communities"`
			Assessments int64  `json:"assessments"`
			Budgets     int64  `json:"budgets"`
		} `json:"orgs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Orgs) != 3 {
		t.Fatalf("orgs = %d, want 3 (inactive included)", len(out.Orgs))
	}
	byCode := map[string]int{}
	for i, o := range out.Orgs {
		byCode[o.Code] = i
	}
	mohRow := out.Orgs[byCode["MOH"]]
	if mohRow.Communities != 2 || mohRow.Assessments != 1 || mohRow.Budgets != 0 {
		t.Errorf("MOH counts = %d/%d/%d, want 2/1/0", mohRow.Communities, mohRow.Assessments, mohRow.Budgets)
	}
	mbhteRow := out.Orgs[byCode["MBHTE"]]
	if mbhteRow.Budgets != 1 {
		t.Errorf("MBHTE budgets = %d, want 1", mbhteRow.Budgets)
	}
	if out.Orgs[byCode["DORM"]].Status != "inactive" {
		t.Errorf("DORM status = %q, want inactive", out.Orgs[byCode["DORM"]].Status)
	}
}

func TestOversightGetOrg(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	_, ts := newTestServer(t, db, "open")

	seedOrgMember(t, ctx, db, ts, "MOH", "Ministry of Health", "moh@example.com", "manager")
	token := oversightToken(t, ctx, db, ts, "oversight@example.com")

	// Codes are normalized, so the lowercase path works too.
	resp := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/orgs/moh", "")
	defer resp.Body.Close() //nolint:errcheck,gosec // G104
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get org: got %d, want 200", resp.StatusCode)
	}
	var entry struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Code != "MOH" || entry.Name != "Ministry of Health" {
		t.Errorf("entry = %+v", entry)
	}

	missing := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/orgs/ZZZZZ", "")
	missing.Body.Close() //nolint:errcheck,gosec // G104
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown org: got %d, want 404", missing.StatusCode)
	}
}

func TestOversightBudgetTotals(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	_, ts := newTestServer(t, db, "open")

	org, managerID := seedOrgMember(t, ctx, db, ts, "MOH", "Ministry of Health", "manager@example.com", "manager")
	records := db.Records(store.OrgScope(org.ID))
	b, err := records.CreateBudget(ctx, store.CreateBudgetParams{ //nolint:exhaustruct // test: only relevant fields set
		Title:      "Clinics",
		FiscalYear: 2026,
		Amount:     "750000.00",
	})
	if err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	if _, err := records.SubmitBudget(ctx, b.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := records.DecideBudget(ctx, b.ID, true, managerID); err != nil {
		t.Fatalf("decide: %v", err)
	}

	token := oversightToken(t, ctx, db, ts, "oversight@example.com")
	resp := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/orgs/MOH/budget-totals", "")
	defer resp.Body.Close() //nolint:errcheck,gosec // G104
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("budget totals: got %d, want 200", resp.StatusCode)
	}
	var out struct {
		OrgCode string `json:"org_code"`
		Totals  []struct {
			FiscalYear int32  `json:"fiscal_year"`
			Status     string `json:"status"`
			Total      string `json:"total"`
		} `json:"totals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OrgCode != "MOH" {
		t.Errorf("org_code = %q, want MOH", out.OrgCode)
	}
	if len(out.Totals) != 1 {
		t.Fatalf("totals rows = %d, want 1", len(out.Totals))
	}
	if out.Totals[0].Status != "approved" || out.Totals[0].Total != "750000.00" {
		t.Errorf("row = %+v, want approved/750000.00", out.Totals[0])
	}
}

func TestOversightListBudgets(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	_, ts := newTestServer(t, db, "open")

	moh, managerID := seedOrgMember(t, ctx, db, ts, "MOH", "Ministry of Health", "manager@example.com", "manager")
	mbhte, err := db.CreateOrg(ctx, store.CreateOrgParams{Code: "MBHTE", Name: "Ministry of Education", OrgType: store.OrgTypeMinistry})
	if err != nil {
		t.Fatalf("create mbhte: %v", err)
	}

	mohRec := db.Records(store.OrgScope(moh.ID))
	mbhteRec := db.Records(store.OrgScope(mbhte.ID))
	mkBudget := func(rec *store.Records, title string, fy int32, state string) {
		t.Helper()
		b, err := rec.CreateBudget(ctx, store.CreateBudgetParams{ //nolint:exhaustruct // test: only relevant fields set
			Title:      title,
			FiscalYear: fy,
			Amount:     "10000.00",
		})
		if err != nil {
			t.Fatalf("seed %s: %v", title, err)
		}
		if state == "draft" {
			return
		}
		if _, err := rec.SubmitBudget(ctx, b.ID); err != nil {
			t.Fatalf("submit %s: %v", title, err)
		}
		if state == "approved" {
			if _, err := rec.DecideBudget(ctx, b.ID, true, managerID); err != nil {
				t.Fatalf("decide %s: %v", title, err)
			}
		}
	}
	mkBudget(mohRec, "MOH submitted", 2026, "submitted")
	mkBudget(mohRec, "MOH draft", 2026, "draft")
	mkBudget(mbhteRec, "MBHTE submitted", 2025, "submitted")
	mkBudget(mbhteRec, "MBHTE approved", 2025, "approved")

	token := oversightToken(t, ctx, db, ts, "oversight@example.com")

	type item struct {
		OrgCode string `json:"org_code"`
		Title   string `json:"title"`
		Status  string `json:"status"`
	}
	fetch := func(query string) []item {
		t.Helper()
		resp := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/budgets"+query, "")
		defer resp.Body.Close() //nolint:errcheck,gosec // G104
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list budgets%s: got %d, want 200", query, resp.StatusCode)
		}
		var out struct {
			Items []item `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out.Items
	}

	// Default view: submitted proposals across every org, never drafts.
	items := fetch("")
	if len(items) != 2 {
		t.Fatalf("default list = %d items, want 2", len(items))
	}
	codes := map[string]bool{}
	for _, it := range items {
		if it.Status != "submitted" {
			t.Errorf("item %q status = %q, want submitted", it.Title, it.Status)
		}
		codes[it.OrgCode] = true
	}
	if !codes["MOH"] || !codes["MBHTE"] {
		t.Errorf("org codes = %v, want MOH and MBHTE", codes)
	}

	approved := fetch("?status=approved")
	if len(approved) != 1 || approved[0].OrgCode != "MBHTE" {
		t.Errorf("approved list = %+v, want one MBHTE row", approved)
	}

	fy := fetch("?fiscal_year=2025")
	if len(fy) != 1 || fy[0].Title != "MBHTE submitted" {
		t.Errorf("fiscal_year list = %+v", fy)
	}

	bad := doJSON(t, ctx, ts, token, http.MethodGet, "/api/v1/oversight/budgets?status=archived", "")
	bad.Body.Close() //nolint:errcheck,gosec // G104
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status: got %d, want 400", bad.StatusCode)
	}
}

func TestOversightAccess(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	_, ts := newTestServer(t, db, "open")

	seedOrgMember(t, ctx, db, ts, "MOH", "Ministry of Health", "member@example.com", "admin")
	memberToken := loginToken(t, ctx, ts, "member@example.com", "password123")

	// Org rank means nothing here; oversight is a platform role.
	denied := doJSON(t, ctx, ts, memberToken, http.MethodGet, "/api/v1/oversight/orgs", "")
	b, _ := io.ReadAll(denied.Body)
	denied.Body.Close() //nolint:errcheck,gosec // G104
	if denied.StatusCode != http.StatusForbidden {
		t.Errorf("org admin on oversight: got %d, want 403", denied.StatusCode)
	}
	if string(b) != "forbidden\n" {
		t.Errorf("forbidden body = %q", b)
	}

	anon, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/oversight/orgs", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(anon) //nolint:gosec // G704 false positive: ts.URL is httptest.Server
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close() //nolint:errcheck,gosec // G104
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous oversight: got %d, want 401", resp.StatusCode)
	}

	// The oversight role reads; it never writes.
	token := oversightToken(t, ctx, db, ts, "oversight@example.com")
	write := doJSON(t, ctx, ts, token, http.MethodPost, "/api/v1/oversight/orgs", `{}`)
	wb, _ := io.ReadAll(write.Body)
	write.Body.Close() //nolint:errcheck,gosec // G104
	if write.StatusCode != http.StatusForbidden {
		t.Errorf("oversight write: got %d, want 403", write.StatusCode)
	}
	if string(wb) != "oversight access is read-only\n" {
		t.Errorf("write body = %q", wb)
	}

	// A superuser passes without the platform role.
	super := doRegister(t, ctx, ts, "root@example.com", "password123")
	makeSuperuser(t, ctx, db, uuid.MustParse(super.UserID))
	superToken := loginToken(t, ctx, ts, "root@example.com", "password123")
	ok := doJSON(t, ctx, ts, superToken, http.MethodGet, "/api/v1/oversight/orgs", "")
	ok.Body.Close() //nolint:errcheck,gosec // G104
	if ok.StatusCode != http.StatusOK {
		t.Errorf("superuser oversight: got %d, want 200", ok.StatusCode)
	}
}
