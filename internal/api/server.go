// ABOUTME: HTTP server struct, constructor, and handler wiring for OBCMS.
// ABOUTME: Holds shared dependencies (store, config, argon2 semaphore, SSO, mailer).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/saimambayao/obcms-sub002/internal/config"
	"github.com/saimambayao/obcms-sub002/internal/store"
)

// InvitationMailer sends membership invitation emails. Satisfied by
// *notify.Mailer. A nil mailer disables sending; invitations still work
// through the returned accept link.
type InvitationMailer interface {
	SendInvitation(ctx context.Context, to, orgName, inviteURL string) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	argon2Sem   chan struct{}
	rateLimiter *ipRateLimiter
	mailer      InvitationMailer // nil when SMTP is not configured
	ssoOIDC     *oidc.Provider   // nil when SSO is not configured
	ssoOAuth    *oauth2.Config
}

// NewServer creates a Server. SSO is not initialized here (provider discovery
// is a network call); call ConfigureSSO from the serve command when enabled.
func NewServer(s *store.Store, cfg *config.Config) (*Server, error) {
	sem := make(chan struct{}, cfg.Argon2MaxConcurrent)
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 10 requests per minute, burst of 10.
	rl := newIPRateLimiter(rate.Limit(10.0/60), 10, evictTTL)
	srv := &Server{
		store:       s,
		cfg:         cfg,
		argon2Sem:   sem,
		rateLimiter: rl,
	}
	return srv, nil
}

// SetMailer wires the invitation mailer.
func (srv *Server) SetMailer(m InvitationMailer) { srv.mailer = m }

// Close releases background resources (the rate limiter's eviction loop).
func (srv *Server) Close() { srv.rateLimiter.Stop() }

// ConfigureSSO runs OIDC discovery against the configured issuer and prepares
// the oauth2 client used by the /auth/sso routes.
func (srv *Server) ConfigureSSO(ctx context.Context) error {
	if !srv.cfg.SSOEnabled() {
		return nil
	}
	provider, err := oidc.NewProvider(ctx, srv.cfg.SSOIssuerURL)
	if err != nil {
		return fmt.Errorf("sso discovery: %w", err)
	}
	srv.ssoOIDC = provider
	srv.ssoOAuth = &oauth2.Config{
		ClientID:     srv.cfg.SSOClientID,
		ClientSecret: srv.cfg.SSOClientSecret,
		RedirectURL:  srv.cfg.ExternalURL + "/api/v1/auth/sso/callback",
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
	return nil
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — protect against OOM from large request bodies.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	// Per-IP throttle on the credential endpoints only. Everything behind
	// authentication is excluded; the argon2 semaphore bounds hash work.
	apiRouter.Use(srv.rateLimitPaths(
		"/api/v1/auth/register",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
	))
	humaConfig := huma.DefaultConfig("OBCMS API", "0.1.0")
	humaConfig.Info.Description = "Organization-scoped case management API for Bangsamoro ministries and offices"
	api := humachi.New(apiRouter, humaConfig)
	registerAuthRoutes(api, srv)

	// ── SSO routes (chi, not huma — these are redirects, not JSON API calls) ─
	apiRouter.Get("/auth/sso", srv.ssoInitHandler)
	apiRouter.Get("/auth/sso/callback", srv.ssoCallbackHandler)

	// ── Org selection (the redirect target when no organization resolves) ────
	apiRouter.Route("/auth/orgs", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Get("/", srv.listMyOrgsHandler)
		r.Post("/{code}/select", srv.selectOrgHandler)
		r.Post("/{code}/primary", srv.setPrimaryOrgHandler)
	})

	// ── Workspace summary (acting org optional) ──────────────────────────────
	apiRouter.With(srv.RequireAuthenticated(), srv.OrgContextOptional()).
		Get("/me/workspace", srv.workspaceHandler)

	// ── Platform org administration (superuser; checked in handlers) ─────────
	apiRouter.Route("/orgs", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Post("/", srv.createOrgHandler)
		r.Patch("/{org_code}/status", srv.setOrgStatusHandler)
	})

	// ── Org-scoped routes: everything below acts inside one organization ─────
	apiRouter.Route("/org/{org_code}", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Use(srv.OrgContext())

		r.Get("/", srv.getOrgProfileHandler)
		r.With(srv.RequireRole(RoleAdmin)).Patch("/", srv.updateOrgHandler)

		// Member management
		r.Route("/members", func(r chi.Router) {
			r.Get("/", srv.listMembersHandler)
			r.With(srv.RequireRole(RoleAdmin)).Patch("/{user_id}", srv.updateMemberHandler)
			r.With(srv.RequireRole(RoleAdmin)).Delete("/{user_id}", srv.revokeMemberHandler)
		})

		// Invitation management
		r.Route("/invitations", func(r chi.Router) {
			r.Use(srv.RequireRole(RoleAdmin))
			r.Post("/", srv.createInvitationHandler)
			r.Get("/", srv.listInvitationsHandler)
			r.Delete("/{id}", srv.cancelInvitationHandler)
		})

		// API key management
		r.Route("/api-keys", func(r chi.Router) {
			r.Use(srv.RequireRole(RoleManager))
			r.Post("/", srv.createAPIKeyHandler)
			r.Get("/", srv.listAPIKeysHandler)
			r.Delete("/{id}", srv.revokeAPIKeyHandler)
		})

		// Community profiles
		r.Route("/communities", func(r chi.Router) {
			r.Use(srv.RequireModule(store.ModuleCommunities))
			r.Get("/", srv.listCommunitiesHandler)
			r.With(srv.RequireRole(RoleStaff)).Post("/", srv.createCommunityHandler)
			r.Get("/{id}", srv.getCommunityHandler)
			r.With(srv.RequireRole(RoleStaff)).Patch("/{id}", srv.updateCommunityHandler)
			r.With(srv.RequireRole(RoleManager)).Delete("/{id}", srv.deleteCommunityHandler)
		})

		// Needs assessments
		r.Route("/assessments", func(r chi.Router) {
			r.Use(srv.RequireModule(store.ModuleAssessments))
			r.Get("/", srv.listAssessmentsHandler)
			r.With(srv.RequireRole(RoleStaff)).Post("/", srv.createAssessmentHandler)
			r.With(srv.RequireRole(RoleManager)).Post("/publish", srv.publishAssessmentsHandler)
			r.Get("/{id}", srv.getAssessmentHandler)
			r.With(srv.RequireRole(RoleStaff)).Patch("/{id}", srv.updateAssessmentHandler)
			r.With(srv.RequireRole(RoleStaff)).Post("/{id}/submit", srv.submitAssessmentHandler)
			r.With(srv.RequireRole(RoleStaff)).Delete("/{id}", srv.deleteAssessmentHandler)
		})

		// Budget proposals
		r.Route("/budgets", func(r chi.Router) {
			r.Use(srv.RequireModule(store.ModuleBudgets))
			r.Get("/", srv.listBudgetsHandler)
			r.Get("/totals", srv.budgetTotalsHandler)
			r.With(srv.RequireRole(RoleStaff)).Post("/", srv.createBudgetHandler)
			r.Get("/{id}", srv.getBudgetHandler)
			r.With(srv.RequireRole(RoleStaff)).Patch("/{id}", srv.updateBudgetHandler)
			r.With(srv.RequireRole(RoleManager)).Post("/{id}/submit", srv.submitBudgetHandler)
			r.Post("/{id}/decide", srv.decideBudgetHandler)
			r.With(srv.RequireRole(RoleStaff)).Delete("/{id}", srv.deleteBudgetHandler)
		})
	})

	// ── Oversight: platform-wide read-only surface ───────────────────────────
	apiRouter.Route("/oversight", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(srv.RequireOversight())
		r.Get("/orgs", srv.oversightListOrgsHandler)
		r.Get("/orgs/{org_code}", srv.oversightGetOrgHandler)
		r.Get("/orgs/{org_code}/budget-totals", srv.oversightBudgetTotalsHandler)
		r.Get("/budgets", srv.oversightListBudgetsHandler)
	})

	r.Mount("/api/v1", apiRouter)

	return r
}

// acquireArgon2 tries to acquire the argon2 semaphore. Returns false if all
// slots are in use — the caller should return 503 immediately (do NOT block).
func (srv *Server) acquireArgon2() bool {
	select {
	case srv.argon2Sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (srv *Server) releaseArgon2() { <-srv.argon2Sem }

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
