// Command obcms is the OBCMS server binary.
//
// Subcommands:
//
//	serve    — HTTP server + embedded worker pool (default for production)
//	worker   — standalone worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
//	seed     — bootstrap an organization and its first administrator
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/saimambayao/obcms-sub002/internal/api"
	"github.com/saimambayao/obcms-sub002/internal/auth"
	"github.com/saimambayao/obcms-sub002/internal/config"
	"github.com/saimambayao/obcms-sub002/internal/notify"
	"github.com/saimambayao/obcms-sub002/internal/store"
	"github.com/saimambayao/obcms-sub002/internal/worker"
	"github.com/saimambayao/obcms-sub002/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "obcms",
		Short: "OBCMS — Bangsamoro case management platform",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		seedCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	apiSrv, err := api.NewServer(st, cfg)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer apiSrv.Close()

	if cfg.SSOEnabled() {
		if err := apiSrv.ConfigureSSO(ctx); err != nil {
			return fmt.Errorf("sso discovery: %w", err)
		}
		slog.Info("sso enabled", "issuer", cfg.SSOIssuerURL)
	}
	apiSrv.SetMailer(notify.NewMailer(smtpConfig(cfg), cfg.InvitationTTL))

	// Start embedded worker pool. Runs until ctx is cancelled, at which point
	// in-flight jobs complete and the goroutines exit. The goroutine is
	// intentionally fire-and-forget here; the pool drains on ctx cancellation
	// which happens before or alongside HTTP server shutdown.
	pool, err := newWorkerPool(ctx, st, cfg)
	if err != nil {
		return err
	}
	go pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context

	// Explicit timeouts required to prevent Slowloris attacks. WriteTimeout
	// intentionally omitted — applied per-handler via http.TimeoutHandler.
	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr, "multi_tenant", cfg.MultiTenant)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newWorkerPool(ctx, store.New(db), cfg)
	if err != nil {
		return err
	}

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// newWorkerPool builds the pool with every queue handler registered and the
// token cleanup schedule seeded.
func newWorkerPool(ctx context.Context, st *store.Store, cfg *config.Config) (*worker.Pool, error) {
	webhookClient, err := notify.BuildSafeClient()
	if err != nil {
		return nil, fmt.Errorf("webhook client: %w", err)
	}

	pool := worker.New(st, worker.Options{
		PollInterval:   cfg.WorkerPollInterval,
		StaleThreshold: cfg.WorkerStaleThreshold,
	})
	pool.Register(worker.QueueWebhook, worker.NewWebhookHandler(st, webhookClient))
	pool.Register(worker.QueueTokenCleanup, worker.NewTokenCleanupHandler(st))

	if err := worker.SeedTokenCleanup(ctx, st); err != nil {
		return nil, err
	}
	return pool, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── seed ──────────────────────────────────────────────────────────────────────

func seedCmd() *cobra.Command {
	var (
		orgCode       string
		orgName       string
		orgType       string
		adminEmail    string
		adminName     string
		adminPassword string
		superuser     bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Bootstrap an organization and its first administrator",
		Long: `Creates an organization and an admin-role member in it, outside the HTTP
tenancy path: the CLI has no request context, so the organization is named
explicitly. Re-running with the same flags is safe — existing rows are reused.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd.Context(), seedParams{
				OrgCode:       orgCode,
				OrgName:       orgName,
				OrgType:       orgType,
				AdminEmail:    adminEmail,
				AdminName:     adminName,
				AdminPassword: adminPassword,
				Superuser:     superuser,
			})
		},
	}

	cmd.Flags().StringVar(&orgCode, "org-code", "", "organization code, e.g. MOH (required)")
	cmd.Flags().StringVar(&orgName, "org-name", "", "organization display name (required)")
	cmd.Flags().StringVar(&orgType, "org-type", store.OrgTypeMinistry, "organization type: ministry, office or agency")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "administrator email (required)")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "administrator display name (defaults to email)")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "administrator password (required)")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "grant the administrator the platform superuser flag")
	_ = cmd.MarkFlagRequired("org-code")
	_ = cmd.MarkFlagRequired("org-name")
	_ = cmd.MarkFlagRequired("admin-email")
	_ = cmd.MarkFlagRequired("admin-password")

	return cmd
}

type seedParams struct {
	OrgCode       string
	OrgName       string
	OrgType       string
	AdminEmail    string
	AdminName     string
	AdminPassword string
	Superuser     bool
}

func runSeed(ctx context.Context, p seedParams) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	switch p.OrgType {
	case store.OrgTypeMinistry, store.OrgTypeOffice, store.OrgTypeAgency:
	default:
		return fmt.Errorf("invalid org type %q", p.OrgType)
	}
	if len(p.AdminPassword) < 12 {
		return errors.New("admin password must be at least 12 characters")
	}

	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	code := strings.ToUpper(strings.TrimSpace(p.OrgCode))

	org, err := st.GetOrgByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("look up org: %w", err)
	}
	if org == nil {
		org, err = st.CreateOrg(ctx, store.CreateOrgParams{
			Code:    code,
			Name:    p.OrgName,
			OrgType: p.OrgType,
		})
		if err != nil {
			return fmt.Errorf("create org: %w", err)
		}
		slog.Info("organization created", "code", org.Code, "id", org.ID)
	} else {
		slog.Info("organization exists, reusing", "code", org.Code)
	}

	email := strings.ToLower(strings.TrimSpace(p.AdminEmail))
	user, err := st.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("look up user: %w", err)
	}
	if user == nil {
		hash, err := auth.HashPassword(p.AdminPassword)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		displayName := p.AdminName
		if displayName == "" {
			displayName = email
		}
		user, err = st.CreateUser(ctx, email, displayName, hash, 1)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		slog.Info("administrator created", "email", email, "id", user.ID)
	} else {
		slog.Info("user exists, reusing", "email", email)
	}

	member, err := st.GetMembership(ctx, org.ID, user.ID)
	if err != nil {
		return fmt.Errorf("look up membership: %w", err)
	}
	if member == nil {
		if _, err := st.CreateMembership(ctx, org.ID, user.ID, "admin"); err != nil {
			return fmt.Errorf("create membership: %w", err)
		}
		slog.Info("admin membership created", "org_code", org.Code, "email", email)
	}

	if p.Superuser && !user.IsSuperuser {
		if err := st.SetSuperuser(ctx, user.ID, true); err != nil {
			return fmt.Errorf("grant superuser: %w", err)
		}
		slog.Info("superuser granted", "email", email)
	}

	slog.Info("seed complete", "org_code", org.Code, "admin", email)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func smtpConfig(cfg *config.Config) notify.SmtpConfig {
	return notify.SmtpConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}
}

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// statement timeout, and pool sizing applied.
//
// Retries up to 10 times with linear backoff to handle Docker Compose startup
// race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	// Pool sizing — DB_MAX_CONNS × instances must stay under the server-side
	// max_connections with headroom.
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is dangerously close to Postgres's server-side
	// max_connections limit — prevents connection exhaustion when multiple
	// instances share the same Postgres server.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// misconfigured deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `obcms migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 3

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
