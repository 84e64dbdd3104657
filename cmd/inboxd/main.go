// Command inboxd is the reference host process for the inbox engine: it
// loads inbox definitions from YAML, wires each to its configured backend
// (sql/kv/mem), starts the worker/cleanup loops, and serves an admin HTTP
// surface for operators. Grounded on the teacher's
// services/gateway/cmd/gateway/main.go graceful-shutdown shape and
// cmd/chartly/main.go's flag-based CLI entry style.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/chartlyhq/inbox/internal/adminhttp"
	"github.com/chartlyhq/inbox/pkg/config"
	"github.com/chartlyhq/inbox/pkg/inbox"
	"github.com/chartlyhq/inbox/pkg/inbox/kvstore"
	"github.com/chartlyhq/inbox/pkg/inbox/memstore"
	"github.com/chartlyhq/inbox/pkg/inbox/sqlstore"
	"github.com/chartlyhq/inbox/pkg/telemetry"
)

type flags struct {
	configRoot string
	env        string
	addr       string
	postgresDSN string
	sqlitePath  string
	redisAddr   string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configRoot, "config", envOr("INBOXD_CONFIG_ROOT", "./config"), "directory containing inboxes.yaml")
	flag.StringVar(&f.env, "env", envOr("INBOXD_ENV", "local"), "environment overlay name")
	flag.StringVar(&f.addr, "addr", ":"+envOr("INBOXD_PORT", "8090"), "admin HTTP listen address")
	flag.StringVar(&f.postgresDSN, "postgres-dsn", os.Getenv("INBOXD_POSTGRES_DSN"), "Postgres DSN for sql-backed inboxes")
	flag.StringVar(&f.sqlitePath, "sqlite-path", envOr("INBOXD_SQLITE_PATH", "./inboxd.sqlite"), "SQLite file for sql-backed inboxes when no Postgres DSN is set")
	flag.StringVar(&f.redisAddr, "redis-addr", envOr("INBOXD_REDIS_ADDR", "localhost:6379"), "Redis address for kv-backed inboxes")
	flag.Parse()
	return f
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	f := parseFlags()
	logger := telemetry.NewDefault(os.Stdout, "inboxd")
	ctx := context.Background()

	loader, err := config.NewLoader(config.Options{
		Root: f.configRoot,
		Env:  f.env,
		OnWarn: func(code, detail string) {
			logger.Warn(ctx, "config_warning", map[string]any{"code": code, "detail": detail})
		},
	})
	if err != nil {
		logger.Error(ctx, "config_loader_init_failed", map[string]any{"err": err})
		os.Exit(1)
	}
	bundle, err := loader.Load()
	if err != nil {
		logger.Error(ctx, "config_load_failed", map[string]any{"err": err})
		os.Exit(1)
	}
	if len(bundle.Inboxes) == 0 {
		logger.Error(ctx, "no_inboxes_configured", map[string]any{"root": f.configRoot})
		os.Exit(1)
	}

	deps, err := newBackendDeps(f)
	if err != nil {
		logger.Error(ctx, "backend_init_failed", map[string]any{"err": err})
		os.Exit(1)
	}
	defer deps.Close()

	metrics := &telemetry.Counters{}
	inboxes := make(map[string]*inbox.Inbox, len(bundle.Inboxes))
	views := make(map[string]adminhttp.InboxView, len(bundle.Inboxes))

	for _, spec := range bundle.Inboxes {
		opts := toEngineOptions(spec)
		storage, err := deps.build(spec.Backend, spec.Name, opts)
		if err != nil {
			logger.Error(ctx, "storage_init_failed", map[string]any{"inbox": spec.Name, "err": err})
			os.Exit(1)
		}

		registry := inbox.NewRegistry()
		// Application-specific handlers are registered here; the
		// reference host ships with none, so every message is
		// reported Failed and retried until max_attempts is reached,
		// then dead-lettered, until an embedding application
		// registers real handlers.
		ib, err := inbox.NewInbox(inbox.InboxConfig{
			Name:    spec.Name,
			Storage: storage,
			Options: opts,
			Logger:  logger,
			Metrics: metrics,
			Cleanup: inbox.CleanupOptions{},
			Handler: registry.Dispatch(),
		})
		if err != nil {
			logger.Error(ctx, "inbox_init_failed", map[string]any{"inbox": spec.Name, "err": err})
			os.Exit(1)
		}
		inboxes[spec.Name] = ib
		views[spec.Name] = adminhttp.InboxView{
			Inbox:  ib,
			Policy: inbox.HealthPolicy{MaxPendingAge: 10 * time.Minute, MaxPendingCount: 100000},
		}
		logger.Info(ctx, "inbox_configured", map[string]any{"inbox": spec.Name, "mode": string(spec.Mode), "backend": spec.Backend})
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	for name, ib := range inboxes {
		ib.Start(runCtx)
		logger.Info(ctx, "inbox_started", map[string]any{"inbox": name})
	}

	admin := adminhttp.New(views, inbox.SystemClock, logger)
	srv := &http.Server{
		Addr:              f.addr,
		Handler:           admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Error(ctx, "admin_listen_failed", map[string]any{"err": err})
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "admin_listening", map[string]any{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "admin_server_error", map[string]any{"err": err})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "admin_shutdown_failed", map[string]any{"err": err})
		_ = srv.Close()
	}

	cancelRun()
	for name, ib := range inboxes {
		ib.Stop()
		logger.Info(ctx, "inbox_stopped", map[string]any{"inbox": name})
	}
	logger.Info(ctx, "shutdown_complete", nil)
}

func toEngineOptions(spec config.InboxSpec) inbox.Options {
	return inbox.Options{
		Mode:                         inbox.Mode(spec.Mode),
		ReadBatchSize:                spec.ReadBatchSize,
		WriteBatchSize:               spec.WriteBatchSize,
		MaxProcessingTime:            spec.MaxProcessingTime,
		PollingInterval:              spec.PollingInterval,
		ReadDelay:                    spec.ReadDelay,
		ShutdownTimeout:              spec.ShutdownTimeout,
		MaxAttempts:                  spec.MaxAttempts,
		EnableDeadLetter:             spec.EnableDeadLetter,
		DeadLetterMaxMessageLifetime: spec.DeadLetterMaxMessageLifetime,
		EnableDeduplication:          spec.EnableDeduplication,
		DeduplicationInterval:        spec.DeduplicationInterval,
		EnableLockExtension:          spec.EnableLockExtension,
		LockExtensionThreshold:       spec.LockExtensionThreshold,
		MaxProcessingThreads:         spec.MaxProcessingThreads,
	}
}

// backendDeps lazily opens the shared *sql.DB / redis.Cmdable connections
// so that N inboxes on the same backend share one pool, matching the
// teacher's one-client-per-process convention.
type backendDeps struct {
	f flags

	pg     *sql.DB
	sqlite *sql.DB
	redis  redis.Cmdable
}

func newBackendDeps(f flags) (*backendDeps, error) {
	return &backendDeps{f: f}, nil
}

func (d *backendDeps) build(backend, name string, opts inbox.Options) (inbox.StorageProvider, error) {
	switch backend {
	case "mem":
		return memstore.New(opts), nil
	case "sql":
		return d.buildSQL(name, opts)
	case "kv":
		return d.buildKV(name, opts)
	default:
		return nil, fmt.Errorf("inboxd: unknown backend %q for inbox %q", backend, name)
	}
}

func (d *backendDeps) buildSQL(name string, opts inbox.Options) (inbox.StorageProvider, error) {
	var dialect sqlstore.Dialect
	var db *sql.DB
	var err error

	if d.f.postgresDSN != "" {
		if d.pg == nil {
			d.pg, err = sql.Open("postgres", d.f.postgresDSN)
			if err != nil {
				return nil, fmt.Errorf("inboxd: open postgres: %w", err)
			}
		}
		db = d.pg
		dialect = sqlstore.Postgres{}
	} else {
		if d.sqlite == nil {
			// _txlock=immediate makes every BeginTx serialize like
			// BEGIN IMMEDIATE, which is how SQLite substitutes for
			// row-level SKIP LOCKED (see sqlstore.SQLite's doc comment).
			dsn := d.f.sqlitePath + "?_txlock=immediate"
			d.sqlite, err = sql.Open("sqlite3", dsn)
			if err != nil {
				return nil, fmt.Errorf("inboxd: open sqlite: %w", err)
			}
			d.sqlite.SetMaxOpenConns(1) // SQLite has no real concurrent writers
		}
		db = d.sqlite
		dialect = sqlstore.SQLite{}
	}

	for _, stmt := range mustSchema(name) {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("inboxd: schema %q: %w", name, err)
		}
	}
	return sqlstore.New(db, dialect, name, opts, inbox.SystemClock)
}

func mustSchema(name string) []string {
	stmts, err := sqlstore.Schema(name)
	if err != nil {
		panic(err)
	}
	return stmts
}

func (d *backendDeps) buildKV(name string, opts inbox.Options) (inbox.StorageProvider, error) {
	if d.redis == nil {
		d.redis = redis.NewClient(&redis.Options{Addr: d.f.redisAddr})
	}
	return kvstore.New(d.redis, name, opts), nil
}

func (d *backendDeps) Close() {
	if d.pg != nil {
		_ = d.pg.Close()
	}
	if d.sqlite != nil {
		_ = d.sqlite.Close()
	}
	if c, ok := d.redis.(*redis.Client); ok {
		_ = c.Close()
	}
}
