package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"learnhub.io/internal/audit"
	"learnhub.io/internal/auth"
	"learnhub.io/internal/config"
	"learnhub.io/internal/httpapi"
	"learnhub.io/internal/migrate"
	"learnhub.io/internal/obs"
	"learnhub.io/internal/ratelimit"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.SetLevel(strings.ToLower(cfg.LogLevel))
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Log("error", "authd stopped with error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	obs.Log("info", "authd stopped", nil)
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		store      auth.Store = auth.NewMemoryStore()
		auditStore audit.Store
		db         *sql.DB
	)
	if cfg.PGDSN != "" {
		var err error
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		applied, err := migrate.NewManager(db).Up(ctx)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			obs.Log("info", "migrations applied", map[string]any{"migrations": applied})
		}
		store = auth.NewPGStore(db)
		auditStore = audit.NewPGStore(db)
	} else {
		obs.Log("warn", "no database configured, state is kept in memory", nil)
		auditStore = audit.NewMemoryStore()
	}

	opts := []auth.ServiceOption{
		auth.WithSecurityConfig(cfg.SecurityConfig()),
		auth.WithAuditLogger(audit.NewLogger(auditStore)),
		auth.WithDirectory(auth.NewMemoryDirectory()),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter, err := ratelimit.NewRedis(client, "learnhub:ratelimit:")
		if err != nil {
			return err
		}
		opts = append(opts, auth.WithLimiter(limiter))
	}

	svc, err := auth.NewService(store, opts...)
	if err != nil {
		return err
	}

	if cfg.BootstrapAdminEmail != "" {
		admin, err := svc.EnsureSuperAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
		if err != nil {
			return err
		}
		obs.Log("info", "bootstrap admin ready", map[string]any{"user_id": admin.ID})
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		Version:        version,
		CORSOrigins:    cfg.CORSOrigins,
		IPRate:         cfg.IPRate,
		IPBurst:        cfg.IPBurst,
		Production:     cfg.IsProduction(),
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.Log("info", "authd listening", map[string]any{"addr": srv.Addr, "version": version, "env": cfg.Env})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Log("info", "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
