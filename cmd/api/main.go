package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-scheduler/internal/audit"
	"call-scheduler/internal/auth"
	"call-scheduler/internal/calls"
	"call-scheduler/internal/config"
	"call-scheduler/internal/dispatch"
	"call-scheduler/internal/httpapi"
	"call-scheduler/internal/metrics"
	"call-scheduler/internal/reconcile"
	"call-scheduler/internal/reporting"
	"call-scheduler/internal/telephony"
	"call-scheduler/pkg/logger"
	"call-scheduler/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, auditRepo, closeStore, err := openStore(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	provider, err := newProvider(cfg)
	if err != nil {
		log.Error("call provider init failed", "err", err)
		os.Exit(1)
	}
	if err := provider.HealthCheck(rootCtx); err != nil {
		// not fatal: the dispatcher retries starts until the service is back
		log.Warn("call service unreachable", "provider", provider.Name(), "err", err)
	}

	m := metrics.Default()
	auditSvc := audit.NewService(auditRepo)

	reconciler := reconcile.New(store, provider, cfg.Dispatch.PollMaxFailures)
	reconciler.Log = log
	reconciler.Metrics = m
	reconciler.Audit = auditSvc

	var limiter dispatch.Limiter
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		if cfg.Dispatch.MaxInflightStarts > 0 {
			capLimiter, err := utils.NewInflightCap(rdb, utils.DefaultInflightKey, cfg.Dispatch.MaxInflightStarts, cfg.Dispatch.InflightTTL)
			if err != nil {
				log.Error("in-flight cap init failed", "err", err)
				os.Exit(1)
			}
			limiter = capLimiter
		}
	}

	disp, err := dispatch.New(dispatch.Deps{
		Store:      store,
		Provider:   provider,
		Reconciler: reconciler,
		Limiter:    limiter,
		Audit:      auditSvc,
		Metrics:    m,
		Log:        log,
	}, dispatch.Options{
		Interval:         cfg.Dispatch.Interval,
		Workers:          cfg.Dispatch.Workers,
		StartMaxAttempts: cfg.Dispatch.StartMaxAttempts,
		RetryBase:        cfg.Dispatch.RetryBase,
		RetryMaxDelay:    cfg.Dispatch.RetryMaxDelay,
	})
	if err != nil {
		log.Error("dispatcher init failed", "err", err)
		os.Exit(1)
	}

	var (
		authManager *auth.Manager
		authMW      gin.HandlerFunc
	)
	if cfg.AuthEnabled() {
		authManager, err = auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
		authMW = auth.RequireAccessToken(authManager)
	} else {
		log.Warn("JWT_SECRET not set, scheduling API is unauthenticated")
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	if len(cfg.App.CORSAllowOrigins) > 0 {
		r.Use(cors.New(corsConfig(cfg.App.CORSAllowOrigins)))
	}

	h := httpapi.Handlers{
		Store:      store,
		Dispatcher: disp,
		Reconciler: reconciler,
		Audit:      auditSvc,
		Reports:    reporting.NewService(store),
		Auth:       authManager,
	}
	callbacks := telephony.StatusCallbackHandler{Sink: reconciler, Secret: cfg.CallAPI.WebhookSecret}
	registerRoutes(r, h, callbacks, authMW)

	if err := disp.Start(rootCtx); err != nil {
		log.Error("dispatcher start failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver, "provider", provider.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// after the server so no force start races the final tick
	if err := disp.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher stop failed", "err", err)
	}
}

// openStore returns the record store and the event repository sharing its database.
func openStore(ctx context.Context, cfg config.Config) (calls.Store, audit.Repository, func(), error) {
	var (
		dialect utils.Dialect
		dsn     string
	)
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return calls.NewMemoryStore(), audit.NewMemoryRepo(), func() {}, nil
	case config.StorePostgres:
		dialect, dsn = utils.DialectPostgres, cfg.PostgresDSN()
	default:
		dialect, dsn = utils.DialectSQLite, cfg.Store.SQLitePath
	}

	db, err := utils.OpenDB(ctx, dialect, dsn, utils.PoolConfig{})
	if err != nil {
		return nil, nil, nil, err
	}
	store := calls.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	events := audit.NewSQLRepo(db, dialect)
	if err := events.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return store, events, func() { _ = db.Close() }, nil
}

func newProvider(cfg config.Config) (telephony.CallProvider, error) {
	if cfg.SimulateCalls() {
		return telephony.NewSimulatedProvider(), nil
	}
	p, err := telephony.NewHTTPProvider(telephony.HTTPConfig{
		BaseURL:           cfg.CallAPI.BaseURL,
		StartTimeout:      cfg.CallAPI.StartTimeout,
		PollTimeout:       cfg.CallAPI.PollTimeout,
		RequestsPerSecond: cfg.CallAPI.RequestsPerSecond,
		Burst:             cfg.CallAPI.Burst,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func corsConfig(origins []string) cors.Config {
	cc := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	cc.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cc.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"}
	cc.ExposeHeaders = []string{"X-Request-Id"}
	return cc
}
