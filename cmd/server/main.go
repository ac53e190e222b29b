// caseguard server: wires configuration, stores, the access engine, domain
// services and the HTTP transport, then runs until signalled.
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

	accesseng "caseguard/internal/access"
	accesshandler "caseguard/internal/access/handler"
	accessmetrics "caseguard/internal/access/metrics"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/principal"
	"caseguard/internal/access/store/program"
	"caseguard/internal/access/tracer"
	"caseguard/internal/audit"
	"caseguard/internal/audit/export"
	audithandler "caseguard/internal/audit/handler"
	auditmetrics "caseguard/internal/audit/metrics"
	clienthandler "caseguard/internal/client/handler"
	clientsvc "caseguard/internal/client/service"
	clientstore "caseguard/internal/client/store"
	"caseguard/internal/crypto"
	cryptometrics "caseguard/internal/crypto/metrics"
	erasurehandler "caseguard/internal/erasure/handler"
	erasuremetrics "caseguard/internal/erasure/metrics"
	"caseguard/internal/erasure/schedule"
	erasuresvc "caseguard/internal/erasure/service"
	erasurestore "caseguard/internal/erasure/store"
	"caseguard/internal/platform/config"
	"caseguard/internal/platform/database"
	"caseguard/internal/platform/health"
	"caseguard/internal/platform/logger"
	"caseguard/internal/platform/metrics"
	"caseguard/internal/platform/middleware"
	"caseguard/internal/platform/redis"
	"caseguard/internal/platform/token"
	"caseguard/internal/seeder"
	httptransport "caseguard/internal/transport/http"
)

const (
	shutdownTimeout = 15 * time.Second
	drainInterval   = time.Minute
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	keyring, err := crypto.LoadKeyring(cfg.DataKey, cfg.RetiredKeys)
	if err != nil {
		log.Error("key material unusable, refusing to start", "error", err)
		os.Exit(1)
	}

	app, err := newApp(cfg, keyring, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.demoMode {
		if err := app.seeder.SeedAll(ctx); err != nil {
			log.Error("seeding demo data failed", "error", err)
			os.Exit(1)
		}
	}

	go app.worker.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.Addr, "demo_mode", app.demoMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// app holds the wired object graph.
type app struct {
	router   http.Handler
	worker   *erasuresvc.Worker
	seeder   *seeder.Seeder
	demoMode bool

	appPool   *database.Pool
	auditPool *database.Pool
	cache     *redis.Client
	exporter  *export.KafkaExporter
}

func newApp(cfg config.Server, keyring *crypto.Keyring, log *slog.Logger) (*app, error) {
	a := &app{}

	appCfg := database.DefaultConfig()
	appCfg.URL = cfg.AppDBURL
	appPool, err := database.New(appCfg)
	if err != nil {
		return nil, err
	}
	a.appPool = appPool

	auditCfg := database.DefaultConfig()
	auditCfg.URL = cfg.AuditDBURL
	auditPool, err := database.New(auditCfg)
	if err != nil {
		return nil, err
	}
	a.auditPool = auditPool

	redisCfg := redis.DefaultConfig()
	redisCfg.URL = cfg.RedisURL
	cache, err := redis.New(redisCfg)
	if err != nil {
		return nil, err
	}
	a.cache = cache

	// Demo mode: no application database configured, everything in memory.
	a.demoMode = appPool == nil

	// Audit trail. The audit pool runs under an insert-only credential; in
	// demo mode the trail lives in memory alongside everything else.
	var auditStore audit.Store
	if auditPool != nil {
		auditStore = audit.NewPostgres(auditPool.DB())
	} else {
		auditStore = audit.NewInMemoryStore()
	}

	exporter, err := export.NewKafka(export.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.AuditTopic,
	}, log)
	if err != nil {
		return nil, err
	}
	a.exporter = exporter

	auditorOpts := []audit.WriterOption{audit.WithMetrics(auditmetrics.New())}
	if exporter != nil {
		auditorOpts = append(auditorOpts, audit.WithExporter(exporter))
	}
	auditor := audit.NewWriter(auditStore, log, auditorOpts...)

	// Stores.
	var (
		principals principal.Store
		programs   program.Store
		blocks     block.Store
		clients    clientstore.Store
		erasures   erasurestore.Store
	)
	if a.demoMode {
		principals = principal.NewInMemory()
		programs = program.NewInMemory()
		blocks = block.NewInMemory()
		clients = clientstore.NewInMemory()
		erasures = erasurestore.NewInMemory()
	} else {
		db := appPool.DB()
		principals = principal.NewPostgres(db)
		programs = program.NewPostgres(db)
		blocks = block.NewPostgres(db)
		clients = clientstore.NewPostgres(db)
		erasures = erasurestore.NewPostgres(db)
	}

	// Access engine.
	engine, err := accesseng.New(accmodels.DefaultMatrix(), blocks, programs, auditor, log,
		accesseng.WithMetrics(accessmetrics.New()),
		accesseng.WithTracer(tracer.NewOTel()),
	)
	if err != nil {
		return nil, err
	}

	// Domain services.
	clientService := clientsvc.New(clients, keyring, engine, auditor, log,
		clientsvc.WithMetrics(cryptometrics.New()),
	)

	var scheduler schedule.Scheduler
	if cache != nil {
		scheduler = schedule.NewRedis(cache)
	} else {
		scheduler = schedule.NewInMemory()
	}

	erasureService := erasuresvc.New(erasures, clientService, clients, principals, blocks,
		engine, scheduler, auditor, log,
		erasuresvc.WithMetrics(erasuremetrics.New()),
		erasuresvc.WithDeferWindow(cfg.ErasureDeferWindow),
	)
	a.worker = erasuresvc.NewWorker(erasureService, log, drainInterval)

	// Transport.
	tokens := token.NewService(cfg.JWTSigningKey)
	authenticate := middleware.Authenticate(tokens, principals, log)

	healthHandler := health.New(envName(a.demoMode))
	if appPool != nil {
		healthHandler.RegisterCheck("app_db", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return appPool.Health(ctx)
		})
	}
	if auditPool != nil {
		healthHandler.RegisterCheck("audit_db", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return auditPool.Health(ctx)
		})
	}
	if cache != nil {
		healthHandler.RegisterCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return cache.Health(ctx)
		})
	}

	a.router = httptransport.NewRouter(httptransport.Handlers{
		Clients: clienthandler.New(clientService, log),
		Access:  accesshandler.New(engine, blocks, clients, auditor, log),
		Audit:   audithandler.New(engine, auditor, log),
		Erasure: erasurehandler.New(erasureService, log),
		Health:  healthHandler,
	}, authenticate, metrics.New(), log)

	a.seeder = seeder.New(programs, principals, clientService, log)
	return a, nil
}

func envName(demo bool) string {
	if demo {
		return "demo"
	}
	return "production"
}

func (a *app) close() {
	if a.exporter != nil {
		a.exporter.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.auditPool != nil {
		a.auditPool.Close()
	}
	if a.appPool != nil {
		a.appPool.Close()
	}
}
