package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/api"
	"github.com/Mindburn-Labs/accord/pkg/archive"
	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/observability"
)

//nolint:gocognit // boot wiring is one straight line
func runServer() {
	fmt.Fprintf(os.Stdout, "%sAccord broker starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	// Storage
	st, db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	if db != nil {
		defer db.Close()
	}
	log.Printf("[accord] store: %s ready", cfg.StoreDriver)

	// Continuity keyring
	master, err := loadOrGenerateChainKey(cfg)
	if err != nil {
		log.Fatalf("Failed to load chain key: %v", err)
	}
	keyring, err := chain.NewKeyring(master)
	if err != nil {
		log.Fatalf("Failed to build keyring: %v", err)
	}
	log.Println("[accord] chain: keyring ready")

	// Participant directory
	dir := identity.NewDirectory()
	if cfg.IdentitySnapshot != "" {
		n, err := dir.LoadSnapshot(cfg.IdentitySnapshot)
		if err != nil {
			log.Fatalf("Failed to load identity snapshot: %v", err)
		}
		log.Printf("[accord] identity: %d participants registered", n)
	} else {
		log.Println("[accord] identity: no snapshot configured, directory starts empty")
	}

	// Policy registry
	reg, err := loadPolicies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load policies: %v", err)
	}
	defer reg.ClosePlugins()
	log.Println("[accord] policy: registry compiled")

	// Telemetry
	provider, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	tracker := observability.NewSLOTrackerWithDefaults()

	// Oversight: stdout JSON lines plus the queryable in-memory timeline.
	timeline := audit.NewTimeline(0)
	oversight := audit.MultiLogger(audit.NewLogger(), timeline)

	arc, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init archive: %v", err)
	}

	bk, err := broker.New(dir, st, keyring, reg,
		broker.WithLogger(logger),
		broker.WithOversight(oversight),
		broker.WithArchive(arc, cfg.ArchiveOnClose),
		broker.WithDefaults(cfg.DefaultTimebox(), cfg.MaxDepth),
		broker.WithAdmissionDeadline(cfg.AdmissionDeadline),
		broker.WithGrace(cfg.GracePeriod),
		broker.WithResponseExtension(cfg.ExtendTimeboxOnResponse),
		broker.WithQueueCapacity(cfg.ResponderQueue),
		broker.WithAckTimeout(cfg.AckTimeout),
		broker.WithHeartbeat(cfg.HeartbeatInterval),
	)
	if err != nil {
		log.Fatalf("Failed to assemble broker: %v", err)
	}
	log.Println("[accord] broker: ready")

	// Resume tokens for subscription reconnects
	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("Failed to init resume token keys: %v", err)
	}
	tokens := identity.NewTokenManager(keySet)

	srv := api.NewServer(bk,
		api.WithLogger(logger),
		api.WithResumeTokens(tokens, cfg.SessionTTL),
		api.WithObservability(provider, tracker),
		api.WithTimeline(timeline),
	)

	// Middleware, innermost first: idempotency replay, then the distributed
	// limiter, then the per-instance limiter at the front door.
	var handler http.Handler = srv.Routes()
	if db != nil && cfg.StoreDriver == "postgres" {
		handler = api.IdempotencyMiddleware(api.NewPostgresIdempotencyStore(db, 24*time.Hour))(handler)
		log.Println("[accord] idempotency: postgres-backed")
	} else {
		handler = api.IdempotencyMiddleware(api.NewIdempotencyStore(24 * time.Hour))(handler)
	}
	var redisLimiter *api.RedisRateLimiter
	if cfg.RedisAddr != "" {
		redisLimiter = api.NewRedisRateLimiter(cfg.RedisAddr, os.Getenv("ACCORD_REDIS_PASSWORD"), 0, cfg.RateLimitRPS, cfg.RateLimitBurst)
		handler = redisLimiter.Middleware(handler)
		log.Printf("[accord] limiter: redis token bucket at %s", cfg.RedisAddr)
	}
	handler = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(handler)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go bk.RunSweeper(sweepCtx, cfg.SweepInterval)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[accord] listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("[accord] ready")
	log.Println("[accord] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[accord] shutting down")

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[accord] http shutdown: %v", err)
	}
	bk.Shutdown()
	if redisLimiter != nil {
		_ = redisLimiter.Close()
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Printf("[accord] observability shutdown: %v", err)
	}
}
