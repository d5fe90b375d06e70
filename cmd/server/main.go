package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/digkill/adcraft/internal/admin"
	"github.com/digkill/adcraft/internal/api"
	"github.com/digkill/adcraft/internal/config"
	"github.com/digkill/adcraft/internal/credits"
	"github.com/digkill/adcraft/internal/database"
	"github.com/digkill/adcraft/internal/gateway"
	"github.com/digkill/adcraft/internal/ledger"
	"github.com/digkill/adcraft/internal/ledger/redisledger"
	"github.com/digkill/adcraft/internal/metrics"
	"github.com/digkill/adcraft/internal/notify"
	"github.com/digkill/adcraft/internal/orchestrator"
	"github.com/digkill/adcraft/internal/pricing"
	"github.com/digkill/adcraft/internal/repository"
	"github.com/digkill/adcraft/internal/service"
	"github.com/digkill/adcraft/internal/storage"
	"github.com/digkill/adcraft/pkg/logger"
)

const sessionSweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	catalog, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		log.Fatalf("pricing: %v", err)
	}

	accountRepo := repository.NewAccountRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	var creditLedger credits.Ledger
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		creditLedger = redisledger.New(rdb)
	case config.LedgerMemory:
		logr.Warn("using in-memory credit ledger, balances are lost on restart")
		creditLedger = ledger.NewMemory()
	default:
		creditLedger = accountRepo
	}

	m := metrics.New()

	var alerter orchestrator.Alerter = notify.NewLogAlerter(logr)
	if cfg.AlertTelegramToken != "" {
		tg, err := notify.NewTelegramAlerter(cfg.AlertTelegramToken, cfg.AlertTelegramChatID, logr)
		if err != nil {
			log.Fatalf("telegram alerter: %v", err)
		}
		alerter = tg
	}

	var blobs service.BlobStore
	if cfg.StorageEnabled() {
		uploader, err := storage.NewUploader(storage.FromConfig(cfg))
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		blobs = uploader
	} else {
		logr.Warn("artifact storage disabled, binary artifacts are returned inline")
	}

	gatewayClient := gateway.NewClient(cfg, logr, gateway.WithObserver(m))
	controller := credits.NewController(creditLedger, logr, credits.WithObserver(m))

	historyService := service.NewHistoryService(historyRepo, blobs, logr)
	orch := orchestrator.New(controller, historyService, logr,
		orchestrator.WithAlerter(alerter),
		orchestrator.WithObserver(m),
	)

	accountService := service.NewAccountService(cfg, logr, accountRepo, creditLedger, controller)
	generationService := service.NewGenerationService(gatewayClient, catalog, orch, logr)
	paymentService := service.NewPaymentService(logr, paymentRepo, accountService, catalog)

	sessions := credits.NewSessionStore()
	go sweepSessions(ctx, sessions, cfg.SessionIdleTimeout, m, logr)

	server := api.NewServer(cfg.ListenAddr, logr, api.Deps{
		Pricing:    catalog,
		Sessions:   sessions,
		Credits:    controller,
		Accounts:   accountService,
		Generation: generationService,
		History:    historyService,
		Admin:      admin.NewServer(cfg, logr, accountService, paymentService),
		Metrics:    m.Handler(),
	})

	logr.Info("starting", "ledger", cfg.LedgerBackend, "storage", cfg.StorageEnabled())
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}

// sweepSessions drops idle sessions and publishes the live count.
func sweepSessions(ctx context.Context, sessions *credits.SessionStore, ttl time.Duration, m *metrics.Metrics, logr *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.Sweep(ttl); removed > 0 {
				logr.Debug("idle sessions dropped", "count", removed)
			}
			m.SetActiveSessions(sessions.Len())
		}
	}
}
