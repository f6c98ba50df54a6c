package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/ignatzorin/rental-escrow/internal/ai"
	"github.com/ignatzorin/rental-escrow/internal/config"
	"github.com/ignatzorin/rental-escrow/internal/db"
	httpHandlers "github.com/ignatzorin/rental-escrow/internal/http/handlers"
	httpRouter "github.com/ignatzorin/rental-escrow/internal/http/router"
	"github.com/ignatzorin/rental-escrow/internal/logger"
	"github.com/ignatzorin/rental-escrow/internal/queue"
	"github.com/ignatzorin/rental-escrow/internal/repository"
	"github.com/ignatzorin/rental-escrow/internal/service"
	"github.com/ignatzorin/rental-escrow/internal/settlement"
	"github.com/ignatzorin/rental-escrow/internal/storage"
	"github.com/ignatzorin/rental-escrow/internal/worker"
	"github.com/ignatzorin/rental-escrow/internal/ws"
)

const accessTokenTTL = 15 * time.Minute

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	logger.Init(cfg.LogLevel)
	if !cfg.IsProduction() {
		logger.SetTextFormatter()
	}

	// Ledger: Postgres с миграциями или память процесса.
	var (
		ledger repository.Ledger
		dbConn *sqlx.DB
	)
	switch cfg.LedgerDriver {
	case config.LedgerDriverPostgres:
		dbConn, err = db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("main: ошибка подключения к базе: %v", err)
		}
		defer safeClose(dbConn)

		if err := db.RunMigrations(ctx, dbConn); err != nil {
			log.Fatalf("main: ошибка миграций: %v", err)
		}
		ledger = repository.NewPostgresLedger(dbConn, cfg.LedgerTxMaxRetries)
	default:
		logger.Log.Warn("main: ledger в памяти, данные не сохраняются между запусками")
		ledger = repository.NewMemoryLedger()
	}

	// Очередь выплат.
	var payoutQueue queue.Queue
	switch cfg.QueueDriver {
	case config.QueueDriverRedis:
		client, err := queue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("main: ошибка подключения к redis: %v", err)
		}
		defer client.Close()

		redisQueue := queue.NewRedis(client, "")
		if n, err := redisQueue.Recover(ctx); err != nil {
			logger.Log.WithError(err).Warn("main: не удалось вернуть незавершённые выплаты в очередь")
		} else if n > 0 {
			logger.Log.WithField("count", n).Info("main: незавершённые выплаты возвращены в очередь")
		}
		payoutQueue = redisQueue
	default:
		payoutQueue = queue.NewMemory(0)
	}

	evidenceStorage, err := storage.NewLocalStorage(cfg.EvidenceStoragePath, cfg.EvidenceBaseURL, cfg.MaxUploadSizeMB)
	if err != nil {
		log.Fatalf("main: не удалось подготовить хранилище доказательств: %v", err)
	}

	// Вебсокеты.
	hub := ws.NewHub()

	// Сервисы.
	tokenManager := service.NewTokenManager(cfg.JWTSecret, accessTokenTTL)
	audit := service.NewAuditRecorder(ledger)
	executor := service.NewPayoutExecutor(ledger, settlement.NewSimulated(), audit, hub)
	coordinator := service.NewReleaseCoordinator(executor, audit, cfg.PayoutMode == config.PayoutModeAsync)
	agreements := service.NewAgreementService(ledger, audit, hub)
	escrows := service.NewEscrowService(ledger, coordinator, audit, hub)
	disputes := service.NewDisputeService(ledger, ai.NewClient(cfg.AIBaseURL, cfg.AIModel, cfg.AIAPIKey), audit, hub, cfg.ReviewTimeout)
	evidence := service.NewEvidenceService(ledger, evidenceStorage, audit)

	payoutWorker := worker.NewPayoutWorker(ledger, payoutQueue, executor, worker.Config{
		Workers:      cfg.PayoutWorkers,
		PollInterval: cfg.OutboxPollInterval,
		MaxAttempts:  cfg.PayoutMaxAttempts,
		RetryDelay:   200 * time.Millisecond,
		RetryBackoff: cfg.PayoutRetryBackoff,
		Lease:        cfg.OutboxLease,
	})

	// Роутер.
	engine := httpRouter.SetupRouter(cfg, httpRouter.Handlers{
		Agreements: httpHandlers.NewAgreementHandler(agreements),
		Escrows:    httpHandlers.NewEscrowHandler(escrows, executor),
		Disputes:   httpHandlers.NewDisputeHandler(disputes),
		Evidence:   httpHandlers.NewEvidenceHandler(evidence, cfg.MaxUploadSizeMB),
		Audit:      httpHandlers.NewAuditHandler(audit),
		Health:     httpHandlers.NewHealthHandler(dbConn, cfg.LedgerDriver),
		WS:         httpHandlers.NewWSHandler(hub, tokenManager, cfg.AllowedOrigins),
	}, tokenManager)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return payoutWorker.Run(gctx)
	})
	g.Go(func() error {
		logger.Log.WithField("port", cfg.HTTPPort).Info("main: HTTP сервер запущен")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// Завершаем сервер при получении сигнала или падении соседней горутины.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Log.WithError(err).Error("main: сервер завершился с ошибкой")
		return
	}
	logger.Log.Info("main: сервер остановлен")
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}
