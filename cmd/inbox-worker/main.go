package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inbox-pipeline/internal/api"
	"inbox-pipeline/internal/api/handlers"
	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/matching"
	"inbox-pipeline/internal/repository"
	"inbox-pipeline/internal/service"
	"inbox-pipeline/internal/storage"
	"inbox-pipeline/pkg/auth"
	"inbox-pipeline/pkg/config"
	"inbox-pipeline/pkg/logger"
	"inbox-pipeline/pkg/postgres"

	"go.uber.org/zap"
)

// @title Inbox Pipeline API
// @version 1.0
// @description Financial document inbox: ingestion, extraction and transaction matching
// @BasePath /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the service token.

const (
	noMatchScheduleID  = "no-match-sweep"
	dispatchScheduleID = "sync-inbox-accounts"
	staleScheduleID    = "requeue-stale-jobs"
)

// dispatchOnly drops per-account schedules when the centralized dispatcher owns syncing.
type dispatchOnly struct{}

func (dispatchOnly) Upsert(string, string, string, any) error { return nil }

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	if err := logger.Init(cfg.Logger.Level, cfg.Environment); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	appLogger := logger.Get()
	appLogger.Info("Starting inbox pipeline", zap.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.NewPool(ctx, &cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db, appLogger); err != nil {
			appLogger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// Initialize repositories
	inboxRepo := repository.NewInboxRepository(db, appLogger)
	embeddingRepo := repository.NewEmbeddingRepository(db, appLogger)
	txRepo := repository.NewTransactionRepository(db, appLogger)
	teamRepo := repository.NewTeamRepository(db, appLogger)
	accountRepo := repository.NewAccountRepository(db, appLogger)
	blocklistRepo := repository.NewBlocklistRepository(db, appLogger)

	vault, err := storage.New(cfg.Storage.Root, cfg.Storage.PublicURL, cfg.Storage.SigningKey, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// Initialize external clients
	gigachat, err := service.NewGigaChatClient(ctx, &cfg.GigaChat, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize GigaChat client", zap.Error(err))
	}
	defer gigachat.Close()

	extraction := service.NewExtractionService(gigachat, &http.Client{Timeout: 60 * time.Second}, appLogger)
	embedder := service.NewEmbeddingClient(&cfg.Embedding, appLogger)
	notifier := service.NewWebhookNotifier(&cfg.Notifications, appLogger)

	scorer := matching.NewScorer(matching.Config{
		EmbeddingWeight:         cfg.Matching.EmbeddingWeight,
		AmountWeight:            cfg.Matching.AmountWeight,
		CurrencyWeight:          cfg.Matching.CurrencyWeight,
		DateWeight:              cfg.Matching.DateWeight,
		AutoThreshold:           cfg.Matching.AutoThreshold,
		SuggestThreshold:        cfg.Matching.SuggestThreshold,
		HighConfidenceThreshold: cfg.Matching.HighConfidenceThreshold,
		MaxCandidates:           cfg.Matching.MaxCandidates,
	})
	matcher := service.NewMatchingService(inboxRepo, txRepo, notifier, scorer, cfg.Matching.ReverseLimit, appLogger)

	// Job substrate
	var store jobs.Store
	switch cfg.Queue.Backend {
	case "memory":
		appLogger.Warn("Using in-memory job store; queued jobs are lost on restart")
		store = jobs.NewMemoryStore()
	default:
		store = repository.NewJobRepository(db, appLogger)
	}
	registry := jobs.NewRegistry()
	waiters := jobs.NewWaiters()
	client := jobs.NewClient(store, registry, waiters, appLogger)
	scheduler := jobs.NewCron(client, appLogger)

	// Ingestion
	downloader := ingest.NewDownloader(&http.Client{Timeout: 60 * time.Second}, cfg.Channels.DownloadRate, ingest.MaxChannelFileSize, appLogger)
	gmail := ingest.NewGmailProvider(cfg.Gmail, cfg.Sync.MaxResults, appLogger)
	uploader := ingest.NewUploader(vault, client, appLogger)

	centralized := cfg.Sync.DispatchMode == "centralized"
	var accountScheduler service.Scheduler = scheduler
	if centralized {
		accountScheduler = dispatchOnly{}
	}

	batchCfg := service.MatchingBatchConfig{
		BatchSize:        cfg.Matching.BatchSize,
		ReverseBatchSize: cfg.Matching.ReverseBatchSize,
		ReverseLimit:     cfg.Matching.ReverseLimit,
	}
	service.Register(registry, service.Processors{
		Attachment: service.NewAttachmentProcessor(inboxRepo, teamRepo, vault, extraction, client,
			service.AttachmentConfig{URLTTL: cfg.Storage.URLTTL, EmbedWait: cfg.Sync.EmbedWait}, appLogger),
		Embedding:     service.NewEmbeddingProcessor(inboxRepo, embeddingRepo, embedder, appLogger),
		BatchMatching: service.NewBatchMatchingProcessor(matcher, batchCfg),
		Bidirectional: service.NewBidirectionalMatchingProcessor(matcher, inboxRepo, batchCfg),
		Sync: service.NewSyncProcessor(accountRepo, inboxRepo, blocklistRepo, gmail, uploader, notifier,
			service.SyncConfig{MaxAttachment: cfg.Sync.MaxAttachment, UploadBatch: cfg.Sync.UploadBatch}, appLogger),
		InitialSetup: service.NewInitialSetupProcessor(accountRepo, accountScheduler, client, cfg.Sync.Cadence),
		Dispatch:     service.NewDispatchProcessor(accountRepo, client, cfg.Sync.Window),
		NoMatchSweep: service.NewNoMatchSweepProcessor(inboxRepo, service.SweepConfig{
			NoMatchAfter: cfg.Sync.NoMatchAfter,
			Enabled:      cfg.IsProduction(),
		}),
		Classify: service.NewClassifyProcessor(inboxRepo, extraction),
	})

	// Jobs left active by a process that died go back to waiting
	requeueStale := func(ctx context.Context) {
		n, err := store.RequeueStale(ctx, time.Now().Add(-cfg.Queue.Lease))
		if err != nil {
			appLogger.Error("Failed to requeue stale jobs", zap.Error(err))
			return
		}
		if n > 0 {
			appLogger.Warn("Requeued stale jobs", zap.Int("count", n))
		}
	}
	requeueStale(ctx)
	scheduler.Every(staleScheduleID, cfg.Queue.Lease/2, func() { requeueStale(context.Background()) })

	// Workers, one per queue
	var workers []*jobs.Worker
	for _, queue := range registry.Queues() {
		w := jobs.NewWorker(queue, store, registry, waiters, appLogger,
			jobs.WithPollInterval(cfg.Queue.PollInterval),
			jobs.WithConcurrency(cfg.Queue.Concurrency[string(queue)]),
			jobs.WithLease(cfg.Queue.Lease),
		)
		w.Start(ctx)
		workers = append(workers, w)
	}

	// Repeatable jobs
	if err := scheduler.Upsert(noMatchScheduleID, cfg.Sync.NoMatchCron, dto.JobNoMatchScheduler, dto.NoMatchSchedulerPayload{}); err != nil {
		appLogger.Fatal("Failed to schedule no-match sweep", zap.Error(err))
	}
	if centralized {
		if err := scheduler.Upsert(dispatchScheduleID, cfg.Sync.CentralCron, dto.JobSyncInboxAccounts, dto.SyncInboxAccountsPayload{}); err != nil {
			appLogger.Fatal("Failed to schedule sync dispatch", zap.Error(err))
		}
	} else {
		restored, err := service.RestoreSchedules(ctx, accountRepo, scheduler, cfg.Sync.Cadence)
		if err != nil {
			appLogger.Error("Failed to restore account schedules", zap.Error(err))
		}
		appLogger.Info("Account schedules restored", zap.Int("count", restored))
	}
	scheduler.Start()

	// HTTP
	var channels handlers.Channels
	if cfg.Channels.WhatsAppToken != "" {
		channels.WhatsApp = ingest.NewWhatsApp(downloader, cfg.Channels.WhatsAppGraphURL, cfg.Channels.WhatsAppToken)
	}
	if cfg.Channels.TelegramToken != "" {
		channels.Telegram = ingest.NewTelegram(downloader, cfg.Channels.TelegramAPIURL, cfg.Channels.TelegramToken)
	}
	if cfg.Channels.SlackToken != "" {
		channels.Slack = ingest.NewSlack(downloader, cfg.Channels.SlackToken)
	}
	if cfg.Channels.EInvoiceURL != "" {
		channels.EInvoice = ingest.NewEInvoice(downloader, cfg.Channels.EInvoiceURL, cfg.Channels.EInvoiceToken)
	}

	jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.Issuer, cfg.Auth.Expiration)

	app := api.SetupRouter(api.Handlers{
		Inbox:    handlers.NewInboxHandler(uploader, appLogger),
		Webhooks: handlers.NewWebhookHandler(channels, uploader, cfg.Channels.WebhookSecret, cfg.Sync.UploadBatch, appLogger),
		Accounts: handlers.NewAccountHandler(accountRepo, gmail, client, appLogger),
		Matching: handlers.NewMatchingHandler(client, appLogger),
		Jobs:     handlers.NewJobHandler(store),
		Files:    handlers.NewFileHandler(vault, appLogger),
	}, jwtManager, cfg.Server, appLogger)

	// Start server
	go func() {
		addr := ":" + cfg.Server.Port
		appLogger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			appLogger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	appLogger.Info("Shutting down")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	for _, w := range workers {
		w.Stop()
	}
}
