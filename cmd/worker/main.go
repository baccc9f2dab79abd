package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"voicebridge/internal/config"
	"voicebridge/internal/jobs"
	"voicebridge/internal/ratelimit"
	"voicebridge/internal/schedule"
	"voicebridge/internal/store"
	"voicebridge/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	sched := schedule.New(redisClient, cfg.VisibilityLease)
	callbacks := jobs.NewCallbackSender(cfg.CallbackSecret, cfg.CallbackTimeout)
	proc := jobs.NewProcessor(st, sched, callbacks, logger, jobs.Options{
		MaxRetries:     cfg.MaxRetries,
		BackoffMax:     cfg.RetryBackoffMax,
		HandlerTimeout: cfg.HandlerTimeout,
	})

	uploader := buildUploader(ctx, cfg)
	media := jobs.NewMediaHandler(uploader, 30*time.Second, cfg.MediaMaxBytes)
	providers := jobs.NewProviderHandlers(cfg.TranscribeURL, cfg.TTSURL, uploader, cfg.HandlerTimeout)
	hooks := jobs.NewWebhookCallbackHandler(cfg.CallbackSecret, cfg.CallbackTimeout)
	jobs.RegisterBuiltins(proc, media, providers, hooks)

	limits := ratelimit.NewRegistry(redisClient,
		ratelimit.PresetChatMessages,
		ratelimit.PresetVoiceTokens,
		ratelimit.PresetUploads,
		ratelimit.PresetWebhooks,
		ratelimit.PresetJobs,
	)
	go maintenanceLoop(ctx, cfg, st, limits, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	runner := jobs.NewRunner(sched, proc, st, cfg.PollInterval, int64(cfg.PromoteBatchSize), logger)
	logger.Info("worker started",
		"lease", cfg.VisibilityLease, "poll", cfg.PollInterval, "max_retries", cfg.MaxRetries)
	if err := runner.Run(ctx); err != nil {
		logger.Info("worker stopped", "error", err)
	}
}

// maintenanceLoop runs the hourly retention and bucket sweeps.
func maintenanceLoop(ctx context.Context, cfg config.Config, st *store.Store, limits *ratelimit.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)
			if n, err := st.CleanupOldJobs(ctx, cutoff); err != nil {
				logger.Warn("retention sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("retention sweep", "deleted", n, "cutoff", cutoff)
			}
			if n, err := limits.CleanupExpired(ctx); err != nil {
				logger.Warn("bucket sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("bucket sweep", "deleted", n)
			}
		}
	}
}

func buildUploader(ctx context.Context, cfg config.Config) jobs.Uploader {
	if cfg.MediaS3Bucket == "" {
		return jobs.NewLocalUploader(cfg.MediaOutputDir)
	}
	up, err := jobs.NewS3Uploader(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 uploader: %v", err)
	}
	return up
}
