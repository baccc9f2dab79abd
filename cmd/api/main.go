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

	"voicebridge/internal/api"
	"voicebridge/internal/config"
	"voicebridge/internal/jobs"
	"voicebridge/internal/ratelimit"
	"voicebridge/internal/schedule"
	"voicebridge/internal/secrets"
	"voicebridge/internal/store"
	"voicebridge/internal/webhook"
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

	auth := webhook.NewAuthenticator(cfg.AuthMethod, buildSecrets(cfg), logger)
	dedupe := webhook.NewDuplicateDetector(redisClient, cfg.DuplicateTTL)
	allowlist, err := webhook.NewAllowlist(cfg.IPWhitelist)
	if err != nil {
		log.Fatalf("ip whitelist: %v", err)
	}

	limits := ratelimit.NewRegistry(redisClient,
		ratelimit.PresetChatMessages,
		ratelimit.PresetVoiceTokens,
		ratelimit.PresetUploads,
		ratelimit.PresetWebhooks,
		ratelimit.PresetJobs,
	)

	sched := schedule.New(redisClient, cfg.VisibilityLease)
	callbacks := jobs.NewCallbackSender(cfg.CallbackSecret, cfg.CallbackTimeout)
	proc := jobs.NewProcessor(st, sched, callbacks, logger, jobs.Options{
		MaxRetries:     cfg.MaxRetries,
		BackoffMax:     cfg.RetryBackoffMax,
		HandlerTimeout: cfg.HandlerTimeout,
	})

	server := api.New(cfg, auth, dedupe, allowlist, limits, proc, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "auth_method", cfg.AuthMethod)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildSecrets picks the credential source: encrypted values through the
// secretbox when a master key is set, plaintext env values otherwise.
func buildSecrets(cfg config.Config) webhook.Secrets {
	if cfg.SecretKey == "" {
		return webhook.StaticSecrets{
			Key:  cfg.WebhookAPIKey,
			HMAC: cfg.WebhookSecret,
			User: cfg.BasicAuthUser,
			Pass: cfg.BasicAuthPass,
		}
	}
	box, err := secrets.New(cfg.SecretKey)
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}
	return webhook.StoredSecrets{
		Box:              box,
		APIKeyCipher:     cfg.WebhookAPIKey,
		HMACSecretCipher: cfg.WebhookSecret,
		BasicUser:        cfg.BasicAuthUser,
		BasicPassCipher:  cfg.BasicAuthPass,
	}
}
