// Package main implements a service that posts e-commerce deals to a Telegram channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deal-poster/catalog"
	"deal-poster/config"
	"deal-poster/message"
	"deal-poster/pkg/deals"
	"deal-poster/scheduler"
	"deal-poster/server"
	"deal-poster/session"
	"deal-poster/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

const redisKeyPrefix = "deal-poster:"

func main() {
	// Initialize structured logger
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to read .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel == "debug" {
		level.Set(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	quota := scheduler.New(scheduler.Config{
		Policy:     cfg.Policy,
		Categories: cfg.Categories,
		SaleMode:   cfg.SaleMode,
		Location:   cfg.Location,
	})

	svc := session.NewService(session.ServiceConfig{
		Quota:            quota,
		Store:            store,
		Fetchers:         newFetchers(cfg, logger),
		Categories:       cfg.Categories,
		Formatter:        message.NewFormatter("deals"),
		Poster:           newPoster(cfg, logger),
		Filters:          cfg.Filters,
		Policy:           cfg.Policy,
		AbortOn:          message.IsRateLimited,
		DedupeTTL:        cfg.DedupeTTL,
		DedupeMaxEntries: cfg.DedupeMaxEntries,
		Logger:           logger,
	})

	if cfg.TriggerToken == "" {
		logger.Warn("TRIGGER_TOKEN not set, /post accepts unauthenticated requests")
	}

	logger.Info("Service configured",
		"storage", store.Backend(),
		"timezone", cfg.Location.String(),
		"sale_mode", cfg.SaleMode,
		"total_limit", quota.TotalLimitForToday(),
		"categories", len(cfg.Categories))

	srv := server.New(&server.Config{
		Runner: svc,
		Logger: logger,
		Token:  cfg.TriggerToken,
	})
	return srv.ListenAndServe(ctx, cfg.Port)
}

// openStore picks the durable backend: Redis, then GCS, then a local directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}

		logger.Info("Using Redis storage", "addr", opts.Addr, "db", opts.DB)
		return storage.NewRedis(rdb, redisKeyPrefix, logger), func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		var opts []option.ClientOption
		if cfg.GoogleCredentials != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentials)))
		} else if !isCloudRun(ctx) {
			logger.Warn("No GOOGLE_CREDENTIALS_JSON and not on Cloud Run, relying on application default credentials")
		}

		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}

		logger.Info("Using GCS storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

// newFetchers returns the real catalogs when any is configured, else mocks.
// A configured service with one catalog left blank logs a config error for
// that catalog on every fetch and carries on with the other.
func newFetchers(cfg *config.Config, logger *slog.Logger) map[deals.Source]session.Fetcher {
	if cfg.AmazonAPIURL == "" && cfg.AliExpressBaseURL == "" {
		logger.Info("Mock catalog mode enabled (no AMAZON_API_URL or ALIEXPRESS_BASE_URL)")
		return map[deals.Source]session.Fetcher{
			deals.SourceAmazon:     catalog.NewMock(deals.SourceAmazon, 8, logger),
			deals.SourceAliExpress: catalog.NewMock(deals.SourceAliExpress, 8, logger),
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	return map[deals.Source]session.Fetcher{
		deals.SourceAmazon: catalog.NewAmazon(catalog.AmazonConfig{
			Client:     client,
			Logger:     logger,
			BaseURL:    cfg.AmazonAPIURL,
			APIKey:     cfg.AmazonAPIKey,
			PartnerTag: cfg.AmazonPartnerTag,
			Attempts:   cfg.Policy.RetryAttempts,
		}),
		deals.SourceAliExpress: catalog.NewAliExpress(catalog.AliExpressConfig{
			Client:   client,
			Logger:   logger,
			BaseURL:  cfg.AliExpressBaseURL,
			Attempts: cfg.Policy.RetryAttempts,
		}),
	}
}

func newPoster(cfg *config.Config, logger *slog.Logger) *message.Sender {
	var provider message.Provider
	if cfg.TelegramToken == "" {
		logger.Info("Mock post mode enabled (no TELEGRAM_BOT_TOKEN)")
		provider = message.NewMockProvider(logger)
	} else {
		provider = message.NewTelegramProvider(message.TelegramConfig{
			Logger: logger,
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
		})
	}
	return message.New(provider, message.DefaultPolicy(cfg.Policy.RetryAttempts), logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
