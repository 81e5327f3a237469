// Package storage persists service state as whole JSON documents.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("storage: object doesn't exist")

var keyRegex = regexp.MustCompile(`^[a-zA-Z0-9_-][a-zA-Z0-9._-]*$`)

// Store reads and replaces documents in one of three backends: a local
// directory, a Cloud Storage bucket or a Redis instance. Every write replaces
// the whole document so readers never see a partial one.
type Store struct {
	client    *storage.Client
	redis     *redis.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string // Redis key prefix
}

// New creates a store backed by a local directory when localPath is set, or by a bucket otherwise.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// NewRedis creates a store that keeps each document under prefix+key.
func NewRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *Store {
	return &Store{
		redis:  rdb,
		prefix: prefix,
		logger: logger,
	}
}

// Backend names the configured backend for logs and health output.
func (s *Store) Backend() string {
	switch {
	case s.localPath != "":
		return "local"
	case s.redis != nil:
		return "redis"
	default:
		return "gcs"
	}
}

// IsNotFound checks if an error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Write replaces the document stored under key.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		path, err := s.writeLocal(key, data)
		if err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Document saved to local storage", "path", path, "bytes", len(data))
		return nil
	}

	if s.redis != nil {
		err := retry.Do(
			func() error {
				return s.redis.Set(ctx, s.prefix+key, data, 0).Err()
			},
			retryOptions(ctx, s.logger, "redis_set", key)...,
		)
		if err != nil {
			return fmt.Errorf("save after retries: %w", err)
		}
		s.logger.Debug("Document saved to redis", "key", s.prefix+key, "bytes", len(data))
		return nil
	}

	// A Cloud Storage object only becomes visible once the writer closes successfully.
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "gcs_write", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Document saved", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}

// writeLocal writes to a temp file in the target directory and renames it
// over the destination.
func (s *Store) writeLocal(key string, data []byte) (string, error) {
	if err := os.MkdirAll(s.localPath, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(s.localPath, key)

	tmp, err := os.CreateTemp(s.localPath, "."+key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("Failed to remove temp file", "path", tmpName, "error", rmErr)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", fmt.Errorf("rename temp file: %w", err)
	}
	return path, nil
}

// Read returns the document stored under key, or ErrNotFound.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	if !keyRegex.MatchString(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	var missing bool

	if s.redis != nil {
		err := retry.Do(
			func() error {
				b, getErr := s.redis.Get(ctx, s.prefix+key).Bytes()
				if errors.Is(getErr, redis.Nil) {
					missing = true
					return nil
				}
				if getErr != nil {
					return fmt.Errorf("redis get: %w", getErr)
				}
				data = b
				return nil
			},
			retryOptions(ctx, s.logger, "redis_get", key)...,
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		if missing {
			return nil, ErrNotFound
		}
		return data, nil
	}

	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "gcs_read", key)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	if missing {
		return nil, ErrNotFound
	}
	return data, nil
}

// ReadJSON decodes the document under key into v.
func (s *Store) ReadJSON(ctx context.Context, key string, v any) error {
	data, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// WriteJSON encodes v and replaces the document under key.
func (s *Store) WriteJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Write(ctx, key, data)
}
