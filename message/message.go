// Package message formats deals and delivers them to the channel via pluggable providers.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Provider defines the interface for channel transport implementations.
type Provider interface {
	// Send delivers one post. An empty imageURL sends text only.
	Send(ctx context.Context, text, imageURL string) error
}

// RateLimitError means the channel refused the post because of flood control.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited checks if an error is a RateLimitError.
func IsRateLimited(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// APIError is a non-OK transport response other than a rate limit.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Description)
}

// IsPermanent reports whether a transport error will fail the same way on every attempt.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
}

// Sender posts deals through a provider under a bounded retry policy.
type Sender struct {
	provider Provider
	policy   Policy
	logger   *slog.Logger
}

// New creates a new sender with the given provider.
func New(provider Provider, policy Policy, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		policy:   policy,
		logger:   logger,
	}
}

// PostDeal sends a formatted deal, retrying transient failures.
func (s *Sender) PostDeal(ctx context.Context, text, imageURL string) error {
	s.logger.Info("Posting deal",
		"text_length", len(text),
		"has_image", imageURL != "")

	return s.policy.Do(ctx, s.logger, "post deal", func() error {
		return s.provider.Send(ctx, text, imageURL)
	})
}
