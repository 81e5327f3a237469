// Package catalog fetches candidate deals from the product catalogs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/shopspring/decimal"
)

// ConfigError means a fetcher is missing credentials or endpoints. It is
// never retried.
type ConfigError struct {
	Source string
	Field  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s catalog not configured: missing %s", e.Source, e.Field)
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// HTTPError is a non-OK catalog response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// retryable reports whether a catalog response status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func fetchRetryOptions(ctx context.Context, logger *slog.Logger, source string, attempts uint) []retry.Option {
	if attempts == 0 {
		attempts = 3
	}
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(2 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying catalog fetch after error", "source", source, "attempt", n, "error", err)
		}),
	}
}

var nonPriceChars = regexp.MustCompile(`[^0-9.,]`)

// parsePrice reads a display price such as "US $1,299.90" or "12,50 €".
func parsePrice(s string) (decimal.Decimal, error) {
	s = nonPriceChars.ReplaceAllString(strings.TrimSpace(s), "")
	if s == "" {
		return decimal.Zero, errors.New("empty price")
	}
	// A trailing ",dd" is a decimal comma; any other comma groups thousands.
	if i := strings.LastIndex(s, ","); i >= 0 && len(s)-i == 3 && !strings.Contains(s, ".") {
		s = s[:i] + "." + s[i+1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	return decimal.NewFromString(s)
}

// discountPercent derives a whole-number discount from old and new prices.
func discountPercent(price, oldPrice decimal.Decimal) float64 {
	if !oldPrice.IsPositive() || oldPrice.LessThanOrEqual(price) {
		return 0
	}
	pct := oldPrice.Sub(price).Div(oldPrice).Mul(decimal.NewFromInt(100)).Round(0)
	return pct.InexactFloat64()
}

func withDefaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 30 * time.Second}
}
