package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deal-poster/pkg/deals"

	"github.com/codeGROOVE-dev/retry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Amazon fetches deals for a browse node from a JSON deals API.
type Amazon struct {
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	partnerTag string
	attempts   uint
}

// AmazonConfig configures the Amazon fetcher.
type AmazonConfig struct {
	Client     *http.Client
	Logger     *slog.Logger
	BaseURL    string
	APIKey     string
	PartnerTag string        // Appended to product links as the affiliate tag
	Interval   time.Duration // Minimum spacing between requests
	Attempts   uint
}

// NewAmazon creates the primary catalog fetcher.
func NewAmazon(cfg AmazonConfig) *Amazon {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Amazon{
		client:     withDefaultClient(cfg.Client),
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     cfg.Logger,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		partnerTag: cfg.PartnerTag,
		attempts:   cfg.Attempts,
	}
}

type amazonDealsResponse struct {
	Items []struct {
		ASIN           string          `json:"asin"`
		Title          string          `json:"title"`
		URL            string          `json:"url"`
		Image          string          `json:"image"`
		Price          decimal.Decimal `json:"price"`
		ListPrice      decimal.Decimal `json:"list_price"`
		Currency       string          `json:"currency"`
		SavingsPercent float64         `json:"savings_percent"`
		Availability   string          `json:"availability"`
		Rating         float64         `json:"rating"`
	} `json:"items"`
}

// Fetch returns in-stock deals for a browse node that pass the filters.
func (a *Amazon) Fetch(ctx context.Context, handle string, f deals.Filters) ([]deals.Product, error) {
	if a.baseURL == "" {
		return nil, &ConfigError{Source: string(deals.SourceAmazon), Field: "AMAZON_API_URL"}
	}
	if a.apiKey == "" {
		return nil, &ConfigError{Source: string(deals.SourceAmazon), Field: "AMAZON_API_KEY"}
	}

	q := url.Values{}
	q.Set("node", handle)
	q.Set("min_discount", fmt.Sprintf("%g", f.MinDiscountPercent))
	q.Set("min_drop", f.MinPriceDrop.String())
	if f.RequireInStock {
		q.Set("in_stock", "true")
	}
	reqURL := a.baseURL + "/deals?" + q.Encode()

	var body amazonDealsResponse
	err := retry.Do(
		func() error {
			if err := a.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Api-Key", a.apiKey)

			startTime := time.Now()
			resp, err := a.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				a.logger.Warn("Amazon deals request failed, will retry",
					"node", handle,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			a.logger.Info("Amazon deals request completed",
				"node", handle,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				httpErr := &HTTPError{StatusCode: resp.StatusCode, URL: a.baseURL + "/deals"}
				if retryable(resp.StatusCode) {
					return httpErr
				}
				return retry.Unrecoverable(httpErr)
			}

			body = amazonDealsResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode deals: %w", err))
			}
			return nil
		},
		fetchRetryOptions(ctx, a.logger, string(deals.SourceAmazon), a.attempts)...,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch amazon node %s: %w", handle, err)
	}

	var out []deals.Product
	for _, it := range body.Items {
		p := deals.Product{
			ID:              it.ASIN,
			Source:          deals.SourceAmazon,
			DiscountPercent: it.SavingsPercent,
			Title:           strings.TrimSpace(it.Title),
			URL:             a.affiliateURL(it.URL, it.ASIN),
			ImageURL:        it.Image,
			Price:           it.Price,
			OldPrice:        it.ListPrice,
			Currency:        it.Currency,
			InStock:         strings.EqualFold(it.Availability, "IN_STOCK"),
			Rating:          it.Rating,
		}
		if p.DiscountPercent == 0 {
			p.DiscountPercent = discountPercent(p.Price, p.OldPrice)
		}
		if f.Match(&p) {
			out = append(out, p)
		}
	}

	a.logger.Info("Amazon deals fetched", "node", handle, "returned", len(body.Items), "matched", len(out))
	return out, nil
}

func (a *Amazon) affiliateURL(raw, asin string) string {
	if raw == "" && asin != "" {
		raw = "https://www.amazon.com/dp/" + asin
	}
	if a.partnerTag == "" || raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("tag", a.partnerTag)
	u.RawQuery = q.Encode()
	return u.String()
}
