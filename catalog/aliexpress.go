package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deal-poster/pkg/deals"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// AliExpress scrapes the public deal listing page of a category.
type AliExpress struct {
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	baseURL  string
	attempts uint
}

// AliExpressConfig configures the AliExpress fetcher.
type AliExpressConfig struct {
	Client   *http.Client
	Logger   *slog.Logger
	BaseURL  string
	Interval time.Duration
	Attempts uint
}

// NewAliExpress creates the secondary catalog fetcher.
func NewAliExpress(cfg AliExpressConfig) *AliExpress {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &AliExpress{
		client:   withDefaultClient(cfg.Client),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		logger:   cfg.Logger,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		attempts: cfg.Attempts,
	}
}

// Fetch returns the deals listed for a category slug that pass the filters.
func (a *AliExpress) Fetch(ctx context.Context, handle string, f deals.Filters) ([]deals.Product, error) {
	if a.baseURL == "" {
		return nil, &ConfigError{Source: string(deals.SourceAliExpress), Field: "ALIEXPRESS_BASE_URL"}
	}

	pageURL := a.baseURL + "/deals/" + url.PathEscape(handle)

	var products []deals.Product
	err := retry.Do(
		func() error {
			if err := a.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := a.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				a.logger.Warn("AliExpress page request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			a.logger.Info("AliExpress page request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				httpErr := &HTTPError{StatusCode: resp.StatusCode, URL: pageURL}
				if retryable(resp.StatusCode) {
					return httpErr
				}
				return retry.Unrecoverable(httpErr)
			}

			products, err = a.parseListing(resp.Body)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		fetchRetryOptions(ctx, a.logger, string(deals.SourceAliExpress), a.attempts)...,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch aliexpress category %s: %w", handle, err)
	}

	out := products[:0]
	for _, p := range products {
		if f.Match(&p) {
			out = append(out, p)
		}
	}

	a.logger.Info("AliExpress deals fetched", "category", handle, "returned", len(products), "matched", len(out))
	return out, nil
}

// parseListing extracts one product per div.deal-item. Cards without a
// product id or price are skipped.
func (a *AliExpress) parseListing(body io.Reader) ([]deals.Product, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var products []deals.Product
	doc.Find("div.deal-item").Each(func(i int, s *goquery.Selection) {
		id, _ := s.Attr("data-product-id")
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}

		price, err := parsePrice(s.Find(".price-current").First().Text())
		if err != nil {
			a.logger.Debug("Skipping card without price", "product_id", id, "error", err)
			return
		}
		oldPrice, err := parsePrice(s.Find(".price-original").First().Text())
		if err != nil {
			oldPrice = price
		}

		link, _ := s.Find("a.deal-link").First().Attr("href")
		image, _ := s.Find("img").First().Attr("src")
		currency, _ := s.Attr("data-currency")
		if currency == "" {
			currency = "USD"
		}

		products = append(products, deals.Product{
			ID:              id,
			Source:          deals.SourceAliExpress,
			DiscountPercent: discountPercent(price, oldPrice),
			Title:           strings.TrimSpace(s.Find(".deal-title").First().Text()),
			URL:             a.absoluteURL(link),
			ImageURL:        a.absoluteURL(image),
			Price:           price,
			OldPrice:        oldPrice,
			Currency:        currency,
			InStock:         s.Find(".sold-out").Length() == 0,
		})
	})

	return products, nil
}

func (a *AliExpress) absoluteURL(ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	base, err := url.Parse(a.baseURL + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
