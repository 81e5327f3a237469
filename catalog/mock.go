package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"deal-poster/pkg/deals"

	"github.com/shopspring/decimal"
)

// Mock returns generated deals for local development.
type Mock struct {
	source deals.Source
	logger *slog.Logger
	count  int
}

// NewMock creates a mock fetcher that returns count deals per call.
func NewMock(source deals.Source, count int, logger *slog.Logger) *Mock {
	return &Mock{source: source, count: count, logger: logger}
}

// Fetch generates deals for the handle and applies the filters.
func (m *Mock) Fetch(ctx context.Context, handle string, f deals.Filters) ([]deals.Product, error) {
	var out []deals.Product
	for i := range m.count {
		oldPrice := decimal.NewFromInt(int64(20 + rand.IntN(200)))
		discount := int64(10 + rand.IntN(60))
		price := oldPrice.Mul(decimal.NewFromInt(100 - discount)).Div(decimal.NewFromInt(100)).Round(2)
		p := deals.Product{
			ID:              fmt.Sprintf("mock-%s-%d", handle, i),
			Source:          m.source,
			DiscountPercent: float64(discount),
			Title:           fmt.Sprintf("[%s] Simulated deal #%d", handle, i),
			URL:             "http://localhost/mock-deal",
			Price:           price,
			OldPrice:        oldPrice,
			Currency:        "USD",
			InStock:         true,
		}
		if f.Match(&p) {
			out = append(out, p)
		}
	}
	m.logger.Info("MOCK FETCH", "source", m.source, "handle", handle, "matched", len(out))
	return out, nil
}
