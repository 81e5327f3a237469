// Package deals contains the core domain types for the deal posting service.
package deals

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies a product catalog.
type Source string

// Known catalogs, in canonical priority order.
const (
	SourceAmazon     Source = "amazon"     // Primary catalog
	SourceAliExpress Source = "aliexpress" // Secondary catalog
)

// CanonicalSources is the fixed priority order used when a session queries catalogs.
var CanonicalSources = []Source{SourceAmazon, SourceAliExpress}

// Product is a candidate deal returned by a catalog.
type Product struct {
	ID              string          `json:"id"`
	Source          Source          `json:"source"`
	CategoryKey     string          `json:"category_key"`
	DiscountPercent float64         `json:"discount_percent"`
	Title           string          `json:"title"`
	URL             string          `json:"url"`
	ImageURL        string          `json:"image_url,omitempty"`
	Price           decimal.Decimal `json:"price"`
	OldPrice        decimal.Decimal `json:"old_price"`
	Currency        string          `json:"currency"`
	InStock         bool            `json:"in_stock"`
	Rating          float64         `json:"rating,omitempty"`
}

// PriceDrop returns how much cheaper the product is than its previous price.
func (p *Product) PriceDrop() decimal.Decimal {
	if p.OldPrice.LessThanOrEqual(p.Price) {
		return decimal.Zero
	}
	return p.OldPrice.Sub(p.Price)
}

// Category describes a product niche that sessions sample from.
type Category struct {
	Key      string            `json:"key"`
	Name     string            `json:"name"`
	Weight   int               `json:"weight"`
	Handles  map[Source]string `json:"handles"` // Opaque per-catalog lookup handle (browse node, search query)
	Hashtags []string          `json:"hashtags"`
}

// Handle returns the catalog handle for the source, if the category is mapped there.
func (c *Category) Handle(src Source) (string, bool) {
	h, ok := c.Handles[src]
	return h, ok && h != ""
}

// Filters are the thresholds catalogs apply to candidates.
type Filters struct {
	MinDiscountPercent float64
	MinPriceDrop       decimal.Decimal
	RequireInStock     bool
}

// Match reports whether a product passes the filters.
func (f Filters) Match(p *Product) bool {
	if f.RequireInStock && !p.InStock {
		return false
	}
	if p.DiscountPercent < f.MinDiscountPercent {
		return false
	}
	return p.PriceDrop().GreaterThanOrEqual(f.MinPriceDrop)
}

// LimitPolicy holds the daily caps and session sizing.
type LimitPolicy struct {
	TotalPerDay          int            // Normal global cap
	SaleTotalPerDay      int            // Global cap while sale mode is on
	TotalOverride        int            // Replaces both global caps when > 0
	PerSource            map[Source]int // Missing sources fall back to a default cap
	PerCategory          int            // 0 means the default cap
	PostsPerSession      int
	CategoriesPerSession int
	RetryAttempts        uint
	PostDelay            time.Duration
}
