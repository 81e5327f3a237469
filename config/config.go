// Package config loads service configuration from the environment.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"deal-poster/dedupe"
	"deal-poster/pkg/deals"

	"github.com/shopspring/decimal"
)

//go:embed categories.json
var defaultCategories []byte

// Config holds all configuration for the service.
type Config struct {
	Port string

	// Storage backend. Redis wins over GCS, GCS over the local directory.
	LocalStorage      string
	StorageBucket     string
	GoogleCredentials string // Service account JSON for GCS; default credentials when empty
	RedisURL          string

	Location     *time.Location
	TriggerToken string

	TelegramToken  string
	TelegramChatID string

	AmazonAPIURL      string
	AmazonAPIKey      string
	AmazonPartnerTag  string
	AliExpressBaseURL string

	SaleMode bool
	Policy   deals.LimitPolicy
	Filters  deals.Filters

	DedupeTTL        time.Duration
	DedupeMaxEntries int

	Categories []deals.Category
	LogLevel   string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return load(os.Getenv)
}

// env collects parse errors so Load can report every bad variable at once.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(name, def string) string {
	if v := strings.TrimSpace(e.get(name)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(name string, def int) int {
	v := e.get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", name, v))
		return def
	}
	return n
}

func (e *env) number(name string, def float64) float64 {
	v := e.get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", name, v))
		return def
	}
	return f
}

func (e *env) amount(name string, def decimal.Decimal) decimal.Decimal {
	v := e.get(name)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil || d.IsNegative() {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", name, v))
		return def
	}
	return d
}

func (e *env) duration(name string, def time.Duration) time.Duration {
	v := e.get(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", name, v))
		return def
	}
	return d
}

func (e *env) flag(name string, def bool) bool {
	v := e.get(name)
	if v == "" {
		return def
	}
	b, ok := parseFlag(v)
	if !ok {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %q", name, v))
		return def
	}
	return b
}

// parseFlag accepts the usual spellings of a boolean switch.
func parseFlag(v string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true, true
	case "0", "false", "no", "off", "n":
		return false, true
	}
	return false, false
}

func load(getenv func(string) string) (*Config, error) {
	e := &env{get: getenv}

	cfg := &Config{
		Port:              e.str("PORT", "8080"),
		LocalStorage:      e.str("LOCAL_STORAGE", ""),
		StorageBucket:     e.str("STORAGE_BUCKET", ""),
		GoogleCredentials: e.str("GOOGLE_CREDENTIALS_JSON", ""),
		RedisURL:          e.str("REDIS_URL", ""),
		TriggerToken:      e.str("TRIGGER_TOKEN", ""),
		TelegramToken:     e.str("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:    e.str("TELEGRAM_CHAT_ID", ""),
		AmazonAPIURL:      e.str("AMAZON_API_URL", ""),
		AmazonAPIKey:      e.str("AMAZON_API_KEY", ""),
		AmazonPartnerTag:  e.str("AMAZON_PARTNER_TAG", ""),
		AliExpressBaseURL: e.str("ALIEXPRESS_BASE_URL", ""),
		SaleMode:          e.flag("SALE_MODE", false),
		Policy: deals.LimitPolicy{
			TotalPerDay:     e.integer("DAILY_LIMIT", 20),
			SaleTotalPerDay: e.integer("SALE_DAILY_LIMIT", 30),
			TotalOverride:   e.integer("TOTAL_DAILY_LIMIT", 0),
			PerSource: map[deals.Source]int{
				deals.SourceAmazon:     e.integer("AMAZON_DAILY_LIMIT", 12),
				deals.SourceAliExpress: e.integer("ALIEXPRESS_DAILY_LIMIT", 10),
			},
			PerCategory:          e.integer("CATEGORY_DAILY_LIMIT", 4),
			PostsPerSession:      e.integer("POSTS_PER_SESSION", 3),
			CategoriesPerSession: e.integer("CATEGORIES_PER_SESSION", 3),
			RetryAttempts:        uint(e.integer("RETRY_ATTEMPTS", 3)),
			PostDelay:            e.duration("POST_DELAY", 3*time.Second),
		},
		Filters: deals.Filters{
			MinDiscountPercent: e.number("MIN_DISCOUNT", 20),
			MinPriceDrop:       e.amount("MIN_PRICE_DROP", decimal.NewFromInt(5)),
			RequireInStock:     e.flag("REQUIRE_IN_STOCK", true),
		},
		DedupeTTL:        e.duration("DEDUPE_TTL", dedupe.DefaultTTL),
		DedupeMaxEntries: e.integer("DEDUPE_MAX_ENTRIES", dedupe.DefaultMaxEntries),
		LogLevel:         strings.ToLower(e.str("LOG_LEVEL", "info")),
	}

	if cfg.LocalStorage == "" && cfg.StorageBucket == "" && cfg.RedisURL == "" {
		cfg.LocalStorage = "./data"
	}

	tz := e.str("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err))
		loc = time.UTC
	}
	cfg.Location = loc

	if cfg.Policy.PostsPerSession == 0 {
		e.errs = append(e.errs, errors.New("POSTS_PER_SESSION must be at least 1"))
	}
	if cfg.Policy.CategoriesPerSession == 0 {
		e.errs = append(e.errs, errors.New("CATEGORIES_PER_SESSION must be at least 1"))
	}
	if (cfg.TelegramToken == "") != (cfg.TelegramChatID == "") {
		e.errs = append(e.errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	categories, err := loadCategories(e.str("CATEGORIES_FILE", ""))
	if err != nil {
		e.errs = append(e.errs, err)
	}
	cfg.Categories = categories

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("load config: %w", errors.Join(e.errs...))
	}
	return cfg, nil
}

func loadCategories(path string) ([]deals.Category, error) {
	if path == "" {
		return ParseCategories(defaultCategories)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CATEGORIES_FILE: %w", err)
	}
	return ParseCategories(data)
}

// ParseCategories decodes and validates a JSON list of category definitions.
// A missing weight counts as 1.
func ParseCategories(data []byte) ([]deals.Category, error) {
	var cats []deals.Category
	if err := json.Unmarshal(data, &cats); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	if len(cats) == 0 {
		return nil, errors.New("no categories defined")
	}

	seen := make(map[string]bool, len(cats))
	for i := range cats {
		c := &cats[i]
		c.Key = strings.TrimSpace(c.Key)
		if c.Key == "" {
			return nil, fmt.Errorf("category %d has no key", i)
		}
		if seen[c.Key] {
			return nil, fmt.Errorf("duplicate category %q", c.Key)
		}
		seen[c.Key] = true
		if c.Weight < 0 {
			return nil, fmt.Errorf("category %q has negative weight", c.Key)
		}
		if c.Weight == 0 {
			c.Weight = 1
		}
		if len(c.Handles) == 0 {
			return nil, fmt.Errorf("category %q has no catalog handles", c.Key)
		}
		if c.Name == "" {
			c.Name = c.Key
		}
	}
	return cats, nil
}
