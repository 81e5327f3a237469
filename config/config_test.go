package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deal-poster/pkg/deals"
)

func envFrom(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.LocalStorage != "./data" {
		t.Errorf("LocalStorage = %q, want ./data", cfg.LocalStorage)
	}
	if cfg.Location != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location)
	}
	p := cfg.Policy
	if p.TotalPerDay != 20 || p.SaleTotalPerDay != 30 || p.PerCategory != 4 || p.PostsPerSession != 3 || p.CategoriesPerSession != 3 {
		t.Errorf("Policy = %+v", p)
	}
	if p.PerSource[deals.SourceAmazon] != 12 || p.PerSource[deals.SourceAliExpress] != 10 {
		t.Errorf("PerSource = %v", p.PerSource)
	}
	if p.RetryAttempts != 3 || p.PostDelay != 3*time.Second {
		t.Errorf("RetryAttempts = %d PostDelay = %v", p.RetryAttempts, p.PostDelay)
	}
	if cfg.Filters.MinDiscountPercent != 20 || cfg.Filters.MinPriceDrop.String() != "5" || !cfg.Filters.RequireInStock {
		t.Errorf("Filters = %+v", cfg.Filters)
	}
	if cfg.DedupeTTL != 7*24*time.Hour || cfg.DedupeMaxEntries != 5000 {
		t.Errorf("DedupeTTL = %v DedupeMaxEntries = %d", cfg.DedupeTTL, cfg.DedupeMaxEntries)
	}
	if cfg.SaleMode {
		t.Error("SaleMode = true, want false")
	}
	if len(cfg.Categories) == 0 {
		t.Fatal("no embedded categories")
	}
	for _, c := range cfg.Categories {
		if c.Weight < 1 {
			t.Errorf("category %s weight = %d", c.Key, c.Weight)
		}
		if _, ok := c.Handle(deals.SourceAmazon); !ok {
			t.Errorf("category %s has no amazon handle", c.Key)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"PORT":               "9090",
		"REDIS_URL":          "redis://localhost:6379/0",
		"TIMEZONE":           "Europe/Berlin",
		"SALE_MODE":          "Yes",
		"TOTAL_DAILY_LIMIT":  "7",
		"AMAZON_DAILY_LIMIT": "0",
		"MIN_PRICE_DROP":     "2.50",
		"REQUIRE_IN_STOCK":   "off",
		"POST_DELAY":         "0s",
		"DEDUPE_TTL":         "48h",
		"TELEGRAM_BOT_TOKEN": "123:abc",
		"TELEGRAM_CHAT_ID":   "@deals",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Port != "9090" || cfg.RedisURL == "" || cfg.LocalStorage != "" {
		t.Errorf("Port = %q RedisURL = %q LocalStorage = %q", cfg.Port, cfg.RedisURL, cfg.LocalStorage)
	}
	if cfg.Location.String() != "Europe/Berlin" {
		t.Errorf("Location = %v", cfg.Location)
	}
	if !cfg.SaleMode || cfg.Policy.TotalOverride != 7 {
		t.Errorf("SaleMode = %v TotalOverride = %d", cfg.SaleMode, cfg.Policy.TotalOverride)
	}
	if v, ok := cfg.Policy.PerSource[deals.SourceAmazon]; !ok || v != 0 {
		t.Errorf("amazon cap = %d (present %v), want explicit 0", v, ok)
	}
	if cfg.Filters.MinPriceDrop.String() != "2.5" || cfg.Filters.RequireInStock {
		t.Errorf("Filters = %+v", cfg.Filters)
	}
	if cfg.Policy.PostDelay != 0 || cfg.DedupeTTL != 48*time.Hour {
		t.Errorf("PostDelay = %v DedupeTTL = %v", cfg.Policy.PostDelay, cfg.DedupeTTL)
	}
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	_, err := load(envFrom(map[string]string{
		"DAILY_LIMIT":        "lots",
		"SALE_MODE":          "maybe",
		"TIMEZONE":           "Mars/Olympus",
		"POSTS_PER_SESSION":  "0",
		"TELEGRAM_BOT_TOKEN": "123:abc",
	}))
	if err == nil {
		t.Fatal("load() error = nil, want error")
	}
	for _, want := range []string{"DAILY_LIMIT", "SALE_MODE", "TIMEZONE", "POSTS_PER_SESSION", "TELEGRAM_CHAT_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadCategoriesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cats.json")
	data := `[{"key":"tools","handles":{"amazon":"228013"},"hashtags":["tools"]}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(envFrom(map[string]string{"CATEGORIES_FILE": path}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if len(cfg.Categories) != 1 || cfg.Categories[0].Key != "tools" || cfg.Categories[0].Weight != 1 || cfg.Categories[0].Name != "tools" {
		t.Errorf("Categories = %+v", cfg.Categories)
	}

	if _, err := load(envFrom(map[string]string{"CATEGORIES_FILE": filepath.Join(t.TempDir(), "missing.json")})); err == nil {
		t.Error("load() with missing categories file error = nil")
	}
}

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "valid", data: `[{"key":"a","weight":2,"handles":{"amazon":"1"}}]`},
		{name: "not json", data: `{`, wantErr: true},
		{name: "empty list", data: `[]`, wantErr: true},
		{name: "missing key", data: `[{"handles":{"amazon":"1"}}]`, wantErr: true},
		{name: "duplicate key", data: `[{"key":"a","handles":{"amazon":"1"}},{"key":"a","handles":{"amazon":"2"}}]`, wantErr: true},
		{name: "negative weight", data: `[{"key":"a","weight":-1,"handles":{"amazon":"1"}}]`, wantErr: true},
		{name: "no handles", data: `[{"key":"a"}]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCategories([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCategories() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		in       string
		want, ok bool
	}{
		{"1", true, true},
		{"TRUE", true, true},
		{" on ", true, true},
		{"no", false, true},
		{"0", false, true},
		{"sometimes", false, false},
	}
	for _, tt := range tests {
		got, ok := parseFlag(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseFlag(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
