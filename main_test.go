package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"deal-poster/catalog"
	"deal-poster/config"
	"deal-poster/pkg/deals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewFetchers(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantMock bool
	}{
		{name: "no catalogs configured", cfg: config.Config{}, wantMock: true},
		{name: "amazon only", cfg: config.Config{AmazonAPIURL: "https://deals.example.com", AmazonAPIKey: "k"}},
		{name: "aliexpress only", cfg: config.Config{AliExpressBaseURL: "https://www.aliexpress.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetchers := newFetchers(&tt.cfg, testLogger())
			if len(fetchers) != 2 {
				t.Fatalf("newFetchers() returned %d fetchers, want 2", len(fetchers))
			}
			_, isMock := fetchers[deals.SourceAmazon].(*catalog.Mock)
			if isMock != tt.wantMock {
				t.Errorf("amazon fetcher mock = %v, want %v", isMock, tt.wantMock)
			}
			if !tt.wantMock {
				if _, ok := fetchers[deals.SourceAliExpress].(*catalog.AliExpress); !ok {
					t.Errorf("aliexpress fetcher is %T, want *catalog.AliExpress", fetchers[deals.SourceAliExpress])
				}
			}
		})
	}
}

func TestOpenStoreLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	cfg := &config.Config{LocalStorage: dir}

	store, closeStore, err := openStore(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()

	if store.Backend() != "local" {
		t.Errorf("Backend() = %q, want local", store.Backend())
	}
	if err := store.Write(context.Background(), "probe.json", []byte("{}")); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}

func TestOpenStoreBadRedisURL(t *testing.T) {
	cfg := &config.Config{RedisURL: "not-a-url://"}
	if _, _, err := openStore(context.Background(), cfg, testLogger()); err == nil {
		t.Error("openStore() error = nil, want parse error")
	}
}

func TestNewPosterMockMode(t *testing.T) {
	poster := newPoster(&config.Config{}, testLogger())
	if err := poster.PostDeal(context.Background(), "hello", ""); err != nil {
		t.Errorf("PostDeal() error = %v", err)
	}
}
