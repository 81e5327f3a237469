package catalog

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deal-poster/pkg/deals"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "US $12.34", want: "12.34"},
		{in: "$1,299.90", want: "1299.9"},
		{in: "12,50 €", want: "12.5"},
		{in: "1,299", want: "1299"},
		{in: "  7 ", want: "7"},
		{in: "free", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePrice(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePrice(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("parsePrice(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiscountPercent(t *testing.T) {
	tests := []struct {
		price, old string
		want       float64
	}{
		{price: "50", old: "100", want: 50},
		{price: "66.66", old: "100", want: 33},
		{price: "100", old: "100", want: 0},
		{price: "120", old: "100", want: 0},
		{price: "10", old: "0", want: 0},
	}
	for _, tt := range tests {
		got := discountPercent(decimal.RequireFromString(tt.price), decimal.RequireFromString(tt.old))
		if got != tt.want {
			t.Errorf("discountPercent(%s, %s) = %v, want %v", tt.price, tt.old, got, tt.want)
		}
	}
}

const amazonBody = `{"items":[
 {"asin":"B0001","title":"Headphones","url":"https://www.amazon.com/dp/B0001","image":"https://img/1.jpg","price":"49.99","list_price":"99.99","currency":"USD","savings_percent":50,"availability":"IN_STOCK"},
 {"asin":"B0002","title":"Cable","price":"9.00","list_price":"10.00","currency":"USD","savings_percent":10,"availability":"IN_STOCK"},
 {"asin":"B0003","title":"Monitor","price":"150","list_price":"300","currency":"USD","availability":"OUT_OF_STOCK"}
]}`

func TestAmazonFetch(t *testing.T) {
	var gotKey, gotNode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotNode = r.URL.Query().Get("node")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(amazonBody))
	}))
	defer srv.Close()

	a := NewAmazon(AmazonConfig{
		Client:     srv.Client(),
		Logger:     testLogger(),
		BaseURL:    srv.URL,
		APIKey:     "secret",
		PartnerTag: "deals-20",
		Interval:   time.Millisecond,
	})

	filters := deals.Filters{MinDiscountPercent: 20, MinPriceDrop: decimal.NewFromInt(5), RequireInStock: true}
	got, err := a.Fetch(context.Background(), "172282", filters)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotKey != "secret" || gotNode != "172282" {
		t.Errorf("request key=%q node=%q", gotKey, gotNode)
	}
	if len(got) != 1 {
		t.Fatalf("Fetch() returned %d products, want 1: %+v", len(got), got)
	}
	p := got[0]
	if p.ID != "B0001" || p.Source != deals.SourceAmazon || p.DiscountPercent != 50 {
		t.Errorf("unexpected product %+v", p)
	}
	if !strings.Contains(p.URL, "tag=deals-20") {
		t.Errorf("URL %q missing partner tag", p.URL)
	}
}

func TestAmazonFetchNotConfigured(t *testing.T) {
	a := NewAmazon(AmazonConfig{Logger: testLogger(), BaseURL: "http://example.invalid"})
	_, err := a.Fetch(context.Background(), "1", deals.Filters{})
	if !IsConfigError(err) {
		t.Errorf("Fetch() error = %v, want config error", err)
	}
}

func TestAmazonFetchClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad node", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewAmazon(AmazonConfig{
		Client:   srv.Client(),
		Logger:   testLogger(),
		BaseURL:  srv.URL,
		APIKey:   "k",
		Interval: time.Millisecond,
		Attempts: 3,
	})
	if _, err := a.Fetch(context.Background(), "x", deals.Filters{}); err == nil {
		t.Fatal("Fetch() error = nil, want HTTP error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

const aliexpressPage = `<html><body>
<div class="deal-item" data-product-id="1005001" data-currency="USD">
  <a class="deal-link" href="/item/1005001.html"><img src="//ae01.alicdn.com/kf/1.jpg"></a>
  <span class="deal-title"> Smart Watch </span>
  <span class="price-current">US $20.00</span>
  <span class="price-original">US $50.00</span>
</div>
<div class="deal-item" data-product-id="1005002">
  <span class="deal-title">Phone Case</span>
  <span class="price-current">US $4.50</span>
  <span class="price-original">US $5.00</span>
</div>
<div class="deal-item" data-product-id="1005003">
  <span class="deal-title">Drone</span>
  <span class="price-current">US $80.00</span>
  <span class="price-original">US $200.00</span>
  <span class="sold-out">Sold out</span>
</div>
<div class="deal-item">
  <span class="deal-title">No id</span>
  <span class="price-current">US $1.00</span>
</div>
</body></html>`

func TestAliExpressFetch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(aliexpressPage))
	}))
	defer srv.Close()

	a := NewAliExpress(AliExpressConfig{
		Client:   srv.Client(),
		Logger:   testLogger(),
		BaseURL:  srv.URL,
		Interval: time.Millisecond,
	})

	filters := deals.Filters{MinDiscountPercent: 20, MinPriceDrop: decimal.NewFromInt(5), RequireInStock: true}
	got, err := a.Fetch(context.Background(), "smart-home", filters)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotPath != "/deals/smart-home" {
		t.Errorf("requested path %q", gotPath)
	}
	if len(got) != 1 {
		t.Fatalf("Fetch() returned %d products, want 1: %+v", len(got), got)
	}
	p := got[0]
	if p.ID != "1005001" || p.Title != "Smart Watch" || p.DiscountPercent != 60 {
		t.Errorf("unexpected product %+v", p)
	}
	if p.URL != srv.URL+"/item/1005001.html" {
		t.Errorf("URL = %q", p.URL)
	}
	if p.ImageURL != "https://ae01.alicdn.com/kf/1.jpg" {
		t.Errorf("ImageURL = %q", p.ImageURL)
	}
}

func TestAliExpressParseKeepsUnfilteredCards(t *testing.T) {
	a := NewAliExpress(AliExpressConfig{Logger: testLogger(), BaseURL: "https://example.com"})
	products, err := a.parseListing(strings.NewReader(aliexpressPage))
	if err != nil {
		t.Fatalf("parseListing() error = %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("parseListing() returned %d products, want 3", len(products))
	}
	if products[2].InStock {
		t.Error("sold-out card parsed as in stock")
	}
}

func TestMockFetchAppliesFilters(t *testing.T) {
	m := NewMock(deals.SourceAliExpress, 20, testLogger())
	got, err := m.Fetch(context.Background(), "tech", deals.Filters{MinDiscountPercent: 50})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	for _, p := range got {
		if p.DiscountPercent < 50 {
			t.Errorf("product %s has discount %v below the filter", p.ID, p.DiscountPercent)
		}
		if p.Source != deals.SourceAliExpress {
			t.Errorf("product %s has source %q", p.ID, p.Source)
		}
	}
}
