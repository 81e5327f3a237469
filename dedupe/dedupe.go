// Package dedupe remembers which deals were posted recently so they are not
// posted again within a trailing window.
package dedupe

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"deal-poster/pkg/deals"
	"deal-poster/storage"
)

// StateKey is the document the posted history is kept in.
const StateKey = "posted_deals.json"

// Defaults used when the configuration leaves a value unset.
const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultMaxEntries = 5000
)

// Store is the durable backend for the posted history.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// Config configures a Tracker.
type Config struct {
	Store      Store
	Key        string // StateKey when empty
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
	Logger     *slog.Logger
}

// Tracker holds the posted history in memory between Load and Save.
//
// Lookups may drop expired entries from memory as they find them; only Save
// (through Prune) compacts the whole map. A Tracker is not safe for
// concurrent use.
type Tracker struct {
	store      Store
	key        string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
	posted     map[string]time.Time
}

// New creates an empty tracker. Call Load to read the persisted history.
func New(cfg Config) *Tracker {
	t := &Tracker{
		store:      cfg.Store,
		key:        cfg.Key,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
		logger:     cfg.Logger,
		posted:     make(map[string]time.Time),
	}
	if t.key == "" {
		t.key = StateKey
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.maxEntries <= 0 {
		t.maxEntries = DefaultMaxEntries
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Key derives the history key for an item. Source and ID are lowercased and
// joined with "_", so "Amazon"/"B0X_1" and "amazon_b0x"/"1" collide.
func Key(id string, src deals.Source) string {
	if src == "" {
		return strings.ToLower(id)
	}
	return strings.ToLower(string(src) + "_" + id)
}

func (t *Tracker) expired(postedAt, now time.Time) bool {
	return now.Sub(postedAt) >= t.ttl
}

// Load replaces the in-memory history with the persisted one, minus expired
// entries. Read or decode failures are logged and leave an empty history.
func (t *Tracker) Load(ctx context.Context) {
	t.posted = make(map[string]time.Time)

	data, err := t.store.Read(ctx, t.key)
	if err != nil {
		if storage.IsNotFound(err) {
			t.logger.Info("No posted history found, starting fresh", "key", t.key)
			return
		}
		t.logger.Warn("Failed to read posted history, starting fresh", "key", t.key, "error", err)
		return
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		t.logger.Warn("Failed to parse posted history, starting fresh", "key", t.key, "error", err)
		return
	}

	now := t.now()
	var dropped int
	for k, ms := range raw {
		postedAt := time.UnixMilli(ms)
		if t.expired(postedAt, now) {
			dropped++
			continue
		}
		t.posted[k] = postedAt
	}

	t.logger.Info("Posted history loaded", "key", t.key, "tracked", len(t.posted), "expired", dropped)
}

// IsDuplicate reports whether the item was posted within the TTL. An expired
// entry found here is removed from memory.
func (t *Tracker) IsDuplicate(id string, src deals.Source) bool {
	k := Key(id, src)
	postedAt, ok := t.posted[k]
	if !ok {
		return false
	}
	if t.expired(postedAt, t.now()) {
		delete(t.posted, k)
		return false
	}
	return true
}

// MarkPosted records the item as posted now. It is not persisted until Save.
func (t *Tracker) MarkPosted(id string, src deals.Source) {
	t.posted[Key(id, src)] = t.now()
}

// FilterCounts breaks down why Filter dropped items.
type FilterCounts struct {
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"` // No identifier
}

// Filter keeps the items that are not duplicates, in their original order.
// Items without an ID are dropped as invalid.
func (t *Tracker) Filter(items []deals.Product) ([]deals.Product, FilterCounts) {
	var counts FilterCounts
	kept := make([]deals.Product, 0, len(items))
	for _, p := range items {
		if p.ID == "" {
			counts.Invalid++
			continue
		}
		if t.IsDuplicate(p.ID, p.Source) {
			counts.Duplicates++
			continue
		}
		kept = append(kept, p)
	}
	return kept, counts
}

// FilterDuplicates is Filter without the counts.
func (t *Tracker) FilterDuplicates(items []deals.Product) []deals.Product {
	kept, _ := t.Filter(items)
	return kept
}

// Prune removes expired entries, then keeps only the newest MaxEntries.
// It returns how many entries were removed.
func (t *Tracker) Prune() int {
	now := t.now()
	before := len(t.posted)
	for k, postedAt := range t.posted {
		if t.expired(postedAt, now) {
			delete(t.posted, k)
		}
	}

	if len(t.posted) > t.maxEntries {
		type record struct {
			key      string
			postedAt time.Time
		}
		records := make([]record, 0, len(t.posted))
		for k, postedAt := range t.posted {
			records = append(records, record{key: k, postedAt: postedAt})
		}
		slices.SortFunc(records, func(a, b record) int {
			if c := a.postedAt.Compare(b.postedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.key, b.key)
		})
		for _, r := range records[:len(records)-t.maxEntries] {
			delete(t.posted, r.key)
		}
	}

	return before - len(t.posted)
}

// Save prunes the history and replaces the persisted document with it.
func (t *Tracker) Save(ctx context.Context) error {
	removed := t.Prune()

	raw := make(map[string]int64, len(t.posted))
	for k, postedAt := range t.posted {
		raw[k] = postedAt.UnixMilli()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal posted history: %w", err)
	}

	if err := t.store.Write(ctx, t.key, data); err != nil {
		return fmt.Errorf("write posted history: %w", err)
	}

	t.logger.Info("Posted history saved", "key", t.key, "tracked", len(t.posted), "pruned", removed)
	return nil
}

// TrackedCount returns how many entries are held in memory.
func (t *Tracker) TrackedCount() int {
	return len(t.posted)
}
