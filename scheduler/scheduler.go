// Package scheduler tracks daily posting quotas and decides what a posting session looks like.
package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"deal-poster/pkg/deals"
)

// Fallback caps used when the policy leaves a value unset.
const (
	DefaultSourceLimit   = 10
	DefaultCategoryLimit = 4
)

const dayLayout = "2006-01-02"

// Reason explains why CanPost refused a post.
type Reason string

// Refusal reasons, in the order CanPost checks them.
const (
	ReasonNone          Reason = "OK"
	ReasonTotalLimit    Reason = "total_limit"
	ReasonSourceLimit   Reason = "source_limit"
	ReasonCategoryLimit Reason = "category_limit"
)

// Counters is the per-day posting state.
type Counters struct {
	Day         string               `json:"day"`
	Total       int                  `json:"total"`
	PerSource   map[deals.Source]int `json:"per_source"`
	PerCategory map[string]int       `json:"per_category"`
}

func newCounters(day string) Counters {
	return Counters{
		Day:         day,
		PerSource:   make(map[deals.Source]int),
		PerCategory: make(map[string]int),
	}
}

func (c Counters) clone() Counters {
	out := newCounters(c.Day)
	out.Total = c.Total
	for k, v := range c.PerSource {
		out.PerSource[k] = v
	}
	for k, v := range c.PerCategory {
		out.PerCategory[k] = v
	}
	return out
}

// Config configures a Tracker.
type Config struct {
	Policy     deals.LimitPolicy
	Categories []deals.Category
	SaleMode   bool
	Location   *time.Location   // Calendar day boundaries; UTC when nil
	Now        func() time.Time // time.Now when nil
	Rand       *rand.Rand       // Global source when nil
}

// Tracker enforces the daily caps. Counters only grow within a day and are
// replaced wholesale when the calendar day changes.
type Tracker struct {
	mu         sync.Mutex
	policy     deals.LimitPolicy
	categories []deals.Category
	saleMode   bool
	loc        *time.Location
	now        func() time.Time
	intn       func(int) int
	counters   Counters
}

// New creates a tracker with zero counters for today.
func New(cfg Config) *Tracker {
	t := &Tracker{
		policy:     cfg.Policy,
		categories: slices.Clone(cfg.Categories),
		saleMode:   cfg.SaleMode,
		loc:        cfg.Location,
		now:        cfg.Now,
		intn:       rand.IntN,
	}
	if t.loc == nil {
		t.loc = time.UTC
	}
	if t.now == nil {
		t.now = time.Now
	}
	if cfg.Rand != nil {
		t.intn = cfg.Rand.IntN
	}
	t.counters = newCounters(t.today())
	return t
}

func (t *Tracker) today() string {
	return t.now().In(t.loc).Format(dayLayout)
}

// ResetIfNewDay zeroes the counters when the stored day is not today, or always when forced.
func (t *Tracker) ResetIfNewDay(force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(force)
}

func (t *Tracker) resetLocked(force bool) {
	today := t.today()
	if force || t.counters.Day != today {
		t.counters = newCounters(today)
	}
}

// IsSaleModeActive reports whether the raised sale cap applies.
func (t *Tracker) IsSaleModeActive() bool {
	return t.saleMode
}

// TotalLimitForToday returns the global cap: the override, else the sale cap, else the normal cap.
func (t *Tracker) TotalLimitForToday() int {
	if t.policy.TotalOverride > 0 {
		return t.policy.TotalOverride
	}
	if t.IsSaleModeActive() {
		return t.policy.SaleTotalPerDay
	}
	return t.policy.TotalPerDay
}

// SourceLimit returns the cap for a catalog. A source present in the policy
// with a zero cap is disabled.
func (t *Tracker) SourceLimit(src deals.Source) int {
	if v, ok := t.policy.PerSource[src]; ok {
		return v
	}
	return DefaultSourceLimit
}

// CategoryLimit returns the per-category cap.
func (t *Tracker) CategoryLimit() int {
	if t.policy.PerCategory > 0 {
		return t.policy.PerCategory
	}
	return DefaultCategoryLimit
}

// CanPost checks the total, source and category caps in that order and
// returns the first one that is exhausted.
func (t *Tracker) CanPost(src deals.Source, categoryKey string) (bool, Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(false)

	if t.counters.Total >= t.TotalLimitForToday() {
		return false, ReasonTotalLimit
	}
	if t.counters.PerSource[src] >= t.SourceLimit(src) {
		return false, ReasonSourceLimit
	}
	if t.counters.PerCategory[categoryKey] >= t.CategoryLimit() {
		return false, ReasonCategoryLimit
	}
	return true, ReasonNone
}

// RecordPost counts a confirmed post. Never call it before the transport succeeded.
func (t *Tracker) RecordPost(src deals.Source, categoryKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Total++
	t.counters.PerSource[src]++
	t.counters.PerCategory[categoryKey]++
}

// SelectSessionCategories draws up to count distinct category keys, weighted
// by category weight. Once a key is drawn its whole weight leaves the pool.
// The result is in draw order.
func (t *Tracker) SelectSessionCategories(count int) []string {
	type entry struct {
		key    string
		weight int
	}
	pool := make([]entry, 0, len(t.categories))
	for _, c := range t.categories {
		pool = append(pool, entry{key: c.Key, weight: max(c.Weight, 1)})
	}

	var picked []string
	cumulative := make([]int, 0, len(pool))
	for len(picked) < count && len(pool) > 0 {
		cumulative = cumulative[:0]
		sum := 0
		for _, e := range pool {
			sum += e.weight
			cumulative = append(cumulative, sum)
		}

		r := t.intn(sum)
		i := sort.SearchInts(cumulative, r+1)
		key := pool[i].key
		picked = append(picked, key)
		pool = slices.DeleteFunc(pool, func(e entry) bool { return e.key == key })
	}
	return picked
}

// SourcePriorityForSession lists the catalogs still under their cap,
// canonical sources first, then any extra configured sources by name.
func (t *Tracker) SourcePriorityForSession() []deals.Source {
	t.mu.Lock()
	defer t.mu.Unlock()

	order := slices.Clone(deals.CanonicalSources)
	var extra []deals.Source
	for src := range t.policy.PerSource {
		if !slices.Contains(order, src) {
			extra = append(extra, src)
		}
	}
	slices.Sort(extra)
	order = append(order, extra...)

	var out []deals.Source
	for _, src := range order {
		if t.counters.PerSource[src] < t.SourceLimit(src) {
			out = append(out, src)
		}
	}
	return out
}

// SessionPostTarget is how many posts this session should aim for. Callers
// must stop immediately when it is zero or negative.
func (t *Tracker) SessionPostTarget() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return min(t.policy.PostsPerSession, t.TotalLimitForToday()-t.counters.Total)
}

// CurrentStats returns a copy of the counters.
func (t *Tracker) CurrentStats() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters.clone()
}

// Restore replaces the counters with a persisted snapshot. A snapshot from
// another day is accepted and discarded by the next reset check.
func (t *Tracker) Restore(c Counters) error {
	if c.Day == "" {
		return errors.New("snapshot has no day")
	}
	sum := 0
	for src, n := range c.PerSource {
		if n < 0 {
			return fmt.Errorf("negative count for source %q", src)
		}
		sum += n
	}
	if sum != c.Total {
		return fmt.Errorf("snapshot total %d does not match per-source sum %d", c.Total, sum)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = c.clone()
	t.resetLocked(false)
	return nil
}
