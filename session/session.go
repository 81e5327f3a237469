// Package session runs one posting session: pick categories, fetch candidates,
// drop already-posted items, rank them and post within the daily caps.
package session

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"deal-poster/dedupe"
	"deal-poster/message"
	"deal-poster/pkg/deals"
	"deal-poster/scheduler"

	"golang.org/x/sync/errgroup"
)

const (
	defaultCategoriesPerSession = 3
	defaultFetchConcurrency     = 4
	saveTimeout                 = 30 * time.Second
)

// Reasons a session ended before working through its candidates.
const (
	StopDailyLimit    = "daily_limit_reached"
	StopNoCategories  = "no_categories"
	StopNoCandidates  = "no_candidates"
	StopRateLimited   = "rate_limited"
	StopCanceled      = "canceled"
	skipSessionTarget = "session_target"
)

// Fetcher returns candidate deals for one catalog handle.
type Fetcher interface {
	Fetch(ctx context.Context, handle string, f deals.Filters) ([]deals.Product, error)
}

// Poster delivers a formatted deal to the channel.
type Poster interface {
	PostDeal(ctx context.Context, text, imageURL string) error
}

// Formatter renders a deal as channel text.
type Formatter interface {
	Format(p *deals.Product, c *deals.Category) (string, error)
}

// Result summarizes one session.
type Result struct {
	RunID      string               `json:"run_id"`
	Posted     int                  `json:"posted"`
	Skipped    int                  `json:"skipped"`
	Failed     int                  `json:"failed"`
	PerSource  map[deals.Source]int `json:"per_source"`
	Duplicates int                  `json:"duplicates"`
	Invalid    int                  `json:"invalid"`
	Candidates int                  `json:"candidates"`
	Duration   time.Duration        `json:"-"`
	DurationMS int64                `json:"duration_ms"`
	Stopped    string               `json:"stopped,omitempty"`
	Stats      scheduler.Counters   `json:"stats"`
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	RunID            string
	Quota            *scheduler.Tracker
	Novelty          *dedupe.Tracker
	Fetchers         map[deals.Source]Fetcher
	Categories       []deals.Category
	Formatter        Formatter
	Poster           Poster
	Filters          deals.Filters
	Policy           deals.LimitPolicy
	AbortOn          func(error) bool // Ends the posting loop; message.IsRateLimited when nil
	FetchConcurrency int
	Logger           *slog.Logger
}

// Orchestrator drives a single session. Build a new one per run.
type Orchestrator struct {
	cfg        Config
	categories map[string]*deals.Category
	abortOn    func(error) bool
	logger     *slog.Logger
}

// New creates an orchestrator for one run.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		categories: make(map[string]*deals.Category, len(cfg.Categories)),
		abortOn:    cfg.AbortOn,
		logger:     cfg.Logger,
	}
	for i := range cfg.Categories {
		o.categories[cfg.Categories[i].Key] = &cfg.Categories[i]
	}
	if o.abortOn == nil {
		o.abortOn = message.IsRateLimited
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.cfg.FetchConcurrency <= 0 {
		o.cfg.FetchConcurrency = defaultFetchConcurrency
	}
	return o
}

// Run executes the session. It always returns a result, and the posted
// history is saved before it returns, whatever happened during the run.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	start := time.Now()
	res := &Result{RunID: o.cfg.RunID, PerSource: make(map[deals.Source]int)}
	defer func() {
		o.saveNovelty(ctx)
		res.Duration = time.Since(start)
		res.DurationMS = res.Duration.Milliseconds()
		res.Stats = o.cfg.Quota.CurrentStats()
		o.logger.Info("Session completed",
			"posted", res.Posted,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"per_source", res.PerSource,
			"stopped", res.Stopped,
			"duration_ms", res.DurationMS)
	}()

	quota := o.cfg.Quota
	quota.ResetIfNewDay(false)

	stats := quota.CurrentStats()
	limit := quota.TotalLimitForToday()
	target := quota.SessionPostTarget()
	if stats.Total >= limit || target <= 0 {
		o.logger.Info("Daily limit reached, nothing to do", "total", stats.Total, "limit", limit)
		res.Stopped = StopDailyLimit
		return res
	}

	count := o.cfg.Policy.CategoriesPerSession
	if count <= 0 {
		count = defaultCategoriesPerSession
	}
	keys := quota.SelectSessionCategories(count)
	if len(keys) == 0 {
		o.logger.Warn("No categories configured")
		res.Stopped = StopNoCategories
		return res
	}
	sources := quota.SourcePriorityForSession()

	o.logger.Info("Session starting",
		"categories", keys,
		"sources", sources,
		"target", target,
		"total", stats.Total,
		"limit", limit,
		"sale_mode", quota.IsSaleModeActive())

	candidates := o.fetchAll(ctx, keys, sources)
	res.Candidates = len(candidates)

	fresh, counts := o.cfg.Novelty.Filter(candidates)
	res.Duplicates = counts.Duplicates
	res.Invalid = counts.Invalid
	if len(fresh) == 0 {
		o.logger.Info("No new candidates", "fetched", len(candidates), "duplicates", counts.Duplicates, "invalid", counts.Invalid)
		res.Stopped = StopNoCandidates
		return res
	}

	slices.SortStableFunc(fresh, func(a, b deals.Product) int {
		return cmp.Compare(b.DiscountPercent, a.DiscountPercent)
	})

	o.postLoop(ctx, fresh, target, res)
	return res
}

type fetchJob struct {
	category *deals.Category
	source   deals.Source
	handle   string
	fetcher  Fetcher
}

// fetchAll queries every (category, source) pair concurrently and returns
// the candidates in category draw order, then source priority order.
func (o *Orchestrator) fetchAll(ctx context.Context, keys []string, sources []deals.Source) []deals.Product {
	var jobs []fetchJob
	for _, key := range keys {
		cat, ok := o.categories[key]
		if !ok {
			continue
		}
		for _, src := range sources {
			handle, ok := cat.Handle(src)
			if !ok {
				o.logger.Debug("Category has no handle for source", "category", key, "source", src)
				continue
			}
			fetcher, ok := o.cfg.Fetchers[src]
			if !ok || fetcher == nil {
				o.logger.Debug("No fetcher for source", "source", src)
				continue
			}
			jobs = append(jobs, fetchJob{category: cat, source: src, handle: handle, fetcher: fetcher})
		}
	}

	results := make([][]deals.Product, len(jobs))
	var g errgroup.Group
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, job := range jobs {
		g.Go(func() error {
			startTime := time.Now()
			products, err := job.fetcher.Fetch(ctx, job.handle, o.cfg.Filters)
			if err != nil {
				// A failed pair contributes nothing; the rest of the session goes on.
				o.logger.Warn("Fetch failed",
					"category", job.category.Key,
					"source", job.source,
					"duration_ms", time.Since(startTime).Milliseconds(),
					"error", err)
				return nil
			}
			for j := range products {
				products[j].CategoryKey = job.category.Key
				if products[j].Source == "" {
					products[j].Source = job.source
				}
			}
			o.logger.Info("Fetched candidates",
				"category", job.category.Key,
				"source", job.source,
				"count", len(products),
				"duration_ms", time.Since(startTime).Milliseconds())
			results[i] = products
			return nil
		})
	}
	_ = g.Wait() // Fetch goroutines never return errors

	var out []deals.Product
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (o *Orchestrator) postLoop(ctx context.Context, ranked []deals.Product, target int, res *Result) {
	quota := o.cfg.Quota
	novelty := o.cfg.Novelty

	for i := range ranked {
		p := &ranked[i]

		if ctx.Err() != nil {
			o.logger.Info("Context cancelled, stopping session", "error", ctx.Err())
			res.Stopped = StopCanceled
			return
		}

		if res.Posted >= target {
			res.Skipped++
			o.logger.Debug("Skipping candidate", "id", p.ID, "source", p.Source, "reason", skipSessionTarget)
			continue
		}
		if ok, reason := quota.CanPost(p.Source, p.CategoryKey); !ok {
			res.Skipped++
			o.logger.Debug("Skipping candidate", "id", p.ID, "source", p.Source, "category", p.CategoryKey, "reason", reason)
			continue
		}
		if novelty.IsDuplicate(p.ID, p.Source) {
			res.Skipped++
			o.logger.Debug("Skipping candidate", "id", p.ID, "source", p.Source, "reason", "duplicate")
			continue
		}

		text, err := o.cfg.Formatter.Format(p, o.categories[p.CategoryKey])
		if err != nil {
			res.Failed++
			o.logger.Warn("Format failed", "id", p.ID, "source", p.Source, "error", err)
			continue
		}

		if err := o.cfg.Poster.PostDeal(ctx, text, p.ImageURL); err != nil {
			res.Failed++
			o.logger.Warn("Post failed", "id", p.ID, "source", p.Source, "error", err)
			if o.abortOn(err) {
				o.logger.Warn("Transport rate limited, ending session", "remaining", len(ranked)-i-1)
				res.Stopped = StopRateLimited
				return
			}
			continue
		}

		novelty.MarkPosted(p.ID, p.Source)
		quota.RecordPost(p.Source, p.CategoryKey)
		res.Posted++
		res.PerSource[p.Source]++
		o.logger.Info("Deal posted",
			"id", p.ID,
			"source", p.Source,
			"category", p.CategoryKey,
			"discount", p.DiscountPercent)

		if res.Posted < target && i < len(ranked)-1 {
			if err := sleep(ctx, o.cfg.Policy.PostDelay); err != nil {
				res.Stopped = StopCanceled
				return
			}
		}
	}
}

func (o *Orchestrator) saveNovelty(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := o.cfg.Novelty.Save(saveCtx); err != nil {
		o.logger.Error("Failed to save posted history", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
