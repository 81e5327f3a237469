package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"deal-poster/dedupe"
	"deal-poster/pkg/deals"
	"deal-poster/scheduler"
	"deal-poster/storage"

	"github.com/google/uuid"
)

// CountersKey is the storage key of the persisted daily counters.
const CountersKey = "daily_counters.json"

// ErrRunInProgress is returned when a session is triggered while another is running.
var ErrRunInProgress = errors.New("a posting session is already running")

// Store is the durable backend shared by the posted history and the counters.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Quota            *scheduler.Tracker
	Store            Store
	Fetchers         map[deals.Source]Fetcher
	Categories       []deals.Category
	Formatter        Formatter
	Poster           Poster
	Filters          deals.Filters
	Policy           deals.LimitPolicy
	AbortOn          func(error) bool
	FetchConcurrency int
	DedupeTTL        time.Duration
	DedupeMaxEntries int
	Now              func() time.Time // For the posted history; time.Now when nil
	Logger           *slog.Logger
}

// Service owns the quota tracker for the process lifetime and runs one
// session per trigger.
type Service struct {
	cfg     ServiceConfig
	logger  *slog.Logger
	running atomic.Bool

	mu      sync.Mutex
	lastRun *Result
}

// NewService creates a session service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// Trigger runs one posting session. It refuses to overlap with a running session.
func (s *Service) Trigger(ctx context.Context) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)

	s.restoreCounters(ctx, logger)

	novelty := dedupe.New(dedupe.Config{
		Store:      s.cfg.Store,
		TTL:        s.cfg.DedupeTTL,
		MaxEntries: s.cfg.DedupeMaxEntries,
		Now:        s.cfg.Now,
		Logger:     logger,
	})
	novelty.Load(ctx)

	defer func() {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		if err := s.saveCounters(saveCtx); err != nil {
			logger.Error("Failed to save daily counters", "error", err)
		}
	}()

	orch := New(Config{
		RunID:            runID,
		Quota:            s.cfg.Quota,
		Novelty:          novelty,
		Fetchers:         s.cfg.Fetchers,
		Categories:       s.cfg.Categories,
		Formatter:        s.cfg.Formatter,
		Poster:           s.cfg.Poster,
		Filters:          s.cfg.Filters,
		Policy:           s.cfg.Policy,
		AbortOn:          s.cfg.AbortOn,
		FetchConcurrency: s.cfg.FetchConcurrency,
		Logger:           logger,
	})
	res := orch.Run(ctx)

	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()

	return res, nil
}

// restoreCounters adopts the persisted counters when they are for today and
// ahead of the in-memory ones, as after a restart or a run on another instance.
func (s *Service) restoreCounters(ctx context.Context, logger *slog.Logger) {
	data, err := s.cfg.Store.Read(ctx, CountersKey)
	if err != nil {
		if !storage.IsNotFound(err) {
			logger.Warn("Failed to read daily counters, keeping in-memory state", "error", err)
		}
		return
	}

	var snap scheduler.Counters
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("Daily counters are corrupt, keeping in-memory state", "error", err)
		return
	}

	s.cfg.Quota.ResetIfNewDay(false)
	current := s.cfg.Quota.CurrentStats()
	if snap.Day != current.Day || snap.Total <= current.Total {
		return
	}
	if err := s.cfg.Quota.Restore(snap); err != nil {
		logger.Warn("Rejected persisted daily counters", "error", err)
		return
	}
	logger.Info("Restored daily counters", "day", snap.Day, "total", snap.Total)
}

func (s *Service) saveCounters(ctx context.Context) error {
	data, err := json.MarshalIndent(s.cfg.Quota.CurrentStats(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	if err := s.cfg.Store.Write(ctx, CountersKey, data); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	return nil
}

// Stats is a read-only view of the quota state.
type Stats struct {
	Counters   scheduler.Counters `json:"counters"`
	SaleMode   bool               `json:"sale_mode"`
	TotalLimit int                `json:"total_limit"`
	Remaining  int                `json:"remaining"`
	Running    bool               `json:"running"`
	LastRun    *Result            `json:"last_run,omitempty"`
}

// Stats reports today's counters and the last session result.
func (s *Service) Stats() Stats {
	quota := s.cfg.Quota
	quota.ResetIfNewDay(false)
	counters := quota.CurrentStats()
	limit := quota.TotalLimitForToday()

	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	return Stats{
		Counters:   counters,
		SaleMode:   quota.IsSaleModeActive(),
		TotalLimit: limit,
		Remaining:  max(limit-counters.Total, 0),
		Running:    s.running.Load(),
		LastRun:    last,
	}
}
