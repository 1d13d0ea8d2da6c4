package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cvdwatcher/internal/aggregator"
	"cvdwatcher/internal/classifier"
	"cvdwatcher/internal/metrics"
	"cvdwatcher/internal/scheduler"
	"cvdwatcher/internal/storage"
	"cvdwatcher/internal/whale"
)

const (
	defaultBatchSize  = 4
	defaultBatchDelay = 800 * time.Millisecond
)

// WhaleHistory is the number of open-interest points fed to the whale detector.
const WhaleHistory = 3

// Syncer fills missing buckets for one symbol.
type Syncer interface {
	Sync(ctx context.Context, symbol string, last *storage.Snapshot) (aggregator.SyncResult, error)
}

// Evaluator classifies a newest-first snapshot window and persists any alert.
type Evaluator interface {
	Evaluate(ctx context.Context, symbol string, window []storage.Snapshot) (*storage.Alert, classifier.Result, error)
	WindowSize() int
}

// WhaleDetector scores open-interest patterns.
type WhaleDetector interface {
	Detect(in whale.Input) whale.Signal
}

// VolumeSource provides the 24h traded notional used to normalise whale signals.
type VolumeSource interface {
	Fetch24hQuoteVolume(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Options tune batching and locking.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	LockKey    int64
}

// Deps are the collaborators of the run. Whale, Volume, Locker and Metrics are optional.
type Deps struct {
	Registry   storage.SymbolRegistry
	Snapshots  storage.SnapshotStore
	Syncer     Syncer
	Classifier Evaluator
	Whale      WhaleDetector
	Volume     VolumeSource
	Locker     storage.AdvisoryLocker
	Metrics    *metrics.Metrics
}

// SymbolOutcome is the per-symbol result within a run.
type SymbolOutcome struct {
	Symbol   string
	Err      error
	Sync     aggregator.SyncResult
	Category classifier.Category
	Alert    *storage.Alert
	Whale    whale.Signal
}

// RunSummary aggregates one invocation.
type RunSummary struct {
	RunID      string
	Started    time.Time
	Finished   time.Time
	Symbols    int
	Succeeded  int
	Failed     int
	Snapshots  int
	Alerts     int
	BatchSizes []int
	// LockHeld is set when another runner owned the advisory lock and nothing ran.
	LockHeld bool
	Outcomes []SymbolOutcome
}

// Service drives the per-symbol pipeline over the enabled symbol set.
type Service struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

// New constructs the collection service.
func New(opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	if deps.Locker == nil {
		if l, ok := deps.Snapshots.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	return &Service{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
		sleep:  sleepContext,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
}

// Run invokes RunOnce on every scheduler tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := s.RunOnce(ctx)
		return err
	})
}

// RunOnce processes every enabled symbol once. Per-symbol failures are counted
// in the summary; only run-level problems are returned as errors.
func (s *Service) RunOnce(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{RunID: s.newID(), Started: s.now()}
	logger := s.logger.With().Str("run_id", summary.RunID).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return summary, err
	}
	if !proceed {
		summary.LockHeld = true
		summary.Finished = s.now()
		logger.Info().Msg("skip run because advisory lock held elsewhere")
		return summary, nil
	}
	if unlock != nil {
		defer unlock()
	}

	symbols, err := s.deps.Registry.EnabledSymbols(ctx)
	if err != nil {
		return summary, fmt.Errorf("load enabled symbols: %w", err)
	}
	summary.Symbols = len(symbols)
	summary.Outcomes = make([]SymbolOutcome, len(symbols))

	size := s.opts.BatchSize
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		batch := symbols[start:end]
		summary.BatchSizes = append(summary.BatchSizes, len(batch))

		var g errgroup.Group
		for i, sym := range batch {
			idx := start + i
			code := sym.Code
			g.Go(func() error {
				summary.Outcomes[idx] = s.processSymbol(ctx, logger, code)
				return nil
			})
		}
		_ = g.Wait()

		if end < len(symbols) && s.opts.BatchDelay > 0 {
			if err := s.sleep(ctx, s.opts.BatchDelay); err != nil {
				return s.finish(logger, summary), err
			}
		}
	}

	return s.finish(logger, summary), nil
}

func (s *Service) finish(logger zerolog.Logger, summary RunSummary) RunSummary {
	for _, out := range summary.Outcomes {
		if out.Symbol == "" {
			continue
		}
		if out.Err != nil {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		summary.Snapshots += out.Sync.Written
		if out.Alert != nil {
			summary.Alerts++
		}
	}
	summary.Finished = s.now()
	s.deps.Metrics.RecordRun(summary.Succeeded, summary.Failed, summary.Finished.Sub(summary.Started), summary.Finished)

	logger.Info().
		Int("symbols", summary.Symbols).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("snapshots", summary.Snapshots).
		Int("alerts", summary.Alerts).
		Dur("elapsed", summary.Finished.Sub(summary.Started)).
		Msg("run complete")
	return summary
}

func (s *Service) processSymbol(ctx context.Context, logger zerolog.Logger, symbol string) SymbolOutcome {
	out := SymbolOutcome{Symbol: symbol, Category: classifier.CategoryNone}
	log := logger.With().Str("symbol", symbol).Logger()

	if err := s.pipeline(ctx, symbol, &out); err != nil {
		out.Err = err
		log.Error().Err(err).Msg("symbol pipeline failed")
		return out
	}

	log.Debug().
		Int("written", out.Sync.Written).
		Str("category", string(out.Category)).
		Str("whale", string(out.Whale.Type)).
		Msg("symbol processed")
	return out
}

func (s *Service) pipeline(ctx context.Context, symbol string, out *SymbolOutcome) error {
	var last *storage.Snapshot
	latest, err := s.deps.Snapshots.LatestSnapshot(ctx, symbol)
	switch {
	case err == nil:
		last = &latest
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("load latest snapshot: %w", err)
	}

	res, err := s.deps.Syncer.Sync(ctx, symbol, last)
	out.Sync = res
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	s.deps.Metrics.RecordSync(res.Written, res.Skipped, res.Degraded)

	window, err := s.deps.Snapshots.RecentSnapshots(ctx, symbol, s.deps.Classifier.WindowSize())
	if err != nil {
		return fmt.Errorf("load snapshot window: %w", err)
	}
	if len(window) < 2 {
		return nil
	}

	alert, cres, err := s.deps.Classifier.Evaluate(ctx, symbol, window)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	out.Category = cres.Category
	out.Alert = alert
	s.deps.Metrics.RecordClassification(string(cres.Category), alert != nil, cres.Suppressed, cres.Anomaly)

	out.Whale = s.detectWhale(ctx, symbol, window, cres.Changes.PricePct)
	return nil
}

// detectWhale is best effort: a missing volume only weakens the accumulation rule.
func (s *Service) detectWhale(ctx context.Context, symbol string, window []storage.Snapshot, pricePct float64) whale.Signal {
	none := whale.Signal{Type: whale.SignalNone}
	if s.deps.Whale == nil {
		return none
	}

	history := OIHistory(window, WhaleHistory)
	if len(history) < 2 {
		return none
	}

	volume := decimal.Zero
	if s.deps.Volume != nil {
		v, err := s.deps.Volume.Fetch24hQuoteVolume(ctx, symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("24h volume unavailable for whale detection")
		} else {
			volume = v
		}
	}

	sig := s.deps.Whale.Detect(whale.Input{History: history, PriceChangePct: pricePct, Volume24h: volume})
	if sig.Type != whale.SignalNone {
		s.deps.Metrics.RecordWhale(string(sig.Type))
		s.logger.Info().
			Str("symbol", symbol).
			Str("type", string(sig.Type)).
			Int("confidence", sig.Confidence).
			Str("description", sig.Description).
			Msg("whale signal")
	}
	return sig
}

// OIHistory extracts up to n newest-first open-interest points from a newest-first
// window, stopping at the first snapshot without open interest.
func OIHistory(window []storage.Snapshot, n int) []whale.OIPoint {
	out := make([]whale.OIPoint, 0, n)
	for _, snap := range window {
		if len(out) == n || !snap.OIContracts.Valid {
			break
		}
		value := decimal.Zero
		if snap.OIValue.Valid {
			value = snap.OIValue.Decimal
		}
		out = append(out, whale.OIPoint{Time: snap.Bucket, Contracts: snap.OIContracts.Decimal, Value: value})
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
