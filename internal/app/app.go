package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"cvdwatcher/internal/aggregator"
	"cvdwatcher/internal/cache"
	"cvdwatcher/internal/classifier"
	"cvdwatcher/internal/config"
	"cvdwatcher/internal/fetcher"
	"cvdwatcher/internal/metrics"
	"cvdwatcher/internal/scheduler"
	"cvdwatcher/internal/service"
	"cvdwatcher/internal/storage"
	"cvdwatcher/internal/storage/memory"
	"cvdwatcher/internal/whale"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backend is the persistence the pipeline runs against.
type backend interface {
	storage.SnapshotStore
	storage.AlertStore
	storage.SymbolAdmin
	storage.AdvisoryLocker
}

// pipeline holds the wired components for one command invocation.
type pipeline struct {
	store      backend
	market     *fetcher.Binance
	aggregator *aggregator.Aggregator
	classifier *classifier.Classifier
	whale      *whale.Detector
	metrics    *metrics.Metrics
	service    *service.Service
	closers    []func()
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// memoryBackend seeds an in-memory store with the configured symbols.
func (a *App) memoryBackend(ctx context.Context) (*memory.Store, error) {
	store := memory.New()
	for _, code := range a.Config.App.Symbols {
		if err := fetcher.ValidateSymbol(code); err != nil {
			return nil, err
		}
		if err := store.UpsertSymbol(ctx, storage.Symbol{Code: code, Name: code, Enabled: true}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (a *App) newMarket(m *metrics.Metrics) *fetcher.Binance {
	up := a.Config.Upstream
	client := fetcher.NewClient(fetcher.ClientOptions{
		Timeout:    up.RequestTimeout,
		MaxRetries: up.MaxRetries,
		BaseDelay:  up.BaseDelay,
		MaxJitter:  up.MaxJitter,
		UserAgent:  up.UserAgent,
		OnRetry:    m.RecordRetry,
	}, a.Logger)

	return fetcher.NewBinance(fetcher.BinanceOptions{
		BaseURL:        up.BaseURL,
		TradePageLimit: up.TradePageLimit,
		MaxTradePages:  up.MaxTradePages,
	}, client, a.Logger)
}

func (a *App) classifierOptions() classifier.Options {
	c := a.Config.Classifier
	return classifier.Options{
		ReferenceOffset:   c.ReferenceOffset,
		Cooldown:          c.Cooldown,
		DivergenceWindow:  c.DivergenceWindow,
		MaxCVDChangePct:   c.MaxCVDChangePct,
		MaxPriceChangePct: c.MaxPriceChangePct,
		Thresholds: classifier.Thresholds{
			BreakoutCVDPct:          c.BreakoutCVDPct,
			BreakoutPricePct:        c.BreakoutPricePct,
			BreakoutOIPct:           c.BreakoutOIPct,
			AccumulationCVDPct:      c.AccumulationCVDPct,
			AccumulationMaxPricePct: c.AccumulationMaxPricePct,
			AccumulationMinOIPct:    c.AccumulationMinOIPct,
			DistributionCVDPct:      c.DistributionCVDPct,
			DistributionPricePct:    c.DistributionPricePct,
			DistributionOIPct:       c.DistributionOIPct,
			ShortCVDPct:             c.ShortCVDPct,
			ShortPricePct:           c.ShortPricePct,
			ShortOIPct:              c.ShortOIPct,
			DivergencePriceRatio:    c.DivergencePriceRatio,
			DivergenceCVDRatio:      c.DivergenceCVDRatio,
		},
	}
}

func (a *App) newWhale() *whale.Detector {
	w := a.Config.Whale
	return whale.New(whale.Thresholds{
		AccumulationOIPct:     w.AccumulationOIPct,
		AccumulationMaxPrice:  w.AccumulationMaxPrice,
		AccumulationMinRatio:  w.AccumulationMinRatio,
		DistributionOIPct:     w.DistributionOIPct,
		DistributionPriceFrac: w.DistributionPriceFrac,
		WashRisePct:           w.WashRisePct,
		WashDropPct:           w.WashDropPct,
		WashMaxNetPct:         w.WashMaxNetPct,
		WashMaxPricePct:       w.WashMaxPricePct,
	}, a.Logger)
}

// cooldownGate chains the alert-store check with the optional Redis reservation.
func (a *App) cooldownGate(ctx context.Context, alerts storage.AlertStore) (classifier.CooldownGate, func(), error) {
	cooldown := a.Config.Classifier.Cooldown
	if cooldown <= 0 {
		cooldown = classifier.DefaultCooldown
	}
	storeGate := classifier.NewStoreGate(alerts, cooldown)
	if !a.Config.Redis.Enabled {
		return storeGate, nil, nil
	}

	client, err := cache.NewClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, err
	}
	redisGate := cache.NewCooldownGate(client, cooldown, a.Config.Redis.KeyPrefix, a.Logger)
	closer := func() { closeRedis(client, a.Logger) }
	return classifier.ChainGate{storeGate, redisGate}, closer, nil
}

func closeRedis(client *redis.Client, logger zerolog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("close redis client")
	}
}

// buildPipeline wires every component. dryRun swaps PostgreSQL for the in-memory
// store and skips Redis.
func (a *App) buildPipeline(ctx context.Context, dryRun bool, reg prometheus.Registerer) (*pipeline, error) {
	p := &pipeline{}
	if a.Config.Metrics.Enabled || reg != nil {
		p.metrics = metrics.New(a.Config.Metrics.Namespace, reg)
	}

	if dryRun {
		store, err := a.memoryBackend(ctx)
		if err != nil {
			return nil, err
		}
		p.store = store
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		p.store = store
		p.closers = append(p.closers, closeStore)
	}

	p.market = a.newMarket(p.metrics)
	p.aggregator = aggregator.New(aggregator.Options{
		Interval:                 a.Config.Collector.Interval,
		DefaultBackfillIntervals: a.Config.Collector.DefaultBackfillIntervals,
	}, p.market, p.store, a.Logger)

	var gate classifier.CooldownGate
	if !dryRun {
		g, closeGate, err := a.cooldownGate(ctx, p.store)
		if err != nil {
			p.Close()
			return nil, err
		}
		gate = g
		if closeGate != nil {
			p.closers = append(p.closers, closeGate)
		}
	}
	p.classifier = classifier.New(a.classifierOptions(), p.store, gate, a.Logger)

	deps := service.Deps{
		Registry:   p.store,
		Snapshots:  p.store,
		Syncer:     p.aggregator,
		Classifier: p.classifier,
		Locker:     p.store,
		Metrics:    p.metrics,
	}
	if a.Config.Whale.Enabled {
		p.whale = a.newWhale()
		deps.Whale = p.whale
		deps.Volume = p.market
	}

	var lockKey int64
	if !dryRun {
		lockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	p.service = service.New(service.Options{
		BatchSize:  a.Config.Collector.BatchSize,
		BatchDelay: a.Config.Collector.BatchDelay,
		LockKey:    lockKey,
	}, deps, a.Logger)
	return p, nil
}

// CollectOptions configure a one-shot collection.
type CollectOptions struct {
	DryRun bool
}

// Collect runs the pipeline once over every enabled symbol.
func (a *App) Collect(ctx context.Context, opts CollectOptions) (service.RunSummary, error) {
	p, err := a.buildPipeline(ctx, opts.DryRun, nil)
	if err != nil {
		return service.RunSummary{}, err
	}
	defer p.Close()

	if opts.DryRun {
		a.Logger.Warn().Strs("symbols", a.Config.App.Symbols).Msg("collect dry-run: snapshots stay in memory")
	}

	summary, err := p.service.RunOnce(ctx)
	if err != nil {
		return summary, err
	}
	a.printSummary(summary)
	return summary, nil
}

// Run executes the long-running collection loop and serves metrics when enabled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		reg      *prometheus.Registry
		register prometheus.Registerer
	)
	if a.Config.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		register = reg
	}

	p, err := a.buildPipeline(ctx, false, register)
	if err != nil {
		return err
	}
	defer p.Close()

	if reg != nil {
		stop := a.serveMetrics(reg)
		defer stop()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting collection service")
	err = p.service.Run(ctx, sched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("collection service stopped")
	return nil
}

func (a *App) serveMetrics(reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// ExportOptions hold parameters for exporting historical snapshots.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
	Limit  int
}

// AlertsOptions configure the alerts listing.
type AlertsOptions struct {
	Symbol string
	Limit  int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Symbols []string
	From    time.Time
	DryRun  bool
}
