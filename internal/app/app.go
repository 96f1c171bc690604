// Package app wires the pipeline together and owns the run loop: schedule
// ticker, detector, arbiter, fallback, stores, strategies and executor, plus
// the health/metrics listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brendanplayford/nwp-trader/internal/config"
	"github.com/brendanplayford/nwp-trader/internal/journal"
	"github.com/brendanplayford/nwp-trader/internal/metrics"
	"github.com/brendanplayford/nwp-trader/internal/notify"
	"github.com/brendanplayford/nwp-trader/pkg/apifallback"
	"github.com/brendanplayford/nwp-trader/pkg/arbiter"
	"github.com/brendanplayford/nwp-trader/pkg/detector"
	"github.com/brendanplayford/nwp-trader/pkg/events"
	"github.com/brendanplayford/nwp-trader/pkg/exchange"
	"github.com/brendanplayford/nwp-trader/pkg/exec"
	"github.com/brendanplayford/nwp-trader/pkg/forecast"
	"github.com/brendanplayford/nwp-trader/pkg/grib"
	"github.com/brendanplayford/nwp-trader/pkg/latency"
	"github.com/brendanplayford/nwp-trader/pkg/market"
	"github.com/brendanplayford/nwp-trader/pkg/schedule"
	"github.com/brendanplayford/nwp-trader/pkg/store"
	"github.com/brendanplayford/nwp-trader/pkg/strategy"
	"github.com/brendanplayford/nwp-trader/pkg/weather"
)

const (
	tickerInterval  = 2 * time.Second
	positionSyncGap = 5 * time.Minute
	shutdownGrace   = 5 * time.Second
)

// App is the assembled pipeline.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	bus      *events.Bus
	tracker  *latency.Tracker
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	data *store.DataStore
	runs *store.RunHistoryStore

	manager  *schedule.Manager
	ticker   *schedule.Ticker
	detector *detector.Detector
	arb      *arbiter.Arbiter
	fallback *apifallback.Fallback

	speed *strategy.SpeedStrategy
	conf  *strategy.ConfidenceStrategy
	opps  *strategy.OpportunityTracker

	venue    exchange.MarketExchange
	stream   *exchange.PriceStream
	executor *exec.Executor

	journal  *journal.Journal
	notifier *notify.Notifier

	cities      []*weather.City
	markets     []market.Market
	cityMarkets map[string][]string // cityID -> market IDs

	ctx    context.Context
	unsubs []events.UnsubscribeFunc
}

// New builds the full dependency graph from configuration. It does not start
// any loops; call Run.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		cfg:         cfg,
		log:         log.With().Str("component", "app").Logger(),
		cityMarkets: make(map[string][]string),
	}

	cities, err := resolveCities(cfg.Cities)
	if err != nil {
		return nil, err
	}
	a.cities = cities

	a.bus = events.NewBus(log)
	a.tracker = latency.NewTracker(log, cfg.LatencyWindowSize, cfg.SlowTraceThreshold)
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	a.data = store.NewDataStore(log, store.Options{})
	a.runs = store.NewRunHistoryStore(cfg.RunDepth)

	if err := a.loadCatalog(); err != nil {
		return nil, err
	}

	modelConfigs, err := cfg.ModelConfigs()
	if err != nil {
		return nil, err
	}
	a.manager = schedule.NewManager(log, modelConfigs)
	a.ticker = schedule.NewTicker(a.manager, a.bus, tickerInterval)

	extractor := grib.NewWgribExtractor(log, cfg.Wgrib2Path, cities)
	a.detector = detector.New(log, a.bus, a.tracker, extractor,
		detector.WithPollInterval(cfg.PollInterval),
		detector.WithCallbacks(detector.Callbacks{
			OnTimeout: a.onDetectionTimeout,
			OnError:   a.onDetectionError,
		}))

	a.arb = arbiter.New(log, a.bus, a.runs,
		arbiter.WithRejectionHook(func(src weather.Source) {
			a.metrics.ArbiterRejections.WithLabelValues(string(src)).Inc()
		}))

	if cfg.FallbackEnabled {
		var provider apifallback.Provider
		switch cfg.FallbackProvider {
		case "nws":
			provider = apifallback.NewNWSProvider(nil)
		default:
			provider = apifallback.NewOpenMeteoProvider(nil)
		}
		a.fallback = apifallback.New(log, a.bus, provider, cities,
			apifallback.WithPollInterval(cfg.FallbackPollInterval))
	}

	combiner := forecast.NewCombiner(log,
		forecast.WithBiasCorrection(cfg.BiasCorrection),
		forecast.WithHorizonWeighting(cfg.HorizonWeighting),
		forecast.WithSpreadMultiplier(cfg.SpreadMultiplier),
		forecast.WithCertaintySigma(cfg.CertaintySigma))
	a.opps = strategy.NewOpportunityTracker(0, cfg.SignificantChangeF)

	speedCfg := strategy.DefaultSpeedConfig()
	speedCfg.MaxPositionUSDC = cfg.MaxPositionUSDC
	speedCfg.MinEdge = cfg.MinEdge
	speedCfg.CertaintySigma = cfg.CertaintySigma
	a.speed = strategy.NewSpeedStrategy(log, speedCfg, a.opps)

	confCfg := strategy.DefaultConfidenceConfig()
	confCfg.MaxPositionUSDC = cfg.MaxPositionUSDC * 2
	confCfg.MinScore = cfg.ConfidenceGate
	confCfg.StabilityBandC = cfg.StabilityBandC
	confCfg.RunDepth = cfg.RunDepth
	confCfg.Kelly = strategy.KellyFractions{
		Guaranteed: cfg.KellyGuaranteed,
		High:       cfg.KellyHigh,
		Medium:     cfg.KellyMedium,
		Low:        cfg.KellyLow,
	}
	a.conf = strategy.NewConfidenceStrategy(log, confCfg, a.runs, combiner, a.opps)

	if err := a.buildVenue(log); err != nil {
		return nil, err
	}

	execCfg := exec.DefaultConfig()
	execCfg.MaxPositionUSDC = cfg.MaxPositionUSDC
	execCfg.SlippageTolerance = cfg.SlippageTolerance
	execCfg.Cooldown = cfg.Cooldown
	execCfg.GuaranteedMultiplier = cfg.GuaranteedMultiplier
	a.executor = exec.New(log, execCfg, a.venue, a.tokenPrice, a.tracker, a.opps)

	// The journal is an audit trail; a broken disk must not stop trading.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.log.Warn().Err(err).Str("dir", cfg.DataDir).Msg("data dir unavailable, journal disabled")
	} else if j, err := journal.Open(log, cfg.DataDir); err != nil {
		a.log.Warn().Err(err).Msg("journal unavailable")
	} else {
		a.journal = j
	}

	a.notifier = notify.New(log, cfg.SlackWebhookURL, cfg.DiscordWebhookURL)

	a.log.Info().
		Int("cities", len(cities)).
		Int("markets", len(a.markets)).
		Int("models", len(modelConfigs)).
		Bool("sim", cfg.SimMode).
		Msg("pipeline assembled")
	return a, nil
}

func resolveCities(ids []string) ([]*weather.City, error) {
	if len(ids) == 0 {
		return weather.AllCities(), nil
	}
	out := make([]*weather.City, 0, len(ids))
	for _, id := range ids {
		c := weather.GetCity(id)
		if c == nil {
			return nil, fmt.Errorf("app: unknown city %q", id)
		}
		out = append(out, c)
	}
	return out, nil
}

// loadCatalog reads the market catalog and registers every market whose city
// is being tracked. A missing catalog is survivable: detection still runs,
// nothing trades.
func (a *App) loadCatalog() error {
	markets, err := LoadMarkets(a.cfg.MarketsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.log.Warn().Str("path", a.cfg.MarketsFile).Msg("no market catalog, running detection only")
			return nil
		}
		return err
	}
	a.registerMarkets(markets)
	return nil
}

func (a *App) registerMarkets(markets []market.Market) {
	tracked := make(map[string]bool, len(a.cities))
	for _, c := range a.cities {
		tracked[c.ID] = true
	}
	for _, m := range markets {
		if !tracked[m.City] {
			continue
		}
		a.data.AddMarket(m)
		a.markets = append(a.markets, m)
		a.cityMarkets[m.City] = append(a.cityMarkets[m.City], m.ID)
	}
}

func (a *App) buildVenue(log zerolog.Logger) error {
	if a.cfg.SimMode {
		a.venue = exchange.NewSimExchange(log)
		return nil
	}

	key, err := exchange.ParsePrivateKey([]byte(a.cfg.PrivateKeyPEM))
	if err != nil {
		return fmt.Errorf("app: parse signing key: %w", err)
	}
	var opts []exchange.ClientOption
	if a.cfg.Demo {
		opts = append(opts, exchange.WithDemo())
	}
	if a.cfg.BaseURL != "" {
		opts = append(opts, exchange.WithBaseURL(a.cfg.BaseURL))
	}
	a.venue = exchange.NewClient(log, a.cfg.APIKey, key, opts...)

	var streamOpts []exchange.StreamOption
	if a.cfg.StreamURL != "" {
		streamOpts = append(streamOpts, exchange.WithStreamURL(a.cfg.StreamURL))
	}
	a.stream = exchange.NewPriceStream(log, a.cfg.APIKey, key, func(u exchange.PriceUpdate) {
		a.data.UpdatePrice(u.TokenID, u.Price, u.Timestamp)
	}, streamOpts...)
	return nil
}

// tokenPrice is the executor's live-price lookup.
func (a *App) tokenPrice(tokenID string) (float64, bool) {
	marketID, ok := a.data.GetMarketIDByToken(tokenID)
	if !ok {
		return 0, false
	}
	ms := a.data.GetMarketState(marketID)
	if ms == nil {
		return 0, false
	}
	var price float64
	if tokenID == ms.Market.YesTokenID {
		price = ms.LastYesPrice
	} else {
		price = ms.LastNoPrice
	}
	if price <= 0 {
		return 0, false
	}
	return price, true
}

func (a *App) allTokens() []string {
	out := make([]string, 0, 2*len(a.markets))
	for _, m := range a.markets {
		out = append(out, m.YesTokenID, m.NoTokenID)
	}
	return out
}

// start attaches the event-driven components to the bus.
func (a *App) start(ctx context.Context) {
	a.ctx = ctx
	a.arb.Start()
	if a.fallback != nil {
		a.fallback.Start(ctx)
	}
	a.unsubs = append(a.unsubs,
		a.bus.Subscribe(events.DetectionWindowStart, a.onWindowStart),
		a.bus.Subscribe(events.FileDetected, a.onFileDetected),
		a.bus.Subscribe(events.FileConfirmed, a.onFileConfirmed),
		a.bus.Subscribe(events.ForecastUpdated, a.onForecastUpdated),
		a.bus.Subscribe(events.APIDataReceived, a.onAPIData),
		a.bus.Subscribe(events.RateLimitHit, a.onRateLimit),
	)
}

func (a *App) stop() {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	a.detector.StopAll()
	if a.fallback != nil {
		a.fallback.Stop()
	}
	a.arb.Stop()
}

// Run starts every loop and blocks until ctx is cancelled or a fatal error
// occurs.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.start(ctx)
	defer a.stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.ticker.Run(gctx)
		return nil
	})

	g.Go(func() error { return a.serveHTTP(gctx) })

	if a.stream != nil && len(a.markets) > 0 {
		if err := a.stream.Connect(gctx, a.allTokens()); err != nil {
			return fmt.Errorf("connect price stream: %w", err)
		}
		defer a.stream.Close()
	}

	if !a.cfg.SimMode {
		g.Go(func() error {
			a.positionSyncLoop(gctx)
			return nil
		})
	}

	a.warmConnections(gctx)

	a.log.Info().Msg("pipeline running")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// warmConnections pre-opens TLS to the buckets of the next upcoming runs so
// the first detection poll is not a cold start.
func (a *App) warmConnections(ctx context.Context) {
	seen := make(map[string]bool)
	for _, run := range a.manager.UpcomingRuns(4) {
		if seen[run.File.Bucket] {
			continue
		}
		seen[run.File.Bucket] = true
		a.detector.WarmUp(ctx, run.File.FullURL)
	}
}

func (a *App) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealthz)

	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return nil
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := a.data.GetStats()
	arb := a.arb.GetStats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w,
		`{"status":"ok","markets":%d,"markets_with_data":%d,"active_detections":%d,"active_traces":%d,"arbiter_accepted":%d,"arbiter_rejected":%d}`,
		st.Markets, st.MarketsWithData, a.detector.ActiveCount(), a.tracker.ActiveCount(),
		arb.FileAccepted+arb.APIAccepted, arb.FileRejected+arb.APIRejected)
}

func (a *App) positionSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(positionSyncGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.executor.SyncPositions(ctx); err != nil {
				a.log.Warn().Err(err).Msg("position sync failed")
			}
		}
	}
}

// Close releases resources that outlive Run.
func (a *App) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
	a.bus.Close()
}
