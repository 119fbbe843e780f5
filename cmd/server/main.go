// Package main is the entry point for the bridge KPI indexer. It scans the L2
// chain for activity and bridge transactions, computes rolling KPIs on a
// schedule and serves them over HTTP for the dashboard.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/aggregate"
	"github.com/yourorg/bridge-kpi-indexer/internal/api"
	"github.com/yourorg/bridge-kpi-indexer/internal/classify"
	"github.com/yourorg/bridge-kpi-indexer/internal/config"
	"github.com/yourorg/bridge-kpi-indexer/internal/fetch"
	"github.com/yourorg/bridge-kpi-indexer/internal/ingest"
	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
	"github.com/yourorg/bridge-kpi-indexer/internal/otel"
	"github.com/yourorg/bridge-kpi-indexer/internal/price"
	"github.com/yourorg/bridge-kpi-indexer/internal/scheduler"
	"github.com/yourorg/bridge-kpi-indexer/internal/store"
)

// Job names, also used by POST /api/jobs/{name}/run
const (
	jobIngest          = "ingest"
	jobWeekly          = "weekly_active"
	jobDaily           = "daily_transactions"
	jobTVL             = "tvl"
	jobBridge          = "bridge_activity"
	jobDepositBackfill = "deposit_backfill"
	jobCompact         = "compact"

	compactSchedule = "0 30 3 * * *"
)

// App wires every component of the indexer
type App struct {
	cfg     config.Config
	metrics *metrics.Metrics

	store      *store.Store
	chain      *fetch.NodeClient
	tvlSource  *fetch.TVLSource
	engine     *ingest.Engine
	aggregator *aggregate.Aggregator
	prices     *price.Cache
	scheduler  *scheduler.Scheduler
	server     *http.Server
}

// main is the entry point for the application
func main() {
	// Configure logging
	setupLogging()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	app, err := NewApp(context.Background(), cfg, prometheus.DefaultRegisterer)
	if err != nil {
		logrus.Fatalf("Failed to initialize: %v", err)
	}

	app.Start()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(ctx); err != nil {
		logrus.Errorf("Shutdown incomplete: %v", err)
	}
	logrus.Info("Server stopped")
}

// NewApp opens the store, dials the upstreams that are configured and
// registers the jobs. A job whose settings are missing is disabled, the
// rest of the service keeps running.
func NewApp(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*App, error) {
	app := &App{
		cfg:     cfg,
		metrics: metrics.New(reg),
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	app.store = st

	classifier := classify.New(cfg.BridgeEntryAddress, cfg.DepositTxType, cfg.SystemAddresses)

	app.prices = price.NewCache(
		fetch.NewPriceFeed(cfg.PriceURL, cfg.PriceAsset, cfg.RequestTimeout),
		price.WithDefaultPrice(cfg.DefaultPrice),
		price.WithMetrics(app.metrics),
	)

	var tvl aggregate.TVLSource
	tvlErr := cfg.ValidateTVL()
	if tvlErr == nil {
		src, err := fetch.DialTVLSource(ctx, cfg.SettlementRPC, cfg.BridgeContract, cfg.RequestTimeout)
		if err != nil {
			tvlErr = err
		} else {
			app.tvlSource = src
			tvl = src
		}
	}

	app.aggregator = aggregate.New(st, app.prices, tvl, classifier, app.metrics)

	ingestErr := cfg.ValidateIngestion()
	if ingestErr == nil {
		chain, err := fetch.NewChainClient(ctx, cfg)
		if err != nil {
			ingestErr = err
		} else {
			app.chain = chain
			app.engine = ingest.NewEngine(chain, st, classifier, ingest.OptionsFromConfig(cfg), app.metrics)
		}
	}

	depositErr := ingestErr
	if depositErr == nil {
		depositErr = cfg.ValidateDepositBackfill()
	}

	app.scheduler = scheduler.New(cfg.JobTimeout, app.metrics)
	jobs := []jobSpec{
		{jobIngest, cfg.IngestSchedule, ingestErr, app.runIngest},
		{jobWeekly, cfg.WeeklySchedule, nil, discard(app.aggregator.SnapshotWeeklyActive)},
		{jobDaily, cfg.DailySchedule, nil, discard(app.aggregator.SnapshotDailyTransactions)},
		{jobTVL, cfg.TVLSchedule, tvlErr, discard(app.aggregator.SnapshotTVL)},
		{jobBridge, cfg.BridgeSchedule, nil, discard(app.aggregator.RecordBridgeActivity)},
		{jobDepositBackfill, cfg.DepositBackfillSchedule, depositErr, app.runDepositBackfill},
		{jobCompact, compactSchedule, ingestErr, app.runCompact},
	}
	if err := registerJobs(app.scheduler, jobs); err != nil {
		_ = st.Close()
		return nil, err
	}

	deps := api.Deps{
		Store:          st,
		KPIs:           app.aggregator,
		Jobs:           app.scheduler,
		Prices:         app.prices,
		Network:        string(cfg.Network),
		Metrics:        app.metrics,
		RequestTimeout: cfg.RequestTimeout,
	}
	if app.engine != nil {
		deps.Ingestion = app.engine
	}

	app.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.New(deps).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"network":   cfg.Network,
		"port":      cfg.Port,
		"db_path":   cfg.DBPath,
		"ingestion": ingestErr == nil,
		"tvl":       tvlErr == nil,
		"backfill":  cfg.BackfillBlocks,
	}).Info("Indexer initialized")

	return app, nil
}

// Start rebuilds the snapshot history, starts the scheduler and the HTTP server
func (a *App) Start() {
	if days := a.cfg.SnapshotBackfillDays; days > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.JobTimeout)
		if _, err := a.aggregator.Backfill(ctx, days, time.Now()); err != nil {
			logrus.Warnf("Snapshot backfill failed: %v", err)
		}
		cancel()
	}

	a.scheduler.Start()
	if a.engine != nil {
		if err := a.scheduler.Trigger(jobIngest); err != nil {
			logrus.Warnf("Initial ingestion not started: %v", err)
		}
	}

	go func() {
		logrus.Infof("Server starting on port %s", a.cfg.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()
}

// Stop shuts the HTTP server down, waits for running jobs and closes upstreams and the store
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.chain != nil {
		a.chain.Close()
	}
	if a.tvlSource != nil {
		a.tvlSource.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %v", errs)
	}
	return nil
}

func (a *App) runIngest(ctx context.Context) error {
	_, err := a.engine.Run(ctx)
	return err
}

func (a *App) runDepositBackfill(ctx context.Context) error {
	_, err := a.engine.BackfillDepositAmounts(ctx)
	return err
}

func (a *App) runCompact(ctx context.Context) error {
	_, err := a.engine.Compact(ctx, time.Now())
	return err
}
