package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/perpsim/internal/agent"
	"github.com/gateway-fm/perpsim/internal/chain"
	"github.com/gateway-fm/perpsim/internal/config"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/metrics"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/internal/rpc"
	"github.com/gateway-fm/perpsim/internal/scenario"
	"github.com/gateway-fm/perpsim/internal/simulator"
	"github.com/gateway-fm/perpsim/internal/storage"
	"github.com/gateway-fm/perpsim/internal/transport"
	"github.com/gateway-fm/perpsim/internal/validator"
	"github.com/gateway-fm/perpsim/pkg/types"
)

// version is set at build time.
var version = "dev"

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	serveAPI bool
	// registry defaults to the global prometheus registry.
	registry *prometheus.Registry

	logger    *slog.Logger
	metrics   *metrics.PrometheusMetrics
	store     storage.Storage
	runner    *simulator.Runner
	ledger    *chain.Client
	gateway   *exchange.Gateway
	loader    *agent.Loader
	notifier  *report.Notifier
	waiter    scenario.Waiter
	validator *validator.Validator
	api       *http.Server
	apiServer *transport.Server
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

// init resolves the configuration and builds the clients. It does not
// contact the ledger or gateway.
func (a *app) init() error {
	if err := a.cfg.LoadScenarioFile(); err != nil {
		return err
	}
	if err := a.cfg.Resolve(); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(a.cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if a.registry != nil {
		reg = a.registry
	}
	a.metrics = metrics.NewPrometheusMetrics(reg)

	if a.cfg.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(a.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage at %s: %w", a.cfg.DatabasePath, err)
		}
		a.store = store
		logger.Info("initialized storage", slog.String("path", a.cfg.DatabasePath))
	}

	a.runner = simulator.NewRunner(simulator.RunnerConfig{
		Store:   a.store,
		Metrics: a.metrics,
		Cluster: a.cfg.Resolved.Name,
		Commit:  a.cfg.Commit,
		Logger:  logger,
	})

	ledgerCfg := chain.DefaultClientConfig(a.cfg.RPCURL)
	ledgerCfg.Logger = logger
	a.ledger = chain.NewClient(ledgerCfg)

	rpcCfg := rpc.DefaultClientConfig(a.cfg.GatewayURL)
	rpcCfg.Logger = logger
	rpcCfg.Observe = a.metrics.RecordRPC
	a.gateway = exchange.NewGateway(rpc.NewHTTPClient(rpcCfg), a.cfg.Resolved, logger)

	a.loader = agent.NewLoader(agent.LoaderConfig{
		Ledger:    a.ledger,
		Dialer:    a.gateway,
		ProgramID: a.cfg.Resolved.ProgramID,
		Logger:    logger,
	})
	a.notifier = report.NewNotifier(report.NotifierConfig{
		Token:   a.cfg.SlackToken,
		Channel: a.cfg.SlackChannel,
		Logger:  logger,
	})
	a.waiter = scenario.SlotWaiter{Slots: chain.NewSlotWatcher(a.cfg.WSURL, chain.DefaultSlotDuration, logger)}

	logger.Info("resolved configuration",
		slog.String("cluster", a.cfg.Resolved.Name),
		slog.String("rpc", a.cfg.RPCURL),
		slog.String("gateway", a.cfg.GatewayURL))
	return nil
}

// start launches the local validator and the status API when configured.
func (a *app) start(ctx context.Context) error {
	if a.cfg.ValidatorScript != "" {
		a.validator = validator.New(validator.Config{
			Script:  a.cfg.ValidatorScript,
			LogFile: a.cfg.ValidatorLog,
			RPC:     a.ledger,
			Logger:  a.logger,
		})
		if err := a.validator.Start(ctx); err != nil {
			return err
		}
	}
	if a.serveAPI && a.api == nil && a.cfg.ListenAddr != "" {
		a.startAPI()
	}
	return nil
}

func (a *app) startAPI() {
	var gatherer prometheus.Gatherer
	if a.registry != nil {
		gatherer = a.registry
	}
	a.apiServer = transport.NewServer(transport.ServerConfig{
		Status:             a.runner,
		Store:              a.store,
		Ledger:             a.ledger,
		Gateway:            a.gateway,
		Version:            version,
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		Gatherer:           gatherer,
		Logger:             a.logger,
	})
	a.api = &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.cfg.ListenAddr))
		if err := a.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}()
}

// close stops everything start launched and closes the store.
func (a *app) close() {
	if a.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.api.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
		a.apiServer.Close()
	}
	if a.validator != nil {
		if err := a.validator.Stop(); err != nil {
			a.logger.Warn("failed to stop validator", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// workflow runs fn as a tracked run. fn returns the run summary.
func (a *app) workflow(ctx context.Context, kind types.RunKind, market *int, fn func(ctx context.Context, d scenario.Deps) (any, error)) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	run, err := a.runner.Start(ctx, kind, market)
	if err != nil {
		return err
	}
	logger := a.logger.With(slog.String("run_id", run.ID()), slog.String("kind", string(kind)))

	d := scenario.Deps{
		Ledger: a.ledger,
		Results: report.NewBuilder(ctx, report.BuilderConfig{
			Notifier: a.notifier,
			Commit:   a.cfg.Commit,
			Logger:   logger,
		}),
		Sink:     run,
		Recorder: run,
		Waiter:   a.waiter,
		Metrics:  a.metrics,
		Timings:  a.cfg.Timings,
		Logger:   logger,
	}

	summary, err := fn(ctx, d)
	run.Finish(context.WithoutCancel(ctx), err, summary)
	if err != nil {
		logger.Error("workflow failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("workflow finished")
	return nil
}

// withAdmin loads the admin and n-1 further local users.
func (a *app) withAdmin(ctx context.Context, d scenario.Deps, n int) (scenario.Deps, error) {
	d.Recorder.SetPhase(types.PhaseLoadingUsers, "")
	admin, agents, err := a.loader.LoadLocalUsers(ctx, a.cfg.KeypairsDir, n)
	if err != nil {
		return d, fmt.Errorf("load local users: %w", err)
	}
	d.Admin = admin
	d.Agents = agents
	return d, nil
}

// setup loads the admin and the users with a position in market.
func (a *app) setup(ctx context.Context, d scenario.Deps, market uint16) (scenario.Deps, error) {
	return scenario.Setup(ctx, d, scenario.SetupConfig{
		Loader:      a.loader,
		KeypairsDir: a.cfg.KeypairsDir,
		AccountsDir: a.cfg.AccountsDir,
		Market:      market,
	})
}
