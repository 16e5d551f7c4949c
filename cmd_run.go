package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"invest-core/internal/api"
	"invest-core/internal/balance"
	"invest-core/internal/engine"
	"invest-core/internal/events"
	"invest-core/internal/market"
	"invest-core/internal/monitor"
	"invest-core/internal/order"
	"invest-core/internal/persistence"
	"invest-core/internal/reconciliation"
	"invest-core/internal/strategy"
	"invest-core/pkg/config"
	"invest-core/pkg/db"
	"invest-core/pkg/exchanges/common"
	broker "invest-core/pkg/exchanges/tinkoff"
	"invest-core/pkg/logger"
	md "invest-core/pkg/market/tinkoff"
)

const (
	orderHubBuffer  = 1024
	journalBatch    = 50
	journalInterval = time.Second
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	runStrategiesPath string
	runEnvFile        string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the broker and run the configured strategies",
	Long: `Load settings from the environment, strategies from YAML, then stream
market data and trade until interrupted.

Example:
  invest-core run --strategies strategies.yaml --env .env.sandbox`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTrader(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runStrategiesPath, "strategies", "s", "", "strategy YAML file (default STRATEGIES_PATH)")
	runCmd.Flags().StringVar(&runEnvFile, "env", "", "env file to load instead of ./.env")
}

func runTrader(ctx context.Context) error {
	cfg, err := config.Load(runEnvFile)
	if err != nil {
		return err
	}
	if runStrategiesPath != "" {
		cfg.StrategiesPath = runStrategiesPath
	}

	lg := logger.GetLogger()
	if err := lg.Configure(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput, cfg.LogMaxAge); err != nil {
		return err
	}
	log := lg.WithComponent("main")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("configuration rejected")
		return err
	}

	strategies, err := strategy.LoadConfig(cfg.StrategiesPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.StrategiesPath).Error("load strategies")
		return err
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := strategy.SyncConfigToDB(database.DB, strategies); err != nil {
		return fmt.Errorf("sync strategies: %w", err)
	}

	metrics := monitor.NewSystemMetrics()

	gw, usage, err := buildGateway(ctx, cfg, strategies, log)
	if err != nil {
		return err
	}

	policy, err := events.ParseOverflowPolicy(cfg.HubPolicy)
	if err != nil {
		return err
	}
	marketHub := events.NewHub[md.Event](cfg.HubBuffer, policy)
	metrics.SetDroppedSource(marketHub.Dropped)
	orderHub := events.NewHub[events.OrderEvent](orderHubBuffer, events.OverflowDropOldest)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Market data: live session or synthetic feed.
	var (
		session    engine.StreamSession
		source     market.Source
		liveStream *md.Session
	)
	if cfg.UseMockFeed {
		mock := market.NewMockSource(figis(strategies)...)
		mock.Start(runCtx)
		session, source = mock, mock
		log.Warn("using synthetic market data")
	} else {
		liveStream = md.NewSession(md.SessionConfig{
			URL:          cfg.StreamURL,
			Token:        cfg.Token,
			PingInterval: cfg.PingInterval,
		},
			md.WithLogger(lg.WithComponent("tinkoff_stream")),
			md.WithReconnectHook(func(attempt int, wait time.Duration) { metrics.IncReconnects() }),
		)
		defer liveStream.Close()

		connectCtx, connectCancel := context.WithTimeout(runCtx, connectTimeout)
		err := liveStream.Connect(connectCtx)
		connectCancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			log.WithField("timeout", connectTimeout.String()).Warn("stream not connected yet, continuing in background")
		default:
			return fmt.Errorf("connect market stream: %w", err)
		}
		session, source = liveStream, liveStream
	}

	feed := &market.Feed{
		Source:  source,
		Hub:     marketHub,
		Metrics: metrics,
		Log:     lg.WithComponent("market_feed"),
	}
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := feed.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("market feed stopped")
		}
	}()

	// Order journal and alerting.
	journal := persistence.NewBatchWriter(database.DB, journalBatch, journalInterval, metrics)
	journal.Consume(runCtx, orderHub)
	alerts := monitor.LogSink{Log: lg.WithComponent("alerts")}
	(&monitor.Monitor{Hub: orderHub, Sink: alerts}).Start(runCtx)

	balances := balance.NewManager(gw, cfg.ResyncInterval)
	orders := order.NewAsyncExecutor(gw, cfg.OrderWorkers, metrics)
	subscriptions := engine.NewSubscriptions(session, lg.WithComponent("subscriptions"))

	executors := make([]*engine.Executor, 0, len(strategies))
	for _, sc := range strategies {
		ex, err := engine.NewExecutor(sc, engine.Deps{
			Gateway:       gw,
			Orders:        orders,
			Session:       session,
			Subscriptions: subscriptions,
			MarketHub:     marketHub,
			OrderHub:      orderHub,
			Balance:       balances,
			Store:         database,
			Metrics:       metrics,
			Log:           lg.WithComponent("executor"),
		})
		if err != nil {
			return err
		}
		ex.SetResyncInterval(cfg.ResyncInterval)
		if err := ex.Start(runCtx); err != nil {
			log.WithError(err).WithField("strategy_id", sc.ID).Error("strategy failed to start")
			cancel()
			waitExecutors(executors)
			return err
		}
		executors = append(executors, ex)
	}
	balances.Start(runCtx)

	tracked := make([]reconciliation.Strategy, 0, len(executors))
	for _, ex := range executors {
		tracked = append(tracked, ex)
	}
	reconciliation.NewService(gw, database, tracked, alerts, cfg.ReconcileInterval).Start(runCtx)

	svc := engine.NewImpl(engine.Config{
		Executors: executors,
		Session:   session,
		Metrics:   metrics,
		DB:        database,
		Usage:     usage,
		Meta: engine.SystemStatus{
			Mode:        cfg.Mode(),
			DryRun:      cfg.DryRun,
			Sandbox:     cfg.Sandbox,
			UseMockFeed: cfg.UseMockFeed,
			Version:     buildVersion(),
		},
	})
	server := api.NewServer(svc, metrics, orderHub, cfg.JWTSecret)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(":" + cfg.Port)
	}()
	log.WithFields(logger.Fields{
		"mode":       cfg.Mode(),
		"strategies": len(executors),
		"port":       cfg.Port,
	}).Info("invest-core running")

	executorErr := make(chan error, 1)
	for _, ex := range executors {
		go func(ex *engine.Executor) {
			<-ex.Done()
			if err := ex.Err(); err != nil {
				select {
				case executorErr <- err:
				default:
				}
			}
		}(ex)
	}

	var streamDone <-chan struct{}
	if liveStream != nil {
		streamDone = liveStream.Done()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
			log.WithError(err).Error("api server stopped")
		}
	case <-streamDone:
		runErr = liveStream.Err()
		if runErr == nil {
			runErr = md.ErrSessionClosed
		}
		log.WithError(runErr).Error("market stream terminated")
	case runErr = <-executorErr:
		log.WithError(runErr).Error("strategy stopped on a fatal error")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown")
	}
	waitExecutors(executors)
	orders.Close()
	if liveStream != nil {
		_ = liveStream.Close()
	}
	<-feedDone
	marketHub.Close()
	orderHub.Close()
	if err := journal.Close(); err != nil {
		log.WithError(err).Error("final journal flush")
	}
	snap := metrics.GetSnapshot()
	log.WithFields(logger.Fields{
		"decisions":      snap.Decisions,
		"orders_placed":  snap.OrdersPlaced,
		"orders_reject":  snap.OrdersRejected,
		"reconnects":     snap.Reconnects,
		"dropped_events": snap.DroppedEvents,
	}).Info("stopped")
	return runErr
}

// buildGateway picks the dry-run broker or the REST client. The REST client
// also reports request usage.
func buildGateway(ctx context.Context, cfg *config.Config, strategies []strategy.Config, log *logger.Entry) (common.Gateway, engine.Usage, error) {
	if cfg.DryRun {
		log.WithFields(logger.Fields{
			"balance":  cfg.DryRunInitialBalance.String(),
			"currency": cfg.DryRunCurrency,
		}).Warn("dry run: orders are simulated")
		return order.NewDryRunGateway(order.DryRunSimConfig{
			Currency:       cfg.DryRunCurrency,
			InitialBalance: cfg.DryRunInitialBalance,
			FeeRate:        cfg.DryRunFeeRate,
		}), nil, nil
	}

	client := broker.New(broker.Config{
		Token:           cfg.Token,
		BaseURL:         cfg.APIURL,
		Sandbox:         cfg.Sandbox,
		BrokerAccountID: cfg.BrokerAccountID,
		RateLimit:       cfg.RESTRateLimit,
	})
	if cfg.Sandbox {
		account, err := client.Register(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, cur := range currencies(strategies) {
			if err := client.SetCurrencyBalance(ctx, cur, cfg.SandboxBalance); err != nil {
				return nil, nil, err
			}
		}
		log.WithFields(logger.Fields{
			"account":    account,
			"balance":    cfg.SandboxBalance.String(),
			"currencies": currencies(strategies),
		}).Info("sandbox account ready")
	}
	return client, client, nil
}

func waitExecutors(executors []*engine.Executor) {
	for _, ex := range executors {
		<-ex.Done()
	}
}

func figis(strategies []strategy.Config) []string {
	out := make([]string, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, s.FIGI)
	}
	return out
}

func currencies(strategies []strategy.Config) []string {
	seen := make(map[string]struct{})
	for _, s := range strategies {
		seen[s.Currency] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
