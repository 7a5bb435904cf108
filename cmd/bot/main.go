package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cyclebot/internal/broker"
	"cyclebot/internal/config"
	"cyclebot/internal/engine"
	"cyclebot/internal/httpapi"
	"cyclebot/internal/md"
	"cyclebot/internal/notify"
	"cyclebot/internal/quantize"
	"cyclebot/internal/state"
	"cyclebot/internal/strategy"
	"cyclebot/internal/telemetry"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("bot shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	runID := generateRunID()
	logger = logger.With("run_id", runID)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	// backtests keep records in process for the closing summary
	var memory *telemetry.Memory
	var extra []telemetry.Sink
	if cfg.Mode == config.ModeBacktest {
		memory = telemetry.NewMemory()
		extra = append(extra, memory)
	}
	recorder, closeTelemetry, err := openTelemetry(ctx, cfg, runID, logger, extra...)
	if err != nil {
		return fmt.Errorf("open telemetry: %w", err)
	}
	defer closeTelemetry()

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	params := md.IndicatorParams{
		FastPeriod:      cfg.FastPeriod,
		SlowPeriod:      cfg.SlowPeriod,
		SignalPeriod:    cfg.SignalPeriod,
		TrendWindow:     cfg.TrendWindow,
		TrendMeanWindow: cfg.TrendMeanWindow,
	}
	deps := engine.Deps{
		Store:    store,
		Detector: strategy.NewDetector(strategy.Config{MinSamples: cfg.TrendWindow, IgnoreTrend: cfg.IgnoreTrend}, recorder),
		Notifier: notifier,
		Recorder: recorder,
		Logger:   logger,
	}
	settings := engine.Settings{
		Interval:         cfg.Interval,
		Lookback:         cfg.Lookback,
		History:          cfg.History,
		OrderType:        broker.OrderType(cfg.OrderType),
		Currency:         cfg.Currency,
		MaxOrderValue:    decimal.NewFromFloat(cfg.MaxOrderValue),
		ProfitMultiple:   decimal.NewFromFloat(cfg.ProfitMultiple),
		ProfitCheckpoint: decimal.NewFromFloat(cfg.ProfitCheckpoint),
		SellFraction:     decimal.NewFromFloat(cfg.SellFraction),
		StopAdvance:      decimal.NewFromFloat(cfg.StopAdvance),
	}

	logger.Info("starting bot", "mode", cfg.Mode, "symbols", cfg.Symbols, "store", cfg.StoreDriver)
	if cfg.Mode == config.ModeBacktest {
		return backtest(ctx, cfg, params, deps, settings, memory, logger)
	}
	return trade(ctx, cfg, params, deps, settings, logger)
}

func trade(ctx context.Context, cfg config.Config, params md.IndicatorParams, deps engine.Deps, settings engine.Settings, logger *slog.Logger) error {
	opts := broker.AlpacaOptions{
		PriceIncrement:    decimal.NewFromFloat(cfg.PriceIncrement),
		FractionIncrement: decimal.NewFromFloat(cfg.FractionIncrement),
		TimeInForce:       alpaca.TimeInForce(cfg.TimeInForce),
	}
	if cfg.Mode == config.ModeLive {
		deps.Broker = broker.NewLive(cfg.APIKey, cfg.APISecret, opts, logger)
	} else {
		deps.Broker = broker.NewPaper(cfg.APIKey, cfg.APISecret, cfg.PaperBaseURL, opts, logger)
	}
	deps.Source = md.Annotated{Source: md.NewAlpacaSource(cfg.APIKey, cfg.APISecret, cfg.Feed, logger), Params: params}

	runner, err := engine.NewRunner(ctx, cfg.Symbols, deps, settings)
	if err != nil {
		return err
	}
	runner.SetKillSwitch(cfg.KillSwitch)

	if cfg.HTTPAddr != "" {
		router := httpapi.NewRouter(runner, deps.Store, deps.Broker.Name())
		go func() {
			if err := httpapi.Serve(ctx, cfg.HTTPAddr, router, logger); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	return runner.Run(ctx, barTicks(ctx, cfg, symbolsOf(runner), logger))
}

// barTicks emits a tick as each streamed bar closes. The stream only carries
// minute bars, so other intervals and stream failures fall back to a wall
// clock ticker.
func barTicks(ctx context.Context, cfg config.Config, symbols []string, logger *slog.Logger) <-chan engine.Tick {
	out := make(chan engine.Tick, len(symbols))
	go func() {
		defer close(out)
		if cfg.Interval == time.Minute {
			err := md.StartStream(ctx, cfg.APIKey, cfg.APISecret, cfg.Feed, symbols, logger, func(bar md.Bar) {
				select {
				case out <- engine.Tick{Symbol: bar.Symbol, At: bar.Timestamp.Add(cfg.Interval)}:
				case <-ctx.Done():
				}
			})
			if ctx.Err() != nil {
				return
			}
			logger.Warn("bar stream unavailable, falling back to ticker", "error", err)
		}
		for tick := range engine.TickerLoop(ctx, cfg.Interval) {
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func backtest(ctx context.Context, cfg config.Config, params md.IndicatorParams, deps engine.Deps, settings engine.Settings, memory *telemetry.Memory, logger *slog.Logger) error {
	source := md.NewMemorySource()
	sim := broker.NewSimulated(cfg.Currency, decimal.NewFromFloat(cfg.BacktestCash), decimal.NewFromFloat(cfg.BacktestFee))
	policy := quantize.Policy{
		MinQty:         decimal.NewFromInt(1),
		QtyIncrement:   decimal.NewFromInt(1),
		PriceIncrement: decimal.NewFromFloat(cfg.PriceIncrement),
	}
	for _, symbol := range cfg.Symbols {
		path := filepath.Join(cfg.BacktestDir, symbol+".csv")
		bars, err := md.LoadCSV(path, symbol)
		if err != nil {
			logger.Error("no bars for symbol", "symbol", symbol, "path", path, "error", err)
			continue
		}
		md.Annotate(bars, params)
		source.Load(symbol, bars)
		sim.AddAsset(broker.Asset{Symbol: symbol, Policy: policy})
	}
	deps.Broker = sim
	deps.Source = source

	runner, err := engine.NewRunner(ctx, cfg.Symbols, deps, settings)
	if err != nil {
		return err
	}
	runner.SetKillSwitch(cfg.KillSwitch)
	if err := runner.Backtest(ctx, sim, source, cfg.BacktestStart, cfg.BacktestEnd); err != nil {
		return err
	}

	summary := telemetry.Summarize(memory.Records())
	for _, play := range summary.Plays {
		logger.Info("play", "play_id", play.PlayID, "symbol", play.Symbol, "profit", play.Profit.StringFixed(2))
	}
	logger.Info("backtest summary",
		"plays", len(summary.Plays),
		"wins", summary.Wins,
		"losses", summary.Losses,
		"profit", summary.Profit.StringFixed(2),
		"cash", sim.Cash().StringFixed(2),
	)
	return nil
}

func symbolsOf(runner *engine.Runner) []string {
	out := make([]string, 0, len(runner.Workers()))
	for _, w := range runner.Workers() {
		out = append(out, w.Symbol())
	}
	return out
}

func openStore(ctx context.Context, cfg config.Config) (*state.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return state.NewStore(state.NewMemoryBackend()), nil
	case config.StoreFile:
		backend, err := state.OpenFileBackend(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return state.NewStore(backend), nil
	case config.StoreRedis:
		backend := state.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "cyclebot:")
		if err := backend.Ping(ctx); err != nil {
			return nil, err
		}
		return state.NewStore(backend), nil
	case config.StoreSQLite, config.StoreMySQL:
		backend, err := state.OpenSQLBackend(ctx, state.Dialect(cfg.StoreDriver), cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return state.NewStore(backend), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.StoreDriver)
}

func openTelemetry(ctx context.Context, cfg config.Config, runID string, logger *slog.Logger, extra ...telemetry.Sink) (*telemetry.Recorder, func(), error) {
	sinks := extra
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("close telemetry sink", "error", err)
			}
		}
	}

	if cfg.DecisionsPath != "" {
		ndjson, err := telemetry.NewNDJSONSink(cfg.DecisionsPath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ndjson)
		closers = append(closers, ndjson)
	}
	if cfg.TelemetryDB != "" {
		db, err := telemetry.NewSQLiteSink(ctx, cfg.TelemetryDB, logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, db)
		closers = append(closers, db)
	}
	return telemetry.New(runID, sinks...), closeAll, nil
}

func newNotifier(cfg config.Config, logger *slog.Logger) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.SlackWebhook))
	}
	return notifiers, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func generateRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}
