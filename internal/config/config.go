package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

type Config struct {
	Mode     Mode
	Symbols  []string
	Feed     string
	Interval time.Duration
	Lookback int
	History  time.Duration

	FastPeriod      int
	SlowPeriod      int
	SignalPeriod    int
	TrendWindow     int
	TrendMeanWindow int
	IgnoreTrend     bool

	OrderType         string
	TimeInForce       string
	Currency          string
	MaxOrderValue     float64
	ProfitMultiple    float64
	ProfitCheckpoint  float64
	SellFraction      float64
	StopAdvance       float64
	PriceIncrement    float64
	FractionIncrement float64
	KillSwitch        bool

	StoreDriver   string
	StoreDSN      string
	StorePath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DecisionsPath string
	TelemetryDB   string
	HTTPAddr      string
	LogLevel      string
	LogFormat     string

	BacktestDir   string
	BacktestStart time.Time
	BacktestEnd   time.Time
	BacktestCash  float64
	BacktestFee   float64

	PaperBaseURL   string
	APIKey         string
	APISecret      string
	TelegramToken  string
	TelegramChatID int64
	SlackWebhook   string
}

// envAliases maps flags to the environment names deployments already use.
// Every other flag is also read from CYCLEBOT_<FLAG_NAME>.
var envAliases = map[string]string{
	"redis-addr":     "REDIS_ADDR",
	"redis-password": "REDIS_PASSWORD",
	"store-dsn":      "DATABASE_DSN",
}

// Load resolves the configuration from, in increasing precedence, flag
// defaults, an optional JSON file named by --config, the environment
// (including a .env file) and explicit command line flags.
func Load(args []string) (Config, error) {
	var cfg Config
	var mode, symbols, start, end, configPath string

	if err := loadDotEnvIfPresent(".env"); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("cyclebot", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "optional JSON file keyed by flag name")
	fs.StringVar(&mode, "mode", string(ModePaper), "run mode: live, paper or backtest")
	fs.StringVar(&symbols, "symbols", "", "comma separated symbols to trade")
	fs.StringVar(&cfg.Feed, "feed", "iex", "market data feed: iex or sip")
	fs.DurationVar(&cfg.Interval, "interval", time.Minute, "bar interval")
	fs.IntVar(&cfg.Lookback, "lookback", 250, "bars handed to the signal detector")
	fs.DurationVar(&cfg.History, "history", 0, "span of bars fetched per tick; must reach across market closures, 0 for three times lookback plus four days")
	fs.IntVar(&cfg.FastPeriod, "macd-fast", 12, "MACD fast EMA period")
	fs.IntVar(&cfg.SlowPeriod, "macd-slow", 26, "MACD slow EMA period")
	fs.IntVar(&cfg.SignalPeriod, "macd-signal", 9, "MACD signal EMA period")
	fs.IntVar(&cfg.TrendWindow, "trend-window", 200, "long trend moving average window")
	fs.IntVar(&cfg.TrendMeanWindow, "trend-mean-window", 5, "window of the trend average's mean")
	fs.BoolVar(&cfg.IgnoreTrend, "ignore-trend", false, "enter without the rising trend condition")
	fs.StringVar(&cfg.OrderType, "order-type", "market", "entry order type: market or limit")
	fs.StringVar(&cfg.TimeInForce, "time-in-force", "day", "time in force for broker orders")
	fs.StringVar(&cfg.Currency, "currency", "USD", "account currency used for sizing")
	fs.Float64Var(&cfg.MaxOrderValue, "max-order-value", 500, "max notional per entry")
	fs.Float64Var(&cfg.ProfitMultiple, "profit-multiple", 1.5, "target distance in risk units")
	fs.Float64Var(&cfg.ProfitCheckpoint, "profit-checkpoint", 0.25, "gain above entry at which a plan is too late")
	fs.Float64Var(&cfg.SellFraction, "sell-fraction", 0.5, "fraction of the holding sold per take profit")
	fs.Float64Var(&cfg.StopAdvance, "stop-advance", 0.99, "stop moves to this fraction of each take profit fill")
	fs.Float64Var(&cfg.PriceIncrement, "price-increment", 0.01, "default tick size")
	fs.Float64Var(&cfg.FractionIncrement, "fraction-increment", 0.001, "quantity step for fractionable assets")
	fs.BoolVar(&cfg.KillSwitch, "kill-switch", false, "start with new entries halted")
	fs.StringVar(&cfg.StoreDriver, "store", StoreFile, "rule store: memory, file, redis, sqlite or mysql")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", "", "sqlite path or mysql DSN")
	fs.StringVar(&cfg.StorePath, "store-path", "cyclebot-state.json", "checkpoint file for the file store")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the redis store")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&cfg.DecisionsPath, "decisions-path", "decisions.ndjson", "NDJSON telemetry path, empty to disable")
	fs.StringVar(&cfg.TelemetryDB, "telemetry-db", "", "SQLite telemetry path, empty to disable")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "status API address, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "text or json")
	fs.StringVar(&cfg.BacktestDir, "backtest-dir", "", "directory holding <SYMBOL>.csv bar files")
	fs.StringVar(&start, "backtest-start", "", "first bar replayed, RFC3339 or YYYY-MM-DD")
	fs.StringVar(&end, "backtest-end", "", "last bar replayed, RFC3339 or YYYY-MM-DD")
	fs.Float64Var(&cfg.BacktestCash, "backtest-cash", 10000, "starting cash of the simulated account")
	fs.Float64Var(&cfg.BacktestFee, "backtest-fee", 0, "fee rate charged on simulated fills")
	fs.StringVar(&cfg.PaperBaseURL, "paper-base-url", "https://paper-api.alpaca.markets", "paper trading base URL")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if configPath != "" {
		if err := applyFile(fs, configPath, explicit); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(fs, explicit); err != nil {
		return cfg, err
	}

	cfg.Mode = Mode(mode)
	cfg.Symbols = splitSymbols(symbols)
	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.SlackWebhook = os.Getenv("SLACK_WEBHOOK_URL")
	if chat := os.Getenv("TELEGRAM_CHAT_ID"); chat != "" {
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	var err error
	if cfg.BacktestStart, err = parseDate(start); err != nil {
		return cfg, fmt.Errorf("backtest-start: %w", err)
	}
	if cfg.BacktestEnd, err = parseDate(end); err != nil {
		return cfg, fmt.Errorf("backtest-end: %w", err)
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFile sets every flag named in the JSON file that the command line
// did not set.
func applyFile(fs *flag.FlagSet, path string, explicit map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for name, raw := range values {
		if explicit[name] {
			continue
		}
		if fs.Lookup(name) == nil {
			return fmt.Errorf("config file %s: unknown setting %q", path, name)
		}
		value := string(raw)
		var s string
		if json.Unmarshal(raw, &s) == nil {
			value = s
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, name, err)
		}
	}
	return nil
}

func applyEnv(fs *flag.FlagSet, explicit map[string]bool) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || f.Name == "config" {
			return
		}
		value, ok := lookupEnv(f.Name)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("env for %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func lookupEnv(flagName string) (string, bool) {
	if value, ok := os.LookupEnv(EnvName(flagName)); ok {
		return value, true
	}
	if alias, ok := envAliases[flagName]; ok {
		return os.LookupEnv(alias)
	}
	return "", false
}

// EnvName is the environment variable read for a flag.
func EnvName(flagName string) string {
	return "CYCLEBOT_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func loadDotEnvIfPresent(path string) error {
	err := loadDotEnv(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadDotEnv sets variables from path without overriding the process
// environment.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func splitSymbols(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(part))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	return out
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}

func validate(cfg Config) error {
	switch cfg.Mode {
	case ModeLive, ModePaper:
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in %s mode", cfg.Mode)
		}
	case ModeBacktest:
		if cfg.BacktestDir == "" {
			return fmt.Errorf("backtest-dir is required in backtest mode")
		}
		if cfg.BacktestCash <= 0 {
			return fmt.Errorf("backtest-cash must be > 0")
		}
		if cfg.BacktestFee < 0 || cfg.BacktestFee >= 1 {
			return fmt.Errorf("backtest-fee must be in [0, 1)")
		}
		if !cfg.BacktestEnd.IsZero() && cfg.BacktestEnd.Before(cfg.BacktestStart) {
			return fmt.Errorf("backtest-end is before backtest-start")
		}
	default:
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= cfg.FastPeriod || cfg.SignalPeriod <= 0 {
		return fmt.Errorf("MACD periods must satisfy 0 < fast < slow and signal > 0")
	}
	if cfg.TrendWindow <= 1 || cfg.TrendMeanWindow <= 0 {
		return fmt.Errorf("trend-window must be > 1 and trend-mean-window > 0")
	}
	if cfg.History < 0 {
		return fmt.Errorf("history must be >= 0")
	}
	if cfg.Lookback < cfg.TrendWindow {
		return fmt.Errorf("lookback must be >= trend-window")
	}
	if cfg.OrderType != "market" && cfg.OrderType != "limit" {
		return fmt.Errorf("order-type must be market or limit")
	}
	if cfg.MaxOrderValue <= 0 {
		return fmt.Errorf("max-order-value must be > 0")
	}
	if cfg.ProfitMultiple <= 0 || cfg.ProfitCheckpoint <= 0 {
		return fmt.Errorf("profit-multiple and profit-checkpoint must be > 0")
	}
	if cfg.SellFraction <= 0 || cfg.SellFraction > 1 {
		return fmt.Errorf("sell-fraction must be in (0, 1]")
	}
	if cfg.StopAdvance <= 0 || cfg.StopAdvance > 1 {
		return fmt.Errorf("stop-advance must be in (0, 1]")
	}
	if cfg.PriceIncrement <= 0 || cfg.FractionIncrement <= 0 {
		return fmt.Errorf("price-increment and fraction-increment must be > 0")
	}
	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreFile:
		if cfg.StorePath == "" {
			return fmt.Errorf("store-path is required for the file store")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required for the redis store")
		}
	case StoreSQLite, StoreMySQL:
		if cfg.StoreDSN == "" {
			return fmt.Errorf("store-dsn is required for the %s store", cfg.StoreDriver)
		}
	default:
		return fmt.Errorf("invalid store: %s", cfg.StoreDriver)
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}
	return nil
}
