package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Mode:              ModeBacktest,
		Symbols:           []string{"AAPL"},
		Interval:          time.Minute,
		Lookback:          250,
		FastPeriod:        12,
		SlowPeriod:        26,
		SignalPeriod:      9,
		TrendWindow:       200,
		TrendMeanWindow:   5,
		OrderType:         "market",
		MaxOrderValue:     500,
		ProfitMultiple:    1.5,
		ProfitCheckpoint:  0.25,
		SellFraction:      0.5,
		StopAdvance:       0.99,
		PriceIncrement:    0.01,
		FractionIncrement: 0.001,
		StoreDriver:       StoreMemory,
		BacktestDir:       "testdata",
		BacktestCash:      1000,
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	assert.NoError(t, validate(validConfig()))
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":             func(c *Config) { c.Mode = "stream" },
		"paper keys":       func(c *Config) { c.Mode = ModePaper },
		"no symbols":       func(c *Config) { c.Symbols = nil },
		"macd periods":     func(c *Config) { c.SlowPeriod = 12 },
		"short lookback":   func(c *Config) { c.Lookback = 100 },
		"order type":       func(c *Config) { c.OrderType = "stop" },
		"max order value":  func(c *Config) { c.MaxOrderValue = 0 },
		"sell fraction":    func(c *Config) { c.SellFraction = 1.5 },
		"stop advance":     func(c *Config) { c.StopAdvance = 0 },
		"store driver":     func(c *Config) { c.StoreDriver = "etcd" },
		"sqlite dsn":       func(c *Config) { c.StoreDriver = StoreSQLite },
		"redis addr":       func(c *Config) { c.StoreDriver = StoreRedis },
		"backtest dir":     func(c *Config) { c.BacktestDir = "" },
		"backtest range":   func(c *Config) { c.BacktestStart = time.Now(); c.BacktestEnd = c.BacktestStart.Add(-time.Hour) },
		"telegram chat id": func(c *Config) { c.TelegramToken = "token" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	configContents := `{
  "mode": "backtest",
  "backtest-dir": "bars",
  "max-order-value": 250,
  "sell-fraction": 0.25,
  "ignore-trend": true,
  "store": "sqlite",
  "store-dsn": "file.db"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(configContents), 0o600))

	t.Setenv(EnvName("sell-fraction"), "0.4")
	t.Setenv(EnvName("max-order-value"), "300")
	t.Setenv("DATABASE_DSN", "env.db")

	cfg, err := Load([]string{
		"--config", configPath,
		"--symbols", "aapl, msft,AAPL",
		"--max-order-value", "100",
		"--backtest-start", "2024-03-01",
	})
	require.NoError(t, err)

	assert.Equal(t, ModeBacktest, cfg.Mode)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Symbols)
	assert.Equal(t, 100.0, cfg.MaxOrderValue, "command line wins")
	assert.Equal(t, 0.4, cfg.SellFraction, "env beats file")
	assert.Equal(t, "env.db", cfg.StoreDSN, "alias env beats file")
	assert.True(t, cfg.IgnoreTrend)
	assert.Equal(t, "bars", cfg.BacktestDir)
	assert.True(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Equal(cfg.BacktestStart))
	assert.Equal(t, 12, cfg.FastPeriod, "defaults survive")
}

func TestLoadRejectsUnknownFileSetting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model-name": "x"}`), 0o600))

	_, err := Load([]string{"--config", path})
	assert.ErrorContains(t, err, "unknown setting")
}

func TestLoadReadsSecretsFromEnv(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "key")
	t.Setenv("APCA_API_SECRET_KEY", "secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001")

	cfg, err := Load([]string{"--mode", "paper", "--symbols", "SPY", "--store", "memory"})
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, int64(-1001), cfg.TelegramChatID)
}

func TestLoadDotEnvSetsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APCA_API_KEY_ID=abc123\nAPCA_API_SECRET_KEY=shh\n"), 0o600))
	unsetEnv(t, "APCA_API_KEY_ID")
	unsetEnv(t, "APCA_API_SECRET_KEY")

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "abc123", os.Getenv("APCA_API_KEY_ID"))
	assert.Equal(t, "shh", os.Getenv("APCA_API_SECRET_KEY"))
}

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("APCA_API_KEY_ID=from_file\n"), 0o600))
	t.Setenv("APCA_API_KEY_ID", "from_env")

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from_env", os.Getenv("APCA_API_KEY_ID"))
}

func TestMissingDotEnvIsIgnored(t *testing.T) {
	assert.NoError(t, loadDotEnvIfPresent(filepath.Join(t.TempDir(), ".env")))
}

// unsetEnv removes key for the rest of the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
