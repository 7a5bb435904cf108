package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cyclebot/internal/broker"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 6, 14, 30, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fakeOrders map[string]broker.OrderResult

func (f fakeOrders) GetOrder(ctx context.Context, id string) (broker.OrderResult, error) {
	order, ok := f[id]
	if !ok {
		return broker.OrderResult{}, broker.ErrOrderNotFound
	}
	return order, nil
}

func sampleRule(symbol string) Rule {
	return Rule{
		Symbol:        symbol,
		Broker:        "sim",
		PlayID:        "play-1",
		OrderID:       "order-1",
		StopLoss:      dec("9"),
		TargetPrice:   dec("11.5"),
		RiskUnit:      dec("1"),
		PurchasePrice: dec("10"),
		UnitsBought:   dec("10"),
		UnitsHeld:     dec("10"),
		UnitsSold:     decimal.Zero,
		SellFraction:  dec("0.5"),
		StopAdvance:   dec("0.99"),
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	file, err := OpenFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	sqlite, err := OpenSQLBackend(ctx, DialectSQLite, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	out := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"sqlite": sqlite,
	}
	if addr := os.Getenv("CYCLEBOT_TEST_REDIS_ADDR"); addr != "" {
		namespace := fmt.Sprintf("cyclebot-test:%s:%d:", t.Name(), time.Now().UnixNano())
		out["redis"] = NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: addr}), namespace)
	}
	if dsn := os.Getenv("CYCLEBOT_TEST_MYSQL_DSN"); dsn != "" {
		mysql, err := OpenSQLBackend(ctx, DialectMySQL, dsn)
		require.NoError(t, err)
		out["mysql"] = mysql
	}
	for name, backend := range out {
		if name == "redis" || name == "mysql" {
			emptyBackend(t, backend)
			t.Cleanup(func() {
				emptyBackend(t, backend)
				_ = backend.Close()
			})
		}
	}
	return out
}

// emptyBackend deletes every key so shared servers start each test clean.
func emptyBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	all, err := backend.List(ctx, "")
	require.NoError(t, err)
	for key := range all {
		require.NoError(t, backend.Delete(ctx, key))
	}
}

// Set CYCLEBOT_TEST_REDIS_ADDR to run the store tests against a redis server.
func TestRedisBackendNamespacesKeys(t *testing.T) {
	addr := os.Getenv("CYCLEBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set CYCLEBOT_TEST_REDIS_ADDR to run redis integration test")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	namespace := fmt.Sprintf("cyclebot-test:%d:", time.Now().UnixNano())
	backend := NewRedisBackendFromClient(rdb, namespace)
	require.NoError(t, backend.Ping(ctx))
	t.Cleanup(func() {
		_ = rdb.Del(ctx, namespace+"rule:AAPL", namespace+"rule:MSFT").Err()
		_ = backend.Close()
	})

	require.NoError(t, backend.Create(ctx, "rule:AAPL", []byte(`{"a":1}`)))
	assert.ErrorIs(t, backend.Create(ctx, "rule:AAPL", []byte(`{"a":2}`)), ErrKeyExists)
	require.NoError(t, backend.Put(ctx, "rule:MSFT", []byte(`{"m":1}`)))

	raw, err := rdb.Get(ctx, namespace+"rule:AAPL").Result()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, raw)

	listed, err := backend.List(ctx, "rule:")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Contains(t, listed, "rule:MSFT")

	require.NoError(t, backend.Delete(ctx, "rule:AAPL"))
	_, err = backend.Get(ctx, "rule:AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteRuleRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			require.NoError(t, store.WriteRule(ctx, sampleRule("AAPL")))

			second := sampleRule("AAPL")
			second.PlayID = "play-2"
			err := store.WriteRule(ctx, second)
			require.ErrorIs(t, err, ErrDuplicateRule)

			var dup *DuplicateRuleError
			require.True(t, errors.As(err, &dup))
			assert.Equal(t, "play-1", dup.Existing.PlayID)

			rules, err := store.Rules(ctx)
			require.NoError(t, err)
			assert.Len(t, rules, 1)
		})
	}
}

func TestRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			_, err := store.Rule(ctx, "AAPL")
			require.ErrorIs(t, err, ErrNotFound)

			rule := sampleRule("AAPL")
			require.NoError(t, store.WriteRule(ctx, rule))

			next := rule.AfterTakeProfit(dec("5"), dec("5"), dec("11.38"), dec("13"), t0.Add(time.Hour))
			require.NoError(t, store.ReplaceRule(ctx, "AAPL", next))

			got, err := store.Rule(ctx, "AAPL")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Step)
			assert.True(t, dec("5").Equal(got.UnitsHeld))
			assert.True(t, dec("5").Equal(got.UnitsSold))
			assert.True(t, dec("11.38").Equal(got.StopLoss))

			require.NoError(t, store.RemoveRule(ctx, "AAPL"))
			_, err = store.Rule(ctx, "AAPL")
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, store.WriteRule(ctx, sampleRule("AAPL")), "symbol can be re-entered after close")
		})
	}
}

func TestReplaceRuleRejectsMismatchedSymbol(t *testing.T) {
	store := NewStore(NewMemoryBackend())
	err := store.ReplaceRule(context.Background(), "AAPL", sampleRule("MSFT"))
	assert.Error(t, err)
}

func TestAfterTakeProfitNeverLowersStop(t *testing.T) {
	rule := sampleRule("AAPL")
	rule.StopLoss = dec("10.5")

	next := rule.AfterTakeProfit(dec("5"), dec("5"), dec("10.1"), dec("13"), t0)
	assert.True(t, dec("10.5").Equal(next.StopLoss))
	assert.True(t, dec("10.5").Equal(rule.StopLoss), "original untouched")
}

func TestWriteStateRefusesToOrphanOpenOrder(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(backend)
			orders := fakeOrders{
				"buy-1": {ID: "buy-1", Status: broker.StatusOpen},
			}
			first := WorkerState{Symbol: "AAPL", Broker: "sim", Phase: PhaseEntering, OrderID: "buy-1", UpdatedAt: t0}
			require.NoError(t, store.WriteState(ctx, first, orders))

			second := first
			second.OrderID = "buy-2"
			err := store.WriteState(ctx, second, orders)
			require.ErrorIs(t, err, ErrOrderStillOpen)

			// rewriting the same order is allowed
			first.Phase = PhaseEntering
			require.NoError(t, store.WriteState(ctx, first, orders))

			orders["buy-1"] = broker.OrderResult{ID: "buy-1", Status: broker.StatusCancelled}
			require.NoError(t, store.WriteState(ctx, second, orders))

			got, err := store.State(ctx, "AAPL", "sim")
			require.NoError(t, err)
			assert.Equal(t, "buy-2", got.OrderID)
		})
	}
}

func TestStatesFilterByBroker(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryBackend())
	require.NoError(t, store.WriteState(ctx, WorkerState{Symbol: "MSFT", Broker: "sim", Phase: PhaseTakeProfit, OrderID: "a"}, nil))
	require.NoError(t, store.WriteState(ctx, WorkerState{Symbol: "AAPL", Broker: "sim", Phase: PhaseEntering, OrderID: "b"}, nil))
	require.NoError(t, store.WriteState(ctx, WorkerState{Symbol: "AAPL", Broker: "alpaca-paper", Phase: PhaseStopLoss, OrderID: "c"}, nil))

	all, err := store.States(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "AAPL", all[0].Symbol)

	sim, err := store.States(ctx, "sim")
	require.NoError(t, err)
	require.Len(t, sim, 2)
	assert.Equal(t, []string{"AAPL", "MSFT"}, []string{sim[0].Symbol, sim[1].Symbol})

	require.NoError(t, store.RemoveState(ctx, "AAPL", "sim"))
	_, err = store.State(ctx, "AAPL", "sim")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	backend, err := OpenFileBackend(path)
	require.NoError(t, err)
	store := NewStore(backend)
	require.NoError(t, store.WriteRule(ctx, sampleRule("AAPL")))
	require.NoError(t, store.WriteState(ctx, WorkerState{Symbol: "AAPL", Broker: "sim", Phase: PhaseTakeProfit, OrderID: "sell-1"}, nil))

	reopened, err := OpenFileBackend(path)
	require.NoError(t, err)
	store = NewStore(reopened)

	rule, err := store.Rule(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, dec("9").Equal(rule.StopLoss))
	assert.True(t, t0.Equal(rule.CreatedAt))

	st, err := store.State(ctx, "AAPL", "sim")
	require.NoError(t, err)
	assert.Equal(t, PhaseTakeProfit, st.Phase)
}

func TestSQLBackendRejectsUnknownDialect(t *testing.T) {
	_, err := OpenSQLBackend(context.Background(), Dialect("postgres"), "")
	assert.Error(t, err)
}

func TestPhaseValid(t *testing.T) {
	assert.True(t, PhaseStopLoss.Valid())
	assert.False(t, Phase("DONE").Valid())
}
