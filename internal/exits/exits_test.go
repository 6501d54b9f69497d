package exits

import (
	"context"
	"testing"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubMarketData struct {
	ticker core.Ticker
}

func (s *stubMarketData) GetTicker(ctx context.Context, symbol core.Symbol) (core.Ticker, error) {
	t := s.ticker
	t.Symbol = symbol
	return t, nil
}

type stubBroker struct {
	fillPrice decimal.Decimal
}

func (b *stubBroker) Name() string                         { return "stub" }
func (b *stubBroker) CheckHealth(ctx context.Context) error { return nil }
func (b *stubBroker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	return core.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         b.fillPrice,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		Status:        core.OrderStatusFilled,
	}, nil
}
func (b *stubBroker) CancelOrder(ctx context.Context, s core.Symbol, id string) error { return nil }
func (b *stubBroker) GetOrder(ctx context.Context, s core.Symbol, id string) (core.Order, error) {
	return core.Order{}, nil
}
func (b *stubBroker) GetOpenOrders(ctx context.Context, s core.Symbol) ([]core.Order, error) {
	return nil, nil
}
func (b *stubBroker) GetPosition(ctx context.Context, s core.Symbol) (core.Position, error) {
	return core.Position{Symbol: s}, nil
}
func (b *stubBroker) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestManager(t *testing.T, cfg Config, ticker core.Ticker) (*Manager, core.Storage, *execute.Executor) {
	t.Helper()
	log, err := logging.New("ERROR")
	require.NoError(t, err)

	store := storage.NewMemory()
	broker := &stubBroker{fillPrice: ticker.Last}
	md := &stubMarketData{ticker: ticker}
	pipeline := risk.NewPipeline(nil)
	ledger := risk.NewLedger()
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, broker, nil, pipeline, ledger, log)

	m := New(cfg, store, md, nil, executor, log)
	executor.SetExitArmer(m)
	return m, store, executor
}

func TestHardStopTriggersSellWhenPriceDropsBelowStop(t *testing.T) {
	cfg := Config{Mode: core.ExitModeHard, StopPct: decimal.NewFromFloat(0.05), MinBaseToExit: decimal.NewFromFloat(0.0001)}
	m, store, _ := newTestManager(t, cfg, core.Ticker{Last: decimal.NewFromInt(100)})
	ctx := context.Background()

	require.NoError(t, store.Positions().Upsert(ctx, core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), AvgEntry: decimal.NewFromInt(100)}))
	m.OnPositionChanged(ctx, "BTC/USDT", core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), AvgEntry: decimal.NewFromInt(100)}, decimal.NewFromInt(100))

	// Drop the price below the 95 hard stop.
	m.md.(*stubMarketData).ticker = core.Ticker{Last: decimal.NewFromInt(90)}
	require.NoError(t, m.Evaluate(ctx, "BTC/USDT"))

	pos, err := store.Positions().Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.IsZero(), "position should have been sold off by the hard stop")
}

func TestTakeProfitTriggersAboveTarget(t *testing.T) {
	cfg := Config{
		Mode: core.ExitModeHard, StopPct: decimal.NewFromFloat(0.05), TakePct: decimal.NewFromFloat(0.05),
		MinBaseToExit: decimal.NewFromFloat(0.0001),
	}
	m, store, _ := newTestManager(t, cfg, core.Ticker{Last: decimal.NewFromInt(100)})
	ctx := context.Background()

	require.NoError(t, store.Positions().Upsert(ctx, core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), AvgEntry: decimal.NewFromInt(100)}))
	m.OnPositionChanged(ctx, "BTC/USDT", core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), AvgEntry: decimal.NewFromInt(100)}, decimal.NewFromInt(100))

	m.md.(*stubMarketData).ticker = core.Ticker{Last: decimal.NewFromInt(110)}
	require.NoError(t, m.Evaluate(ctx, "BTC/USDT"))

	pos, err := store.Positions().Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.IsZero())
}

func TestEvaluateNoopWhenUnarmed(t *testing.T) {
	cfg := Config{Mode: core.ExitModeHard, StopPct: decimal.NewFromFloat(0.05), MinBaseToExit: decimal.NewFromFloat(0.0001)}
	m, _, _ := newTestManager(t, cfg, core.Ticker{Last: decimal.NewFromInt(100)})

	require.NoError(t, m.Evaluate(context.Background(), "BTC/USDT"))
}

func TestOnPositionChangedDisarmsWhenFlat(t *testing.T) {
	cfg := Config{Mode: core.ExitModeHard, StopPct: decimal.NewFromFloat(0.05), MinBaseToExit: decimal.NewFromFloat(0.0001)}
	m, store, _ := newTestManager(t, cfg, core.Ticker{Last: decimal.NewFromInt(100)})
	ctx := context.Background()

	m.OnPositionChanged(ctx, "BTC/USDT", core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(1), AvgEntry: decimal.NewFromInt(100)}, decimal.NewFromInt(100))
	plan, err := store.Exits().Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, plan)

	m.OnPositionChanged(ctx, "BTC/USDT", core.Position{Symbol: "BTC/USDT", Quantity: decimal.Zero}, decimal.Zero)
	plan, err = store.Exits().Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Nil(t, plan)
}
