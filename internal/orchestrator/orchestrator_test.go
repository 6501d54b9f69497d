package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/config"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	decision core.Decision
	err      error
	calls    int
}

func (s *stubStrategy) Decide(ctx context.Context, in core.StrategyInput) (core.Decision, error) {
	s.calls++
	if s.err != nil {
		return core.Decision{}, s.err
	}
	return s.decision, nil
}

type stubMarketData struct{ ticker core.Ticker }

func (s *stubMarketData) GetTicker(ctx context.Context, symbol core.Symbol) (core.Ticker, error) {
	t := s.ticker
	t.Symbol = symbol
	return t, nil
}

type stubBroker struct{}

func (b *stubBroker) Name() string                         { return "stub" }
func (b *stubBroker) CheckHealth(ctx context.Context) error { return nil }
func (b *stubBroker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	return core.Order{
		ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side,
		Price: decimal.NewFromInt(100), Quantity: req.Quantity, FilledQty: req.Quantity,
		Status: core.OrderStatusFilled,
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

func testIntervals() config.IntervalsConfig {
	return config.IntervalsConfig{EvalSec: 3600, ExitsSec: 3600, ReconcileSec: 3600, WatchdogSec: 3600}
}

func TestTickEvalExecutesNonAbstainingDecision(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	broker := &stubBroker{}
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, broker, nil, risk.NewPipeline(nil), risk.NewLedger(), log)
	strat := &stubStrategy{decision: core.Decision{Side: core.SideBuy, Quantity: decimal.NewFromFloat(0.1)}}
	md := &stubMarketData{ticker: core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}

	s := New("BTC/USDT", Dependencies{
		Strategy: strat, MarketData: md, Storage: store, Executor: executor, Log: log,
	}, testIntervals())

	require.NoError(t, s.tickEval(context.Background()))
	require.Equal(t, 1, strat.calls)

	pos, err := store.Positions().Get(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.1)))
}

func TestTickEvalSkipsWhenAbstaining(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	broker := &stubBroker{}
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, broker, nil, risk.NewPipeline(nil), risk.NewLedger(), log)
	strat := &stubStrategy{decision: core.Decision{Abstain: true}}
	md := &stubMarketData{ticker: core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}

	s := New("BTC/USDT", Dependencies{
		Strategy: strat, MarketData: md, Storage: store, Executor: executor, Log: log,
	}, testIntervals())

	require.NoError(t, s.tickEval(context.Background()))
	pos, err := store.Positions().Get(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.IsZero())
}

func TestTickEvalNoopWhenManuallyPaused(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	broker := &stubBroker{}
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, broker, nil, risk.NewPipeline(nil), risk.NewLedger(), log)
	strat := &stubStrategy{decision: core.Decision{Side: core.SideBuy, Quantity: decimal.NewFromFloat(0.1)}}
	md := &stubMarketData{ticker: core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}

	s := New("BTC/USDT", Dependencies{
		Strategy: strat, MarketData: md, Storage: store, Executor: executor, Log: log,
	}, testIntervals())

	s.Pause()
	require.NoError(t, s.tickEval(context.Background()))
	require.Equal(t, 0, strat.calls, "a paused symbol must not call Strategy at all")

	s.Resume()
	require.NoError(t, s.tickEval(context.Background()))
	require.Equal(t, 1, strat.calls)
}

func TestStartStopLifecycle(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	strat := &stubStrategy{decision: core.Decision{Abstain: true}}
	md := &stubMarketData{ticker: core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}

	s := New("BTC/USDT", Dependencies{Strategy: strat, MarketData: md, Storage: store, Log: log}, testIntervals())

	require.NoError(t, s.Start(context.Background()))
	s.Stop(time.Second)
}

func TestStatusReflectsPauseState(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	strat := &stubStrategy{decision: core.Decision{Abstain: true}}
	md := &stubMarketData{ticker: core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)}}

	s := New("BTC/USDT", Dependencies{Strategy: strat, MarketData: md, Storage: store, Log: log}, testIntervals())
	s.Pause()

	status := s.Status()
	require.True(t, status.Eval.Paused)
	require.True(t, status.Exits.Paused)
}
