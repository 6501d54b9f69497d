package execute

import (
	"context"
	"testing"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeBroker fills every order immediately at a fixed price, recording how
// many times PlaceOrder was called so tests can assert idempotency collapsed
// duplicate requests into a single broker round trip.
type fakeBroker struct {
	price decimal.Decimal
	calls int
	err   error
}

func (b *fakeBroker) Name() string                                  { return "fake" }
func (b *fakeBroker) CheckHealth(ctx context.Context) error          { return nil }
func (b *fakeBroker) CancelOrder(ctx context.Context, s core.Symbol, id string) error { return nil }
func (b *fakeBroker) GetOrder(ctx context.Context, s core.Symbol, id string) (core.Order, error) {
	return core.Order{}, nil
}
func (b *fakeBroker) GetOpenOrders(ctx context.Context, s core.Symbol) ([]core.Order, error) {
	return nil, nil
}
func (b *fakeBroker) GetPosition(ctx context.Context, s core.Symbol) (core.Position, error) {
	return core.Position{Symbol: s}, nil
}
func (b *fakeBroker) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	b.calls++
	if b.err != nil {
		return core.Order{}, b.err
	}
	return core.Order{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         b.price,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		Status:        core.OrderStatusFilled,
	}, nil
}

var _ core.Broker = (*fakeBroker)(nil)

func newTestExecutor(t *testing.T, broker core.Broker) (*Executor, core.Storage) {
	t.Helper()
	log, err := logging.New("ERROR")
	require.NoError(t, err)

	store := storage.NewMemory()
	pipeline := risk.NewPipeline(nil)
	ledger := risk.NewLedger()

	e := New(Config{
		BucketMs: 60000,
		TTLMs:    60000,
		FeeRate:  decimal.Zero,
	}, store, broker, nil, pipeline, ledger, log)

	return e, store
}

func TestExecuteBuyPersistsTradeAndPosition(t *testing.T) {
	broker := &fakeBroker{price: decimal.NewFromInt(100)}
	e, store := newTestExecutor(t, broker)

	res, err := e.Execute(context.Background(), Request{
		Symbol:   "BTC/USDT",
		Side:     core.SideBuy,
		Quantity: decimal.NewFromFloat(0.5),
		Source:   idempotency.SourceEval,
		Ticker:   core.Ticker{Symbol: "BTC/USDT", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)
	require.True(t, res.Executed)
	require.False(t, res.Duplicate)
	require.Equal(t, 1, broker.calls)

	pos, err := store.Positions().Get(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.5)))
}

func TestExecuteDuplicateWithinBucketReturnsCachedResult(t *testing.T) {
	broker := &fakeBroker{price: decimal.NewFromInt(100)}
	e, _ := newTestExecutor(t, broker)

	req := Request{
		Symbol:   "BTC/USDT",
		Side:     core.SideBuy,
		Quantity: decimal.NewFromFloat(0.5),
		Source:   idempotency.SourceEval,
		Ticker:   core.Ticker{Symbol: "BTC/USDT", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)},
	}

	first, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Executed)
	require.False(t, first.Duplicate)

	second, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, 1, broker.calls, "duplicate request within the same bucket must not hit the broker again")
}

func TestExecuteSellWithoutPositionIsBlockedByRiskPipeline(t *testing.T) {
	broker := &fakeBroker{price: decimal.NewFromInt(100)}
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	pipeline := risk.NewPipeline(nil, risk.SellWithoutPosition{})
	ledger := risk.NewLedger()
	e := New(Config{BucketMs: 60000, TTLMs: 60000}, store, broker, nil, pipeline, ledger, log)

	res, err := e.Execute(context.Background(), Request{
		Symbol:   "BTC/USDT",
		Side:     core.SideSell,
		Quantity: decimal.NewFromFloat(0.1),
		Source:   idempotency.SourceEval,
		Ticker:   core.Ticker{Symbol: "BTC/USDT", Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)
	require.False(t, res.Executed)
	require.Equal(t, 0, broker.calls)
}

func TestIngestFillUpdatesLedgerAndClearsPendingMarker(t *testing.T) {
	broker := &fakeBroker{price: decimal.NewFromInt(100)}
	e, store := newTestExecutor(t, broker)
	ctx := context.Background()

	_ = store.KV().Set(ctx, "pending_order:BTC/USDT", "abc")

	order := core.Order{
		ClientOrderID: "abc",
		Symbol:        "BTC/USDT",
		Side:          core.SideBuy,
		Price:         decimal.NewFromInt(100),
		FilledQty:     decimal.NewFromFloat(1),
		Status:        core.OrderStatusFilled,
	}
	_, _, err := e.IngestFill(ctx, "BTC/USDT", order)
	require.NoError(t, err)

	_, ok := e.PendingOrder(ctx, "BTC/USDT")
	require.False(t, ok)
}
