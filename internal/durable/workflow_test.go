package durable

import (
	"context"
	"testing"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// mockDBOSContext embeds the real dbos.DBOSContext interface to satisfy it
// structurally, overriding only RunAsStep so the step function runs
// in-process without a live DBOS/Postgres runtime behind it. Grounded on
// _examples/tommy-ca-opensqt_market_maker/market_maker/internal/engine/durable/workflow_test.go's
// MockDBOSContext.
type mockDBOSContext struct {
	dbos.DBOSContext
}

func (m *mockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	return fn(context.Background())
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

func TestExecuteWorkflowRunsExecutorAsAStep(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, &stubBroker{}, nil, risk.NewPipeline(nil), risk.NewLedger(), log)

	e := &Engine{executor: executor}
	result, err := e.executeWorkflow(&mockDBOSContext{}, workflowInput{Req: execute.Request{
		Symbol:   "BTC/USDT",
		Side:     core.SideBuy,
		Quantity: decimal.NewFromFloat(0.2),
		Source:   idempotency.SourceEval,
		Ticker:   core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)},
	}})
	require.NoError(t, err)
	require.True(t, result.Executed)

	pos, err := store.Positions().Get(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.2)))
}
