package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/logging"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubBroker struct{ healthErr error }

func (b *stubBroker) Name() string                         { return "stub" }
func (b *stubBroker) CheckHealth(ctx context.Context) error { return b.healthErr }
func (b *stubBroker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	return core.Order{Symbol: req.Symbol, Side: req.Side, FilledQty: req.Quantity, Status: core.OrderStatusFilled}, nil
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

type fakeSLASink struct {
	symbol       string
	errorRate    float64
	avgLatencyMs float64
}

func (s *fakeSLASink) SetSLA(symbol string, errorRate, avgLatencyMs float64) {
	s.symbol, s.errorRate, s.avgLatencyMs = symbol, errorRate, avgLatencyMs
}

func newTestManager(t *testing.T) (*Manager, core.Storage, *stubBroker) {
	t.Helper()
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	broker := &stubBroker{}
	executor := execute.New(execute.Config{BucketMs: 1000, TTLMs: 60000}, store, broker, nil, risk.NewPipeline(nil), risk.NewLedger(), log)
	m := New(Config{
		PauseErrorRate5m: 0.5, PauseAvgLatencyMs5m: 1000,
		ResumeErrorRate5m: 0.1, ResumeAvgLatencyMs5m: 200, ResumeSustainedSec: 0,
		DMSTimeoutMs: 1000, DMSAction: "alert",
	}, store, broker, nil, executor, nil, log)
	return m, store, broker
}

func TestAutoPauseFiresOnErrorRateBreach(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RecordResult("BTC/USDT", false, 10*time.Millisecond)
	m.RecordResult("BTC/USDT", false, 10*time.Millisecond)

	require.NoError(t, m.Tick(context.Background(), "BTC/USDT"))
	require.True(t, m.IsPaused("BTC/USDT"))
}

func TestAutoResumeRequiresSustainedHealthyWindow(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RecordResult("BTC/USDT", false, 10*time.Millisecond)
	require.NoError(t, m.Tick(context.Background(), "BTC/USDT"))
	require.True(t, m.IsPaused("BTC/USDT"))

	// Dilute the one failing sample with enough healthy ones that the
	// rolling error rate drops back within the resume threshold.
	for i := 0; i < 9; i++ {
		m.RecordResult("BTC/USDT", true, 10*time.Millisecond)
	}
	// The first healthy tick only starts the resume-sustained timer; with
	// ResumeSustainedSec 0 the very next tick clears it.
	require.NoError(t, m.Tick(context.Background(), "BTC/USDT"))
	require.True(t, m.IsPaused("BTC/USDT"))
	require.NoError(t, m.Tick(context.Background(), "BTC/USDT"))
	require.False(t, m.IsPaused("BTC/USDT"))
}

func TestDMSFiresOnceAfterStall(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	m.Heartbeat("BTC/USDT")

	// Force the heartbeat into the past by writing directly to the internal state.
	st := m.stateFor("BTC/USDT")
	st.lastBeat = time.Now().Add(-2 * time.Second)

	require.NoError(t, m.Tick(ctx, "BTC/USDT"))
	events, err := store.Audit().ListBySymbol(ctx, "BTC/USDT", 10)
	require.NoError(t, err)

	var dmsCount int
	for _, e := range events {
		if e.Kind == core.AuditDMSTriggered {
			dmsCount++
		}
	}
	require.Equal(t, 1, dmsCount)

	// A second tick without a fresh heartbeat must not fire again.
	require.NoError(t, m.Tick(ctx, "BTC/USDT"))
	events, err = store.Audit().ListBySymbol(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	dmsCount = 0
	for _, e := range events {
		if e.Kind == core.AuditDMSTriggered {
			dmsCount++
		}
	}
	require.Equal(t, 1, dmsCount)
}

func TestTickPrunesExpiredIdempotencyRows(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	repo := store.Idempotency()
	now := time.Now().UnixMilli()
	claimed, err := repo.Claim(ctx, "eval:BTC-USDT:buy:1000", now-5000, 1000)
	require.NoError(t, err)
	require.True(t, claimed)
	// Commit it so that only the prune can clear Committed.
	require.NoError(t, repo.Commit(ctx, "eval:BTC-USDT:buy:1000", []byte(`{}`)))

	require.NoError(t, m.Tick(ctx, "BTC/USDT"))

	rec, err := repo.GetOriginal(ctx, "eval:BTC-USDT:buy:1000")
	require.NoError(t, err)
	require.False(t, rec.Committed, "a tick must prune the already-expired claim")
}

func TestSLASinkReceivesRollingWindow(t *testing.T) {
	log, err := logging.New("ERROR")
	require.NoError(t, err)
	store := storage.NewMemory()
	broker := &stubBroker{}
	sink := &fakeSLASink{}
	m := New(Config{DMSTimeoutMs: 1000, DMSAction: "alert"}, store, broker, nil, nil, sink, log)

	m.RecordResult("BTC/USDT", true, 50*time.Millisecond)
	require.NoError(t, m.Tick(context.Background(), "BTC/USDT"))

	require.Equal(t, "BTC/USDT", sink.symbol)
}
