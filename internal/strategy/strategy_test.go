package strategy

import (
	"context"
	"testing"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func tick(t *testing.T, m *Momentum, symbol core.Symbol, price float64, pos core.Position) core.Decision {
	t.Helper()
	d, err := m.Decide(context.Background(), core.StrategyInput{
		Symbol:      symbol,
		Ticker:      core.Ticker{Symbol: symbol, Bid: decimal.NewFromFloat(price), Ask: decimal.NewFromFloat(price)},
		Position:    pos,
		FixedAmount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return d
}

func TestAbstainsUntilEnoughHistory(t *testing.T) {
	m := New(Config{})
	d := tick(t, m, "BTC/USDT", 100, core.Position{Symbol: "BTC/USDT"})
	require.True(t, d.Abstain)
}

func TestBuySignalOnSustainedDipThenRecovery(t *testing.T) {
	m := New(Config{RSIPeriod: 5, EMAFastPeriod: 3, EMASlowPeriod: 6, MaxHistory: 100})

	// Flat at 100, a one-bar drop to 50, a long flat stretch at 50, then a
	// small uptick. Wilder RSI(5) still carries the drop (about 25, under the
	// default 30) while the fast EMA(3) has crossed back above the slow
	// EMA(6) (about 50.025 against 50.020).
	prices := make([]float64, 0, 40)
	for i := 0; i < 10; i++ {
		prices = append(prices, 100)
	}
	for i := 0; i < 26; i++ {
		prices = append(prices, 50)
	}
	prices = append(prices, 50.05)

	var last core.Decision
	for _, p := range prices {
		last = tick(t, m, "BTC/USDT", p, core.Position{Symbol: "BTC/USDT"})
	}

	require.False(t, last.Abstain, "expected a confirmed decision once indicators warm up: %s", last.Reason)
}

func TestSellSignalClosesFullPositionOnOverboughtReversal(t *testing.T) {
	m := New(Config{RSIPeriod: 5, EMAFastPeriod: 3, EMASlowPeriod: 6, MaxHistory: 100})

	pos := core.Position{Symbol: "BTC/USDT", Quantity: decimal.NewFromFloat(0.5)}

	// Flat at 100, a one-bar jump to 150, a long flat stretch at 150, then a
	// small downtick. Wilder RSI(5) still carries the jump (about 75, over
	// the default 70) while the fast EMA(3) has crossed below the slow EMA(6)
	// (about 149.975 against 149.980).
	var last core.Decision
	for i := 0; i < 10; i++ {
		last = tick(t, m, "BTC/USDT", 100, pos)
	}
	for i := 0; i < 26; i++ {
		last = tick(t, m, "BTC/USDT", 150, pos)
	}
	last = tick(t, m, "BTC/USDT", 149.95, pos)

	require.False(t, last.Abstain, "expected a sell once RSI is overbought and the EMAs turn bearish: %s", last.Reason)
	require.Equal(t, core.SideSell, last.Side)
	require.True(t, last.Quantity.Equal(pos.Quantity))
}

func TestBuyQuantityConvertsFixedQuoteAmountToBaseSize(t *testing.T) {
	qty := buyQuantity(decimal.NewFromInt(100), decimal.NewFromInt(50))
	require.True(t, qty.Equal(decimal.NewFromInt(2)))
}

func TestBuyQuantityZeroWhenPriceIsZero(t *testing.T) {
	qty := buyQuantity(decimal.NewFromInt(100), decimal.Zero)
	require.True(t, qty.IsZero())
}

func TestRecordTrimsHistoryToMaxWindow(t *testing.T) {
	m := New(Config{MaxHistory: 5})
	var last []float64
	for i := 0; i < 10; i++ {
		last = m.record("BTC/USDT", float64(i))
	}
	require.Len(t, last, 5)
	require.Equal(t, float64(9), last[len(last)-1])
}

func TestNoopMacroProviderReturnsNil(t *testing.T) {
	snap, err := NoopMacroProvider{}.Snapshot(context.Background())
	require.NoError(t, err)
	require.Nil(t, snap)
}
