package risk

import (
	"context"
	"testing"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func baseInput() core.RiskInput {
	return core.RiskInput{
		Symbol:   "BTC/USDT",
		Decision: core.Decision{Side: core.SideBuy, Quantity: decimal.NewFromFloat(0.01)},
		Ticker:   core.Ticker{Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100)},
		Position: core.Position{Symbol: "BTC/USDT"},
		Now:      time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestPipelineAllowsWhenEveryRulePasses(t *testing.T) {
	p := NewPipeline(nil, SellWithoutPosition{}, SpreadCap{MaxSpreadPct: 0.01})
	v := p.Evaluate(context.Background(), baseInput())
	require.True(t, v.Allowed)
}

func TestPipelineShortCircuitsOnFirstRejection(t *testing.T) {
	in := baseInput()
	in.Decision.Side = core.SideSell // no position held

	p := NewPipeline(nil, SellWithoutPosition{}, SpreadCap{MaxSpreadPct: 0.0})
	v := p.Evaluate(context.Background(), in)
	require.False(t, v.Allowed)
	require.Equal(t, "sell_without_position", v.Rule)
}

func TestTimeDriftFailsOpenWithoutReferenceClock(t *testing.T) {
	r := TimeDrift{MaxDriftMs: 500}
	v := r.Check(context.Background(), baseInput())
	require.True(t, v.Allowed)
}

func TestTimeDriftRejectsBeyondMax(t *testing.T) {
	in := baseInput()
	ctx := WithReferenceNow(context.Background(), in.Now.Add(2*time.Second))
	r := TimeDrift{MaxDriftMs: 500}
	v := r.Check(ctx, in)
	require.False(t, v.Allowed)
}

func TestCooldownAllowsFirstTrade(t *testing.T) {
	r := Cooldown{CooldownSec: 60}
	v := r.Check(context.Background(), baseInput())
	require.True(t, v.Allowed)
}

func TestCooldownRejectsWithinWindow(t *testing.T) {
	in := baseInput()
	in.LastTradeAt = in.Now.Add(-10 * time.Second)
	r := Cooldown{CooldownSec: 60}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestSpreadCapRejectsWideSpread(t *testing.T) {
	in := baseInput()
	in.Ticker = core.Ticker{Bid: decimal.NewFromInt(95), Ask: decimal.NewFromInt(105)}
	r := SpreadCap{MaxSpreadPct: 0.01}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestPositionCapRejectsOverLimitBuy(t *testing.T) {
	in := baseInput()
	in.Position.Quantity = decimal.NewFromFloat(0.99)
	in.Decision.Quantity = decimal.NewFromFloat(0.05)
	r := PositionCap{MaxPositionBase: 1.0}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestPositionCapIgnoresSells(t *testing.T) {
	in := baseInput()
	in.Decision.Side = core.SideSell
	in.Position.Quantity = decimal.NewFromFloat(5)
	r := PositionCap{MaxPositionBase: 1.0}
	v := r.Check(context.Background(), in)
	require.True(t, v.Allowed)
}

func TestSellWithoutPositionAllowsSellWhenHeld(t *testing.T) {
	in := baseInput()
	in.Decision.Side = core.SideSell
	in.Position.Quantity = decimal.NewFromFloat(1)
	r := SellWithoutPosition{}
	v := r.Check(context.Background(), in)
	require.True(t, v.Allowed)
}

func TestOrdersPerHourRejectsAtLimit(t *testing.T) {
	in := baseInput()
	in.OrdersLastHour = 10
	r := OrdersPerHour{MaxOrdersPerHour: 10}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestTurnover5mRejectsAtBudget(t *testing.T) {
	in := baseInput()
	in.TurnoverLast5m = decimal.NewFromInt(1000)
	r := Turnover5m{MaxTurnover5mQuote: 1000}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestLossStreakRejectsAtLimit(t *testing.T) {
	in := baseInput()
	in.ConsecutiveLoss = 3
	r := LossStreak{MaxLossStreak: 3}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestMaxDrawdownRejectsAtLimit(t *testing.T) {
	in := baseInput()
	in.Drawdown = decimal.NewFromFloat(0.2)
	r := MaxDrawdown{MaxDrawdownPct: 0.2}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestDailyLossLimitRejectsAtLimit(t *testing.T) {
	in := baseInput()
	in.DailyPnL = decimal.NewFromInt(-100)
	r := DailyLossLimit{DailyLossLimitQuote: 100}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestAntiCorrelationRejectsWhenPeerOpen(t *testing.T) {
	in := baseInput()
	in.CorrelatedOpen = []core.Symbol{"ETH/USDT"}
	r := AntiCorrelation{}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestTradingWindowRejectsOutsideDays(t *testing.T) {
	in := baseInput() // 2026-07-30 is a Thursday
	r := TradingWindow{Days: []int{0, 6}}
	v := r.Check(context.Background(), in)
	require.False(t, v.Allowed)
}

func TestTradingWindowAllowsWithinHours(t *testing.T) {
	in := baseInput()
	r := TradingWindow{HoursUTC: "00:00-23:59"}
	v := r.Check(context.Background(), in)
	require.True(t, v.Allowed)
}
