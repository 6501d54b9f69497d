// Package strategy implements the pure decision function that turns a
// ticker and position snapshot into a buy/sell/hold Decision.
//
// Grounded on internal/trading/grid/strategy.go (ATR-style volatility
// scaling, decideOpeningOrder/decideClosingOrder confirmation gating) and
// internal/trading/arbitrage/strategy.go (thresholds-struct-plus-pure-method
// shape), with indicator math taken from
// aristath-sentinel/trader-go/pkg/formulas (go-talib Rsi/Ema/Sma) rather
// than hand-rolled, since the pack already reaches for go-talib for this.
package strategy

import (
	"context"
	"sync"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// Config holds the thresholds for the momentum strategy. Zero values are
// replaced with conservative defaults by New.
type Config struct {
	RSIPeriod     int
	RSIOversold   float64 // RSI below this is a buy signal
	RSIOverbought float64 // RSI above this is a sell signal
	EMAFastPeriod int
	EMASlowPeriod int
	MaxHistory    int // bars of mid-price history retained per symbol
}

func (c Config) withDefaults() Config {
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.RSIOversold == 0 {
		c.RSIOversold = 30
	}
	if c.RSIOverbought == 0 {
		c.RSIOverbought = 70
	}
	if c.EMAFastPeriod == 0 {
		c.EMAFastPeriod = 12
	}
	if c.EMASlowPeriod == 0 {
		c.EMASlowPeriod = 26
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = 500
	}
	return c
}

// Momentum is a stateless-per-call, RSI+EMA-crossover strategy. It keeps a
// bounded rolling window of mid prices per symbol as the "caller-side"
// state the port's contract allows, since the evaluation loop calls Decide
// once per tick and has nowhere else convenient to hold a price series.
type Momentum struct {
	cfg Config

	mu      sync.Mutex
	history map[core.Symbol][]float64
}

// New builds a Momentum strategy. cfg zero values fall back to
// conventional RSI(14)/EMA(12,26) defaults.
func New(cfg Config) *Momentum {
	return &Momentum{
		cfg:     cfg.withDefaults(),
		history: make(map[core.Symbol][]float64),
	}
}

// Decide implements core.Strategy.
func (m *Momentum) Decide(ctx context.Context, in core.StrategyInput) (core.Decision, error) {
	mid := in.Ticker.Mid()
	midF, _ := mid.Float64()

	closes := m.record(in.Symbol, midF)

	minBars := m.cfg.EMASlowPeriod
	if m.cfg.RSIPeriod+1 > minBars {
		minBars = m.cfg.RSIPeriod + 1
	}
	if len(closes) < minBars {
		return core.Decision{Symbol: in.Symbol, Abstain: true, Reason: "insufficient history"}, nil
	}

	rsi := talib.Rsi(closes, m.cfg.RSIPeriod)
	emaFast := talib.Ema(closes, m.cfg.EMAFastPeriod)
	emaSlow := talib.Ema(closes, m.cfg.EMASlowPeriod)

	lastRSI := rsi[len(rsi)-1]
	lastFast := emaFast[len(emaFast)-1]
	lastSlow := emaSlow[len(emaSlow)-1]

	if lastRSI != lastRSI || lastFast != lastFast || lastSlow != lastSlow {
		return core.Decision{Symbol: in.Symbol, Abstain: true, Reason: "indicator warm-up (NaN)"}, nil
	}

	bullish := lastFast > lastSlow
	oversold := lastRSI < m.cfg.RSIOversold
	overbought := lastRSI > m.cfg.RSIOverbought

	switch {
	case oversold && bullish && in.Position.IsFlat():
		qty := buyQuantity(in.FixedAmount, mid)
		if qty.IsZero() {
			return core.Decision{Symbol: in.Symbol, Abstain: true, Reason: "fixed amount below price"}, nil
		}
		return core.Decision{Symbol: in.Symbol, Side: core.SideBuy, Quantity: qty, Reason: "rsi oversold + ema bullish crossover"}, nil

	case overbought && !bullish && !in.Position.IsFlat():
		return core.Decision{Symbol: in.Symbol, Side: core.SideSell, Quantity: in.Position.Quantity, Reason: "rsi overbought + ema bearish crossover"}, nil

	default:
		return core.Decision{Symbol: in.Symbol, Abstain: true, Reason: "no confirmed signal"}, nil
	}
}

// buyQuantity converts a fixed quote-currency amount into a base quantity
// at the current ask-ish mid price. Mirrors the source's quote_amount size
// hint for buys; long-only sells always close the full position instead.
func buyQuantity(fixedAmount decimal.Decimal, mid decimal.Decimal) decimal.Decimal {
	if mid.IsZero() {
		return decimal.Zero
	}
	return fixedAmount.Div(mid)
}

// record appends midF to the symbol's rolling window, trims it to
// MaxHistory and returns the current window. Guarded by mu since the
// orchestrator may evaluate different symbols concurrently.
func (m *Momentum) record(symbol core.Symbol, midF float64) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := append(m.history[symbol], midF)
	if len(series) > m.cfg.MaxHistory {
		series = series[len(series)-m.cfg.MaxHistory:]
	}
	m.history[symbol] = series

	out := make([]float64, len(series))
	copy(out, series)
	return out
}

var _ core.Strategy = (*Momentum)(nil)
