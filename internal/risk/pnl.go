package risk

import (
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/shopspring/decimal"
)

// lot is one open buy lot in the FIFO queue: qty still outstanding and its
// all-in unit cost (price plus its share of the buy's fee).
type lot struct {
	qtyRemaining decimal.Decimal
	unitCost     decimal.Decimal
}

// Ledger maintains a strict-FIFO realized-PnL queue per symbol, exactly as
// spec.md's algorithm describes: buys push a lot at unit cost
// (cost+fee)/qty; sells consume lots oldest-first, each consumed slice
// contributing qty*(sellPrice-unitCost), with the sell's own fee
// subtracted once from the total. Unmatched sell quantity (selling more
// than is held) is ignored rather than going negative, since positions are
// long-only.
type Ledger struct {
	lots map[core.Symbol][]lot
}

// NewLedger builds an empty FIFO ledger.
func NewLedger() *Ledger {
	return &Ledger{lots: make(map[core.Symbol][]lot)}
}

// ApplyBuy records a new open lot for symbol.
func (l *Ledger) ApplyBuy(symbol core.Symbol, qty, price, fee decimal.Decimal) {
	if qty.IsZero() {
		return
	}
	cost := qty.Mul(price).Add(fee)
	l.lots[symbol] = append(l.lots[symbol], lot{
		qtyRemaining: qty,
		unitCost:     cost.Div(qty),
	})
}

// ApplySell consumes lots FIFO and returns the realized PnL for this sell,
// net of fee.
func (l *Ledger) ApplySell(symbol core.Symbol, qty, price, fee decimal.Decimal) decimal.Decimal {
	queue := l.lots[symbol]
	realized := decimal.Zero
	remaining := qty

	i := 0
	for i < len(queue) && remaining.IsPositive() {
		take := queue[i].qtyRemaining
		if take.GreaterThan(remaining) {
			take = remaining
		}
		realized = realized.Add(take.Mul(price.Sub(queue[i].unitCost)))
		queue[i].qtyRemaining = queue[i].qtyRemaining.Sub(take)
		remaining = remaining.Sub(take)
		if queue[i].qtyRemaining.IsZero() {
			i++
		}
	}
	l.lots[symbol] = queue[i:]
	return realized.Sub(fee)
}

// Rebuild replays a chronologically ordered trade history into a fresh
// Ledger, used to warm the ledger from Storage at startup/reconnect since
// the queue itself is not persisted.
func Rebuild(trades []core.Trade) *Ledger {
	l := NewLedger()
	for _, t := range trades {
		switch t.Side {
		case core.SideBuy:
			l.ApplyBuy(t.Symbol, t.Quantity, t.Price, t.Fee)
		case core.SideSell:
			l.ApplySell(t.Symbol, t.Quantity, t.Price, t.Fee)
		}
	}
	return l
}

// DailyStats is the set of aggregate facts rules 9-11 need, derived from
// one UTC calendar day's realized-PnL trade history.
type DailyStats struct {
	ConsecutiveLoss int
	DailyPnL        decimal.Decimal
	Drawdown        decimal.Decimal
}

// ComputeDailyStats scans trades already restricted to today (UTC) in
// chronological order and derives the consecutive-loss streak, total
// realized PnL, and the equity-curve drawdown from its running peak.
// Trade.RealizedPnL is trusted as already computed (by the Ledger at
// execution time); only sells contribute, per spec.md's definition of the
// equity curve.
func ComputeDailyStats(trades []core.Trade) DailyStats {
	var stats DailyStats
	equity := decimal.Zero
	peak := decimal.Zero

	for _, t := range trades {
		if t.Side != core.SideSell {
			continue
		}
		if t.RealizedPnL.IsNegative() {
			stats.ConsecutiveLoss++
		} else {
			stats.ConsecutiveLoss = 0
		}

		stats.DailyPnL = stats.DailyPnL.Add(t.RealizedPnL)
		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
	}

	if peak.IsPositive() {
		stats.Drawdown = peak.Sub(equity).Div(peak)
	}
	return stats
}

// StartOfUTCDay truncates t to 00:00 UTC of its calendar day, the boundary
// spec.md uses for "today".
func StartOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
