package risk

import (
	"context"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/shopspring/decimal"
)

// BuildRiskInput assembles a full core.RiskInput for one evaluation tick by
// reading recent trade history and the current positions out of storage.
// It is the seam internal/execute calls before invoking Pipeline.Evaluate;
// kept here rather than in internal/execute so the aggregation logic stays
// next to the FIFO ledger it depends on.
func BuildRiskInput(
	ctx context.Context,
	storage core.Storage,
	correlationGroups map[string][]string,
	symbol core.Symbol,
	decision core.Decision,
	ticker core.Ticker,
	position core.Position,
	now time.Time,
) (core.RiskInput, error) {
	dayStart := StartOfUTCDay(now)

	todayTrades, err := storage.Trades().ListSince(ctx, symbol, dayStart)
	if err != nil {
		return core.RiskInput{}, err
	}

	hourAgo := now.Add(-time.Hour)
	recentTrades, err := storage.Trades().ListSince(ctx, symbol, hourAgo)
	if err != nil {
		return core.RiskInput{}, err
	}

	var lastTradeAt time.Time
	if len(recentTrades) > 0 {
		lastTradeAt = recentTrades[len(recentTrades)-1].ExecutedAt
	}

	fiveMinAgo := now.Add(-5 * time.Minute)
	turnover := decimal.Zero
	for _, t := range recentTrades {
		if t.ExecutedAt.After(fiveMinAgo) {
			turnover = turnover.Add(t.Quantity.Mul(t.Price))
		}
	}

	daily := ComputeDailyStats(todayTrades)

	correlated, err := correlatedOpenSymbols(ctx, storage, correlationGroups, symbol)
	if err != nil {
		return core.RiskInput{}, err
	}

	return core.RiskInput{
		Symbol:          symbol,
		Decision:        decision,
		Ticker:          ticker,
		Position:        position,
		Now:             now,
		RecentTrades:    recentTrades,
		OrdersLastHour:  len(recentTrades),
		TurnoverLast5m:  turnover,
		ConsecutiveLoss: daily.ConsecutiveLoss,
		DailyPnL:        daily.DailyPnL,
		Drawdown:        daily.Drawdown,
		LastTradeAt:     lastTradeAt,
		CorrelatedOpen:  correlated,
	}, nil
}

// correlatedOpenSymbols returns the other symbols in symbol's correlation
// group(s) that currently hold an open (non-flat) position.
func correlatedOpenSymbols(ctx context.Context, storage core.Storage, groups map[string][]string, symbol core.Symbol) ([]core.Symbol, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	var peers []string
	for _, members := range groups {
		inGroup := false
		for _, m := range members {
			if core.Symbol(m) == symbol {
				inGroup = true
				break
			}
		}
		if inGroup {
			for _, m := range members {
				if core.Symbol(m) != symbol {
					peers = append(peers, m)
				}
			}
		}
	}

	var open []core.Symbol
	for _, peer := range peers {
		pos, err := storage.Positions().Get(ctx, core.Symbol(peer))
		if err != nil {
			continue // fail open per symbol: a missing position record means flat, not blocked
		}
		if !pos.IsFlat() {
			open = append(open, core.Symbol(peer))
		}
	}
	return open, nil
}
