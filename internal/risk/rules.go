package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/config"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/shopspring/decimal"
)

// allow builds a passing verdict. Used by every rule's happy path and by
// the fail-open "no_data" path, per spec.md: rules that cannot obtain data
// allow the trade rather than block it.
func allow(name string) core.RiskVerdict {
	return core.RiskVerdict{Allowed: true, Rule: name}
}

func reject(name, reason string) core.RiskVerdict {
	return core.RiskVerdict{Allowed: false, Rule: name, Reason: reason}
}

// TimeDrift rejects when the local clock has drifted more than MaxDriftMs
// from a reference time supplied by the caller (e.g. an NTP-checked value
// or the broker's server time). ReferenceNow is read from context via
// WithReferenceNow; if absent the rule fails open.
type TimeDrift struct {
	MaxDriftMs int64
}

func (r TimeDrift) Name() string { return "time_drift" }

func (r TimeDrift) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	ref, ok := referenceNowFrom(ctx)
	if !ok {
		return allow(r.Name())
	}
	driftMs := in.Now.Sub(ref).Abs().Milliseconds()
	if driftMs > r.MaxDriftMs {
		return reject(r.Name(), fmt.Sprintf("clock drift %dms exceeds max_drift_ms %d", driftMs, r.MaxDriftMs))
	}
	return allow(r.Name())
}

type referenceNowKey struct{}

// WithReferenceNow attaches a trusted reference clock reading to ctx for
// the TimeDrift rule to compare against.
func WithReferenceNow(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, referenceNowKey{}, t)
}

func referenceNowFrom(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(referenceNowKey{}).(time.Time)
	return t, ok
}

// TradingWindow rejects trades outside an optional UTC time-of-day window
// and/or allowed weekdays. Either constraint is disabled by leaving it
// empty, per spec.md rule 2.
type TradingWindow struct {
	HoursUTC string // "HH:MM-HH:MM", empty disables the hours check
	Days     []int  // 0=Sunday..6=Saturday, empty disables the days check
}

func (r TradingWindow) Name() string { return "trading_window" }

func (r TradingWindow) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	now := in.Now.UTC()

	if len(r.Days) > 0 {
		ok := false
		for _, d := range r.Days {
			if int(now.Weekday()) == d {
				ok = true
				break
			}
		}
		if !ok {
			return reject(r.Name(), "outside configured trading days")
		}
	}

	if r.HoursUTC != "" {
		start, end, err := parseHourRange(r.HoursUTC)
		if err != nil {
			return allow(r.Name()) // malformed config: fail open, not fail closed on a tick
		}
		minutes := now.Hour()*60 + now.Minute()
		if minutes < start || minutes > end {
			return reject(r.Name(), fmt.Sprintf("outside trading hours %s UTC", r.HoursUTC))
		}
	}

	return allow(r.Name())
}

func parseHourRange(spec string) (startMin, endMin int, err error) {
	var sh, sm, eh, em int
	_, err = fmt.Sscanf(spec, "%d:%d-%d:%d", &sh, &sm, &eh, &em)
	if err != nil {
		return 0, 0, err
	}
	return sh*60 + sm, eh*60 + em, nil
}

// Cooldown rejects a trade if not enough time has elapsed since the last
// executed trade on this symbol (spec.md rule 3).
type Cooldown struct {
	CooldownSec int
}

func (r Cooldown) Name() string { return "cooldown" }

func (r Cooldown) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if in.LastTradeAt.IsZero() {
		return allow(r.Name())
	}
	elapsed := in.Now.Sub(in.LastTradeAt)
	if elapsed < time.Duration(r.CooldownSec)*time.Second {
		return reject(r.Name(), fmt.Sprintf("only %s elapsed since last trade, need %ds", elapsed, r.CooldownSec))
	}
	return allow(r.Name())
}

// SpreadCap rejects when the bid/ask spread is too wide to trade safely
// (spec.md rule 4).
type SpreadCap struct {
	MaxSpreadPct float64
}

func (r SpreadCap) Name() string { return "spread_cap" }

func (r SpreadCap) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	mid := in.Ticker.Mid()
	if mid.IsZero() {
		return allow(r.Name())
	}
	spreadPct := in.Ticker.Ask.Sub(in.Ticker.Bid).Div(mid)
	max := decimal.NewFromFloat(r.MaxSpreadPct)
	if spreadPct.GreaterThan(max) {
		return reject(r.Name(), fmt.Sprintf("spread %.4f%% exceeds max_spread_pct %.4f%%", spreadPct.InexactFloat64()*100, r.MaxSpreadPct*100))
	}
	return allow(r.Name())
}

// PositionCap rejects buys that would push the position above
// MaxPositionBase (spec.md rule 5, buy-only).
type PositionCap struct {
	MaxPositionBase float64
}

func (r PositionCap) Name() string { return "position_cap" }

func (r PositionCap) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if in.Decision.Side != core.SideBuy {
		return allow(r.Name())
	}
	projected := in.Position.Quantity.Add(in.Decision.Quantity)
	max := decimal.NewFromFloat(r.MaxPositionBase)
	if projected.GreaterThan(max) {
		return reject(r.Name(), fmt.Sprintf("projected position %s exceeds max_position_base %s", projected, max))
	}
	return allow(r.Name())
}

// SellWithoutPosition enforces long-only trading: no sell unless a
// position is held (spec.md rule 6, sell-only).
type SellWithoutPosition struct{}

func (r SellWithoutPosition) Name() string { return "sell_without_position" }

func (r SellWithoutPosition) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if in.Decision.Side != core.SideSell {
		return allow(r.Name())
	}
	if in.Position.Quantity.LessThanOrEqual(decimal.Zero) {
		return reject(r.Name(), "no position to sell (long-only)")
	}
	return allow(r.Name())
}

// OrdersPerHour rejects once the trailing 60-minute trade count for this
// symbol reaches the configured throttle (spec.md rule 7).
type OrdersPerHour struct {
	MaxOrdersPerHour int
}

func (r OrdersPerHour) Name() string { return "orders_per_hour" }

func (r OrdersPerHour) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if r.MaxOrdersPerHour <= 0 {
		return allow(r.Name())
	}
	if in.OrdersLastHour >= r.MaxOrdersPerHour {
		return reject(r.Name(), fmt.Sprintf("%d orders in the last hour reached max_orders_per_hour %d", in.OrdersLastHour, r.MaxOrdersPerHour))
	}
	return allow(r.Name())
}

// Turnover5m rejects once the rolling 5-minute notional reaches the
// configured budget (spec.md rule 8).
type Turnover5m struct {
	MaxTurnover5mQuote float64
}

func (r Turnover5m) Name() string { return "turnover_5m" }

func (r Turnover5m) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	max := decimal.NewFromFloat(r.MaxTurnover5mQuote)
	if max.IsZero() {
		return allow(r.Name())
	}
	if in.TurnoverLast5m.GreaterThanOrEqual(max) {
		return reject(r.Name(), fmt.Sprintf("5m turnover %s reached max_turnover_5m_quote %s", in.TurnoverLast5m, max))
	}
	return allow(r.Name())
}

// LossStreak rejects once the consecutive-realized-loss-sell count (FIFO,
// computed by pnl.go) reaches the configured limit (spec.md rule 9).
type LossStreak struct {
	MaxLossStreak int
}

func (r LossStreak) Name() string { return "loss_streak" }

func (r LossStreak) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if r.MaxLossStreak <= 0 {
		return allow(r.Name())
	}
	if in.ConsecutiveLoss >= r.MaxLossStreak {
		return reject(r.Name(), fmt.Sprintf("%d consecutive realized losses reached max_loss_streak %d", in.ConsecutiveLoss, r.MaxLossStreak))
	}
	return allow(r.Name())
}

// MaxDrawdown rejects once today's equity curve has drawn down from its
// peak by the configured fraction (spec.md rule 10).
type MaxDrawdown struct {
	MaxDrawdownPct float64
}

func (r MaxDrawdown) Name() string { return "max_drawdown" }

func (r MaxDrawdown) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	max := decimal.NewFromFloat(r.MaxDrawdownPct)
	if max.IsZero() {
		return allow(r.Name())
	}
	if in.Drawdown.GreaterThanOrEqual(max) {
		return reject(r.Name(), fmt.Sprintf("drawdown %s reached max_drawdown_pct %s", in.Drawdown, max))
	}
	return allow(r.Name())
}

// DailyLossLimit rejects once today's realized PnL has fallen to or below
// the configured negative limit (spec.md rule 11).
type DailyLossLimit struct {
	DailyLossLimitQuote float64
}

func (r DailyLossLimit) Name() string { return "daily_loss_limit" }

func (r DailyLossLimit) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	limit := decimal.NewFromFloat(r.DailyLossLimitQuote)
	if limit.IsZero() {
		return allow(r.Name())
	}
	if in.DailyPnL.LessThanOrEqual(limit.Neg()) {
		return reject(r.Name(), fmt.Sprintf("today's realized PnL %s at/below -daily_loss_limit_quote %s", in.DailyPnL, limit))
	}
	return allow(r.Name())
}

// AntiCorrelation rejects opening a new position in a symbol whose
// correlation group already has an open position elsewhere (spec.md rule
// 12, optional).
type AntiCorrelation struct{}

func (r AntiCorrelation) Name() string { return "anti_correlation" }

func (r AntiCorrelation) Check(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	if in.Decision.Side != core.SideBuy {
		return allow(r.Name())
	}
	if len(in.CorrelatedOpen) > 0 {
		return reject(r.Name(), fmt.Sprintf("correlated symbol(s) already open: %v", in.CorrelatedOpen))
	}
	return allow(r.Name())
}

// BuildStandardRules constructs the 12 standard rules in spec order from
// risk config. Rule 12 is only included when at least one correlation
// group is configured, since it is explicitly optional.
func BuildStandardRules(cfg config.RiskConfig) []core.RiskRule {
	rules := []core.RiskRule{
		TimeDrift{MaxDriftMs: cfg.MaxDriftMs},
		TradingWindow{HoursUTC: cfg.TradingHoursUTC, Days: cfg.TradingDays},
		Cooldown{CooldownSec: cfg.CooldownSec},
		SpreadCap{MaxSpreadPct: cfg.MaxSpreadPct},
		PositionCap{MaxPositionBase: cfg.MaxPositionBase},
		SellWithoutPosition{},
		OrdersPerHour{MaxOrdersPerHour: cfg.MaxOrdersPerHour},
		Turnover5m{MaxTurnover5mQuote: cfg.MaxTurnover5mQuote},
		LossStreak{MaxLossStreak: cfg.MaxLossStreak},
		MaxDrawdown{MaxDrawdownPct: cfg.MaxDrawdownPct},
		DailyLossLimit{DailyLossLimitQuote: cfg.DailyLossLimit},
	}
	if len(cfg.CorrelationGroups) > 0 {
		rules = append(rules, AntiCorrelation{})
	}
	return rules
}
