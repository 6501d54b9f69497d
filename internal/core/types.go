// Package core defines the domain types and ports shared by every component
// of the trading engine: orchestrator, risk pipeline, execution, exits,
// reconciliation and watchdog all depend on this package and nothing else.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Mode is the engine's run mode, selected at startup and fixed for the
// process lifetime.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// Symbol is the canonical BASE/QUOTE pair, always uppercase (e.g. "BTC/USDT").
// Broker adapters translate to/from their own spellings at the boundary;
// nothing above internal/broker ever sees a non-canonical symbol.
type Symbol string

// Base returns the base asset of the symbol.
func (s Symbol) Base() string {
	for i, r := range s {
		if r == '/' {
			return string(s)[:i]
		}
	}
	return string(s)
}

// Quote returns the quote asset of the symbol.
func (s Symbol) Quote() string {
	for i, r := range s {
		if r == '/' {
			return string(s)[i+1:]
		}
	}
	return ""
}

// Order is a broker-side order as tracked by the engine.
type Order struct {
	ClientOrderID string
	BrokerOrderID string
	Symbol        Symbol
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Trade is a single fill, the unit the FIFO PnL ledger and position manager
// consume.
type Trade struct {
	ID            int64
	ClientOrderID string
	Symbol        Symbol
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	RealizedPnL   decimal.Decimal
	ExecutedAt    time.Time
}

// Position is the current net holding for a symbol, long-only per spec
// scope (Non-goal: short selling).
type Position struct {
	Symbol       Symbol
	Quantity     decimal.Decimal
	AvgEntry     decimal.Decimal
	RealizedPnL  decimal.Decimal
	OpenedAt     time.Time
	LastUpdateAt time.Time
}

// IsFlat reports whether the position holds no quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// IdempotencyRecord is the persisted row backing the claim/commit/release
// protocol in internal/idempotency.
type IdempotencyRecord struct {
	Key         string
	CreatedAtMs int64
	TTLMs       int64
	Committed   bool
	Result      []byte // serialized Order, set on commit
}

// ExitMode selects which protective-exit legs are armed for a symbol.
type ExitMode string

const (
	ExitModeOff      ExitMode = "off"
	ExitModeHard     ExitMode = "hard"
	ExitModeTrailing ExitMode = "trailing"
	ExitModeBoth     ExitMode = "both"
)

// ExitPlan is the armed protective-exit state for one open position.
type ExitPlan struct {
	Symbol          Symbol
	Mode            ExitMode
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	HardStopPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TrailingPct     decimal.Decimal
	HighWaterMark   decimal.Decimal
	TrailingStop    decimal.Decimal
	ArmedAt         time.Time
}

// AuditEventKind classifies rows in the audit log.
type AuditEventKind string

const (
	AuditDecision          AuditEventKind = "decision"
	AuditRiskBlocked       AuditEventKind = "risk.blocked"
	AuditOrderPlaced       AuditEventKind = "order.placed"
	AuditOrderFailed       AuditEventKind = "order.failed"
	AuditExitTriggered     AuditEventKind = "exit.triggered"
	AuditReconcileMismatch AuditEventKind = "reconcile.position.mismatch"
	AuditWatchdogPause     AuditEventKind = "watchdog.paused"
	AuditWatchdogResume    AuditEventKind = "watchdog.resumed"
	AuditDMSTriggered      AuditEventKind = "dms_triggered"
)

// AuditEvent is an append-only audit log row.
type AuditEvent struct {
	ID        int64
	Kind      AuditEventKind
	Symbol    Symbol
	Payload   []byte // JSON
	CreatedAt time.Time
}

// Ticker is the market-data snapshot the Strategy port is evaluated against.
type Ticker struct {
	Symbol    Symbol
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	FetchedAt time.Time
}

// Mid returns the midpoint of the bid/ask spread.
func (t Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (t Ticker) SpreadBps() decimal.Decimal {
	mid := t.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// Decision is what the Strategy port returns for one evaluation tick.
type Decision struct {
	Symbol   Symbol
	Side     Side
	Quantity decimal.Decimal
	Reason   string
	Abstain  bool // true when the strategy chooses not to trade this tick
}

// HealthSummary is the process-wide health snapshot exposed by the watchdog.
type HealthSummary struct {
	OK         bool
	Components map[string]string
	PerSymbol  map[Symbol]SymbolHealth
	CheckedAt  time.Time
}

// SymbolHealth is the per-symbol slice of the health summary.
type SymbolHealth struct {
	Paused        bool
	PauseReason   string
	LastEvalAt    time.Time
	LastHeartbeat time.Time
}
