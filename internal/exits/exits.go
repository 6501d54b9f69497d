// Package exits implements the per-symbol protective-exit state machine:
// hard stop-loss, take-profit and trailing-stop, mode-gated, driving forced
// sells through the same idempotent Execute-Trade path as ordinary trades.
//
// Grounded on the entry/max-price bookkeeping idiom in
// internal/core/interfaces.go's InventorySlot and the rolling-window style
// of internal/risk/monitor.go, generalized from a grid inventory tracker
// into the stop/take/trailing state machine spec.md §4.7 describes.
package exits

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"

	"github.com/shopspring/decimal"
)

// Config carries the per-engine protective-exit parameters from
// config.ExitsConfig.
type Config struct {
	Mode          core.ExitMode
	StopPct       decimal.Decimal
	TakePct       decimal.Decimal
	TrailingPct   decimal.Decimal
	MinBaseToExit decimal.Decimal
}

// state is the in-memory armed-plan bookkeeping for one symbol.
type state struct {
	entryPrice decimal.Decimal
	maxPrice   decimal.Decimal
	armed      bool
}

// Manager owns the per-symbol exit state and evaluates it against the
// latest ticker on every Exits-loop tick.
type Manager struct {
	cfg      Config
	storage  core.Storage
	md       core.MarketData
	bus      core.EventBus
	executor *execute.Executor
	log      core.Logger

	mu     sync.Mutex
	states map[core.Symbol]*state
}

// New builds a Manager. executor is the same Executor the orchestrator
// wires into the evaluation loop; forced sells issued here go through its
// idempotency/risk/storage pipeline exactly like strategy-driven trades,
// per spec.md §4.7 ("bypassing Strategy but NOT the broker adapter").
func New(cfg Config, storage core.Storage, md core.MarketData, bus core.EventBus, executor *execute.Executor, log core.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		storage:  storage,
		md:       md,
		bus:      bus,
		executor: executor,
		log:      log.WithField("component", "exits"),
		states:   make(map[core.Symbol]*state),
	}
}

// OnPositionChanged implements execute.ExitArmer. It arms a fresh plan when
// a position opens (0 -> positive) and disarms when it closes (-> 0);
// already-armed positions that merely add to size keep their original
// entry price, matching spec.md's "On position open ... set entry_price"
// (singular, tied to the open transition, not every fill).
func (m *Manager) OnPositionChanged(ctx context.Context, symbol core.Symbol, position core.Position, fillPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[symbol]
	if !ok {
		st = &state{}
		m.states[symbol] = st
	}

	if position.Quantity.IsZero() {
		st.armed = false
		st.entryPrice = decimal.Zero
		st.maxPrice = decimal.Zero
		_ = m.storage.Exits().Delete(ctx, symbol)
		return
	}

	if !st.armed {
		entry := fillPrice
		if entry.IsZero() {
			entry = position.AvgEntry
		}
		st.armed = true
		st.entryPrice = entry
		st.maxPrice = entry
		m.persist(ctx, symbol, position.Quantity)
	}
}

func (m *Manager) persist(ctx context.Context, symbol core.Symbol, qty decimal.Decimal) {
	st := m.states[symbol]
	_ = m.storage.Exits().Upsert(ctx, core.ExitPlan{
		Symbol:        symbol,
		Mode:          m.cfg.Mode,
		EntryPrice:    st.entryPrice,
		Quantity:      qty,
		HighWaterMark: st.maxPrice,
		ArmedAt:       time.Now(),
	})
}

// Evaluate runs the spec.md §4.7 algorithm for one symbol on one Exits-loop
// tick. It is a no-op if the symbol is unarmed.
func (m *Manager) Evaluate(ctx context.Context, symbol core.Symbol) error {
	m.mu.Lock()
	st, ok := m.states[symbol]
	if !ok || !st.armed {
		m.mu.Unlock()
		return nil
	}
	mode := m.cfg.Mode
	m.mu.Unlock()

	if mode == core.ExitModeOff {
		return nil
	}

	position, err := m.storage.Positions().Get(ctx, symbol)
	if err != nil {
		return err
	}
	if position.Quantity.LessThan(m.cfg.MinBaseToExit) {
		m.disarmBelowMin(ctx, symbol)
		return nil
	}

	ticker, err := m.md.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}
	last := ticker.Last
	if last.IsZero() {
		last = ticker.Mid()
	}

	m.mu.Lock()
	if last.GreaterThan(st.maxPrice) {
		st.maxPrice = last
	}
	entryPrice := st.entryPrice
	maxPrice := st.maxPrice
	m.mu.Unlock()

	reason, triggered := m.check(mode, entryPrice, maxPrice, last)
	if !triggered {
		return nil
	}

	return m.triggerExit(ctx, symbol, position.Quantity, ticker, reason)
}

// check implements the four-step decision tree in spec.md §4.7 exactly in
// order: hard stop, then take-profit, then trailing.
func (m *Manager) check(mode core.ExitMode, entryPrice, maxPrice, last decimal.Decimal) (reason string, triggered bool) {
	hardModes := mode == core.ExitModeHard || mode == core.ExitModeBoth
	trailingModes := mode == core.ExitModeTrailing || mode == core.ExitModeBoth

	if hardModes {
		stopPrice := entryPrice.Mul(decimal.NewFromInt(1).Sub(m.cfg.StopPct))
		if last.LessThanOrEqual(stopPrice) {
			return "hard_stop", true
		}
		if m.cfg.TakePct.IsPositive() {
			takePrice := entryPrice.Mul(decimal.NewFromInt(1).Add(m.cfg.TakePct))
			if last.GreaterThanOrEqual(takePrice) {
				return "take_profit", true
			}
		}
	}
	if trailingModes {
		trailingStop := maxPrice.Mul(decimal.NewFromInt(1).Sub(m.cfg.TrailingPct))
		if last.LessThanOrEqual(trailingStop) {
			return "trailing", true
		}
	}
	return "", false
}

func (m *Manager) triggerExit(ctx context.Context, symbol core.Symbol, qty decimal.Decimal, ticker core.Ticker, reason string) error {
	res, err := m.executor.Execute(ctx, execute.Request{
		Symbol:   symbol,
		Side:     core.SideSell,
		Quantity: qty,
		Source:   idempotency.SourceExit,
		Reason:   reason,
		Ticker:   ticker,
	})
	if err != nil {
		return err
	}
	if !res.Executed || res.Duplicate {
		return nil
	}

	payload, _ := json.Marshal(map[string]any{"symbol": string(symbol), "reason": reason, "quantity": qty.String()})
	if m.bus != nil {
		_ = m.bus.Publish(ctx, core.Event{Topic: core.TopicProtectiveExitHit, Key: string(symbol), Payload: payload})
	}
	_ = m.storage.Audit().Append(ctx, core.AuditEvent{Kind: core.AuditExitTriggered, Symbol: symbol, Payload: payload})
	return nil
}

// disarmBelowMin handles the edge case where the position fell under the
// market's minimum tradeable amount: never emit an order the broker would
// reject, disarm with an audit trail instead (spec.md §4.7 edge cases).
func (m *Manager) disarmBelowMin(ctx context.Context, symbol core.Symbol) {
	m.mu.Lock()
	if st, ok := m.states[symbol]; ok {
		st.armed = false
	}
	m.mu.Unlock()
	_ = m.storage.Exits().Delete(ctx, symbol)
	_ = m.storage.Audit().Append(ctx, core.AuditEvent{
		Kind:   core.AuditExitTriggered,
		Symbol: symbol,
		Payload: mustJSON(map[string]any{"reason": "exit_below_min"}),
	})
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
