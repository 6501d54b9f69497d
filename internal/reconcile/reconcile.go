// Package reconcile implements the three reconciliation tasks that keep
// local storage honest against the broker: orders, positions and balances.
// Each task is idempotent and safe to run repeatedly, per spec.md §4.8.
//
// Grounded on _examples/tommy-ca-opensqt_market_maker/market_maker/internal/risk/reconciler.go's
// pass shape (one Reconcile call per tick, status/last-error bookkeeping
// under a mutex, "get exchange state then compare to local state") adapted
// from a single-exchange-position reconciler into the three independent
// broker/storage/position/order tasks spec.md describes.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"

	"github.com/shopspring/decimal"
)

// FillIngester is the subset of execute.Executor reconciliation needs: it
// persists a fill discovered at the broker through the same FIFO ledger and
// position-update path a direct execution uses, and reports whether the
// last order placed for a symbol is still awaiting that persistence (the
// crash-between-placement-and-commit window reconciliation exists to close).
type FillIngester interface {
	IngestFill(ctx context.Context, symbol core.Symbol, order core.Order) (core.Trade, core.Position, error)
	PendingOrder(ctx context.Context, symbol core.Symbol) (clientOrderID string, ok bool)
}

// Config carries the reconciliation tunables.
type Config struct {
	// PositionEpsilon is the base-quantity divergence tolerated between the
	// broker-reported quantity and storage before a mismatch is reported.
	PositionEpsilon decimal.Decimal
	QuoteAsset      string
}

// Reconciler runs the three reconciliation tasks for one engine instance;
// each Run call covers the one symbol it is given.
type Reconciler struct {
	cfg     Config
	storage core.Storage
	broker  core.Broker
	md      core.MarketData
	bus     core.EventBus
	fills   FillIngester
	log     core.Logger
}

// New builds a Reconciler.
func New(cfg Config, storage core.Storage, broker core.Broker, md core.MarketData, bus core.EventBus, fills FillIngester, log core.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		storage: storage,
		broker:  broker,
		md:      md,
		bus:     bus,
		fills:   fills,
		log:     log.WithField("component", "reconcile"),
	}
}

// Run executes all three reconciliation tasks for symbol in order: orders,
// then positions, then balances. Each step logs and continues past its own
// failure rather than aborting the remaining steps, since the three tasks
// are independent per spec.md §4.8.
func (r *Reconciler) Run(ctx context.Context, symbol core.Symbol) error {
	var errs []error

	if err := r.reconcileOrders(ctx, symbol); err != nil {
		r.log.Warn("orders reconciliation failed", "symbol", string(symbol), "error", err.Error())
		errs = append(errs, err)
	}
	if err := r.reconcilePositions(ctx, symbol); err != nil {
		r.log.Warn("positions reconciliation failed", "symbol", string(symbol), "error", err.Error())
		errs = append(errs, err)
	}
	if err := r.reconcileBalances(ctx, symbol); err != nil {
		r.log.Warn("balances reconciliation failed", "symbol", string(symbol), "error", err.Error())
		errs = append(errs, err)
	}

	_ = r.publish(ctx, core.TopicReconciliationDone, symbol, map[string]any{
		"symbol": string(symbol), "errors": len(errs),
	})

	if len(errs) > 0 {
		return fmt.Errorf("reconciliation for %s: %d task(s) failed: %v", symbol, len(errs), errs)
	}
	return nil
}

// reconcileOrders fetches the broker's currently open orders (forcing a
// round trip that surfaces transient connectivity problems even when
// nothing else has changed), then checks whether the last order
// Execute-Trade placed for symbol is still marked pending — the narrow
// window between a broker fill and the local Trade commit that a process
// crash can strand. If that order has since closed filled at the broker,
// it is driven through the same fill-ingestion path a direct execution
// uses, so a fill is persisted exactly once regardless of how many
// reconciliation passes observe it.
func (r *Reconciler) reconcileOrders(ctx context.Context, symbol core.Symbol) error {
	if _, err := r.broker.GetOpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("get open orders: %w", err)
	}

	clientOrderID, pending := r.fills.PendingOrder(ctx, symbol)
	if !pending {
		return nil
	}

	order, err := r.broker.GetOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	if order.Status != core.OrderStatusFilled {
		return nil
	}
	if _, _, err := r.fills.IngestFill(ctx, symbol, order); err != nil {
		return fmt.Errorf("ingest fill for %s: %w", clientOrderID, err)
	}
	return nil
}

// reconcilePositions re-prices the open position against the current
// ticker and compares the broker's reported base balance to storage,
// emitting reconcile.position.mismatch when they diverge beyond
// Config.PositionEpsilon. It never repairs storage: spec.md §4.8 makes
// this an operator signal only.
func (r *Reconciler) reconcilePositions(ctx context.Context, symbol core.Symbol) error {
	local, err := r.storage.Positions().Get(ctx, symbol)
	if err != nil {
		return fmt.Errorf("get local position: %w", err)
	}

	brokerBase, err := r.broker.GetBalance(ctx, symbol.Base())
	if err != nil {
		return fmt.Errorf("get broker balance: %w", err)
	}

	diff := brokerBase.Sub(local.Quantity).Abs()
	if diff.GreaterThan(r.cfg.PositionEpsilon) {
		payload, _ := json.Marshal(map[string]any{
			"symbol": string(symbol), "local_qty": local.Quantity.String(), "broker_qty": brokerBase.String(), "diff": diff.String(),
		})
		_ = r.storage.Audit().Append(ctx, core.AuditEvent{Kind: core.AuditReconcileMismatch, Symbol: symbol, Payload: payload})
		_ = r.publish(ctx, core.TopicReconcileMismatch, symbol, map[string]any{
			"symbol": string(symbol), "local_qty": local.Quantity, "broker_qty": brokerBase, "diff": diff,
		})
	}

	if local.Quantity.IsZero() {
		return nil
	}
	ticker, err := r.md.GetTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("get ticker: %w", err)
	}
	unrealized := ticker.Mid().Sub(local.AvgEntry).Mul(local.Quantity)
	r.log.Debug("position repriced", "symbol", string(symbol), "unrealized_pnl", unrealized.String())

	return nil
}

// reconcileBalances fetches the quote-asset balance and publishes a
// summary. It never mutates state, per spec.md §4.8.
func (r *Reconciler) reconcileBalances(ctx context.Context, symbol core.Symbol) error {
	quote := r.cfg.QuoteAsset
	if quote == "" {
		quote = symbol.Quote()
	}
	balance, err := r.broker.GetBalance(ctx, quote)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	return r.publish(ctx, core.TopicHealthReport, symbol, map[string]any{
		"symbol": string(symbol), "asset": quote, "balance": balance.String(),
	})
}

func (r *Reconciler) publish(ctx context.Context, topic core.Topic, symbol core.Symbol, payload interface{}) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Publish(ctx, core.Event{Topic: topic, Key: string(symbol), Payload: payload})
}

var _ FillIngester = (*execute.Executor)(nil)
