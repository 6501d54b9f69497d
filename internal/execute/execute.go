// Package execute implements the Execute-Trade use case: idempotency claim,
// risk pipeline, broker placement with bounded transient-error retry,
// storage persistence (trade, position, audit), and protective-exit
// arming. It is the single place in the engine allowed to call
// core.Broker.PlaceOrder for a strategy- or exit-driven sell/buy.
//
// Grounded on original_source/core/application/use_cases/eval_and_execute.py
// and core/use_cases/execute_trade.py for the step ordering. The Executor
// takes no DBOS context; when durability is configured, internal/durable
// runs each whole Execute call as a single DBOS step.
package execute

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/apperrors"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/risk"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Request is one Execute-Trade invocation. Quantity is always a base-asset
// amount; sizing (quote_amount for buy, base_amount for sell per spec.md
// §4.6) happens in the caller (Strategy for ordinary trades, Exits/Watchdog
// for forced sells) since only the caller knows which size hint applies.
type Request struct {
	Symbol   core.Symbol
	Side     core.Side
	Quantity decimal.Decimal
	Source   idempotency.Source
	Reason   string
	Ticker   core.Ticker // snapshot the decision was made against
}

// Result is returned to every caller, including duplicates: a caller that
// lost the idempotency race gets back the Order and TradeID the original
// caller received, with Duplicate set and Reason "duplicate".
type Result struct {
	Executed  bool
	Duplicate bool
	Reason    string
	Order     core.Order   `json:"order"`
	TradeID   int64        `json:"trade_id"`
	Position  core.Position `json:"-"`
}

// ExitArmer is notified after every successful execution so protective
// exits can be armed or disarmed. internal/exits.Manager implements this
// structurally; execute does not import internal/exits, breaking the
// exits<->execute cycle (cmd/engine wires the concrete pointer in both
// directions at composition time).
type ExitArmer interface {
	OnPositionChanged(ctx context.Context, symbol core.Symbol, position core.Position, fillPrice decimal.Decimal)
}

// FeeEstimator returns the taker fee rate applied to a fill notional. The
// broker port (spec.md §4.2) does not return a fee on its Order type, so
// Execute-Trade estimates it from a configured rate rather than inventing a
// field the port contract does not define.
type FeeEstimator func(symbol core.Symbol) decimal.Decimal

// Config bundles the use case's tunables.
type Config struct {
	BucketMs          int64
	TTLMs             int64
	CorrelationGroups map[string][]string
	FeeRate           decimal.Decimal // flat default fee rate when no FeeEstimator is set
}

// Executor runs the Execute-Trade use case for every symbol it is given; a
// single Executor is shared across all symbols, the per-symbol
// single-flight guard is keyed by symbol string.
type Executor struct {
	cfg     Config
	storage core.Storage
	broker  core.Broker
	bus     core.EventBus
	risk    *risk.Pipeline
	idem    *idempotency.Protocol
	ledger  *risk.Ledger
	log     core.Logger
	feeFn   FeeEstimator

	armer ExitArmer
	sf    singleflight.Group
}

// New builds an Executor. ledger should be pre-seeded via risk.Rebuild from
// storage at startup so FIFO realized-PnL survives process restart.
func New(cfg Config, storage core.Storage, broker core.Broker, bus core.EventBus, pipeline *risk.Pipeline, ledger *risk.Ledger, log core.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		storage: storage,
		broker:  broker,
		bus:     bus,
		risk:    pipeline,
		idem:    idempotency.New(storage.Idempotency()),
		ledger:  ledger,
		log:     log.WithField("component", "execute"),
	}
}

// SetExitArmer wires the protective-exits callback. Called once at
// composition time by cmd/engine.
func (e *Executor) SetExitArmer(armer ExitArmer) { e.armer = armer }

// SetFeeEstimator overrides the flat Config.FeeRate fallback with a
// per-symbol estimator (e.g. backed by the broker's fee schedule).
func (e *Executor) SetFeeEstimator(fn FeeEstimator) { e.feeFn = fn }

// Execute runs the full use case for req, collapsing concurrent callers for
// the same symbol through a single-flight guard before idempotency is even
// consulted, per spec.md §4.6's "entire use case executes under a
// per-symbol single-flight guard" requirement.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	v, err, _ := e.sf.Do(string(req.Symbol), func() (interface{}, error) {
		return e.execute(ctx, req)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Executor) execute(ctx context.Context, req Request) (Result, error) {
	now := time.Now()
	bucket := idempotency.BucketStart(now.UnixMilli(), e.cfg.BucketMs)
	key := idempotency.BuildKey(req.Source, req.Symbol, req.Side, bucket)

	claimed, err := e.idem.Claim(ctx, key, e.cfg.TTLMs)
	if err != nil {
		return Result{}, apperrors.New(apperrors.KindTransient, "execute.Claim", err)
	}
	if !claimed {
		rec, err := e.idem.GetOriginal(ctx, key)
		if err != nil {
			return Result{}, apperrors.New(apperrors.KindTransient, "execute.GetOriginal", err)
		}
		var res Result
		if rec.Committed && len(rec.Result) > 0 {
			_ = json.Unmarshal(rec.Result, &res)
		}
		res.Executed = true
		res.Duplicate = true
		res.Reason = "duplicate"
		return res, nil
	}

	position, err := e.storage.Positions().Get(ctx, req.Symbol)
	if err != nil {
		_ = e.idem.Release(ctx, key)
		return Result{}, apperrors.New(apperrors.KindTransient, "execute.Positions.Get", err)
	}

	decision := core.Decision{Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Reason: req.Reason}
	riskInput, err := risk.BuildRiskInput(ctx, e.storage, e.cfg.CorrelationGroups, req.Symbol, decision, req.Ticker, position, now)
	if err != nil {
		_ = e.idem.Release(ctx, key)
		return Result{}, apperrors.New(apperrors.KindTransient, "execute.BuildRiskInput", err)
	}

	verdict := e.risk.Evaluate(ctx, riskInput)
	if !verdict.Allowed {
		_ = e.publish(ctx, core.TopicTradeBlocked, req.Symbol, map[string]any{
			"symbol": string(req.Symbol), "side": string(req.Side), "rule": verdict.Rule, "reason": verdict.Reason,
		})
		_ = e.idem.Release(ctx, key)
		return Result{Executed: false, Reason: verdict.Reason}, nil
	}

	order, err := e.placeWithRetry(ctx, req, key)
	if err != nil {
		_ = e.idem.Release(ctx, key)
		_ = e.publish(ctx, core.TopicOrderFailed, req.Symbol, map[string]any{
			"symbol": string(req.Symbol), "side": string(req.Side), "error": err.Error(),
		})
		return Result{}, err
	}

	// Mark the order as placed-but-not-yet-persisted before the storage
	// writes below. If the process crashes between PlaceOrder returning and
	// persistFill committing, this KV row is reconciliation's only record
	// that a fill exists at the broker with no local Trade yet; it is
	// cleared once persistFill succeeds.
	_ = e.storage.KV().Set(ctx, pendingOrderKey(req.Symbol), order.ClientOrderID)

	trade, newPosition, err := e.persistFill(ctx, req.Symbol, order)
	if err != nil {
		// The order already exists at the broker; release so a retry can at
		// least re-resolve and persist it rather than silently losing the
		// fill, per spec.md §7's "integrity" handling for this class of bug.
		_ = e.idem.Release(ctx, key)
		return Result{}, apperrors.New(apperrors.KindIntegrity, "execute.persistFill", err)
	}
	_ = e.storage.KV().Delete(ctx, pendingOrderKey(req.Symbol))

	result := Result{Executed: true, Order: order, TradeID: trade.ID, Position: newPosition}
	payload, _ := json.Marshal(result)
	if err := e.idem.Commit(ctx, key, payload); err != nil {
		e.log.Warn("idempotency commit failed after successful trade", "key", key, "error", err.Error())
	}

	_ = e.publish(ctx, core.TopicOrderExecuted, req.Symbol, order)
	_ = e.publish(ctx, core.TopicTradeCompleted, req.Symbol, trade)

	if e.armer != nil {
		e.armer.OnPositionChanged(ctx, req.Symbol, newPosition, order.Price)
	}

	return result, nil
}

// placeWithRetry calls the broker, retrying only apperrors.KindTransient
// failures up to three attempts total with jittered exponential backoff, per
// spec.md §4.6 step 3.
func (e *Executor) placeWithRetry(ctx context.Context, req Request, key string) (core.Order, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		order, err := e.broker.PlaceOrder(ctx, core.PlaceOrderRequest{
			ClientOrderID: key,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
		})
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !apperrors.IsTransient(err) {
			return core.Order{}, err
		}
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return core.Order{}, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return core.Order{}, lastErr
}

// persistFill inserts the Trade (upsert on client_order_id), updates the
// Position and appends the audit event. A real deployment would wrap these
// three writes in one storage transaction (spec.md §4.6 step 4); the
// current core.Storage port exposes per-repository methods rather than a
// cross-repo transaction handle, so they run sequentially here — acceptable
// because each one is itself transactional in internal/storage/sqlite.go
// and reconciliation (internal/reconcile) re-asserts the position
// regardless.
func (e *Executor) persistFill(ctx context.Context, symbol core.Symbol, order core.Order) (core.Trade, core.Position, error) {
	fee := e.feeFor(symbol, order)

	var realized decimal.Decimal
	switch order.Side {
	case core.SideBuy:
		e.ledger.ApplyBuy(symbol, order.FilledQty, order.Price, fee)
	case core.SideSell:
		realized = e.ledger.ApplySell(symbol, order.FilledQty, order.Price, fee)
	}

	trade := core.Trade{
		ClientOrderID: order.ClientOrderID,
		Symbol:        symbol,
		Side:          order.Side,
		Price:         order.Price,
		Quantity:      order.FilledQty,
		Fee:           fee,
		RealizedPnL:   realized,
		ExecutedAt:    order.UpdatedAt,
	}
	trade, err := e.storage.Trades().Insert(ctx, trade)
	if err != nil {
		return core.Trade{}, core.Position{}, fmt.Errorf("insert trade: %w", err)
	}

	position, err := e.storage.Positions().Get(ctx, symbol)
	if err != nil {
		return core.Trade{}, core.Position{}, fmt.Errorf("read position: %w", err)
	}
	position = applyFillToPosition(position, order)
	if err := e.storage.Positions().Upsert(ctx, position); err != nil {
		return core.Trade{}, core.Position{}, fmt.Errorf("upsert position: %w", err)
	}

	payload, _ := json.Marshal(order)
	_ = e.storage.Audit().Append(ctx, core.AuditEvent{
		Kind: core.AuditOrderPlaced, Symbol: symbol, Payload: payload, CreatedAt: order.UpdatedAt,
	})

	return trade, position, nil
}

// IngestFill persists a fill discovered by reconciliation (an order that
// closed at the broker but has no local trade yet). It runs the same FIFO
// ledger + position update path as a directly-executed fill, without the
// idempotency/risk layers that only apply to engine-initiated orders.
func (e *Executor) IngestFill(ctx context.Context, symbol core.Symbol, order core.Order) (core.Trade, core.Position, error) {
	trade, position, err := e.persistFill(ctx, symbol, order)
	if err == nil {
		_ = e.storage.KV().Delete(ctx, pendingOrderKey(symbol))
	}
	return trade, position, err
}

// PendingOrder returns the client order ID of the last order placed for
// symbol that had not yet been persisted as a Trade when it was recorded,
// or ok=false if there is none. Reconciliation uses this to find the one
// place a crash between broker placement and storage commit could leave a
// fill stranded, without re-scanning every historical trade on every pass.
func (e *Executor) PendingOrder(ctx context.Context, symbol core.Symbol) (clientOrderID string, ok bool) {
	v, found, err := e.storage.KV().Get(ctx, pendingOrderKey(symbol))
	if err != nil || !found {
		return "", false
	}
	return v, true
}

func pendingOrderKey(symbol core.Symbol) string {
	return "pending_order:" + string(symbol)
}

// PruneIdempotency sweeps every claimed-or-committed idempotency row past
// its TTL. Called periodically from the watchdog loop rather than on every
// Execute, since pruning is a storage-wide maintenance pass, not a
// per-request concern.
func (e *Executor) PruneIdempotency(ctx context.Context) (int, error) {
	return e.idem.Prune(ctx)
}

func (e *Executor) feeFor(symbol core.Symbol, order core.Order) decimal.Decimal {
	rate := e.cfg.FeeRate
	if e.feeFn != nil {
		rate = e.feeFn(symbol)
	}
	return order.Price.Mul(order.FilledQty).Mul(rate)
}

// applyFillToPosition folds a filled order into the current position using
// weighted-average-cost accounting for buys and simple reduction for sells,
// matching internal/broker/paper.Broker.applyFill's math (kept consistent
// so paper and reconciled-live positions agree).
func applyFillToPosition(pos core.Position, order core.Order) core.Position {
	pos.Symbol = order.Symbol
	switch order.Side {
	case core.SideBuy:
		totalCost := pos.AvgEntry.Mul(pos.Quantity).Add(order.Price.Mul(order.FilledQty))
		newQty := pos.Quantity.Add(order.FilledQty)
		if !newQty.IsZero() {
			pos.AvgEntry = totalCost.Div(newQty)
		}
		pos.Quantity = newQty
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = order.CreatedAt
		}
	case core.SideSell:
		sellQty := decimal.Min(order.FilledQty, pos.Quantity)
		pos.Quantity = pos.Quantity.Sub(sellQty)
		if pos.Quantity.IsZero() {
			pos.AvgEntry = decimal.Zero
			pos.OpenedAt = time.Time{}
		}
	}
	pos.LastUpdateAt = order.UpdatedAt
	return pos
}

func (e *Executor) publish(ctx context.Context, topic core.Topic, symbol core.Symbol, payload interface{}) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Publish(ctx, core.Event{Topic: topic, Key: string(symbol), Payload: payload})
}
