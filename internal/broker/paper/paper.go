// Package paper implements core.Broker as an in-process simulator: market
// orders fill immediately at the current best ask (buy) or bid (sell), a client order ID
// resolves to its existing order rather than creating a duplicate.
//
// Grounded on internal/mock/exchange.go (client_order_id dedup, in-memory
// order book behind a mutex), rebuilt against core.Broker/core.MarketData
// instead of the teacher's protobuf types.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/apperrors"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Broker is a deterministic in-memory fill simulator.
type Broker struct {
	md core.MarketData

	mu             sync.Mutex
	orders         map[string]core.Order // by broker order id
	clientOrderMap map[string]string     // client order id -> broker order id
	positions      map[core.Symbol]core.Position
	balances       map[string]decimal.Decimal
	feeRate        decimal.Decimal
}

// New builds a paper broker backed by md for fill prices, seeded with the
// given starting quote balance.
func New(md core.MarketData, startingBalance decimal.Decimal, quoteAsset string, feeRate decimal.Decimal) *Broker {
	return &Broker{
		md:             md,
		orders:         make(map[string]core.Order),
		clientOrderMap: make(map[string]string),
		positions:      make(map[core.Symbol]core.Position),
		balances:       map[string]decimal.Decimal{quoteAsset: startingBalance},
		feeRate:        feeRate,
	}
}

func (b *Broker) Name() string { return "paper" }

func (b *Broker) CheckHealth(ctx context.Context) error { return nil }

// PlaceOrder fills immediately at the current ticker ask for a buy and bid
// for a sell. A
// client_order_id that has already been used returns the original order
// instead of creating a duplicate, mirroring live-exchange semantics.
func (b *Broker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ClientOrderID != "" {
		if brokerID, exists := b.clientOrderMap[req.ClientOrderID]; exists {
			return b.orders[brokerID], nil
		}
	}

	ticker, err := b.md.GetTicker(ctx, req.Symbol)
	if err != nil {
		return core.Order{}, apperrors.Wrapf(apperrors.KindTransient, "paper.PlaceOrder", err, "fetch ticker for %s", req.Symbol)
	}

	fillPrice := ticker.Mid()
	if req.Side == core.SideBuy {
		fillPrice = ticker.Ask
	} else {
		fillPrice = ticker.Bid
	}

	quoteAsset := req.Symbol.Quote()
	cost := fillPrice.Mul(req.Quantity)
	fee := cost.Mul(b.feeRate)

	if req.Side == core.SideBuy {
		available := b.balances[quoteAsset]
		if available.LessThan(cost.Add(fee)) {
			return core.Order{}, apperrors.New(apperrors.KindRejection, "paper.PlaceOrder", apperrors.ErrInsufficientFunds)
		}
		b.balances[quoteAsset] = available.Sub(cost).Sub(fee)
	}

	now := time.Now()
	order := core.Order{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         fillPrice,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		Status:        core.OrderStatusFilled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	b.orders[order.BrokerOrderID] = order
	if order.ClientOrderID != "" {
		b.clientOrderMap[order.ClientOrderID] = order.BrokerOrderID
	}
	b.applyFill(order)

	return order, nil
}

// applyFill updates the simulated position for a filled order. Caller must
// hold b.mu.
func (b *Broker) applyFill(order core.Order) {
	pos := b.positions[order.Symbol]
	pos.Symbol = order.Symbol
	switch order.Side {
	case core.SideBuy:
		totalCost := pos.AvgEntry.Mul(pos.Quantity).Add(order.Price.Mul(order.Quantity))
		newQty := pos.Quantity.Add(order.Quantity)
		if !newQty.IsZero() {
			pos.AvgEntry = totalCost.Div(newQty)
		}
		pos.Quantity = newQty
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = order.CreatedAt
		}
	case core.SideSell:
		sellQty := decimal.Min(order.Quantity, pos.Quantity)
		pos.Quantity = pos.Quantity.Sub(sellQty)
		if pos.Quantity.IsZero() {
			pos.AvgEntry = decimal.Zero
		}
	}
	pos.LastUpdateAt = order.UpdatedAt
	b.positions[order.Symbol] = pos
}

func (b *Broker) CancelOrder(ctx context.Context, symbol core.Symbol, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.New(apperrors.KindData, "paper.CancelOrder", apperrors.ErrOrderNotFound)
	}
	if order.Status == core.OrderStatusFilled {
		return apperrors.New(apperrors.KindRejection, "paper.CancelOrder", fmt.Errorf("order %s already filled", brokerOrderID))
	}
	order.Status = core.OrderStatusCanceled
	b.orders[brokerOrderID] = order
	return nil
}

func (b *Broker) GetOrder(ctx context.Context, symbol core.Symbol, brokerOrderID string) (core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return core.Order{}, apperrors.New(apperrors.KindData, "paper.GetOrder", apperrors.ErrOrderNotFound)
	}
	return order, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []core.Order
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Status == core.OrderStatusNew {
			open = append(open, o)
		}
	}
	return open, nil
}

func (b *Broker) GetPosition(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.positions[symbol]; ok {
		return p, nil
	}
	return core.Position{Symbol: symbol}, nil
}

func (b *Broker) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[asset], nil
}

var _ core.Broker = (*Broker)(nil)
