// Package risk implements the ordered, short-circuiting Risk Pipeline that
// gates every trade decision before it reaches the broker, plus the
// strict-FIFO realized-PnL ledger the loss/drawdown rules depend on.
//
// Grounded on internal/risk/circuit_breaker.go's threshold-struct-plus-trip
// shape (consecutive-loss and drawdown tripping) and internal/risk/monitor.go's
// ATR/anomaly bookkeeping idiom, generalized from a standalone
// streaming monitor into a pure, ordered rule chain invoked synchronously
// per evaluation tick.
package risk

import (
	"context"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// Pipeline runs an ordered list of RiskRules and stops at the first
// rejection, per spec.md's short-circuit chain.
type Pipeline struct {
	rules []core.RiskRule
	bus   core.EventBus
}

// NewPipeline builds a Pipeline from rules in evaluation order. Passing a
// nil bus is valid; rejections simply go unpublished (used in tests).
func NewPipeline(bus core.EventBus, rules ...core.RiskRule) *Pipeline {
	return &Pipeline{rules: rules, bus: bus}
}

// Evaluate runs every rule in order against in, returning the first
// rejecting verdict, or an allowing verdict with rule "" once every rule
// passes.
func (p *Pipeline) Evaluate(ctx context.Context, in core.RiskInput) core.RiskVerdict {
	for _, rule := range p.rules {
		verdict := rule.Check(ctx, in)
		if !verdict.Allowed {
			p.publishBlocked(ctx, in, verdict)
			return verdict
		}
	}
	return core.RiskVerdict{Allowed: true}
}

func (p *Pipeline) publishBlocked(ctx context.Context, in core.RiskInput, verdict core.RiskVerdict) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, core.Event{
		Topic: core.TopicRiskBlocked,
		Key:   string(in.Symbol),
		Payload: map[string]any{
			"symbol": string(in.Symbol),
			"rule":   verdict.Rule,
			"reason": verdict.Reason,
		},
	})
}
