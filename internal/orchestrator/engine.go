package orchestrator

import (
	"context"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// Engine owns one Symbol orchestrator per configured trading pair and
// starts/stops them together. Each Symbol's four loops run independently
// once started, per spec.md §5's "multiple symbols run their task sets
// independently".
type Engine struct {
	symbols map[core.Symbol]*Symbol
}

// NewEngine builds an Engine from a set of already-constructed Symbol
// orchestrators, keyed by symbol.
func NewEngine(symbols []*Symbol) *Engine {
	e := &Engine{symbols: make(map[core.Symbol]*Symbol, len(symbols))}
	for _, s := range symbols {
		e.symbols[s.symbol] = s
	}
	return e
}

// Start starts every symbol's loops.
func (e *Engine) Start(ctx context.Context) error {
	for _, s := range e.symbols {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every symbol's loops, waiting up to deadline per symbol for
// in-flight work to finish.
func (e *Engine) Stop(deadline time.Duration) {
	for _, s := range e.symbols {
		s.Stop(deadline)
	}
}

// Status returns every symbol's status snapshot.
func (e *Engine) Status() []Status {
	out := make([]Status, 0, len(e.symbols))
	for _, s := range e.symbols {
		out = append(out, s.Status())
	}
	return out
}

// Pause suspends a single symbol's Eval/Exits loops; Resume clears it.
func (e *Engine) Pause(symbol core.Symbol) {
	if s, ok := e.symbols[symbol]; ok {
		s.Pause()
	}
}

func (e *Engine) Resume(symbol core.Symbol) {
	if s, ok := e.symbols[symbol]; ok {
		s.Resume()
	}
}

// Health aggregates a process-wide HealthSummary from every symbol's
// current status, for the watchdog's health.report / HealthSummary
// surface.
func (e *Engine) Health() core.HealthSummary {
	summary := core.HealthSummary{OK: true, Components: map[string]string{}, PerSymbol: map[core.Symbol]core.SymbolHealth{}, CheckedAt: time.Now()}
	for sym, s := range e.symbols {
		st := s.Status()
		sh := core.SymbolHealth{
			Paused:      st.Eval.Paused,
			LastEvalAt:  st.Eval.LastTickAt,
			LastHeartbeat: st.Watchdog.LastTickAt,
		}
		if st.Eval.LastErr != nil {
			sh.PauseReason = st.Eval.LastErr.Error()
		}
		summary.PerSymbol[sym] = sh
	}
	return summary
}
