// Package orchestrator owns the four cooperative loops — Eval, Exits,
// Reconcile, Watchdog — that drive one symbol end to end, per spec.md
// §4.10. It holds no business logic beyond sequencing and lifecycle; every
// decision lives in the component packages it wires together.
//
// Grounded on
// _examples/aristath-sentinel/trader-go/internal/scheduler/scheduler.go's
// robfig/cron "@every Ns" AddJob idiom, generalized from one shared
// scheduler to one cron instance per symbol so each symbol's four loops
// can be paused/stopped independently.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/config"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/durable"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/exits"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/reconcile"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/watchdog"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// LoopStatus is one loop's point-in-time status, per spec.md §4.10's
// "status returns per-loop running flag, last tick timestamp, pause flag,
// and last error".
type LoopStatus struct {
	Running    bool
	LastTickAt time.Time
	Paused     bool
	LastErr    error
}

// Status is the full per-symbol status snapshot.
type Status struct {
	Symbol core.Symbol
	Eval   LoopStatus
	Exits  LoopStatus
	Reconcile LoopStatus
	Watchdog  LoopStatus
}

// Dependencies bundles everything one symbol's loops need. The same
// Executor, risk pipeline and storage are shared across every symbol;
// Strategy and MarketData are also shared since they are stateless per
// call or keyed by symbol internally.
type Dependencies struct {
	Strategy    core.Strategy
	MarketData  core.MarketData
	Storage     core.Storage
	Executor    *execute.Executor
	Durable     *durable.Engine // optional: set only when storage.database_url is configured
	Exits       *exits.Manager
	Reconciler  *reconcile.Reconciler
	Watchdog    *watchdog.Manager
	Bus         core.EventBus
	Log         core.Logger
	FixedAmount decimal.Decimal
}

// runExecute dispatches through the durable DBOS workflow when one is
// configured, falling back to calling the Executor directly otherwise.
func (s *Symbol) runExecute(ctx context.Context, req execute.Request) (execute.Result, error) {
	if s.deps.Durable != nil {
		return s.deps.Durable.Execute(ctx, req)
	}
	return s.deps.Executor.Execute(ctx, req)
}

// loopState is the mutable bookkeeping for one of the four loops, guarded
// by its own mutex so overlapping ticks collapse via TryLock rather than
// queuing (spec.md's "single-flight guard" per loop).
type loopState struct {
	mu      sync.Mutex // held for the duration of one tick; TryLock skips an overlapping tick
	status  LoopStatus
	statusM sync.Mutex // guards status fields read by Status() concurrently with a running tick
}

func (l *loopState) snapshot() LoopStatus {
	l.statusM.Lock()
	defer l.statusM.Unlock()
	return l.status
}

func (l *loopState) record(err error) {
	l.statusM.Lock()
	defer l.statusM.Unlock()
	l.status.LastTickAt = time.Now()
	l.status.LastErr = err
}

func (l *loopState) setRunning(running bool) {
	l.statusM.Lock()
	defer l.statusM.Unlock()
	l.status.Running = running
}

// Symbol is one symbol's full runtime: its four loops and their cron
// schedule, independent of every other symbol.
type Symbol struct {
	symbol core.Symbol
	deps   Dependencies
	cron   *cron.Cron

	eval      loopState
	exitsLoop loopState
	reconcile loopState
	watchdog  loopState

	pausedManually bool
	pauseMu        sync.Mutex
}

// New builds the per-symbol orchestrator for symbol, scheduling its four
// loops at the given intervals using robfig/cron's "@every" spec.
func New(symbol core.Symbol, deps Dependencies, intervals config.IntervalsConfig) *Symbol {
	s := &Symbol{
		symbol: symbol,
		deps:   deps,
		cron:   cron.New(),
	}

	s.cron.Schedule(cron.Every(time.Duration(intervals.EvalSec)*time.Second), cron.FuncJob(func() { s.runLoop(&s.eval, s.tickEval) }))
	s.cron.Schedule(cron.Every(time.Duration(intervals.ExitsSec)*time.Second), cron.FuncJob(func() { s.runLoop(&s.exitsLoop, s.tickExits) }))
	s.cron.Schedule(cron.Every(time.Duration(intervals.ReconcileSec)*time.Second), cron.FuncJob(func() { s.runLoop(&s.reconcile, s.tickReconcile) }))
	s.cron.Schedule(cron.Every(time.Duration(intervals.WatchdogSec)*time.Second), cron.FuncJob(func() { s.runLoop(&s.watchdog, s.tickWatchdog) }))

	return s
}

// Start begins all four loops.
func (s *Symbol) Start(ctx context.Context) error {
	s.cron.Start()
	return nil
}

// Stop cancels all loops and waits up to deadline for any in-flight tick
// to finish before abandoning it, per spec.md §4.10.
func (s *Symbol) Stop(deadline time.Duration) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(deadline):
	}
}

// Pause manually suspends the Eval and Exits loops (they continue to run
// and sleep, per spec.md §4.9's wording for watchdog-driven pause).
// Manual pause and watchdog auto-pause are independent flags; either one
// suppresses work.
func (s *Symbol) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.pausedManually = true
}

// Resume clears a manual pause. It does not override an active watchdog
// auto-pause, which clears on its own SLA-recovery schedule.
func (s *Symbol) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.pausedManually = false
}

func (s *Symbol) isPausedManually() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.pausedManually
}

// Status returns the current per-loop status snapshot.
func (s *Symbol) Status() Status {
	paused := s.isPausedManually() || (s.deps.Watchdog != nil && s.deps.Watchdog.IsPaused(s.symbol))

	eval := s.eval.snapshot()
	eval.Paused = paused
	ex := s.exitsLoop.snapshot()
	ex.Paused = paused

	return Status{
		Symbol:    s.symbol,
		Eval:      eval,
		Exits:     ex,
		Reconcile: s.reconcile.snapshot(),
		Watchdog:  s.watchdog.snapshot(),
	}
}

// runLoop applies the single-flight guard (TryLock: skip rather than queue
// an overlapping tick) and records the outcome on loop's status.
func (s *Symbol) runLoop(loop *loopState, work func(ctx context.Context) error) {
	if !loop.mu.TryLock() {
		return
	}
	defer loop.mu.Unlock()

	loop.setRunning(true)
	defer loop.setRunning(false)

	ctx := context.Background()
	err := work(ctx)
	loop.record(err)
}

// tickEval runs one Evaluation/Execution iteration: Strategy decides,
// Execute-Trade carries the decision through risk + broker + storage. A
// paused symbol (manual or watchdog auto-pause) still ticks but does no
// work, per spec.md §4.9.
func (s *Symbol) tickEval(ctx context.Context) error {
	if s.isPausedManually() || (s.deps.Watchdog != nil && s.deps.Watchdog.IsPaused(s.symbol)) {
		return nil
	}

	ticker, err := s.deps.MarketData.GetTicker(ctx, s.symbol)
	if err != nil {
		return err
	}
	position, err := s.deps.Storage.Positions().Get(ctx, s.symbol)
	if err != nil {
		return err
	}

	start := time.Now()
	decision, err := s.deps.Strategy.Decide(ctx, core.StrategyInput{
		Symbol: s.symbol, Ticker: ticker, Position: position, FixedAmount: s.deps.FixedAmount,
	})
	if err != nil {
		if s.deps.Watchdog != nil {
			s.deps.Watchdog.RecordResult(s.symbol, false, time.Since(start))
		}
		return err
	}
	if decision.Abstain {
		if s.deps.Watchdog != nil {
			s.deps.Watchdog.Heartbeat(s.symbol)
		}
		return nil
	}

	_, err = s.runExecute(ctx, execute.Request{
		Symbol: s.symbol, Side: decision.Side, Quantity: decision.Quantity,
		Source: idempotency.SourceEval, Reason: decision.Reason, Ticker: ticker,
	})
	if s.deps.Watchdog != nil {
		s.deps.Watchdog.RecordResult(s.symbol, err == nil, time.Since(start))
		if err == nil {
			s.deps.Watchdog.Heartbeat(s.symbol)
		}
	}
	return err
}

// tickExits evaluates the protective-exit state machine. Like Eval, it
// still ticks while paused but does no work.
func (s *Symbol) tickExits(ctx context.Context) error {
	if s.isPausedManually() || (s.deps.Watchdog != nil && s.deps.Watchdog.IsPaused(s.symbol)) {
		return nil
	}
	if s.deps.Exits == nil {
		return nil
	}
	return s.deps.Exits.Evaluate(ctx, s.symbol)
}

// tickReconcile always runs, even while paused, per spec.md §4.9
// ("Reconciliation continues").
func (s *Symbol) tickReconcile(ctx context.Context) error {
	if s.deps.Reconciler == nil {
		return nil
	}
	return s.deps.Reconciler.Run(ctx, s.symbol)
}

// tickWatchdog always runs: it is the component deciding whether the other
// three loops should be paused, so it cannot itself be paused by that
// decision.
func (s *Symbol) tickWatchdog(ctx context.Context) error {
	if s.deps.Watchdog == nil {
		return nil
	}
	return s.deps.Watchdog.Tick(ctx, s.symbol)
}
