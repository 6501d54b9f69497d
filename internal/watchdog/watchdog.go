// Package watchdog implements the per-symbol health check, SLA-driven
// auto-pause/resume decision, and Dead-Man's-Switch (DMS) safety net
// described in spec.md §4.9.
//
// Grounded on _examples/tommy-ca-opensqt_market_maker/market_maker/internal/risk/circuit_breaker.go's
// mutex-guarded threshold-tripping shape (RecordTrade/checkThresholds/trip),
// generalized from a PnL circuit breaker into a rolling error-rate/latency
// SLA tracker plus heartbeat-staleness detector, and on
// internal/telemetry.Instruments.SetSLA as the export side of the same
// numbers this package computes for its own auto-pause decision.
package watchdog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/config"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/execute"
	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/idempotency"
)

// SLASink receives the rolling SLA numbers for export, e.g.
// telemetry.Instruments.SetSLA. Optional: nil disables export without
// disabling the auto-pause decision that consumes the same numbers.
type SLASink interface {
	SetSLA(symbol string, errorRate, avgLatencyMs float64)
}

// sample is one broker-call outcome in the rolling SLA window.
type sample struct {
	at        time.Time
	success   bool
	latencyMs float64
}

// symbolState is the per-symbol mutable state the watchdog tracks.
type symbolState struct {
	samples []sample // trimmed to the trailing 5 minutes on every read

	paused       bool
	pauseReason  string
	resumeSince  time.Time // first instant the resume condition became true; zero if not currently true

	lastBeat   time.Time
	dmsFired   bool // true once DMS has fired for the current stall; reset on next heartbeat
}

// Config bundles the watchdog's SLA and DMS thresholds for one symbol,
// translated 1:1 from config.AutoPauseConfig / config.AutoResumeConfig.
type Config struct {
	PauseErrorRate5m    float64
	PauseAvgLatencyMs5m float64
	ResumeErrorRate5m   float64
	ResumeAvgLatencyMs5m float64
	ResumeSustainedSec  int
	DMSTimeoutMs        int64
	DMSAction           string // "close" or "alert"
}

// FromConfig builds a Config from the engine's loaded configuration.
func FromConfig(ap config.AutoPauseConfig, ar config.AutoResumeConfig) Config {
	action := ap.DMSAction
	if action == "" {
		action = "alert"
	}
	return Config{
		PauseErrorRate5m:     ap.ErrorRate5m,
		PauseAvgLatencyMs5m:  ap.AvgLatencyMs5m,
		ResumeErrorRate5m:    ar.ErrorRate5m,
		ResumeAvgLatencyMs5m: ar.AvgLatencyMs5m,
		ResumeSustainedSec:   ar.SustainedSec,
		DMSTimeoutMs:         ap.DMSTimeoutMs,
		DMSAction:            action,
	}
}

// Manager runs the watchdog for every configured symbol.
type Manager struct {
	cfg      Config
	storage  core.Storage
	broker   core.Broker
	bus      core.EventBus
	executor *execute.Executor
	sla      SLASink
	log      core.Logger

	mu     sync.Mutex
	states map[core.Symbol]*symbolState
}

// New builds a Manager. executor is used only for the DMS "close" action;
// it may be nil if DMSAction is always "alert".
func New(cfg Config, storage core.Storage, broker core.Broker, bus core.EventBus, executor *execute.Executor, sla SLASink, log core.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		storage:  storage,
		broker:   broker,
		bus:      bus,
		executor: executor,
		sla:      sla,
		log:      log.WithField("component", "watchdog"),
		states:   make(map[core.Symbol]*symbolState),
	}
}

func (m *Manager) stateFor(symbol core.Symbol) *symbolState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok {
		st = &symbolState{}
		m.states[symbol] = st
	}
	return st
}

// RecordResult appends one broker-call outcome to symbol's rolling SLA
// window. Called by the orchestrator once per Eval-loop tick that either
// fails in the strategy or runs Execute-Trade; one Execute-Trade call,
// retries included, is one sample, and an abstaining tick records none.
func (m *Manager) RecordResult(symbol core.Symbol, success bool, latency time.Duration) {
	st := m.stateFor(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	st.samples = append(st.samples, sample{at: time.Now(), success: success, latencyMs: float64(latency.Milliseconds())})
	st.samples = trim(st.samples, time.Now())
}

// Heartbeat records a successful Evaluation-loop iteration. It is the
// "last_beat" timestamp the Dead-Man's-Switch compares against, and clears
// a prior DMS firing so the switch re-arms once evaluation resumes.
func (m *Manager) Heartbeat(symbol core.Symbol) {
	st := m.stateFor(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	st.lastBeat = time.Now()
	st.dmsFired = false
}

// IsPaused reports whether symbol is currently auto-paused. Evaluation and
// Exits loops call this to suppress work while still running and sleeping,
// per spec.md §4.9.
func (m *Manager) IsPaused(symbol core.Symbol) bool {
	st := m.stateFor(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.paused
}

// Tick runs one watchdog iteration for symbol: health check, heartbeat
// publish, SLA evaluation with auto-pause/resume, and the DMS stall check.
func (m *Manager) Tick(ctx context.Context, symbol core.Symbol) error {
	health := m.checkHealth(ctx)
	_ = m.publish(ctx, core.TopicWatchdogHeartbeat, symbol, map[string]any{
		"symbol": string(symbol), "db_ok": health["db_ok"], "broker_ok": health["broker_ok"], "bus_ok": health["bus_ok"],
	})

	errRate, avgLatency := m.slaWindow(symbol)
	if m.sla != nil {
		m.sla.SetSLA(string(symbol), errRate, avgLatency)
	}
	m.evaluateSLA(ctx, symbol, errRate, avgLatency)

	m.prunePastTTL(ctx)

	return m.evaluateDMS(ctx, symbol)
}

// prunePastTTL sweeps expired idempotency rows. It runs once per watchdog
// tick per symbol; the sweep itself is a global, idempotent no-op once
// everything past its TTL has already been removed, so the redundant calls
// across a multi-symbol engine cost nothing beyond an indexed DELETE scan.
func (m *Manager) prunePastTTL(ctx context.Context) {
	if m.executor == nil {
		return
	}
	n, err := m.executor.PruneIdempotency(ctx)
	if err != nil {
		m.log.Warn("idempotency prune failed", "error", err.Error())
		return
	}
	if n > 0 {
		m.log.Debug("pruned expired idempotency rows", "count", n)
	}
}

// checkHealth returns {db_ok, broker_ok, bus_ok} per spec.md §4.9. The bus
// port exposes no direct health probe, so bus_ok reflects process liveness
// only (the orchestrator's Start/Stop lifecycle owns bus failure handling).
func (m *Manager) checkHealth(ctx context.Context) map[string]bool {
	dbOK := true
	if err := m.storage.KV().Set(ctx, "watchdog_ping", time.Now().Format(time.RFC3339)); err != nil {
		dbOK = false
	}
	brokerOK := m.broker.CheckHealth(ctx) == nil
	return map[string]bool{"db_ok": dbOK, "broker_ok": brokerOK, "bus_ok": true}
}

// slaWindow returns the trailing 5-minute error rate and average latency
// for symbol.
func (m *Manager) slaWindow(symbol core.Symbol) (errorRate, avgLatencyMs float64) {
	st := m.stateFor(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()

	st.samples = trim(st.samples, time.Now())
	if len(st.samples) == 0 {
		return 0, 0
	}
	var failures int
	var latencySum float64
	for _, s := range st.samples {
		if !s.success {
			failures++
		}
		latencySum += s.latencyMs
	}
	return float64(failures) / float64(len(st.samples)), latencySum / float64(len(st.samples))
}

// evaluateSLA implements spec.md §4.9's pause/resume decision. Pause fires
// on the first tick that crosses either threshold; resume requires both
// thresholds to stay within bounds for ResumeSustainedSec continuously.
func (m *Manager) evaluateSLA(ctx context.Context, symbol core.Symbol, errorRate, avgLatencyMs float64) {
	st := m.stateFor(symbol)

	m.mu.Lock()
	wasPaused := st.paused
	m.mu.Unlock()

	breachesPause := (m.cfg.PauseErrorRate5m > 0 && errorRate >= m.cfg.PauseErrorRate5m) ||
		(m.cfg.PauseAvgLatencyMs5m > 0 && avgLatencyMs >= m.cfg.PauseAvgLatencyMs5m)

	if !wasPaused && breachesPause {
		m.mu.Lock()
		st.paused = true
		st.pauseReason = "sla_breach"
		m.mu.Unlock()

		_ = m.storage.Audit().Append(ctx, core.AuditEvent{Kind: core.AuditWatchdogPause, Symbol: symbol,
			Payload: mustJSON(map[string]any{"error_rate_5m": errorRate, "avg_latency_ms_5m": avgLatencyMs})})
		_ = m.publish(ctx, core.TopicOrchAutoPaused, symbol, map[string]any{
			"symbol": string(symbol), "error_rate_5m": errorRate, "avg_latency_ms_5m": avgLatencyMs,
		})
		return
	}

	if !wasPaused {
		return
	}

	withinResume := errorRate <= m.cfg.ResumeErrorRate5m && avgLatencyMs <= m.cfg.ResumeAvgLatencyMs5m

	m.mu.Lock()
	defer m.mu.Unlock()
	if !withinResume {
		st.resumeSince = time.Time{}
		return
	}
	if st.resumeSince.IsZero() {
		st.resumeSince = time.Now()
		return
	}
	if time.Since(st.resumeSince) < time.Duration(m.cfg.ResumeSustainedSec)*time.Second {
		return
	}

	st.paused = false
	st.pauseReason = ""
	st.resumeSince = time.Time{}

	go func() {
		_ = m.storage.Audit().Append(ctx, core.AuditEvent{Kind: core.AuditWatchdogResume, Symbol: symbol,
			Payload: mustJSON(map[string]any{"error_rate_5m": errorRate, "avg_latency_ms_5m": avgLatencyMs})})
		_ = m.publish(ctx, core.TopicOrchAutoResumed, symbol, map[string]any{"symbol": string(symbol)})
	}()
}

// evaluateDMS fires the configured action once per stall when the
// Evaluation loop's heartbeat goes silent for longer than DMSTimeoutMs.
func (m *Manager) evaluateDMS(ctx context.Context, symbol core.Symbol) error {
	st := m.stateFor(symbol)

	m.mu.Lock()
	if st.lastBeat.IsZero() || st.dmsFired {
		m.mu.Unlock()
		return nil
	}
	stalled := time.Since(st.lastBeat) > time.Duration(m.cfg.DMSTimeoutMs)*time.Millisecond
	if !stalled {
		m.mu.Unlock()
		return nil
	}
	st.dmsFired = true
	m.mu.Unlock()

	payload := mustJSON(map[string]any{"symbol": string(symbol), "action": m.cfg.DMSAction, "stalled_since": st.lastBeat})
	_ = m.storage.Audit().Append(ctx, core.AuditEvent{Kind: core.AuditDMSTriggered, Symbol: symbol, Payload: payload})
	_ = m.publish(ctx, core.TopicDMSTriggered, symbol, map[string]any{"symbol": string(symbol), "action": m.cfg.DMSAction})

	if m.cfg.DMSAction != "close" {
		return nil
	}
	if m.executor == nil {
		m.log.Warn("dms action is close but no executor is wired", "symbol", string(symbol))
		return nil
	}

	position, err := m.storage.Positions().Get(ctx, symbol)
	if err != nil || position.Quantity.IsZero() {
		return err
	}
	_, err = m.executor.Execute(ctx, execute.Request{
		Symbol: symbol, Side: core.SideSell, Quantity: position.Quantity,
		Source: idempotency.SourceDMS, Reason: "dms_close",
	})
	return err
}

// trim drops samples older than 5 minutes relative to now.
func trim(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

func (m *Manager) publish(ctx context.Context, topic core.Topic, symbol core.Symbol, payload interface{}) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Publish(ctx, core.Event{Topic: topic, Key: string(symbol), Payload: payload})
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
