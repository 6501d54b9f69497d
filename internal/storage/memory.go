package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"
)

// MemoryStorage is an in-memory core.Storage double used in paper mode and
// across package tests. Grounded on the teacher's mock store idiom
// (internal/mock/exchange.go keeps its book in plain maps behind a mutex).
type MemoryStorage struct {
	mu          sync.Mutex
	trades      []core.Trade
	nextTradeID int64
	positions   map[core.Symbol]core.Position
	idempotency map[string]core.IdempotencyRecord
	audit       []core.AuditEvent
	nextAuditID int64
	exits       map[core.Symbol]core.ExitPlan
	kv          map[string]string
}

// NewMemory builds an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		positions:   make(map[core.Symbol]core.Position),
		idempotency: make(map[string]core.IdempotencyRecord),
		exits:       make(map[core.Symbol]core.ExitPlan),
		kv:          make(map[string]string),
	}
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Trades() core.TradeRepo           { return &memTradeRepo{m} }
func (m *MemoryStorage) Positions() core.PositionRepo     { return &memPositionRepo{m} }
func (m *MemoryStorage) Idempotency() core.IdempotencyRepo { return &memIdempotencyRepo{m} }
func (m *MemoryStorage) Audit() core.AuditRepo            { return &memAuditRepo{m} }
func (m *MemoryStorage) Exits() core.ExitRepo             { return &memExitRepo{m} }
func (m *MemoryStorage) KV() core.KVRepo                  { return &memKVRepo{m} }

var _ core.Storage = (*MemoryStorage)(nil)

type memTradeRepo struct{ m *MemoryStorage }

func (r *memTradeRepo) Insert(ctx context.Context, t core.Trade) (core.Trade, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	r.m.nextTradeID++
	t.ID = r.m.nextTradeID
	r.m.trades = append(r.m.trades, t)
	return t, nil
}

func (r *memTradeRepo) ListBySymbol(ctx context.Context, symbol core.Symbol, limit int) ([]core.Trade, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []core.Trade
	for i := len(r.m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if r.m.trades[i].Symbol == symbol {
			out = append(out, r.m.trades[i])
		}
	}
	return out, nil
}

func (r *memTradeRepo) ListSince(ctx context.Context, symbol core.Symbol, since time.Time) ([]core.Trade, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []core.Trade
	for _, t := range r.m.trades {
		if t.Symbol == symbol && !t.ExecutedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

type memPositionRepo struct{ m *MemoryStorage }

func (r *memPositionRepo) Get(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p, ok := r.m.positions[symbol]; ok {
		return p, nil
	}
	return core.Position{Symbol: symbol}, nil
}

func (r *memPositionRepo) Upsert(ctx context.Context, p core.Position) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	p.LastUpdateAt = time.Now()
	r.m.positions[p.Symbol] = p
	return nil
}

type memIdempotencyRepo struct{ m *MemoryStorage }

func (r *memIdempotencyRepo) Claim(ctx context.Context, key string, nowMs, ttlMs int64) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec, exists := r.m.idempotency[key]
	if !exists || (!rec.Committed && rec.CreatedAtMs+rec.TTLMs < nowMs) {
		r.m.idempotency[key] = core.IdempotencyRecord{Key: key, CreatedAtMs: nowMs, TTLMs: ttlMs}
		return true, nil
	}
	return false, nil
}

func (r *memIdempotencyRepo) Commit(ctx context.Context, key string, result []byte) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rec := r.m.idempotency[key]
	rec.Committed = true
	rec.Result = result
	r.m.idempotency[key] = rec
	return nil
}

func (r *memIdempotencyRepo) Release(ctx context.Context, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.idempotency, key)
	return nil
}

func (r *memIdempotencyRepo) Prune(ctx context.Context, nowMs int64) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for key, rec := range r.m.idempotency {
		if rec.CreatedAtMs+rec.TTLMs < nowMs {
			delete(r.m.idempotency, key)
			n++
		}
	}
	return n, nil
}

func (r *memIdempotencyRepo) GetOriginal(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.idempotency[key], nil
}

type memAuditRepo struct{ m *MemoryStorage }

func (r *memAuditRepo) Append(ctx context.Context, e core.AuditEvent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.m.nextAuditID++
	e.ID = r.m.nextAuditID
	r.m.audit = append(r.m.audit, e)
	return nil
}

func (r *memAuditRepo) ListBySymbol(ctx context.Context, symbol core.Symbol, limit int) ([]core.AuditEvent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []core.AuditEvent
	for i := len(r.m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if r.m.audit[i].Symbol == symbol {
			out = append(out, r.m.audit[i])
		}
	}
	return out, nil
}

type memExitRepo struct{ m *MemoryStorage }

func (r *memExitRepo) Get(ctx context.Context, symbol core.Symbol) (*core.ExitPlan, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p, ok := r.m.exits[symbol]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (r *memExitRepo) Upsert(ctx context.Context, p core.ExitPlan) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p.ArmedAt.IsZero() {
		p.ArmedAt = time.Now()
	}
	r.m.exits[p.Symbol] = p
	return nil
}

func (r *memExitRepo) Delete(ctx context.Context, symbol core.Symbol) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.exits, symbol)
	return nil
}

type memKVRepo struct{ m *MemoryStorage }

func (r *memKVRepo) Get(ctx context.Context, key string) (string, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	v, ok := r.m.kv[key]
	return v, ok, nil
}

func (r *memKVRepo) Set(ctx context.Context, key, value string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.kv[key] = value
	return nil
}

func (r *memKVRepo) Delete(ctx context.Context, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.kv, key)
	return nil
}
