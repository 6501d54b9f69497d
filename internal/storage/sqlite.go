// Package storage implements the relational persistence layer: trades,
// positions, idempotency, audit_log and kv tables behind the core.Storage
// port, plus an in-memory double for tests.
//
// Grounded on internal/engine/simple/store_sqlite.go (WAL pragma,
// serializable transactions, direct schema application at Open time).
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sabiraka1/crypto-ai-bot-sub002/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStorage is the production core.Storage implementation.
type SQLiteStorage struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path, enables WAL
// mode and applies the schema.
func Open(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) Trades() core.TradeRepo           { return &tradeRepo{db: s.db} }
func (s *SQLiteStorage) Positions() core.PositionRepo     { return &positionRepo{db: s.db} }
func (s *SQLiteStorage) Idempotency() core.IdempotencyRepo { return &idempotencyRepo{db: s.db} }
func (s *SQLiteStorage) Audit() core.AuditRepo            { return &auditRepo{db: s.db} }
func (s *SQLiteStorage) Exits() core.ExitRepo             { return &exitRepo{db: s.db} }
func (s *SQLiteStorage) KV() core.KVRepo                  { return &kvRepo{db: s.db} }

var _ core.Storage = (*SQLiteStorage)(nil)

// --- trades ---

type tradeRepo struct{ db *sql.DB }

func (r *tradeRepo) Insert(ctx context.Context, t core.Trade) (core.Trade, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.Trade{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades (client_order_id, broker_order_id, symbol, side, price, quantity, fee, realized_pnl, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) WHERE client_order_id IS NOT NULL DO UPDATE SET
			broker_order_id=excluded.broker_order_id`,
		nullableString(t.ClientOrderID), nullableString(""), string(t.Symbol), string(t.Side),
		t.Price.String(), t.Quantity.String(), t.Fee.String(), t.RealizedPnL.String(), t.ExecutedAt.UnixMilli())
	if err != nil {
		return core.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	id, _ := res.LastInsertId()
	t.ID = id

	if err := tx.Commit(); err != nil {
		return core.Trade{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func (r *tradeRepo) ListBySymbol(ctx context.Context, symbol core.Symbol, limit int) ([]core.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_order_id, symbol, side, price, quantity, fee, realized_pnl, ts_ms
		FROM trades WHERE symbol = ? ORDER BY ts_ms DESC LIMIT ?`, string(symbol), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (r *tradeRepo) ListSince(ctx context.Context, symbol core.Symbol, since time.Time) ([]core.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_order_id, symbol, side, price, quantity, fee, realized_pnl, ts_ms
		FROM trades WHERE symbol = ? AND ts_ms >= ? ORDER BY ts_ms ASC`, string(symbol), since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]core.Trade, error) {
	var out []core.Trade
	for rows.Next() {
		var t core.Trade
		var clientOrderID sql.NullString
		var priceStr, qtyStr, feeStr, pnlStr string
		var tsMs int64
		if err := rows.Scan(&t.ID, &clientOrderID, (*string)(&t.Symbol), (*string)(&t.Side), &priceStr, &qtyStr, &feeStr, &pnlStr, &tsMs); err != nil {
			return nil, err
		}
		t.ClientOrderID = clientOrderID.String
		t.Price, _ = decimal.NewFromString(priceStr)
		t.Quantity, _ = decimal.NewFromString(qtyStr)
		t.Fee, _ = decimal.NewFromString(feeStr)
		t.RealizedPnL, _ = decimal.NewFromString(pnlStr)
		t.ExecutedAt = time.UnixMilli(tsMs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- positions ---

type positionRepo struct{ db *sql.DB }

func (r *positionRepo) Get(ctx context.Context, symbol core.Symbol) (core.Position, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, quantity, avg_entry, realized_pnl, opened_at_ms, updated_at_ms
		FROM positions WHERE symbol = ?`, string(symbol))
	var p core.Position
	var qtyStr, avgStr, pnlStr string
	var openedMs, updatedMs int64
	err := row.Scan((*string)(&p.Symbol), &qtyStr, &avgStr, &pnlStr, &openedMs, &updatedMs)
	if err == sql.ErrNoRows {
		return core.Position{Symbol: symbol}, nil
	}
	if err != nil {
		return core.Position{}, err
	}
	p.Quantity, _ = decimal.NewFromString(qtyStr)
	p.AvgEntry, _ = decimal.NewFromString(avgStr)
	p.RealizedPnL, _ = decimal.NewFromString(pnlStr)
	p.OpenedAt = time.UnixMilli(openedMs)
	p.LastUpdateAt = time.UnixMilli(updatedMs)
	return p, nil
}

func (r *positionRepo) Upsert(ctx context.Context, p core.Position) error {
	now := time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.LastUpdateAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, quantity, avg_entry, realized_pnl, opened_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity=excluded.quantity, avg_entry=excluded.avg_entry,
			realized_pnl=excluded.realized_pnl, updated_at_ms=excluded.updated_at_ms`,
		string(p.Symbol), p.Quantity.String(), p.AvgEntry.String(), p.RealizedPnL.String(),
		p.OpenedAt.UnixMilli(), p.LastUpdateAt.UnixMilli())
	return err
}

// --- idempotency ---

type idempotencyRepo struct{ db *sql.DB }

// Claim implements the atomic upsert: a brand-new key is inserted
// uncommitted; an existing uncommitted key whose TTL has lapsed is
// re-claimed; anything else loses the race.
func (r *idempotencyRepo) Claim(ctx context.Context, key string, nowMs, ttlMs int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	expires := nowMs + ttlMs
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO idempotency (key, created_at_ms, expires_at_ms, committed) VALUES (?, ?, ?, 0)`,
		key, nowMs, expires)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE idempotency SET created_at_ms = ?, expires_at_ms = ?, committed = 0, result = NULL
		WHERE key = ? AND committed = 0 AND expires_at_ms < ?`, nowMs, expires, key, nowMs)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, tx.Commit()
	}
	return false, tx.Commit()
}

func (r *idempotencyRepo) Commit(ctx context.Context, key string, result []byte) error {
	_, err := r.db.ExecContext(ctx, `UPDATE idempotency SET committed = 1, result = ? WHERE key = ?`, result, key)
	return err
}

func (r *idempotencyRepo) Release(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ?`, key)
	return err
}

// Prune removes every row past its TTL, committed or not, per spec.md §3's
// "pruned after TTL" requirement. idx_idempotency_expires keys this scan.
func (r *idempotencyRepo) Prune(ctx context.Context, nowMs int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at_ms < ?`, nowMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *idempotencyRepo) GetOriginal(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT key, created_at_ms, expires_at_ms, committed, result FROM idempotency WHERE key = ?`, key)
	var rec core.IdempotencyRecord
	var expiresMs int64
	var committed int
	var result []byte
	err := row.Scan(&rec.Key, &rec.CreatedAtMs, &expiresMs, &committed, &result)
	if err == sql.ErrNoRows {
		return core.IdempotencyRecord{}, nil
	}
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	rec.TTLMs = expiresMs - rec.CreatedAtMs
	rec.Committed = committed == 1
	rec.Result = result
	return rec, nil
}

// --- audit ---

type auditRepo struct{ db *sql.DB }

func (r *auditRepo) Append(ctx context.Context, e core.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_log (kind, symbol, payload, ts_ms) VALUES (?, ?, ?, ?)`,
		string(e.Kind), string(e.Symbol), e.Payload, e.CreatedAt.UnixMilli())
	return err
}

func (r *auditRepo) ListBySymbol(ctx context.Context, symbol core.Symbol, limit int) ([]core.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, symbol, payload, ts_ms FROM audit_log WHERE symbol = ? ORDER BY ts_ms DESC LIMIT ?`,
		string(symbol), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.AuditEvent
	for rows.Next() {
		var e core.AuditEvent
		var tsMs int64
		if err := rows.Scan(&e.ID, (*string)(&e.Kind), (*string)(&e.Symbol), &e.Payload, &tsMs); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(tsMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- exits ---

type exitRepo struct{ db *sql.DB }

func (r *exitRepo) Get(ctx context.Context, symbol core.Symbol) (*core.ExitPlan, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, mode, entry_price, quantity, hard_stop_price, take_profit_price, trailing_pct, high_water_mark, trailing_stop, armed_at_ms
		FROM exits WHERE symbol = ?`, string(symbol))
	var p core.ExitPlan
	var entry, qty, hard, take, trail, hwm, tstop string
	var armedMs int64
	err := row.Scan((*string)(&p.Symbol), (*string)(&p.Mode), &entry, &qty, &hard, &take, &trail, &hwm, &tstop, &armedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.HardStopPrice, _ = decimal.NewFromString(hard)
	p.TakeProfitPrice, _ = decimal.NewFromString(take)
	p.TrailingPct, _ = decimal.NewFromString(trail)
	p.HighWaterMark, _ = decimal.NewFromString(hwm)
	p.TrailingStop, _ = decimal.NewFromString(tstop)
	p.ArmedAt = time.UnixMilli(armedMs)
	return &p, nil
}

func (r *exitRepo) Upsert(ctx context.Context, p core.ExitPlan) error {
	if p.ArmedAt.IsZero() {
		p.ArmedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exits (symbol, mode, entry_price, quantity, hard_stop_price, take_profit_price, trailing_pct, high_water_mark, trailing_stop, armed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			mode=excluded.mode, entry_price=excluded.entry_price, quantity=excluded.quantity,
			hard_stop_price=excluded.hard_stop_price, take_profit_price=excluded.take_profit_price,
			trailing_pct=excluded.trailing_pct, high_water_mark=excluded.high_water_mark,
			trailing_stop=excluded.trailing_stop, armed_at_ms=excluded.armed_at_ms`,
		string(p.Symbol), string(p.Mode), p.EntryPrice.String(), p.Quantity.String(),
		p.HardStopPrice.String(), p.TakeProfitPrice.String(), p.TrailingPct.String(),
		p.HighWaterMark.String(), p.TrailingStop.String(), p.ArmedAt.UnixMilli())
	return err
}

func (r *exitRepo) Delete(ctx context.Context, symbol core.Symbol) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM exits WHERE symbol = ?`, string(symbol))
	return err
}

// --- kv ---

type kvRepo struct{ db *sql.DB }

func (r *kvRepo) Get(ctx context.Context, key string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *kvRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (r *kvRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
