package storage

// schema creates every table the engine persists through, applied directly
// at Open() time. Grounded on internal/engine/simple/store_sqlite.go, which
// applies its single state table the same way and notes (in a comment) that
// a migration framework was never actually wired up; no repo in the pack
// uses one, so we follow the teacher's direct-apply idiom rather than
// introducing e.g. golang-migrate.
const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	client_order_id TEXT,
	broker_order_id TEXT,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	price           TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	fee             TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	ts_ms           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, ts_ms);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_client_order_id ON trades(client_order_id) WHERE client_order_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_broker_order_id ON trades(broker_order_id) WHERE broker_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	quantity        TEXT NOT NULL,
	avg_entry       TEXT NOT NULL,
	realized_pnl    TEXT NOT NULL,
	opened_at_ms    INTEGER NOT NULL,
	updated_at_ms   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
	key             TEXT PRIMARY KEY,
	created_at_ms   INTEGER NOT NULL,
	expires_at_ms   INTEGER NOT NULL,
	committed       INTEGER NOT NULL DEFAULT 0,
	result          BLOB
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at_ms);

CREATE TABLE IF NOT EXISTS audit_log (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	symbol          TEXT,
	payload         BLOB,
	ts_ms           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts_ms);

CREATE TABLE IF NOT EXISTS exits (
	symbol            TEXT PRIMARY KEY,
	mode              TEXT NOT NULL,
	entry_price       TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	hard_stop_price   TEXT NOT NULL,
	take_profit_price TEXT NOT NULL,
	trailing_pct      TEXT NOT NULL,
	high_water_mark   TEXT NOT NULL,
	trailing_stop     TEXT NOT NULL,
	armed_at_ms       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
