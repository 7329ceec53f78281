package state

import "database/sql"

// schemaStatements are applied in order on every open. Each is an
// additive, idempotent migration (CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS) so the same binary can be pointed at an older
// database file without a separate migration runner.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id    TEXT PRIMARY KEY,
		exchange_order_id  TEXT,
		symbol             TEXT NOT NULL,
		side               TEXT NOT NULL,
		price              TEXT NOT NULL,
		qty                TEXT NOT NULL,
		status             TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		reconcile_attempts INTEGER NOT NULL DEFAULT 0,
		intent_hash        TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_exchange_order_id
		ON orders(exchange_order_id) WHERE exchange_order_id IS NOT NULL AND exchange_order_id != ''`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status)`,

	`CREATE TABLE IF NOT EXISTS fills (
		fill_id         TEXT PRIMARY KEY,
		order_id        TEXT,
		client_order_id TEXT,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		price           TEXT NOT NULL,
		qty             TEXT NOT NULL,
		fee_amount      TEXT NOT NULL,
		fee_currency    TEXT NOT NULL,
		traded_at       INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS applied_fills (
		fill_id TEXT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_events (
		event_id          TEXT PRIMARY KEY,
		ts                INTEGER NOT NULL,
		type              TEXT NOT NULL,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL DEFAULT '',
		qty               TEXT NOT NULL,
		price             TEXT NOT NULL,
		fee_amount        TEXT NOT NULL,
		fee_currency      TEXT NOT NULL DEFAULT '',
		exchange_trade_id TEXT,
		client_order_id   TEXT,
		meta              TEXT NOT NULL DEFAULT '',
		seq               INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_events_trade_id
		ON ledger_events(exchange_trade_id) WHERE exchange_trade_id IS NOT NULL AND exchange_trade_id != ''`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_seq ON ledger_events(seq)`,

	`CREATE TABLE IF NOT EXISTS positions (
		symbol            TEXT PRIMARY KEY,
		qty               TEXT NOT NULL,
		avg_cost          TEXT NOT NULL,
		realized_pnl      TEXT NOT NULL,
		unrealized_pnl    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS intents (
		intent_id       TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key          TEXT PRIMARY KEY,
		payload_hash TEXT NOT NULL,
		ts           INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS actions (
		action_id    TEXT PRIMARY KEY,
		action_type  TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		time_bucket  INTEGER NOT NULL,
		decision     TEXT NOT NULL DEFAULT '',
		UNIQUE(action_type, payload_hash, time_bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS cycle_trace (
		cycle_id             TEXT PRIMARY KEY,
		ts                   INTEGER NOT NULL,
		selected_universe    TEXT NOT NULL,
		active_param_version INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_ledger_metrics (
		cycle_id           TEXT PRIMARY KEY REFERENCES cycle_trace(cycle_id),
		realized_today_try TEXT NOT NULL,
		unrealized_try     TEXT NOT NULL,
		gross_pnl_try      TEXT NOT NULL,
		net_pnl_try        TEXT NOT NULL,
		equity_try         TEXT NOT NULL,
		peak_equity_try    TEXT NOT NULL,
		max_drawdown       TEXT NOT NULL,
		fees_today_try     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_risk_decisions (
		cycle_id       TEXT PRIMARY KEY REFERENCES cycle_trace(cycle_id),
		mode           TEXT NOT NULL,
		reasons        TEXT NOT NULL,
		cooldown_until INTEGER,
		inputs_hash    TEXT NOT NULL,
		decided_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_intents (
		client_order_id TEXT PRIMARY KEY,
		cycle_id        TEXT NOT NULL REFERENCES cycle_trace(cycle_id),
		symbol          TEXT NOT NULL,
		side             TEXT NOT NULL,
		target_price    TEXT NOT NULL,
		target_qty      TEXT NOT NULL,
		reason          TEXT NOT NULL,
		strategy_id     TEXT NOT NULL,
		accepted        INTEGER NOT NULL,
		reject_code     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS order_events (
		event_id        TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL,
		status          TEXT NOT NULL,
		ts              INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS capital_state (
		id                        INTEGER PRIMARY KEY CHECK (id = 1),
		trading_capital_try       TEXT NOT NULL,
		treasury_try              TEXT NOT NULL,
		last_realized_pnl_total   TEXT NOT NULL,
		last_event_count          INTEGER NOT NULL,
		updated_at                INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS capital_changes (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		trading_capital_try     TEXT NOT NULL,
		treasury_try            TEXT NOT NULL,
		last_realized_pnl_total TEXT NOT NULL,
		last_event_count        INTEGER NOT NULL,
		recorded_at             INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS cursors (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS escalation (
		id              INTEGER PRIMARY KEY CHECK (id = 1),
		count           INTEGER NOT NULL DEFAULT 0,
		acknowledged    INTEGER NOT NULL DEFAULT 0
	)`,
}

// migrate applies every schema statement. Each is idempotent (IF NOT
// EXISTS), so running it against an already-current database is a
// cheap no-op.
func migrate(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO escalation (id, count, acknowledged) VALUES (1, 0, 0)`)
	return err
}
