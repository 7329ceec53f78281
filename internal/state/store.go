// Package state is the SQLite-backed core.StateStore: durable,
// single-writer persistence for orders, fills, the ledger event log,
// derived positions, capital checkpoints, and cycle traces.
//
// Grounded on the teacher's SQLiteStore (internal/engine/simple/store_sqlite.go):
// database/sql over github.com/mattn/go-sqlite3, WAL mode, one explicit
// transaction per write path. Extended here with the full relational
// schema spec.md §4.6 names rather than the teacher's single
// serialized-blob row, since the ledger's FIFO reduction and dedupe
// tables need queryable structure, not an opaque snapshot.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// Store is a SQLite-backed core.StateStore.
type Store struct {
	db         *sql.DB
	logger     core.Logger
	dbPath     string
	accountKey string
	release    func() error
}

// Open opens (creating if absent) the database at dbPath, enables WAL
// mode, and applies every pending migration. It does not take the
// process lock; call AcquireLock before any write.
func Open(dbPath string, logger core.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("state: ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("state: enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("state: enable foreign keys: %w", err)
	}
	// A single connection matches the single-writer design (spec.md
	// §4.6/§5) and keeps an in-memory database (tests) from handing out
	// a second, empty in-memory instance to a pooled connection.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("state: migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger, dbPath: dbPath}, nil
}

// AcquireLock takes the process-level exclusive lock keyed by
// (dbPath, accountKey). It must be held before any write.
func (s *Store) AcquireLock(ctx context.Context, accountKey string) (func() error, error) {
	release, err := acquireFileLock(ctx, s.dbPath, accountKey)
	if err != nil {
		return nil, err
	}
	s.accountKey = accountKey
	s.release = release
	return release, nil
}

func decStr(d decimal.Decimal) string { return d.String() }

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func tsUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// PersistCycle writes a CycleRecord, its risk decision, ledger metrics
// snapshot, and order/intent rows as one authoritative transaction,
// then a best-effort metrics transaction (spec.md §4.6).
func (s *Store) PersistCycle(ctx context.Context, rec core.CycleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin cycle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	universe, err := json.Marshal(rec.SelectedUniverse)
	if err != nil {
		return fmt.Errorf("state: marshal selected universe: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cycle_trace (cycle_id, ts, selected_universe, active_param_version) VALUES (?, ?, ?, ?)`,
		rec.CycleID, tsUnix(rec.Ts), string(universe), rec.ActiveParamVersion); err != nil {
		return fmt.Errorf("state: insert cycle_trace: %w", err)
	}

	reasons, err := json.Marshal(rec.RiskDecision.Reasons)
	if err != nil {
		return fmt.Errorf("state: marshal risk reasons: %w", err)
	}
	var cooldown interface{}
	if !rec.RiskDecision.CooldownUntil.IsZero() {
		cooldown = tsUnix(rec.RiskDecision.CooldownUntil)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cycle_risk_decisions (cycle_id, mode, reasons, cooldown_until, inputs_hash, decided_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CycleID, rec.RiskDecision.Mode.String(), string(reasons), cooldown, rec.RiskDecision.InputsHash, tsUnix(rec.RiskDecision.DecidedAt)); err != nil {
		return fmt.Errorf("state: insert cycle_risk_decisions: %w", err)
	}

	for _, od := range rec.OrderDecisions {
		clientOrderID := ""
		if od.Order != nil {
			clientOrderID = od.Order.ClientOrderID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO order_intents (client_order_id, cycle_id, symbol, side, target_price, target_qty, reason, strategy_id, accepted, reject_code)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			clientOrderID, rec.CycleID, od.Intent.Symbol.String(), string(od.Intent.Side),
			decStr(od.Intent.TargetPrice), decStr(od.Intent.TargetQty), string(od.Intent.Reason), od.Intent.StrategyID,
			boolToInt(od.Accepted), od.RejectCode); err != nil {
			return fmt.Errorf("state: insert order_intents: %w", err)
		}
		if od.Order != nil {
			if err := upsertOrderTx(ctx, tx, *od.Order); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit cycle transaction: %w", err)
	}

	// Best-effort metrics transaction: failure here is logged, not
	// surfaced, so a dashboard snapshot miss never rolls back
	// authoritative cycle state.
	if err := s.persistCycleMetrics(ctx, rec); err != nil {
		s.logger.Warn("state: cycle metrics persist failed", "cycle_id", rec.CycleID, "error", err.Error())
	}
	return nil
}

func (s *Store) persistCycleMetrics(ctx context.Context, rec core.CycleRecord) error {
	m := rec.LedgerMetrics
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cycle_ledger_metrics
		 (cycle_id, realized_today_try, unrealized_try, gross_pnl_try, net_pnl_try, equity_try, peak_equity_try, max_drawdown, fees_today_try)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, decStr(m.RealizedTodayTRY), decStr(m.UnrealizedTRY), decStr(m.GrossPnLTRY), decStr(m.NetPnLTRY),
		decStr(m.EquityTRY), decStr(m.PeakEquityTRY), decStr(m.MaxDrawdown), decStr(m.FeesTodayTRY))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IngestFills records fills and marks them applied, idempotently, under
// one transaction per fill batch; duplicates (by FillID) are no-ops. It
// writes no ledger events (see AppendLedgerEvents).
func (s *Store) IngestFills(ctx context.Context, fills []core.Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin ingest transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range fills {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM applied_fills WHERE fill_id = ?`, f.FillID).Scan(&exists); err == nil {
			continue // already applied
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("state: check applied_fills: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fills (fill_id, order_id, client_order_id, symbol, side, price, qty, fee_amount, fee_currency, traded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FillID, f.OrderID, f.ClientOrderID, f.Symbol.String(), string(f.Side),
			decStr(f.Price), decStr(f.Qty), decStr(f.FeeAmount), f.FeeCurrency, tsUnix(f.TradedAt)); err != nil {
			return fmt.Errorf("state: insert fill: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO applied_fills (fill_id) VALUES (?)`, f.FillID); err != nil {
			return fmt.Errorf("state: mark fill applied: %w", err)
		}
	}
	return tx.Commit()
}

// AppendLedgerEvents persists the ledger events a fill batch produced.
// Not part of core.StateStore (the ledger computes events; the
// orchestrator is responsible for handing them to the store alongside
// IngestFills), exposed here for that caller.
func (s *Store) AppendLedgerEvents(ctx context.Context, events []core.LedgerEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin ledger append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger_events`).Scan(&nextSeq); err != nil {
		return fmt.Errorf("state: read next ledger seq: %w", err)
	}

	for _, ev := range events {
		var tradeID, clientOrderID interface{}
		if ev.ExchangeTradeID != "" {
			tradeID = ev.ExchangeTradeID
		}
		if ev.ClientOrderID != "" {
			clientOrderID = ev.ClientOrderID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ledger_events (event_id, ts, type, symbol, side, qty, price, fee_amount, fee_currency, exchange_trade_id, client_order_id, meta, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.EventID, tsUnix(ev.Ts), string(ev.Type), ev.Symbol, string(ev.Side),
			decStr(ev.Qty), decStr(ev.Price), decStr(ev.FeeAmount), ev.FeeCurrency, tradeID, clientOrderID, ev.Meta, nextSeq); err != nil {
			return fmt.Errorf("state: insert ledger event: %w", err)
		}
		nextSeq++
	}
	return tx.Commit()
}

// ReserveIdempotencyKey inserts (key, payloadHash) if absent.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, payloadHash string, ts time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (key, payload_hash, ts) VALUES (?, ?, ?)`,
		key, payloadHash, tsUnix(ts))
	if err != nil {
		return false, fmt.Errorf("state: reserve idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var existing string
	if err := s.db.QueryRowContext(ctx, `SELECT payload_hash FROM idempotency_keys WHERE key = ?`, key).Scan(&existing); err != nil {
		return false, fmt.Errorf("state: load existing idempotency key: %w", err)
	}
	if existing != payloadHash {
		return false, &apperrors.IdempotencyConflict{Key: key, ExistingHash: existing, AttemptedHash: payloadHash}
	}
	return false, nil
}

func actionsKey(actionType core.ActionType, payloadHash string, timeBucket int64) string {
	return string(actionType) + "|" + payloadHash + "|" + strconv.FormatInt(timeBucket, 10)
}

// ReserveAction inserts an actions row for (actionType, payloadHash,
// timeBucket) if absent, returning the cached decision on a duplicate.
func (s *Store) ReserveAction(ctx context.Context, actionType core.ActionType, payloadHash string, timeBucket int64) (string, bool, error) {
	id := actionsKey(actionType, payloadHash, timeBucket)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions (action_id, action_type, payload_hash, time_bucket, decision) VALUES (?, ?, ?, ?, '')`,
		id, string(actionType), payloadHash, timeBucket)
	if err != nil {
		return "", false, fmt.Errorf("state: reserve action: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return "", true, nil
	}

	var decision string
	if err := s.db.QueryRowContext(ctx, `SELECT decision FROM actions WHERE action_id = ?`, id).Scan(&decision); err != nil {
		return "", false, fmt.Errorf("state: load existing action: %w", err)
	}
	return decision, false, nil
}

func (s *Store) RecordActionDecision(ctx context.Context, actionType core.ActionType, payloadHash string, timeBucket int64, decision string) error {
	id := actionsKey(actionType, payloadHash, timeBucket)
	_, err := s.db.ExecContext(ctx, `UPDATE actions SET decision = ? WHERE action_id = ?`, decision, id)
	if err != nil {
		return fmt.Errorf("state: record action decision: %w", err)
	}
	return nil
}

func upsertOrderTx(ctx context.Context, tx *sql.Tx, order core.Order) error {
	var exchangeOrderID interface{}
	if order.ExchangeOrderID != "" {
		exchangeOrderID = order.ExchangeOrderID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, price, qty, status, created_at, updated_at, reconcile_attempts, intent_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_order_id) DO UPDATE SET
		   exchange_order_id = excluded.exchange_order_id,
		   status = excluded.status,
		   updated_at = excluded.updated_at,
		   reconcile_attempts = excluded.reconcile_attempts`,
		order.ClientOrderID, exchangeOrderID, order.Symbol.String(), string(order.Side),
		decStr(order.Price), decStr(order.Qty), string(order.Status), tsUnix(order.CreatedAt), tsUnix(order.UpdatedAt),
		order.ReconcileAttempts, order.IntentHash)
	if err != nil {
		return fmt.Errorf("state: upsert order: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO order_events (event_id, client_order_id, status, ts) VALUES (?, ?, ?, ?)`,
		order.ClientOrderID+":"+string(order.Status), order.ClientOrderID, string(order.Status), tsUnix(order.UpdatedAt))
	if err != nil {
		return fmt.Errorf("state: insert order_events: %w", err)
	}
	return nil
}

func (s *Store) UpsertOrder(ctx context.Context, order core.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin upsert order transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertOrderTx(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

func scanOrder(row interface {
	Scan(dest ...interface{}) error
}) (core.Order, error) {
	var o core.Order
	var exchangeOrderID, symbol, side, price, qty, status, intentHash sql.NullString
	var createdAt, updatedAt int64
	var reconcileAttempts int
	if err := row.Scan(&o.ClientOrderID, &exchangeOrderID, &symbol, &side, &price, &qty, &status, &createdAt, &updatedAt, &reconcileAttempts, &intentHash); err != nil {
		return core.Order{}, err
	}
	o.ExchangeOrderID = exchangeOrderID.String
	o.Symbol = parseSymbol(symbol.String)
	o.Side = core.Side(side.String)
	o.Price = parseDec(price.String)
	o.Qty = parseDec(qty.String)
	o.Status = core.OrderStatus(status.String)
	o.CreatedAt = fromUnix(createdAt)
	o.UpdatedAt = fromUnix(updatedAt)
	o.ReconcileAttempts = reconcileAttempts
	o.IntentHash = intentHash.String
	return o, nil
}

func parseSymbol(s string) core.Symbol {
	if len(s) <= 3 {
		return core.Symbol{Base: s}
	}
	return core.Symbol{Base: s[:len(s)-3], Quote: s[len(s)-3:]}
}

func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_order_id, exchange_order_id, symbol, side, price, qty, status, created_at, updated_at, reconcile_attempts, intent_hash
		 FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: get order: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_order_id, exchange_order_id, symbol, side, price, qty, status, created_at, updated_at, reconcile_attempts, intent_hash
		 FROM orders WHERE symbol = ? AND status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'UNKNOWN_CLOSED')`, symbol)
	if err != nil {
		return nil, fmt.Errorf("state: get open orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scan open order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) GetPosition(ctx context.Context, symbol string) (core.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT symbol, qty, avg_cost, realized_pnl, unrealized_pnl FROM positions WHERE symbol = ?`, symbol)
	var p core.Position
	var qty, avgCost, realized, unrealized string
	err := row.Scan(&p.Symbol, &qty, &avgCost, &realized, &unrealized)
	if err == sql.ErrNoRows {
		return core.Position{Symbol: symbol, Qty: decimal.Zero, AvgCost: decimal.Zero}, nil
	}
	if err != nil {
		return core.Position{}, fmt.Errorf("state: get position: %w", err)
	}
	p.Qty = parseDec(qty)
	p.AvgCost = parseDec(avgCost)
	p.RealizedPnLTRY = parseDec(realized)
	p.UnrealizedPnLTRY = parseDec(unrealized)
	return p, nil
}

func (s *Store) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, qty, avg_cost, realized_pnl, unrealized_pnl FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("state: get all positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var p core.Position
		var qty, avgCost, realized, unrealized string
		if err := rows.Scan(&p.Symbol, &qty, &avgCost, &realized, &unrealized); err != nil {
			return nil, fmt.Errorf("state: scan position: %w", err)
		}
		p.Qty = parseDec(qty)
		p.AvgCost = parseDec(avgCost)
		p.RealizedPnLTRY = parseDec(realized)
		p.UnrealizedPnLTRY = parseDec(unrealized)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePositions overwrites the derived position snapshot. Not part of
// core.StateStore proper: the ledger is the source of truth for
// positions. Nothing in this repository calls it, so GetPosition and
// GetAllPositions return only rows a caller has written through it.
func (s *Store) SavePositions(ctx context.Context, positions []core.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin save positions transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, qty, avg_cost, realized_pnl, unrealized_pnl) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(symbol) DO UPDATE SET qty = excluded.qty, avg_cost = excluded.avg_cost, realized_pnl = excluded.realized_pnl, unrealized_pnl = excluded.unrealized_pnl`,
			p.Symbol, decStr(p.Qty), decStr(p.AvgCost), decStr(p.RealizedPnLTRY), decStr(p.UnrealizedPnLTRY)); err != nil {
			return fmt.Errorf("state: upsert position: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetLedgerEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: count ledger events: %w", err)
	}
	return n, nil
}

func (s *Store) ReplayLedger(ctx context.Context, sinceEventCount int64) ([]core.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ts, type, symbol, side, qty, price, fee_amount, fee_currency, exchange_trade_id, client_order_id, meta
		 FROM ledger_events ORDER BY seq ASC LIMIT -1 OFFSET ?`, sinceEventCount)
	if err != nil {
		return nil, fmt.Errorf("state: replay ledger: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEvent
	for rows.Next() {
		var ev core.LedgerEvent
		var ts int64
		var typ, side, qty, price, fee, feeCur string
		var tradeID, clientOrderID sql.NullString
		if err := rows.Scan(&ev.EventID, &ts, &typ, &ev.Symbol, &side, &qty, &price, &fee, &feeCur, &tradeID, &clientOrderID, &ev.Meta); err != nil {
			return nil, fmt.Errorf("state: scan ledger event: %w", err)
		}
		ev.Ts = fromUnix(ts)
		ev.Type = core.LedgerEventType(typ)
		ev.Side = core.Side(side)
		ev.Qty = parseDec(qty)
		ev.Price = parseDec(price)
		ev.FeeAmount = parseDec(fee)
		ev.FeeCurrency = feeCur
		ev.ExchangeTradeID = tradeID.String
		ev.ClientOrderID = clientOrderID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetCapitalState(ctx context.Context) (core.CapitalState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT trading_capital_try, treasury_try, last_realized_pnl_total, last_event_count, updated_at FROM capital_state WHERE id = 1`)
	var tc, tr, pnl string
	var eventCount int64
	var updatedAt int64
	err := row.Scan(&tc, &tr, &pnl, &eventCount, &updatedAt)
	if err == sql.ErrNoRows {
		return core.CapitalState{}, nil
	}
	if err != nil {
		return core.CapitalState{}, fmt.Errorf("state: get capital state: %w", err)
	}
	return core.CapitalState{
		TradingCapitalTRY:       parseDec(tc),
		TreasuryTRY:             parseDec(tr),
		LastRealizedPnLTotalTRY: parseDec(pnl),
		LastEventCount:          eventCount,
		UpdatedAt:               fromUnix(updatedAt),
	}, nil
}

func (s *Store) SaveCapitalCheckpoint(ctx context.Context, state core.CapitalState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin capital checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO capital_state (id, trading_capital_try, treasury_try, last_realized_pnl_total, last_event_count, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET trading_capital_try = excluded.trading_capital_try, treasury_try = excluded.treasury_try,
		   last_realized_pnl_total = excluded.last_realized_pnl_total, last_event_count = excluded.last_event_count, updated_at = excluded.updated_at`,
		decStr(state.TradingCapitalTRY), decStr(state.TreasuryTRY), decStr(state.LastRealizedPnLTotalTRY), state.LastEventCount, tsUnix(state.UpdatedAt)); err != nil {
		return fmt.Errorf("state: upsert capital_state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO capital_changes (trading_capital_try, treasury_try, last_realized_pnl_total, last_event_count, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		decStr(state.TradingCapitalTRY), decStr(state.TreasuryTRY), decStr(state.LastRealizedPnLTotalTRY), state.LastEventCount, tsUnix(state.UpdatedAt)); err != nil {
		return fmt.Errorf("state: append capital_changes: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetCursor(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get cursor: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetCursor(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("state: set cursor: %w", err)
	}
	return nil
}

func (s *Store) GetEscalationCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count FROM escalation WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: get escalation count: %w", err)
	}
	return n, nil
}

func (s *Store) IncrementEscalationCount(ctx context.Context) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE escalation SET count = count + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("state: increment escalation count: %w", err)
	}
	return s.GetEscalationCount(ctx)
}

func (s *Store) IsEscalationAcknowledged(ctx context.Context) (bool, error) {
	var acked int
	if err := s.db.QueryRowContext(ctx, `SELECT acknowledged FROM escalation WHERE id = 1`).Scan(&acked); err != nil {
		return false, fmt.Errorf("state: get escalation ack: %w", err)
	}
	return acked != 0, nil
}

// AcknowledgeEscalation records a manual operator acknowledgement and
// resets the counter. There is no automatic clear path (spec.md §9):
// this is the only statement in the package that zeroes `count`.
func (s *Store) AcknowledgeEscalation(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalation SET acknowledged = 1, count = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("state: acknowledge escalation: %w", err)
	}
	return nil
}

func (s *Store) GetCycleTrace(ctx context.Context, cycleID string) (*core.CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cycle_id, ts, selected_universe, active_param_version FROM cycle_trace WHERE cycle_id = ?`, cycleID)
	var rec core.CycleRecord
	var ts int64
	var universe string
	if err := row.Scan(&rec.CycleID, &ts, &universe, &rec.ActiveParamVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("state: get cycle trace: %w", err)
	}
	rec.Ts = fromUnix(ts)
	if err := json.Unmarshal([]byte(universe), &rec.SelectedUniverse); err != nil {
		return nil, fmt.Errorf("state: unmarshal selected universe: %w", err)
	}

	riskRow := s.db.QueryRowContext(ctx, `SELECT mode, reasons, cooldown_until, inputs_hash, decided_at FROM cycle_risk_decisions WHERE cycle_id = ?`, cycleID)
	var mode, reasons, inputsHash string
	var cooldownUntil sql.NullInt64
	var decidedAt int64
	if err := riskRow.Scan(&mode, &reasons, &cooldownUntil, &inputsHash, &decidedAt); err == nil {
		var reasonList []string
		_ = json.Unmarshal([]byte(reasons), &reasonList)
		rec.RiskDecision = core.RiskDecision{
			Mode:       parseMode(mode),
			Reasons:    reasonList,
			InputsHash: inputsHash,
			DecidedAt:  fromUnix(decidedAt),
		}
		if cooldownUntil.Valid {
			rec.RiskDecision.CooldownUntil = fromUnix(cooldownUntil.Int64)
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("state: get cycle risk decision: %w", err)
	}

	metricsRow := s.db.QueryRowContext(ctx,
		`SELECT realized_today_try, unrealized_try, gross_pnl_try, net_pnl_try, equity_try, peak_equity_try, max_drawdown, fees_today_try
		 FROM cycle_ledger_metrics WHERE cycle_id = ?`, cycleID)
	var realized, unrealized, gross, net, equity, peak, drawdown, fees string
	if err := metricsRow.Scan(&realized, &unrealized, &gross, &net, &equity, &peak, &drawdown, &fees); err == nil {
		rec.LedgerMetrics = core.LedgerMetrics{
			RealizedTodayTRY: parseDec(realized),
			UnrealizedTRY:    parseDec(unrealized),
			GrossPnLTRY:      parseDec(gross),
			NetPnLTRY:        parseDec(net),
			EquityTRY:        parseDec(equity),
			PeakEquityTRY:    parseDec(peak),
			MaxDrawdown:      parseDec(drawdown),
			FeesTodayTRY:     parseDec(fees),
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("state: get cycle ledger metrics: %w", err)
	}

	return &rec, nil
}

func parseMode(s string) core.RiskMode {
	switch strings.ToUpper(s) {
	case "NORMAL":
		return core.ModeNormal
	case "REDUCE_RISK_ONLY":
		return core.ModeReduceRiskOnly
	default:
		return core.ModeObserveOnly
	}
}

// Close releases the process lock, if held, and closes the database
// handle. Safe to call even if AcquireLock was never called.
func (s *Store) Close() error {
	var lockErr error
	if s.release != nil {
		lockErr = s.release()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return lockErr
}

var _ core.StateStore = (*Store)(nil)
