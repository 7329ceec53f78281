package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger is the narrow structured-logging seam every component depends
// on instead of importing a concrete logging library directly.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ClockSource is injected wherever wall/monotonic time is observed, so
// pure computations (ledger reduction, risk filtering) never read the
// clock directly and cycles stay reproducible in tests.
type ClockSource interface {
	Now() time.Time
}

// TransportErrorKind classifies ExchangeTransport failures for retry and
// reconciliation decisions.
type TransportErrorKind string

const (
	TransportNetwork   TransportErrorKind = "NETWORK"
	TransportRateLimit TransportErrorKind = "RATE_LIMIT"
	TransportServer    TransportErrorKind = "SERVER"
	TransportClient    TransportErrorKind = "CLIENT"
	TransportExchange  TransportErrorKind = "EXCHANGE"
	TransportTimeout   TransportErrorKind = "TIMEOUT"
)

// ExchangeTransport is the external collaborator the core consumes for
// every exchange interaction (spec.md §6.1). The core never assumes a
// concrete HTTP/WS implementation.
type ExchangeTransport interface {
	GetExchangeInfo(ctx context.Context) ([]SymbolRules, error)
	GetOrderbook(ctx context.Context, symbol Symbol) (TopOfBook, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetOpenOrders(ctx context.Context, symbol Symbol) ([]Order, error)
	GetAllOrders(ctx context.Context, symbol Symbol, startMs, endMs int64) ([]Order, error)
	GetOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (*Order, error)
	GetRecentFills(ctx context.Context, symbol Symbol, sinceMs int64) ([]Fill, error)
	SubmitLimitOrder(ctx context.Context, symbol Symbol, side Side, price, qty decimal.Decimal, clientOrderID string) (Ack, error)
	CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) (Ack, error)
	CancelOrderByClientID(ctx context.Context, clientOrderID string) (Ack, error)
}

// StrategyContext is the read-only view of the world handed to a
// Strategy. Strategies must be pure: no I/O, no mutation, no clock reads.
type StrategyContext struct {
	Universe     []Symbol
	Orderbooks   map[string]TopOfBook
	Positions    map[string]Position
	FreeBalances map[string]decimal.Decimal
	OpenOrders   map[string][]Order
	Params       StrategyParams
}

// StrategyParams are the tunable reference-strategy parameters sourced
// from config.
type StrategyParams struct {
	MinProfitBps      int64
	TakeProfitFraction decimal.Decimal
	StrategyID        string
}

// Strategy produces trade intents from a context. Re-invocation with an
// identical context must produce identical intents.
type Strategy interface {
	GenerateIntents(ctx StrategyContext) []Intent
}

// RulesProvider exposes quantization metadata for a symbol.
type RulesProvider interface {
	Rules(symbol Symbol) (SymbolRules, bool)
	Refresh(ctx context.Context, transport ExchangeTransport) error
}

// StateStore is the exclusive owner of persisted representations
// (spec.md §4.6). All mutation of durable state goes through it.
type StateStore interface {
	// AcquireLock takes the process-level exclusive lock keyed by
	// (dbPath, accountKey). It must be held before any write.
	AcquireLock(ctx context.Context, accountKey string) (func() error, error)

	// PersistCycle writes a CycleRecord, its risk decision, ledger
	// metrics snapshot, and order/intent rows as one authoritative
	// transaction, then a best-effort metrics transaction.
	PersistCycle(ctx context.Context, rec CycleRecord) error

	// IngestFills records fills idempotently under one transaction per
	// fill batch; duplicates (by FillID) are no-ops. Ledger events are
	// derived from the fills by the ledger, not written here.
	IngestFills(ctx context.Context, fills []Fill) error

	// ReserveIdempotencyKey inserts (key, payloadHash) if absent. It
	// returns (true, nil) if this call created the row, (false, nil) if
	// an identical row already existed, and an IdempotencyConflict if a
	// different payloadHash is already stored under key.
	ReserveIdempotencyKey(ctx context.Context, key, payloadHash string, ts time.Time) (created bool, err error)

	// ReserveAction inserts an actions row for (actionType, payloadHash,
	// timeBucket) if absent, returning the cached decision on a
	// duplicate.
	ReserveAction(ctx context.Context, actionType ActionType, payloadHash string, timeBucket int64) (decision string, created bool, err error)
	RecordActionDecision(ctx context.Context, actionType ActionType, payloadHash string, timeBucket int64, decision string) error

	UpsertOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	GetPosition(ctx context.Context, symbol string) (Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetLedgerEventCount(ctx context.Context) (int64, error)
	ReplayLedger(ctx context.Context, sinceEventCount int64) ([]LedgerEvent, error)

	GetCapitalState(ctx context.Context) (CapitalState, error)
	SaveCapitalCheckpoint(ctx context.Context, state CapitalState) error

	GetCursor(ctx context.Context, name string) (string, bool, error)
	SetCursor(ctx context.Context, name, value string) error

	GetEscalationCount(ctx context.Context) (int64, error)
	IncrementEscalationCount(ctx context.Context) (int64, error)
	IsEscalationAcknowledged(ctx context.Context) (bool, error)
	AcknowledgeEscalation(ctx context.Context) error

	GetCycleTrace(ctx context.Context, cycleID string) (*CycleRecord, error)

	Close() error
}

// HealthMonitor aggregates named component checks into an overall
// health boolean.
type HealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]error
	IsHealthy() bool
}
