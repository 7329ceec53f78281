// Package core defines the domain types and collaborator contracts shared
// across the trading core. Nothing in this package performs I/O.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IntentReason tags why a strategy produced an intent.
type IntentReason string

const (
	ReasonTakeProfit IntentReason = "take_profit"
	ReasonEntry      IntentReason = "entry"
	ReasonRebalance  IntentReason = "rebalance"
	ReasonClose      IntentReason = "close"
)

// Symbol is a canonicalized uppercase base+quote pair, e.g. {BTC, TRY}.
type Symbol struct {
	Base  string
	Quote string
}

// String renders the symbol as BASEQUOTE, e.g. "BTCTRY".
func (s Symbol) String() string {
	return s.Base + s.Quote
}

// Intent is a strategy-proposed trade before risk filtering and
// quantization. Immutable once produced.
type Intent struct {
	Symbol          Symbol
	Side            Side
	TargetPrice     decimal.Decimal
	TargetQty       decimal.Decimal
	Reason          IntentReason
	StrategyID      string
	IdempotencySeed string
}

// OrderStatus is a node in the order state machine (spec.md §4.2).
type OrderStatus string

const (
	OrderPlanned           OrderStatus = "PLANNED"
	OrderSubmitted         OrderStatus = "SUBMITTED"
	OrderAcked             OrderStatus = "ACKED"
	OrderOpen              OrderStatus = "OPEN"
	OrderPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	OrderFilled            OrderStatus = "FILLED"
	OrderCanceled          OrderStatus = "CANCELED"
	OrderRejected          OrderStatus = "REJECTED"
	OrderUnknown           OrderStatus = "UNKNOWN"
	OrderUnknownClosed     OrderStatus = "UNKNOWN_CLOSED"
)

// IsTerminal reports whether an order status can never transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderUnknownClosed:
		return true
	default:
		return false
	}
}

// Order is an exchange-facing order with a deterministic client_order_id.
type Order struct {
	ClientOrderID     string
	ExchangeOrderID   string
	Symbol            Symbol
	Side              Side
	Price             decimal.Decimal
	Qty               decimal.Decimal
	Status            OrderStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ReconcileAttempts int
	IntentHash        string
}

// Fill is an exchange-reported trade.
type Fill struct {
	FillID        string
	OrderID       string
	ClientOrderID string
	Symbol        Symbol
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FeeAmount     decimal.Decimal
	FeeCurrency   string
	TradedAt      time.Time
}

// LedgerEventType enumerates the append-only ledger event variants.
type LedgerEventType string

const (
	LedgerEventFill       LedgerEventType = "FILL"
	LedgerEventFee        LedgerEventType = "FEE"
	LedgerEventAdjustment LedgerEventType = "ADJUSTMENT"
	LedgerEventRebalance  LedgerEventType = "REBALANCE"
	LedgerEventTransfer   LedgerEventType = "TRANSFER"
	LedgerEventWithdrawal LedgerEventType = "WITHDRAWAL"
)

// LedgerEvent is an append-only accounting record. FEE events always carry
// Qty=0 and no Side (reductions never touch the position book).
type LedgerEvent struct {
	EventID         string
	Type            LedgerEventType
	Ts              time.Time
	Symbol          string
	Side            Side // empty for FEE/REBALANCE/TRANSFER/WITHDRAWAL
	Qty             decimal.Decimal
	Price           decimal.Decimal
	FeeAmount       decimal.Decimal
	FeeCurrency     string
	ExchangeTradeID string
	ClientOrderID   string
	Meta            string
}

// Position is a derived per-symbol snapshot, produced exclusively by
// reducing LedgerEvents in (ts, event_id) order.
type Position struct {
	Symbol          string
	Qty             decimal.Decimal
	AvgCost         decimal.Decimal
	RealizedPnLTRY  decimal.Decimal
	UnrealizedPnLTRY decimal.Decimal
}

// CapitalState tracks the self-financing split between tradable capital
// and the non-trading treasury bucket.
type CapitalState struct {
	TradingCapitalTRY       decimal.Decimal
	TreasuryTRY             decimal.Decimal
	LastRealizedPnLTotalTRY decimal.Decimal
	LastEventCount          int64
	UpdatedAt               time.Time
}

// RiskMode is the system-wide trading mode, totally ordered
// OBSERVE_ONLY ⊏ REDUCE_RISK_ONLY ⊏ NORMAL (NORMAL is least restrictive).
type RiskMode int

const (
	ModeObserveOnly RiskMode = iota
	ModeReduceRiskOnly
	ModeNormal
)

// String renders the canonical mode name used in reason codes and traces.
func (m RiskMode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeReduceRiskOnly:
		return "REDUCE_RISK_ONLY"
	case ModeObserveOnly:
		return "OBSERVE_ONLY"
	default:
		return "UNKNOWN"
	}
}

// TighterOrEqual reports whether m is at least as restrictive as other,
// i.e. m ⊑ other in the mode partial order.
func (m RiskMode) TighterOrEqual(other RiskMode) bool {
	return m <= other
}

// RiskDecision is the output of one mode-decision evaluation.
type RiskDecision struct {
	Mode          RiskMode
	Reasons       []string
	CooldownUntil time.Time
	InputsHash    string
	DecidedAt     time.Time
}

// OrderDecision records what the execution engine did with one intent,
// for the cycle trace.
type OrderDecision struct {
	Intent     Intent
	Order      *Order
	Accepted   bool
	RejectCode string
}

// LedgerMetrics is a point-in-time snapshot of derived accounting metrics.
type LedgerMetrics struct {
	RealizedTodayTRY  decimal.Decimal
	UnrealizedTRY     decimal.Decimal
	GrossPnLTRY       decimal.Decimal
	NetPnLTRY         decimal.Decimal
	EquityTRY         decimal.Decimal
	PeakEquityTRY     decimal.Decimal
	MaxDrawdown       decimal.Decimal
	FeesTodayTRY      decimal.Decimal
}

// CycleRecord is the atomic per-cycle record persisted as one transaction.
type CycleRecord struct {
	CycleID           string
	Ts                time.Time
	SelectedUniverse  []string
	RiskDecision      RiskDecision
	Intents           []Intent
	OrderDecisions    []OrderDecision
	LedgerMetrics     LedgerMetrics
	ActiveParamVersion int64
}

// IdempotencyKey records a stable hash identifying a logical action.
type IdempotencyKey struct {
	Key         string
	PayloadHash string
	Ts          time.Time
}

// ActionType enumerates the side-effecting operations dedupe applies to.
type ActionType string

const (
	ActionSubmit ActionType = "SUBMIT"
	ActionCancel ActionType = "CANCEL"
)

// Action is a dedupe record for a side-effecting operation, unique on
// (ActionType, PayloadHash, TimeBucket).
type Action struct {
	ActionID    string
	ActionType  ActionType
	PayloadHash string
	TimeBucket  int64
	Decision    string // cached result returned on a duplicate submission
}

// Balance is a free/locked balance for one asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// TopOfBook is the best bid/ask for a symbol at a point in time.
type TopOfBook struct {
	Symbol   Symbol
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	Ts       time.Time
}

// SymbolRules are the per-symbol exchange metadata used for quantization.
type SymbolRules struct {
	Symbol         Symbol
	TickSize       decimal.Decimal
	LotSize        decimal.Decimal
	MinNotionalTRY decimal.Decimal
	PriceMin       decimal.Decimal
	PriceMax       decimal.Decimal
	QtyMin         decimal.Decimal
	QtyMax         decimal.Decimal
}

// Ack is the exchange acknowledgement returned from a submit/cancel call.
type Ack struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
}
