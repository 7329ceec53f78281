package core

// Stable reason codes persisted in the cycle trace. Centralized so the
// risk engine, execution engine, and tests share one vocabulary instead
// of scattering string literals (spec.md §7: "every failure produces a
// stable reason code persisted in the cycle trace").
const (
	ReasonKillSwitch    = "KILL_SWITCH"
	ReasonDryRun        = "DRY_RUN"
	ReasonLiveNotArmed  = "LIVE_NOT_ARMED"
	ReasonSafeMode      = "SAFE_MODE"

	ReasonDrawdownLimit = "DRAWDOWN_LIMIT"
	ReasonExposureLimit = "EXPOSURE_LIMIT"
	ReasonFeeBudget     = "FEE_BUDGET"
	ReasonLossStreak    = "LOSS_STREAK"
	ReasonAnomalyDegrade = "ANOMALY_DEGRADE"
	ReasonUnknownOrderEscalation = "UNKNOWN_ORDER_ESCALATION"

	RejectModeReduceRiskOnly  = "mode_reduce_risk_only"
	RejectModeObserveOnly     = "mode_observe_only"
	RejectMaxOrdersPerCycle   = "max_orders_per_cycle"
	RejectMaxOpenOrders       = "max_open_orders_per_symbol"
	RejectCooldown            = "cooldown"
	RejectMaxNotionalPerOrder = "max_notional_per_order"
	RejectCycleNotionalCap    = "cycle_notional_cap"
	RejectInvestableCash      = "investable_cash"
	RejectMinProfitThreshold  = "min_profit_threshold"
	RejectMinNotional         = "min_notional"
	RejectQtyRoundsToZero     = "qty_rounds_to_zero"
	RejectRulesUnavailable    = "rules_unavailable"
	RejectIdempotencyConflict = "idempotency_conflict"

	MetaFeeConversionMissing = "fee_conversion_missing"
)
