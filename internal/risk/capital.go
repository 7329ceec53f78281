package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// ApplyCapitalCheckpoint runs the self-financing split (spec.md §4.4).
// It is idempotent on eventCount: calling it again with the same
// eventCount the ledger reported last time is a no-op that returns prev
// unchanged. A lower eventCount than previously recorded means the
// ledger went backwards — an integrity failure, not a business case.
func ApplyCapitalCheckpoint(prev core.CapitalState, realizedPnLTotal decimal.Decimal, eventCount int64, compoundRatio, treasuryRatio decimal.Decimal, now time.Time) (core.CapitalState, error) {
	if eventCount == prev.LastEventCount {
		return prev, nil
	}
	if eventCount < prev.LastEventCount {
		err := fmt.Errorf("%w: observed event_count=%d, last recorded=%d", apperrors.ErrNonMonotonicLedger, eventCount, prev.LastEventCount)
		return core.CapitalState{}, apperrors.WrapIntegrityError("non_monotonic_ledger", err)
	}

	delta := realizedPnLTotal.Sub(prev.LastRealizedPnLTotalTRY)

	next := core.CapitalState{
		TradingCapitalTRY:       prev.TradingCapitalTRY,
		TreasuryTRY:             prev.TreasuryTRY,
		LastRealizedPnLTotalTRY: realizedPnLTotal,
		LastEventCount:          eventCount,
		UpdatedAt:               now,
	}

	switch {
	case delta.IsPositive():
		next.TradingCapitalTRY = prev.TradingCapitalTRY.Add(delta.Mul(compoundRatio))
		next.TreasuryTRY = prev.TreasuryTRY.Add(delta.Mul(treasuryRatio))
	case delta.IsNegative():
		next.TradingCapitalTRY = prev.TradingCapitalTRY.Add(delta)
	}

	return next, nil
}

// modeMultiplier scales risk budgets down as the mode tightens — NORMAL
// trades at full size, REDUCE_RISK_ONLY at a quarter, OBSERVE_ONLY at
// zero (no writes occur there regardless).
func modeMultiplier(mode core.RiskMode) decimal.Decimal {
	switch mode {
	case core.ModeNormal:
		return decimal.NewFromInt(1)
	case core.ModeReduceRiskOnly:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.Zero
	}
}

// Budget is the mode-scaled exposure and per-order notional ceiling
// derived from trading capital (spec.md §4.4 closing paragraph).
type Budget struct {
	MaxExposureTRY   decimal.Decimal
	MaxOrderNotional decimal.Decimal
}

// DeriveBudget computes risk budget limits proportional to trading
// capital and the current mode's multiplier.
func DeriveBudget(tradingCapital decimal.Decimal, mode core.RiskMode, exposureFraction, orderFraction decimal.Decimal) Budget {
	mult := modeMultiplier(mode)
	return Budget{
		MaxExposureTRY:   tradingCapital.Mul(exposureFraction).Mul(mult),
		MaxOrderNotional: tradingCapital.Mul(orderFraction).Mul(mult),
	}
}
