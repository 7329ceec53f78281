// Package strategy holds pure, side-effect-free Intent producers
// (spec.md §6.2): no I/O, no mutation, no clock reads, so the same
// StrategyContext always yields the same intents.
//
// Grounded on the teacher's GridStrategy
// (internal/trading/strategy/grid.go): a symbol-scoped struct carrying
// its own thresholds, instantiated once per symbol by the caller rather
// than branching internally on symbol.
package strategy

import (
	"github.com/shopspring/decimal"

	"spotguard/internal/core"
)

const bpsDenominator = 10_000

// TakeProfit sells a fixed fraction of an open position once the best
// bid clears avg_cost by at least min_profit_bps (spec.md §8 S1).
type TakeProfit struct {
	symbol         core.Symbol
	minProfitBps   int64
	sellFraction   decimal.Decimal
	strategyID     string
}

// NewTakeProfit constructs a TakeProfit strategy for one symbol.
func NewTakeProfit(symbol core.Symbol, minProfitBps int64, sellFraction decimal.Decimal, strategyID string) *TakeProfit {
	return &TakeProfit{
		symbol:       symbol,
		minProfitBps: minProfitBps,
		sellFraction: sellFraction,
		strategyID:   strategyID,
	}
}

// GenerateIntents proposes one SELL intent when the position is
// profitable at the current best bid, or none otherwise.
func (t *TakeProfit) GenerateIntents(ctx core.StrategyContext) []core.Intent {
	pos, ok := ctx.Positions[t.symbol.String()]
	if !ok || pos.Qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	book, ok := ctx.Orderbooks[t.symbol.String()]
	if !ok || book.BestBid.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if pos.AvgCost.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	threshold := pos.AvgCost.Mul(decimal.NewFromInt(bpsDenominator + t.minProfitBps)).Div(decimal.NewFromInt(bpsDenominator))
	if book.BestBid.LessThan(threshold) {
		return nil
	}

	qty := pos.Qty.Mul(t.sellFraction)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	return []core.Intent{{
		Symbol:          t.symbol,
		Side:            core.SideSell,
		TargetPrice:     book.BestBid,
		TargetQty:       qty,
		Reason:          core.ReasonTakeProfit,
		StrategyID:      t.strategyID,
		IdempotencySeed: t.symbol.String() + ":" + t.strategyID,
	}}
}

var _ core.Strategy = (*TakeProfit)(nil)
