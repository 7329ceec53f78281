package risk

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
)

// FilterThresholds holds the pre-trade filter limits sourced from
// config (spec.md §4.4). All decimal fields are pre-parsed.
type FilterThresholds struct {
	MaxOrdersPerCycle      int
	MaxOpenOrdersPerSymbol int
	Cooldown               time.Duration
	MaxNotionalPerOrder    decimal.Decimal
	NotionalCapPerCycle    decimal.Decimal
	MinOrderNotional       decimal.Decimal
	MinProfitBps           int64
	FeeBpsTaker            int64
	SlippageBpsBuffer      int64
}

// FilterContext is the observed state the filters consult.
type FilterContext struct {
	Now               time.Time
	Mode              core.RiskMode
	OpenOrderCounts   map[string]int             // symbol -> open order count
	LastIntentAt      map[string]time.Time       // "symbol|side" -> last accepted intent time
	CashFree          decimal.Decimal
	CashReserveTarget decimal.Decimal
	AvgCost           map[string]decimal.Decimal // symbol -> FIFO average cost
}

// Admitted is an intent that survived every filter, with its qty
// possibly down-capped by the per-order notional limit.
type Admitted struct {
	Intent   core.Intent
	Qty      decimal.Decimal
	Notional decimal.Decimal
}

// Rejection records one dropped intent and the stable reason code it
// failed on, for the cycle trace.
type Rejection struct {
	Intent core.Intent
	Code   string
}

// FilterIntents applies the declared-order pre-trade filter pipeline
// (spec.md §4.4). Intents are stably sorted first by (symbol, side,
// idempotency_seed); under REDUCE_RISK_ONLY, SELLs are moved ahead of
// BUYs within that order and BUY intents are dropped outright.
func FilterIntents(th FilterThresholds, ctx FilterContext, intents []core.Intent) ([]Admitted, []Rejection) {
	ordered := stableOrder(intents, ctx.Mode)

	var rejected []Rejection
	reject := func(in core.Intent, code string) {
		rejected = append(rejected, Rejection{Intent: in, Code: code})
	}

	var candidates []core.Intent
	for _, in := range ordered {
		if ctx.Mode == core.ModeObserveOnly {
			reject(in, core.RejectModeObserveOnly)
			continue
		}
		if ctx.Mode == core.ModeReduceRiskOnly && in.Side == core.SideBuy {
			reject(in, core.RejectModeReduceRiskOnly)
			continue
		}
		candidates = append(candidates, in)
	}

	// 1. max_orders_per_cycle: truncate.
	if th.MaxOrdersPerCycle > 0 && len(candidates) > th.MaxOrdersPerCycle {
		for _, in := range candidates[th.MaxOrdersPerCycle:] {
			reject(in, core.RejectMaxOrdersPerCycle)
		}
		candidates = candidates[:th.MaxOrdersPerCycle]
	}

	openCounts := make(map[string]int, len(ctx.OpenOrderCounts))
	for k, v := range ctx.OpenOrderCounts {
		openCounts[k] = v
	}

	var survivors []core.Intent
	for _, in := range candidates {
		sym := in.Symbol.String()

		// 2. max_open_orders_per_symbol
		if th.MaxOpenOrdersPerSymbol > 0 && openCounts[sym] >= th.MaxOpenOrdersPerSymbol {
			reject(in, core.RejectMaxOpenOrders)
			continue
		}

		// 3. cooldown
		key := sym + "|" + string(in.Side)
		if th.Cooldown > 0 {
			if last, ok := ctx.LastIntentAt[key]; ok && ctx.Now.Sub(last) < th.Cooldown {
				reject(in, core.RejectCooldown)
				continue
			}
		}

		openCounts[sym]++
		survivors = append(survivors, in)
	}
	candidates = survivors

	// 4. max_notional_per_order_try: down-cap qty, drop if below min notional.
	var capped []Admitted
	for _, in := range candidates {
		qty := in.TargetQty
		notional := in.TargetPrice.Mul(qty)
		if th.MaxNotionalPerOrder.IsPositive() && notional.GreaterThan(th.MaxNotionalPerOrder) {
			qty = th.MaxNotionalPerOrder.Div(in.TargetPrice)
			notional = in.TargetPrice.Mul(qty)
		}
		if th.MinOrderNotional.IsPositive() && notional.LessThan(th.MinOrderNotional) {
			reject(in, core.RejectMaxNotionalPerOrder)
			continue
		}
		capped = append(capped, Admitted{Intent: in, Qty: qty, Notional: notional})
	}

	// 5. cycle_notional_cap_try: greedy admit in order until exhausted.
	var withinCap []Admitted
	cumulative := decimal.Zero
	for _, a := range capped {
		if th.NotionalCapPerCycle.IsPositive() && cumulative.Add(a.Notional).GreaterThan(th.NotionalCapPerCycle) {
			reject(a.Intent, core.RejectCycleNotionalCap)
			continue
		}
		cumulative = cumulative.Add(a.Notional)
		withinCap = append(withinCap, a)
	}

	// 6. investable_cash: Σ admitted_notional must not exceed free cash
	// above the reserve target. Greedy admit in the same order.
	investable := decimal.Max(decimal.Zero, ctx.CashFree.Sub(ctx.CashReserveTarget))
	var withinCash []Admitted
	cashUsed := decimal.Zero
	for _, a := range withinCap {
		if a.Intent.Side == core.SideBuy {
			if cashUsed.Add(a.Notional).GreaterThan(investable) {
				reject(a.Intent, core.RejectInvestableCash)
				continue
			}
			cashUsed = cashUsed.Add(a.Notional)
		}
		withinCash = append(withinCash, a)
	}

	// 7. min_profit_threshold (SELL only).
	var final []Admitted
	for _, a := range withinCash {
		if a.Intent.Side != core.SideSell {
			final = append(final, a)
			continue
		}
		avgCost, ok := ctx.AvgCost[a.Intent.Symbol.String()]
		if !ok || avgCost.IsZero() {
			final = append(final, a)
			continue
		}
		bpsTotal := decimal.NewFromInt(th.FeeBpsTaker + th.SlippageBpsBuffer + th.MinProfitBps)
		required := avgCost.Mul(decimal.NewFromInt(1).Add(bpsTotal.Div(decimal.NewFromInt(10000))))
		if a.Intent.TargetPrice.LessThan(required) {
			reject(a.Intent, core.RejectMinProfitThreshold)
			continue
		}
		final = append(final, a)
	}

	return final, rejected
}

// stableOrder sorts intents by (symbol, side, idempotency_seed); under
// REDUCE_RISK_ONLY, SELLs are stably moved ahead of BUYs so turnover
// allocation favors de-risking (spec.md §5).
func stableOrder(intents []core.Intent, mode core.RiskMode) []core.Intent {
	ordered := make([]core.Intent, len(intents))
	copy(ordered, intents)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Symbol.String() != b.Symbol.String() {
			return a.Symbol.String() < b.Symbol.String()
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.IdempotencySeed < b.IdempotencySeed
	})

	if mode == core.ModeReduceRiskOnly {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Side == core.SideSell && ordered[j].Side != core.SideSell
		})
	}

	return ordered
}
