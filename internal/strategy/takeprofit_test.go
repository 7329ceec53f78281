package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/internal/core"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var btcTry = core.Symbol{Base: "BTC", Quote: "TRY"}

func TestGenerateIntents_S1_HappyPathTakeProfit(t *testing.T) {
	strat := NewTakeProfit(btcTry, 50, d("0.25"), "s1")

	ctx := core.StrategyContext{
		Positions: map[string]core.Position{
			"BTCTRY": {Symbol: "BTCTRY", Qty: d("0.01"), AvgCost: d("1000000")},
		},
		Orderbooks: map[string]core.TopOfBook{
			"BTCTRY": {Symbol: btcTry, BestBid: d("1010000"), BestAsk: d("1010500")},
		},
	}

	intents := strat.GenerateIntents(ctx)
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideSell, intents[0].Side)
	assert.True(t, intents[0].TargetQty.Equal(d("0.0025")), "got %s", intents[0].TargetQty)
	assert.True(t, intents[0].TargetPrice.Equal(d("1010000")))
	assert.Equal(t, core.ReasonTakeProfit, intents[0].Reason)
}

func TestGenerateIntents_BelowProfitThreshold_NoIntent(t *testing.T) {
	strat := NewTakeProfit(btcTry, 50, d("0.25"), "s1")

	ctx := core.StrategyContext{
		Positions: map[string]core.Position{
			"BTCTRY": {Symbol: "BTCTRY", Qty: d("0.01"), AvgCost: d("1000000")},
		},
		Orderbooks: map[string]core.TopOfBook{
			"BTCTRY": {Symbol: btcTry, BestBid: d("1000100"), BestAsk: d("1000600")},
		},
	}

	assert.Empty(t, strat.GenerateIntents(ctx))
}

func TestGenerateIntents_NoPosition_NoIntent(t *testing.T) {
	strat := NewTakeProfit(btcTry, 50, d("0.25"), "s1")
	ctx := core.StrategyContext{
		Orderbooks: map[string]core.TopOfBook{
			"BTCTRY": {Symbol: btcTry, BestBid: d("1010000"), BestAsk: d("1010500")},
		},
	}
	assert.Empty(t, strat.GenerateIntents(ctx))
}

func TestGenerateIntents_IsPure(t *testing.T) {
	strat := NewTakeProfit(btcTry, 50, d("0.25"), "s1")
	ctx := core.StrategyContext{
		Positions: map[string]core.Position{
			"BTCTRY": {Symbol: "BTCTRY", Qty: d("0.01"), AvgCost: d("1000000")},
		},
		Orderbooks: map[string]core.TopOfBook{
			"BTCTRY": {Symbol: btcTry, BestBid: d("1010000"), BestAsk: d("1010500")},
		},
	}

	first := strat.GenerateIntents(ctx)
	second := strat.GenerateIntents(ctx)
	assert.Equal(t, first, second)
}
