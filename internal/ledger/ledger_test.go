package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/internal/core"
	"spotguard/internal/logging"
	"spotguard/pkg/apperrors"
)

func mustLogger(t *testing.T) core.Logger {
	t.Helper()
	l, err := logging.New("ERROR", "console")
	require.NoError(t, err)
	return l
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func buyFill(symbol core.Symbol, qty, price string, at time.Time, tradeID string) core.Fill {
	return core.Fill{
		FillID:        tradeID,
		ClientOrderID: "corder-" + tradeID,
		Symbol:        symbol,
		Side:          core.SideBuy,
		Qty:           d(qty),
		Price:         d(price),
		TradedAt:      at,
	}
}

func sellFill(symbol core.Symbol, qty, price string, at time.Time, tradeID string) core.Fill {
	return core.Fill{
		FillID:        tradeID,
		ClientOrderID: "corder-" + tradeID,
		Symbol:        symbol,
		Side:          core.SideSell,
		Qty:           d(qty),
		Price:         d(price),
		TradedAt:      at,
	}
}

func TestBuildEventsForFill_DeterministicIDs(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	f := buyFill(sym, "0.5", "100000", time.Unix(1000, 0), "trade-1")
	f.FeeAmount = d("10")
	f.FeeCurrency = QuoteCurrency

	events := BuildEventsForFill(f)
	require.Len(t, events, 2)
	assert.Equal(t, "fill:trade-1", events[0].EventID)
	assert.Equal(t, "fee:trade-1", events[1].EventID)

	events2 := BuildEventsForFill(f)
	assert.Equal(t, events[0].EventID, events2[0].EventID)
	assert.Equal(t, events[1].EventID, events2[1].EventID)
}

func TestBuildEventsForFill_FallbackHashWithoutTradeID(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	f := buyFill(sym, "0.5", "100000", time.Unix(1000, 0), "")

	events := BuildEventsForFill(f)
	require.Len(t, events, 1)
	assert.Regexp(t, `^fill:h\([0-9a-f]{32}\)$`, events[0].EventID)
}

func TestApply_FifoRealizedPnL(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	l := New(mustLogger(t))

	base := time.Unix(1_700_000_000, 0)
	buy1 := buyFill(sym, "1.0", "100", base, "t1")
	buy2 := buyFill(sym, "1.0", "200", base.Add(time.Minute), "t2")
	sell := sellFill(sym, "1.5", "300", base.Add(2*time.Minute), "t3")

	var events []core.LedgerEvent
	events = append(events, BuildEventsForFill(buy1)...)
	events = append(events, BuildEventsForFill(buy2)...)
	events = append(events, BuildEventsForFill(sell)...)

	require.NoError(t, l.Apply(events))

	// FIFO: sell of 1.5 consumes all of lot1 (1.0 @ 100) and 0.5 of lot2 (@200).
	// realized = 1.0*(300-100) + 0.5*(300-200) = 200 + 50 = 250
	assert.True(t, l.RealizedPnLTotal().Equal(d("250")))

	positions, _ := l.Snapshot(map[string]decimal.Decimal{sym.String(): d("300")})
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(d("0.5")))
}

func TestApply_Oversell_AbortsWholeBatchWithoutMutating(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	l := New(mustLogger(t))

	base := time.Unix(1_700_000_000, 0)
	buy := buyFill(sym, "1.0", "100", base, "t1")
	require.NoError(t, l.Apply(BuildEventsForFill(buy)))

	countBefore := l.EventCount()
	realizedBefore := l.RealizedPnLTotal()

	oversell := sellFill(sym, "5.0", "300", base.Add(time.Minute), "t2")
	err := l.Apply(BuildEventsForFill(oversell))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrOversell)

	assert.Equal(t, countBefore, l.EventCount())
	assert.True(t, l.RealizedPnLTotal().Equal(realizedBefore))
}

func TestReplayFromScratch_EquivalentToIncrementalApply(t *testing.T) {
	sym := core.Symbol{Base: "ETH", Quote: "TRY"}
	base := time.Unix(1_700_000_000, 0)

	fills := []core.Fill{
		buyFill(sym, "2.0", "1000", base, "a1"),
		buyFill(sym, "3.0", "1100", base.Add(time.Minute), "a2"),
		sellFill(sym, "4.0", "1300", base.Add(2*time.Minute), "a3"),
		buyFill(sym, "1.0", "1250", base.Add(3*time.Minute), "a4"),
		sellFill(sym, "2.0", "1400", base.Add(4*time.Minute), "a5"),
	}
	for i := range fills {
		fills[i].FeeAmount = d("1.5")
		fills[i].FeeCurrency = QuoteCurrency
	}

	var all []core.LedgerEvent
	for _, f := range fills {
		all = append(all, BuildEventsForFill(f)...)
	}

	full, err := ReplayFromScratch(all)
	require.NoError(t, err)

	// Incremental: apply in two chunks through a live Ledger.
	l := New(mustLogger(t))
	mid := len(all) / 2
	require.NoError(t, l.Apply(all[:mid]))
	require.NoError(t, l.Apply(all[mid:]))

	assert.True(t, full.RealizedPnLTotalTRY.Equal(l.RealizedPnLTotal()))
	assert.True(t, full.Cash.Equal(l.state.Cash))
	assert.Equal(t, full.EventCount, l.EventCount())

	fullBook := full.Books[sym.String()]
	liveBook := l.state.Books[sym.String()]
	assert.True(t, fullBook.Qty.Equal(liveBook.Qty))
}

func TestReplayFromScratch_OversellIsIntegrityError(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	base := time.Unix(1_700_000_000, 0)

	events := BuildEventsForFill(sellFill(sym, "1.0", "100", base, "x1"))
	_, err := ReplayFromScratch(events)
	require.Error(t, err)

	var integrity *apperrors.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "oversell", integrity.Kind)
}

func TestFeeConversionMissing_NotSubtractedFromRealizedPnL(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	l := New(mustLogger(t))
	base := time.Unix(1_700_000_000, 0)

	buy := buyFill(sym, "1.0", "100", base, "f1")
	sell := sellFill(sym, "1.0", "200", base.Add(time.Minute), "f2")
	sell.FeeAmount = d("3")
	sell.FeeCurrency = "USDT"

	var events []core.LedgerEvent
	events = append(events, BuildEventsForFill(buy)...)
	events = append(events, BuildEventsForFill(sell)...)

	require.NoError(t, l.Apply(events))

	assert.True(t, l.RealizedPnLTotal().Equal(d("100")))
	gaps := l.FeeConversionGaps()
	assert.Equal(t, int64(1), gaps["USDT"])
}

func TestSnapshot_DrawdownNeverResetsPeak(t *testing.T) {
	sym := core.Symbol{Base: "BTC", Quote: "TRY"}
	l := New(mustLogger(t))
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, l.Apply(BuildEventsForFill(buyFill(sym, "1.0", "100", base, "p1"))))

	_, m1 := l.Snapshot(map[string]decimal.Decimal{sym.String(): d("200")})
	assert.True(t, m1.PeakEquityTRY.Equal(m1.EquityTRY))

	_, m2 := l.Snapshot(map[string]decimal.Decimal{sym.String(): d("50")})
	assert.True(t, m2.PeakEquityTRY.Equal(m1.PeakEquityTRY))
	assert.True(t, m2.MaxDrawdown.GreaterThan(decimal.Zero))
}
