package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/internal/config"
	"spotguard/internal/core"
	"spotguard/internal/execution"
	"spotguard/internal/ledger"
	"spotguard/internal/logging"
	"spotguard/internal/metrics"
	"spotguard/internal/rules"
	"spotguard/internal/strategy"
	"spotguard/internal/testutil"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var btcTry = core.Symbol{Base: "BTC", Quote: "TRY"}

func baseConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Symbol:       "BTCTRY",
			AccountKey:   "acct1",
			StateDBPath:  "unused",
			CycleSeconds: 5,
			ProcessRole:  "primary",
		},
		Safety: config.SafetyConfig{
			KillSwitch:     false,
			DryRun:         false,
			LiveTrading:    true,
			LiveTradingAck: "I_UNDERSTAND",
			SafeMode:       false,
		},
		Risk: config.RiskConfig{
			MaxOrdersPerCycle:      5,
			MaxOpenOrdersPerSymbol: 5,
			CooldownSeconds:        0,
			MaxNotionalPerOrderTRY: "1000000",
			NotionalCapPerCycleTRY: "1000000",
			MinOrderNotionalTRY:    "10",
			MinProfitBps:           50,
			FeeBpsTaker:            10,
			SlippageBpsBuffer:      5,
			MaxDailyLossTRY:        "100000",
			MaxDrawdown:            "0.5",
			MaxGrossExposureTRY:    "1000000",
			MaxPositionPct:         "1",
			MaxFeePerDayTRY:        "100000",
			MaxConsecutiveLosses:   100,
			CashReserveTargetTRY:   "0",
			MarketDataMaxAgeMs:     0,
			SpreadBpsSpike:         0,
			ModeCooldownSeconds:    60,
		},
		Capital: config.CapitalConfig{
			ProfitCompoundRatio: "0.60",
			ProfitTreasuryRatio: "0.40",
		},
		Execution: config.ExecutionConfig{
			MaxReconcileAttempts:            3,
			ReconcileWallClockCeilingSecs:   2,
			UnknownOrderEscalationThreshold: 2,
		},
	}
}

type fixture struct {
	cfg       *config.Config
	store     *testutil.FakeStateStore
	transport *testutil.FakeExchangeTransport
	clock     *testutil.FixedClock
	book      *ledger.Ledger
	orch      *Orchestrator
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	logger, err := logging.New("ERROR", "console")
	require.NoError(t, err)

	cfg := baseConfig()
	store := testutil.NewFakeStateStore()
	transport := testutil.NewFakeExchangeTransport()
	transport.Rules = []core.SymbolRules{{
		Symbol:         btcTry,
		TickSize:       d("1"),
		LotSize:        d("0.0001"),
		MinNotionalTRY: d("10"),
		PriceMin:       d("1"),
		PriceMax:       d("100000000"),
		QtyMin:         d("0.0001"),
		QtyMax:         d("1000"),
	}}
	transport.Balances = []core.Balance{{Asset: "TRY", Free: d("1000000")}}
	transport.Orderbook["BTCTRY"] = core.TopOfBook{Symbol: btcTry, BestBid: d("1010000"), BestAsk: d("1010500"), Ts: now}

	rulesProvider := rules.New(logger, rules.PolicySkipSymbol)
	require.NoError(t, rulesProvider.Refresh(context.Background(), transport))

	book := ledger.New(logger)
	require.NoError(t, book.Apply([]core.LedgerEvent{{
		EventID: "seed1",
		Type:    core.LedgerEventFill,
		Ts:      now.Add(-time.Hour),
		Symbol:  "BTCTRY",
		Side:    core.SideBuy,
		Qty:     d("0.01"),
		Price:   d("1000000"),
	}}))

	strat := strategy.NewTakeProfit(btcTry, 50, d("0.25"), "s1_take_profit")
	clock := testutil.NewFixedClock(now)
	reg := metrics.New()
	exec := execution.New(transport, store, logger, reg, clock, execution.Config{
		MaxReconcileAttempts:    3,
		ReconcileCeiling:        2 * time.Second,
		UnknownEscalationThresh: 2,
	})

	orch, err := New(cfg, store, transport, rulesProvider, book, strat, exec, clock, logger, reg)
	require.NoError(t, err)

	return &fixture{cfg: cfg, store: store, transport: transport, clock: clock, book: book, orch: orch}
}

// S1: position is profitable at the best bid; the strategy's SELL intent
// survives every filter and is submitted.
func TestRunOneCycle_S1_TakeProfitSubmits(t *testing.T) {
	now := time.Now()
	fx := newFixture(t, now)

	rec, err := fx.orch.RunOneCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.OrderDecisions, 1)
	decision := rec.OrderDecisions[0]
	assert.True(t, decision.Accepted, "rejected with code %q", decision.RejectCode)
	require.NotNil(t, decision.Order)
	assert.Equal(t, core.SideSell, decision.Order.Side)
	assert.Equal(t, 1, fx.transport.SubmitCount())
}

// S2: kill_switch tightens the mode to OBSERVE_ONLY, so the same
// profitable SELL intent is generated but rejected pre-execution and
// nothing reaches the transport.
func TestRunOneCycle_S2_KillSwitchBlocksExecution(t *testing.T) {
	now := time.Now()
	fx := newFixture(t, now)
	fx.cfg.Safety.KillSwitch = true

	rec, err := fx.orch.RunOneCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.ModeObserveOnly, rec.RiskDecision.Mode)
	require.Len(t, rec.OrderDecisions, 1)
	assert.False(t, rec.OrderDecisions[0].Accepted)
	assert.Equal(t, 0, fx.transport.SubmitCount())
}

// A second cycle with an unchanged position and orderbook must not
// resubmit: the take-profit intent's idempotency seed is stable per
// (symbol, strategy), but the cooldown/open-order filters are what
// actually prevent runaway duplicate orders cycle over cycle once the
// first one is open.
func TestRunOneCycle_SecondCycle_DoesNotDuplicateWhileOrderOpen(t *testing.T) {
	now := time.Now()
	fx := newFixture(t, now)
	fx.cfg.Risk.MaxOpenOrdersPerSymbol = 1

	_, err := fx.orch.RunOneCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fx.transport.SubmitCount())

	fx.clock.Advance(time.Second)
	rec2, err := fx.orch.RunOneCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, rec2.OrderDecisions, 1)
	assert.False(t, rec2.OrderDecisions[0].Accepted)
	assert.Equal(t, core.RejectMaxOpenOrders, rec2.OrderDecisions[0].RejectCode)
	assert.Equal(t, 1, fx.transport.SubmitCount())
}

func TestRunOneCycle_NoPosition_NoOrderDecisions(t *testing.T) {
	now := time.Now()
	logger, err := logging.New("ERROR", "console")
	require.NoError(t, err)

	cfg := baseConfig()
	store := testutil.NewFakeStateStore()
	transport := testutil.NewFakeExchangeTransport()
	transport.Rules = []core.SymbolRules{{Symbol: btcTry, TickSize: d("1"), LotSize: d("0.0001"), MinNotionalTRY: d("10"), QtyMin: d("0.0001")}}
	transport.Orderbook["BTCTRY"] = core.TopOfBook{Symbol: btcTry, BestBid: d("1010000"), BestAsk: d("1010500"), Ts: now}
	transport.Balances = []core.Balance{{Asset: "TRY", Free: d("1000000")}}

	rulesProvider := rules.New(logger, rules.PolicySkipSymbol)
	require.NoError(t, rulesProvider.Refresh(context.Background(), transport))

	book := ledger.New(logger)
	strat := strategy.NewTakeProfit(btcTry, 50, d("0.25"), "s1_take_profit")
	clock := testutil.NewFixedClock(now)
	reg := metrics.New()
	exec := execution.New(transport, store, logger, reg, clock, execution.Config{MaxReconcileAttempts: 3, ReconcileCeiling: 2 * time.Second, UnknownEscalationThresh: 2})

	orch, err := New(cfg, store, transport, rulesProvider, book, strat, exec, clock, logger, reg)
	require.NoError(t, err)

	rec, err := orch.RunOneCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.OrderDecisions)
	assert.Equal(t, 0, transport.SubmitCount())
}
