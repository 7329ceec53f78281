package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/internal/core"
	"spotguard/internal/logging"
	"spotguard/internal/metrics"
	"spotguard/internal/testutil"
	"spotguard/pkg/apperrors"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func mustLogger(t *testing.T) core.Logger {
	t.Helper()
	l, err := logging.New("ERROR", "console")
	require.NoError(t, err)
	return l
}

func newEngine(t *testing.T, transport *testutil.FakeExchangeTransport, store *testutil.FakeStateStore, clock *testutil.FixedClock) *Engine {
	t.Helper()
	return New(transport, store, mustLogger(t), metrics.New(), clock, Config{
		MaxReconcileAttempts:    3,
		ReconcileCeiling:        2 * time.Second,
		UnknownEscalationThresh: 2,
	})
}

func sampleIntent() core.Intent {
	return core.Intent{
		Symbol:      core.Symbol{Base: "BTC", Quote: "TRY"},
		Side:        core.SideSell,
		TargetPrice: d("1010000"),
		TargetQty:   d("0.0025"),
		Reason:      core.ReasonTakeProfit,
		StrategyID:  "s1",
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	order, err := e.Submit(context.Background(), "cycle-1", sampleIntent(), sampleIntent().TargetQty)
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, order.Status)
	assert.NotEmpty(t, order.ExchangeOrderID)
	assert.Equal(t, 1, transport.SubmitCount())
}

func TestSubmit_IdempotentOnRetry(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	intent := sampleIntent()
	first, err := e.Submit(context.Background(), "cycle-1", intent, intent.TargetQty)
	require.NoError(t, err)

	second, err := e.Submit(context.Background(), "cycle-1", intent, intent.TargetQty)
	require.NoError(t, err)

	assert.Equal(t, first.ClientOrderID, second.ClientOrderID)
	assert.Equal(t, 1, transport.SubmitCount())
}

func TestSubmit_UncertainOutcomeReconciles(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	transport.SubmitErr = &apperrors.TransportError{Kind: core.TransportTimeout, Err: errors.New("timeout")}
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	order, err := e.Submit(context.Background(), "cycle-1", sampleIntent(), sampleIntent().TargetQty)
	require.Error(t, err)
	var reconcileErr *apperrors.ReconcileUnknown
	require.ErrorAs(t, err, &reconcileErr)
	assert.Equal(t, core.OrderUnknownClosed, order.Status)

	escalations, escErr := store.GetEscalationCount(context.Background())
	require.NoError(t, escErr)
	assert.Equal(t, int64(1), escalations)
}

func TestShouldForceObserveOnly_TripsAtThreshold(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	ctx := context.Background()
	force, err := e.ShouldForceObserveOnly(ctx)
	require.NoError(t, err)
	assert.False(t, force)

	store.IncrementEscalationCount(ctx)
	store.IncrementEscalationCount(ctx)

	force, err = e.ShouldForceObserveOnly(ctx)
	require.NoError(t, err)
	assert.True(t, force)
}

func TestShouldForceObserveOnly_AcknowledgedBlocksEvenOverThreshold(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	ctx := context.Background()
	store.IncrementEscalationCount(ctx)
	store.IncrementEscalationCount(ctx)
	require.NoError(t, store.AcknowledgeEscalation(ctx))

	force, err := e.ShouldForceObserveOnly(ctx)
	require.NoError(t, err)
	assert.False(t, force)
}

func TestCancel_TerminalOrderIsNoOp(t *testing.T) {
	transport := testutil.NewFakeExchangeTransport()
	store := testutil.NewFakeStateStore()
	clock := testutil.NewFixedClock(time.Unix(1_700_000_000, 0))
	e := newEngine(t, transport, store, clock)

	order := &core.Order{ClientOrderID: "x", Status: core.OrderFilled}
	require.NoError(t, e.Cancel(context.Background(), order))
	assert.Equal(t, 0, transport.SubmitCount())
}
