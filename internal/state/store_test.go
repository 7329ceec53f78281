package state

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/internal/core"
	"spotguard/internal/logging"
	"spotguard/pkg/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := logging.New("ERROR", "console")
	require.NoError(t, err)
	s, err := Open("file::memory:?cache=shared", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func TestUpsertOrder_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	order := core.Order{
		ClientOrderID:   "co_1",
		ExchangeOrderID: "ex_1",
		Symbol:          core.Symbol{Base: "BTC", Quote: "TRY"},
		Side:            core.SideSell,
		Price:           d("1000000"),
		Qty:             d("0.01"),
		Status:          core.OrderAcked,
		CreatedAt:       now,
		UpdatedAt:       now,
		IntentHash:      "hash1",
	}
	require.NoError(t, s.UpsertOrder(ctx, order))

	got, err := s.GetOrder(ctx, "co_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ex_1", got.ExchangeOrderID)
	assert.True(t, got.Price.Equal(d("1000000")))
	assert.True(t, got.Qty.Equal(d("0.01")))
	assert.Equal(t, core.OrderAcked, got.Status)
}

func TestGetOpenOrders_ExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	open := core.Order{ClientOrderID: "co_open", Symbol: core.Symbol{Base: "BTC", Quote: "TRY"}, Side: core.SideSell, Price: d("1"), Qty: d("1"), Status: core.OrderOpen, CreatedAt: now, UpdatedAt: now}
	filled := core.Order{ClientOrderID: "co_filled", Symbol: core.Symbol{Base: "BTC", Quote: "TRY"}, Side: core.SideSell, Price: d("1"), Qty: d("1"), Status: core.OrderFilled, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.UpsertOrder(ctx, open))
	require.NoError(t, s.UpsertOrder(ctx, filled))

	got, err := s.GetOpenOrders(ctx, "BTCTRY")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "co_open", got[0].ClientOrderID)
}

func TestReserveIdempotencyKey_FirstCreatesThenNoopsThenConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	created, err := s.ReserveIdempotencyKey(ctx, "key1", "hashA", now)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.ReserveIdempotencyKey(ctx, "key1", "hashA", now)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.ReserveIdempotencyKey(ctx, "key1", "hashB", now)
	var conflict *apperrors.IdempotencyConflict
	require.ErrorAs(t, err, &conflict)
}

func TestReserveAction_DedupesWithinBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	decision, created, err := s.ReserveAction(ctx, core.ActionCancel, "payload1", 1000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, decision)

	require.NoError(t, s.RecordActionDecision(ctx, core.ActionCancel, "payload1", 1000, "CANCELED"))

	decision, created, err = s.ReserveAction(ctx, core.ActionCancel, "payload1", 1000)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "CANCELED", decision)
}

func TestIngestFills_DedupesByFillID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fill := core.Fill{FillID: "f1", Symbol: core.Symbol{Base: "BTC", Quote: "TRY"}, Side: core.SideBuy, Price: d("100"), Qty: d("1"), FeeAmount: d("0.1"), FeeCurrency: "TRY", TradedAt: time.Now()}

	require.NoError(t, s.IngestFills(ctx, []core.Fill{fill}))
	require.NoError(t, s.IngestFills(ctx, []core.Fill{fill}))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLedgerEvents_AppendAndReplayIncrementally(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := []core.LedgerEvent{{EventID: "e1", Type: core.LedgerEventFill, Ts: now, Symbol: "BTCTRY", Side: core.SideBuy, Qty: d("1"), Price: d("100")}}
	require.NoError(t, s.AppendLedgerEvents(ctx, first))

	count, err := s.GetLedgerEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	second := []core.LedgerEvent{{EventID: "e2", Type: core.LedgerEventFee, Ts: now.Add(time.Second), Symbol: "BTCTRY", Qty: decimal.Zero, Price: decimal.Zero, FeeAmount: d("0.1"), FeeCurrency: "TRY"}}
	require.NoError(t, s.AppendLedgerEvents(ctx, second))

	replayed, err := s.ReplayLedger(ctx, 1)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "e2", replayed[0].EventID)
}

func TestCapitalCheckpoint_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	cs := core.CapitalState{TradingCapitalTRY: d("10000"), TreasuryTRY: d("500"), LastRealizedPnLTotalTRY: d("300"), LastEventCount: 5, UpdatedAt: now}
	require.NoError(t, s.SaveCapitalCheckpoint(ctx, cs))

	got, err := s.GetCapitalState(ctx)
	require.NoError(t, err)
	assert.True(t, got.TradingCapitalTRY.Equal(d("10000")))
	assert.Equal(t, int64(5), got.LastEventCount)

	var changes int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM capital_changes`).Scan(&changes))
	assert.Equal(t, 1, changes)
}

func TestEscalation_AcknowledgeResetsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.IncrementEscalationCount(ctx)
	require.NoError(t, err)
	_, err = s.IncrementEscalationCount(ctx)
	require.NoError(t, err)

	count, err := s.GetEscalationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.AcknowledgeEscalation(ctx))

	count, err = s.GetEscalationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	acked, err := s.IsEscalationAcknowledged(ctx)
	require.NoError(t, err)
	assert.True(t, acked)
}

func TestPersistCycle_WritesTraceAndMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := core.CycleRecord{
		CycleID:          "cycle-1",
		Ts:               now,
		SelectedUniverse: []string{"BTCTRY"},
		RiskDecision: core.RiskDecision{
			Mode:       core.ModeNormal,
			Reasons:    []string{"normal"},
			InputsHash: "h1",
			DecidedAt:  now,
		},
		LedgerMetrics: core.LedgerMetrics{
			RealizedTodayTRY: d("10"),
			EquityTRY:        d("1000"),
			PeakEquityTRY:    d("1000"),
		},
	}
	require.NoError(t, s.PersistCycle(ctx, rec))

	got, err := s.GetCycleTrace(ctx, "cycle-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"BTCTRY"}, got.SelectedUniverse)
	assert.Equal(t, core.ModeNormal, got.RiskDecision.Mode)
	assert.True(t, got.LedgerMetrics.EquityTRY.Equal(d("1000")))
}

func TestAcquireLock_SecondCallerBlocked(t *testing.T) {
	dir := t.TempDir()
	dbPath := dir + "/agent.db"
	logger, err := logging.New("ERROR", "console")
	require.NoError(t, err)

	s1, err := Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s1.Close() })

	release1, err := s1.AcquireLock(context.Background(), "acct1")
	require.NoError(t, err)

	s2, err := Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	_, err = s2.AcquireLock(context.Background(), "acct1")
	require.ErrorIs(t, err, apperrors.ErrLockContention)

	require.NoError(t, release1())

	release2, err := s2.AcquireLock(context.Background(), "acct1")
	require.NoError(t, err)
	require.NoError(t, release2())
}
