package rules

import (
	"context"
	"testing"

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

type fakeTransport struct {
	infos []core.SymbolRules
}

func (f *fakeTransport) GetExchangeInfo(ctx context.Context) ([]core.SymbolRules, error) {
	return f.infos, nil
}
func (f *fakeTransport) GetOrderbook(ctx context.Context, symbol core.Symbol) (core.TopOfBook, error) {
	return core.TopOfBook{}, nil
}
func (f *fakeTransport) GetBalances(ctx context.Context) ([]core.Balance, error) { return nil, nil }
func (f *fakeTransport) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	return nil, nil
}
func (f *fakeTransport) GetAllOrders(ctx context.Context, symbol core.Symbol, startMs, endMs int64) ([]core.Order, error) {
	return nil, nil
}
func (f *fakeTransport) GetOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	return nil, nil
}
func (f *fakeTransport) GetRecentFills(ctx context.Context, symbol core.Symbol, sinceMs int64) ([]core.Fill, error) {
	return nil, nil
}
func (f *fakeTransport) SubmitLimitOrder(ctx context.Context, symbol core.Symbol, side core.Side, price, qty decimal.Decimal, clientOrderID string) (core.Ack, error) {
	return core.Ack{}, nil
}
func (f *fakeTransport) CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) (core.Ack, error) {
	return core.Ack{}, nil
}
func (f *fakeTransport) CancelOrderByClientID(ctx context.Context, clientOrderID string) (core.Ack, error) {
	return core.Ack{}, nil
}

func btcTry() core.Symbol { return core.Symbol{Base: "BTC", Quote: "TRY"} }

func TestRefresh_DropsInvalidMetadataSymbols(t *testing.T) {
	p := New(mustLogger(t), PolicySkipSymbol)
	transport := &fakeTransport{infos: []core.SymbolRules{
		{Symbol: btcTry(), TickSize: d("1"), LotSize: d("0.0001"), MinNotionalTRY: d("100")},
		{Symbol: core.Symbol{Base: "ETH", Quote: "TRY"}, TickSize: d("0"), LotSize: d("0.01"), MinNotionalTRY: d("50")},
	}}

	require.NoError(t, p.Refresh(context.Background(), transport))

	_, ok := p.Rules(btcTry())
	assert.True(t, ok)
	_, ok = p.Rules(core.Symbol{Base: "ETH", Quote: "TRY"})
	assert.False(t, ok)
}

func TestQuantize_RoundsDownTowardZero(t *testing.T) {
	p := New(mustLogger(t), PolicySkipSymbol)
	transport := &fakeTransport{infos: []core.SymbolRules{
		{Symbol: btcTry(), TickSize: d("10"), LotSize: d("0.001"), MinNotionalTRY: d("100")},
	}}
	require.NoError(t, p.Refresh(context.Background(), transport))

	price, qty, err := p.Quantize(btcTry(), d("100005"), d("0.0019"))
	require.NoError(t, err)
	assert.True(t, price.Equal(d("100000")))
	assert.True(t, qty.Equal(d("0.001")))
}

func TestQuantize_RejectsBelowMinNotionalAfterRounding(t *testing.T) {
	p := New(mustLogger(t), PolicySkipSymbol)
	transport := &fakeTransport{infos: []core.SymbolRules{
		{Symbol: btcTry(), TickSize: d("1"), LotSize: d("0.0001"), MinNotionalTRY: d("100")},
	}}
	require.NoError(t, p.Refresh(context.Background(), transport))

	_, _, err := p.Quantize(btcTry(), d("100"), d("0.0005"))
	require.Error(t, err)
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "min_notional", verr.Code)
}

func TestQuantize_UnknownSymbolIsRejected(t *testing.T) {
	p := New(mustLogger(t), PolicySkipSymbol)
	_, _, err := p.Quantize(btcTry(), d("100"), d("1"))
	require.Error(t, err)
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rules_unavailable", verr.Code)
}
