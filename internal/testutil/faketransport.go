package testutil

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
)

// FakeExchangeTransport is an in-memory core.ExchangeTransport for unit
// and integration tests, modeled on the teacher's MockOrderExecutor:
// plain maps behind a mutex, deterministic behavior driven by fields
// tests set directly rather than randomized responses.
type FakeExchangeTransport struct {
	mu sync.Mutex

	Rules     []core.SymbolRules
	Orderbook map[string]core.TopOfBook
	Balances  []core.Balance

	orders map[string]*core.Order // keyed by client_order_id

	// SubmitErr, when set, is returned by the next SubmitLimitOrder call
	// instead of a normal Ack (used to simulate timeouts/ambiguity).
	SubmitErr error
	CancelErr error

	submitCount int
}

// NewFakeExchangeTransport constructs an empty FakeExchangeTransport.
func NewFakeExchangeTransport() *FakeExchangeTransport {
	return &FakeExchangeTransport{
		Orderbook: make(map[string]core.TopOfBook),
		orders:    make(map[string]*core.Order),
	}
}

func (f *FakeExchangeTransport) GetExchangeInfo(ctx context.Context) ([]core.SymbolRules, error) {
	return f.Rules, nil
}

func (f *FakeExchangeTransport) GetOrderbook(ctx context.Context, symbol core.Symbol) (core.TopOfBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Orderbook[symbol.String()], nil
}

func (f *FakeExchangeTransport) GetBalances(ctx context.Context) ([]core.Balance, error) {
	return f.Balances, nil
}

func (f *FakeExchangeTransport) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Order
	for _, o := range f.orders {
		if o.Symbol.String() == symbol.String() && !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *FakeExchangeTransport) GetAllOrders(ctx context.Context, symbol core.Symbol, startMs, endMs int64) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Order
	for _, o := range f.orders {
		if o.Symbol.String() == symbol.String() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *FakeExchangeTransport) GetOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[clientOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (f *FakeExchangeTransport) GetRecentFills(ctx context.Context, symbol core.Symbol, sinceMs int64) ([]core.Fill, error) {
	return nil, nil
}

func (f *FakeExchangeTransport) SubmitLimitOrder(ctx context.Context, symbol core.Symbol, side core.Side, price, qty decimal.Decimal, clientOrderID string) (core.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCount++

	if f.SubmitErr != nil {
		err := f.SubmitErr
		f.SubmitErr = nil
		return core.Ack{}, err
	}

	order := &core.Order{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: "exch-" + clientOrderID,
		Symbol:          symbol,
		Side:            side,
		Price:           price,
		Qty:             qty,
		Status:          core.OrderOpen,
	}
	f.orders[clientOrderID] = order
	return core.Ack{ExchangeOrderID: order.ExchangeOrderID, ClientOrderID: clientOrderID, Status: core.OrderOpen}, nil
}

func (f *FakeExchangeTransport) CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) (core.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ExchangeOrderID == exchangeOrderID {
			o.Status = core.OrderCanceled
			return core.Ack{ExchangeOrderID: o.ExchangeOrderID, ClientOrderID: o.ClientOrderID, Status: core.OrderCanceled}, nil
		}
	}
	return core.Ack{}, nil
}

func (f *FakeExchangeTransport) CancelOrderByClientID(ctx context.Context, clientOrderID string) (core.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		err := f.CancelErr
		f.CancelErr = nil
		return core.Ack{}, err
	}
	if o, ok := f.orders[clientOrderID]; ok {
		o.Status = core.OrderCanceled
		return core.Ack{ExchangeOrderID: o.ExchangeOrderID, ClientOrderID: clientOrderID, Status: core.OrderCanceled}, nil
	}
	return core.Ack{}, nil
}

// SubmitCount reports how many SubmitLimitOrder calls were made.
func (f *FakeExchangeTransport) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCount
}

var _ core.ExchangeTransport = (*FakeExchangeTransport)(nil)
