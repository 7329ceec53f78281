package transport

import (
	"context"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// Unconfigured is a core.ExchangeTransport that fails every call. The
// venue-specific HTTP/WS client is an external collaborator (spec.md
// §1 scopes exchange transport out of the core); cmd/agent wraps this
// placeholder in the retry Decorator so the process wiring compiles and
// runs end to end against the fake transport in tests, and an operator
// substitutes a real client satisfying core.ExchangeTransport for a live
// deployment without touching any other component.
type Unconfigured struct {
	Exchange string
}

func (u Unconfigured) err() error {
	return &apperrors.TransportError{Kind: core.TransportClient, Err: apperrors.ErrUnconfiguredTransport}
}

func (u Unconfigured) GetExchangeInfo(ctx context.Context) ([]core.SymbolRules, error) { return nil, u.err() }
func (u Unconfigured) GetOrderbook(ctx context.Context, symbol core.Symbol) (core.TopOfBook, error) {
	return core.TopOfBook{}, u.err()
}
func (u Unconfigured) GetBalances(ctx context.Context) ([]core.Balance, error) { return nil, u.err() }
func (u Unconfigured) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	return nil, u.err()
}
func (u Unconfigured) GetAllOrders(ctx context.Context, symbol core.Symbol, startMs, endMs int64) ([]core.Order, error) {
	return nil, u.err()
}
func (u Unconfigured) GetOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	return nil, u.err()
}
func (u Unconfigured) GetRecentFills(ctx context.Context, symbol core.Symbol, sinceMs int64) ([]core.Fill, error) {
	return nil, u.err()
}
func (u Unconfigured) SubmitLimitOrder(ctx context.Context, symbol core.Symbol, side core.Side, price, qty decimal.Decimal, clientOrderID string) (core.Ack, error) {
	return core.Ack{}, u.err()
}
func (u Unconfigured) CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) (core.Ack, error) {
	return core.Ack{}, u.err()
}
func (u Unconfigured) CancelOrderByClientID(ctx context.Context, clientOrderID string) (core.Ack, error) {
	return core.Ack{}, u.err()
}

var _ core.ExchangeTransport = Unconfigured{}
