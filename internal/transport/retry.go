// Package transport wraps any core.ExchangeTransport with the shared
// rate limiter and bounded-retry read path spec.md §5 requires. Writes
// (submit/cancel) pass through at most once per call — retries on them
// happen only through the execution engine's reconciliation path, never
// a blind resubmit.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// Decorator wraps an ExchangeTransport with rate limiting on every call
// and bounded exponential backoff with jitter on read-only calls.
type Decorator struct {
	inner      core.ExchangeTransport
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New constructs a Decorator. limiter is shared process-wide (spec.md
// §5: "a shared token bucket gates every exchange request").
func New(inner core.ExchangeTransport, limiter *rate.Limiter, maxRetries int, baseDelay, maxDelay time.Duration) *Decorator {
	return &Decorator{inner: inner, limiter: limiter, maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *apperrors.TransportError
	if errors.As(err, &te) {
		switch te.Kind {
		case core.TransportNetwork, core.TransportRateLimit, core.TransportServer, core.TransportTimeout:
			return true
		}
	}
	return false
}

// withRetry runs fn under a per-call retry policy with jittered
// exponential backoff (jitter factor 1: each delay is randomized by up
// to ±100%), retrying only on classified transient kinds.
func withRetry[T any](maxRetries int, baseDelay, maxDelay time.Duration, fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return isRetryable(err)
		}).
		WithBackoff(baseDelay, maxDelay).
		WithJitterFactor(1).
		WithMaxRetries(maxRetries).
		Build()
	return failsafe.Get(fn, policy)
}

func (d *Decorator) wait(ctx context.Context) error {
	return d.limiter.Wait(ctx)
}

func (d *Decorator) GetExchangeInfo(ctx context.Context) ([]core.SymbolRules, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() ([]core.SymbolRules, error) {
		return d.inner.GetExchangeInfo(ctx)
	})
}

func (d *Decorator) GetOrderbook(ctx context.Context, symbol core.Symbol) (core.TopOfBook, error) {
	if err := d.wait(ctx); err != nil {
		return core.TopOfBook{}, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() (core.TopOfBook, error) {
		return d.inner.GetOrderbook(ctx, symbol)
	})
}

func (d *Decorator) GetBalances(ctx context.Context) ([]core.Balance, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() ([]core.Balance, error) {
		return d.inner.GetBalances(ctx)
	})
}

func (d *Decorator) GetOpenOrders(ctx context.Context, symbol core.Symbol) ([]core.Order, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() ([]core.Order, error) {
		return d.inner.GetOpenOrders(ctx, symbol)
	})
}

func (d *Decorator) GetAllOrders(ctx context.Context, symbol core.Symbol, startMs, endMs int64) ([]core.Order, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() ([]core.Order, error) {
		return d.inner.GetAllOrders(ctx, symbol, startMs, endMs)
	})
}

func (d *Decorator) GetOrder(ctx context.Context, exchangeOrderID, clientOrderID string) (*core.Order, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() (*core.Order, error) {
		return d.inner.GetOrder(ctx, exchangeOrderID, clientOrderID)
	})
}

func (d *Decorator) GetRecentFills(ctx context.Context, symbol core.Symbol, sinceMs int64) ([]core.Fill, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return withRetry(d.maxRetries, d.baseDelay, d.maxDelay, func() ([]core.Fill, error) {
		return d.inner.GetRecentFills(ctx, symbol, sinceMs)
	})
}

// SubmitLimitOrder passes through at most once. A timeout or ambiguous
// error here is the execution engine's signal to begin reconciliation,
// not a condition this layer retries on its own.
func (d *Decorator) SubmitLimitOrder(ctx context.Context, symbol core.Symbol, side core.Side, price, qty decimal.Decimal, clientOrderID string) (core.Ack, error) {
	if err := d.wait(ctx); err != nil {
		return core.Ack{}, err
	}
	return d.inner.SubmitLimitOrder(ctx, symbol, side, price, qty, clientOrderID)
}

func (d *Decorator) CancelOrderByExchangeID(ctx context.Context, exchangeOrderID string) (core.Ack, error) {
	if err := d.wait(ctx); err != nil {
		return core.Ack{}, err
	}
	return d.inner.CancelOrderByExchangeID(ctx, exchangeOrderID)
}

func (d *Decorator) CancelOrderByClientID(ctx context.Context, clientOrderID string) (core.Ack, error) {
	if err := d.wait(ctx); err != nil {
		return core.Ack{}, err
	}
	return d.inner.CancelOrderByClientID(ctx, clientOrderID)
}

var _ core.ExchangeTransport = (*Decorator)(nil)
