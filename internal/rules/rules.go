// Package rules implements exchange symbol metadata and quantization
// (spec.md §4.5): tick/lot-size rounding toward zero, min-notional
// validation after quantization, and the reject-and-continue policy for
// symbols with missing or invalid metadata.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// InvalidMetadataPolicy names what should happen when a symbol's rules
// are missing or fail sanity checks. The Provider only stores it and
// reports it through Policy(); Refresh and Quantize behave the same
// under either value, and no caller reads Policy(), so no cycle is
// forced to OBSERVE_ONLY by it.
type InvalidMetadataPolicy string

const (
	// PolicySkipSymbol names dropping just the offending symbol for the cycle.
	PolicySkipSymbol InvalidMetadataPolicy = "skip_symbol"
	// PolicyObserveOnlyCycle names forcing the whole cycle to OBSERVE_ONLY.
	PolicyObserveOnlyCycle InvalidMetadataPolicy = "observe_only_cycle"
)

// Provider caches SymbolRules fetched from the exchange and quantizes
// intents against them. Safe for concurrent reads; Refresh takes an
// exclusive write lock.
type Provider struct {
	logger core.Logger
	policy InvalidMetadataPolicy

	mu    sync.RWMutex
	rules map[string]core.SymbolRules
}

// New constructs a Provider. policy is stored as given (skip_symbol when
// empty) and returned by Policy().
func New(logger core.Logger, policy InvalidMetadataPolicy) *Provider {
	if policy == "" {
		policy = PolicySkipSymbol
	}
	return &Provider{
		logger: logger,
		policy: policy,
		rules:  make(map[string]core.SymbolRules),
	}
}

// Refresh pulls exchange info and replaces the cached rule set.
// Symbols failing sanity checks (non-positive tick/lot size, price_min >
// price_max) are dropped from the cache, not kept half-valid.
func (p *Provider) Refresh(ctx context.Context, transport core.ExchangeTransport) error {
	infos, err := transport.GetExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("rules: refresh exchange info: %w", err)
	}

	next := make(map[string]core.SymbolRules, len(infos))
	for _, r := range infos {
		if err := sanityCheck(r); err != nil {
			p.logger.Warn("rules: dropping symbol with invalid metadata", "symbol", r.Symbol.String(), "error", err.Error())
			continue
		}
		next[r.Symbol.String()] = r
	}

	p.mu.Lock()
	p.rules = next
	p.mu.Unlock()
	return nil
}

func sanityCheck(r core.SymbolRules) error {
	if !r.TickSize.IsPositive() {
		return fmt.Errorf("tick_size must be positive, got %s", r.TickSize)
	}
	if !r.LotSize.IsPositive() {
		return fmt.Errorf("lot_size must be positive, got %s", r.LotSize)
	}
	if r.MinNotionalTRY.IsNegative() {
		return fmt.Errorf("min_notional_try must be >= 0, got %s", r.MinNotionalTRY)
	}
	if r.PriceMax.IsPositive() && r.PriceMin.GreaterThan(r.PriceMax) {
		return fmt.Errorf("price_min (%s) exceeds price_max (%s)", r.PriceMin, r.PriceMax)
	}
	if r.QtyMax.IsPositive() && r.QtyMin.GreaterThan(r.QtyMax) {
		return fmt.Errorf("qty_min (%s) exceeds qty_max (%s)", r.QtyMin, r.QtyMax)
	}
	return nil
}

// Rules returns the cached SymbolRules for symbol, if present.
func (p *Provider) Rules(symbol core.Symbol) (core.SymbolRules, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rules[symbol.String()]
	return r, ok
}

// Policy returns the configured invalid-metadata policy.
func (p *Provider) Policy() InvalidMetadataPolicy {
	return p.policy
}

// quantizeDown rounds value to the nearest multiple of step, toward
// zero (never up), matching the exchange's own truncation behavior.
func quantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Truncate(0)
	return units.Mul(step)
}

// Quantize rounds price and qty down to the symbol's tick/lot size and
// validates the result is still within bounds and clears min-notional.
// It returns an ValidationError (not a hard failure) when the requested
// intent cannot be expressed as a valid order at all after quantization —
// callers are expected to drop the intent and continue the cycle.
func (p *Provider) Quantize(symbol core.Symbol, price, qty decimal.Decimal) (qPrice, qQty decimal.Decimal, err error) {
	r, ok := p.Rules(symbol)
	if !ok {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{
			Symbol: symbol.String(),
			Code:   "rules_unavailable",
			Detail: "no exchange rules cached for symbol",
		}
	}

	qPrice = quantizeDown(price, r.TickSize)
	qQty = quantizeDown(qty, r.LotSize)

	if qQty.IsZero() || qPrice.IsZero() {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{
			Symbol: symbol.String(),
			Code:   "quantized_to_zero",
			Detail: fmt.Sprintf("price=%s qty=%s quantized to zero at tick=%s lot=%s", price, qty, r.TickSize, r.LotSize),
		}
	}

	if r.PriceMin.IsPositive() && qPrice.LessThan(r.PriceMin) {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{Symbol: symbol.String(), Code: "price_below_min", Detail: qPrice.String()}
	}
	if r.PriceMax.IsPositive() && qPrice.GreaterThan(r.PriceMax) {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{Symbol: symbol.String(), Code: "price_above_max", Detail: qPrice.String()}
	}
	if r.QtyMin.IsPositive() && qQty.LessThan(r.QtyMin) {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{Symbol: symbol.String(), Code: "qty_below_min", Detail: qQty.String()}
	}
	if r.QtyMax.IsPositive() && qQty.GreaterThan(r.QtyMax) {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{Symbol: symbol.String(), Code: "qty_above_max", Detail: qQty.String()}
	}

	notional := qPrice.Mul(qQty)
	if notional.LessThan(r.MinNotionalTRY) {
		return decimal.Zero, decimal.Zero, &apperrors.ValidationError{
			Symbol: symbol.String(),
			Code:   "min_notional",
			Detail: fmt.Sprintf("notional %s below min_notional_try %s after quantization", notional, r.MinNotionalTRY),
		}
	}

	return qPrice, qQty, nil
}

var _ core.RulesProvider = (*Provider)(nil)
