// Package execution implements the ExecutionEngine (spec.md §4.2):
// deterministic client_order_id derivation, action/idempotency dedupe,
// submit and cancel, the order state machine, and bounded
// reconciliation of uncertain outcomes with unknown-order escalation.
// There is no replace operation: ReplaceTxID in ids.go only derives the
// id such a cancel-then-submit pair would carry, and nothing calls it.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/internal/metrics"
	"spotguard/pkg/apperrors"
)

// Engine converts approved intents into exchange effects with
// at-most-once semantics and deterministic recovery.
type Engine struct {
	transport core.ExchangeTransport
	store     core.StateStore
	logger    core.Logger
	metrics   *metrics.Registry
	clock     core.ClockSource

	maxReconcileAttempts int
	reconcileCeiling     time.Duration
	escalationThreshold  int64
}

// Config collects the execution engine's tunables (spec.md §6.3).
type Config struct {
	MaxReconcileAttempts    int
	ReconcileCeiling        time.Duration
	UnknownEscalationThresh int64
}

// New constructs an Engine.
func New(transport core.ExchangeTransport, store core.StateStore, logger core.Logger, reg *metrics.Registry, clock core.ClockSource, cfg Config) *Engine {
	return &Engine{
		transport:             transport,
		store:                 store,
		logger:                logger,
		metrics:               reg,
		clock:                 clock,
		maxReconcileAttempts:  cfg.MaxReconcileAttempts,
		reconcileCeiling:      cfg.ReconcileCeiling,
		escalationThreshold:   cfg.UnknownEscalationThresh,
	}
}

// Submit carries one admitted intent through dedupe, submission, and —
// on an uncertain outcome — reconciliation. cycleID folds into the
// deterministic client_order_id so a duplicate cycle can never place a
// second live order for the same intent.
func (e *Engine) Submit(ctx context.Context, cycleID string, intent core.Intent, qty decimal.Decimal) (*core.Order, error) {
	now := e.clock.Now()
	clientOrderID := ClientOrderID(cycleID, intent.Symbol, intent.Side, intent.TargetPrice, qty, intent.Reason, intent.StrategyID)
	payloadHash := SubmitPayloadHash(clientOrderID, intent.Symbol, intent.Side, intent.TargetPrice, qty)

	created, err := e.store.ReserveIdempotencyKey(ctx, clientOrderID, payloadHash, now)
	if err != nil {
		var conflict *apperrors.IdempotencyConflict
		if errors.As(err, &conflict) {
			e.logger.Error("execution: idempotency conflict", "client_order_id", clientOrderID)
			return nil, err
		}
		return nil, fmt.Errorf("execution: reserve idempotency key: %w", err)
	}
	if !created {
		// Identical payload already reserved this cycle (or a prior crashed
		// one): the order row, if any, is authoritative — don't resubmit.
		existing, err := e.store.GetOrder(ctx, clientOrderID)
		if err != nil {
			return nil, fmt.Errorf("execution: load existing order for dedupe hit: %w", err)
		}
		if e.metrics != nil {
			e.metrics.ActionDedupeHits.Inc()
		}
		return existing, nil
	}

	order := &core.Order{
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         intent.TargetPrice,
		Qty:           qty,
		Status:        core.OrderPlanned,
		CreatedAt:     now,
		UpdatedAt:     now,
		IntentHash:    payloadHash,
	}
	if err := e.store.UpsertOrder(ctx, *order); err != nil {
		return nil, fmt.Errorf("execution: persist planned order: %w", err)
	}

	if err := Transition(order, core.OrderSubmitted, now); err != nil {
		return nil, e.integrityFail(ctx, err)
	}
	if err := e.store.UpsertOrder(ctx, *order); err != nil {
		return nil, fmt.Errorf("execution: persist submitted order: %w", err)
	}

	ack, submitErr := e.transport.SubmitLimitOrder(ctx, intent.Symbol, intent.Side, intent.TargetPrice, qty, clientOrderID)
	if submitErr == nil {
		order.ExchangeOrderID = ack.ExchangeOrderID
		if err := Transition(order, core.OrderAcked, e.clock.Now()); err != nil {
			return nil, e.integrityFail(ctx, err)
		}
		if err := e.store.UpsertOrder(ctx, *order); err != nil {
			return nil, fmt.Errorf("execution: persist acked order: %w", err)
		}
		// An ACK with no reported fill means the order is now resting on
		// the book (spec.md §4.2: "on ACK, persist Order as
		// SUBMITTED→OPEN").
		if err := Transition(order, core.OrderOpen, e.clock.Now()); err != nil {
			return nil, e.integrityFail(ctx, err)
		}
		if err := e.store.UpsertOrder(ctx, *order); err != nil {
			return nil, fmt.Errorf("execution: persist open order: %w", err)
		}
		if e.metrics != nil {
			e.metrics.OrdersSubmitted.WithLabelValues(intent.Symbol.String(), string(intent.Side)).Inc()
		}
		return order, nil
	}

	var exchErr *apperrors.ExchangeError
	if errors.As(submitErr, &exchErr) {
		if err := Transition(order, core.OrderRejected, e.clock.Now()); err != nil {
			return nil, e.integrityFail(ctx, err)
		}
		if err := e.store.UpsertOrder(ctx, *order); err != nil {
			return nil, fmt.Errorf("execution: persist rejected order: %w", err)
		}
		if e.metrics != nil {
			e.metrics.OrdersRejected.WithLabelValues(exchErr.Code).Inc()
		}
		return order, nil
	}

	// Network/timeout/ambiguous: the write may or may not have landed.
	// Never blind-resubmit — resolve through reconciliation.
	e.logger.Warn("execution: uncertain submit outcome, entering reconciliation", "client_order_id", clientOrderID, "error", submitErr.Error())
	if err := Transition(order, core.OrderUnknown, e.clock.Now()); err != nil {
		return nil, e.integrityFail(ctx, err)
	}
	if err := e.store.UpsertOrder(ctx, *order); err != nil {
		return nil, fmt.Errorf("execution: persist unknown order: %w", err)
	}
	if err := e.Reconcile(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// Cancel dedupes and issues a cancel for an open order. A cancel for an
// already-terminal order is a no-op.
func (e *Engine) Cancel(ctx context.Context, order *core.Order) error {
	if order.Status.IsTerminal() {
		return nil
	}

	now := e.clock.Now()
	payloadHash := CancelPayloadHash(order.ClientOrderID)
	timeBucket := now.Unix()

	decision, created, err := e.store.ReserveAction(ctx, core.ActionCancel, payloadHash, timeBucket)
	if err != nil {
		return fmt.Errorf("execution: reserve cancel action: %w", err)
	}
	if !created {
		e.logger.Debug("execution: cancel already dispatched this bucket", "client_order_id", order.ClientOrderID, "decision", decision)
		if e.metrics != nil {
			e.metrics.ActionDedupeHits.Inc()
		}
		return nil
	}

	_, cancelErr := e.transport.CancelOrderByClientID(ctx, order.ClientOrderID)
	if cancelErr == nil {
		if err := Transition(order, core.OrderCanceled, e.clock.Now()); err != nil {
			return e.integrityFail(ctx, err)
		}
		if err := e.store.UpsertOrder(ctx, *order); err != nil {
			return fmt.Errorf("execution: persist canceled order: %w", err)
		}
		return e.store.RecordActionDecision(ctx, core.ActionCancel, payloadHash, timeBucket, string(core.OrderCanceled))
	}

	e.logger.Warn("execution: uncertain cancel outcome, entering reconciliation", "client_order_id", order.ClientOrderID, "error", cancelErr.Error())
	if err := Transition(order, core.OrderUnknown, e.clock.Now()); err != nil {
		return e.integrityFail(ctx, err)
	}
	if err := e.store.UpsertOrder(ctx, *order); err != nil {
		return fmt.Errorf("execution: persist unknown order after cancel: %w", err)
	}
	return e.Reconcile(ctx, order)
}

func isResolved(status core.OrderStatus) bool {
	return status != core.OrderUnknown
}

// probe queries the exchange once for an order's current status.
// A not-found result is reported as OrderUnknown so the retry policy
// keeps trying rather than treating it as resolved.
func (e *Engine) probe(ctx context.Context, order *core.Order) (core.OrderStatus, error) {
	found, err := e.transport.GetOrder(ctx, order.ExchangeOrderID, order.ClientOrderID)
	if err != nil || found == nil {
		return core.OrderUnknown, nil
	}
	return found.Status, nil
}

// Reconcile probes an UNKNOWN order with bounded exponential backoff
// (spec.md §4.2/§5). On reaching the wall-clock ceiling or attempt
// budget without a resolution, the order is marked UNKNOWN_CLOSED and
// counted against the persistent escalation metric.
func (e *Engine) Reconcile(ctx context.Context, order *core.Order) error {
	reconcileCtx, cancel := context.WithTimeout(ctx, e.reconcileCeiling)
	defer cancel()

	policy := retrypolicy.NewBuilder[core.OrderStatus]().
		HandleIf(func(status core.OrderStatus, err error) bool {
			return err != nil || !isResolved(status)
		}).
		WithBackoff(500*time.Millisecond, 30*time.Second).
		WithMaxRetries(e.maxReconcileAttempts).
		Build()

	status, err := failsafe.Get(func() (core.OrderStatus, error) {
		order.ReconcileAttempts++
		return e.probe(reconcileCtx, order)
	}, policy)

	final := status
	if err != nil || !isResolved(status) {
		final = core.OrderUnknownClosed
	}

	now := e.clock.Now()
	if transErr := Transition(order, final, now); transErr != nil {
		return e.integrityFail(ctx, transErr)
	}
	if err := e.store.UpsertOrder(ctx, *order); err != nil {
		return fmt.Errorf("execution: persist reconciled order: %w", err)
	}

	if final != core.OrderUnknownClosed {
		return nil
	}

	if e.metrics != nil {
		e.metrics.UnknownOrderEscalations.Inc()
	}
	count, err := e.store.IncrementEscalationCount(ctx)
	if err != nil {
		return fmt.Errorf("execution: increment escalation count: %w", err)
	}
	e.logger.Error("execution: order escalated to UNKNOWN_CLOSED", "client_order_id", order.ClientOrderID, "escalation_count", count)
	return &apperrors.ReconcileUnknown{ClientOrderID: order.ClientOrderID, Attempts: order.ReconcileAttempts}
}

// ShouldForceObserveOnly reports whether accumulated unknown-order
// escalations have crossed the configured threshold without an
// operator acknowledgement (spec.md §9: auto-clear is never allowed,
// only a manual AcknowledgeEscalation call resets this).
func (e *Engine) ShouldForceObserveOnly(ctx context.Context) (bool, error) {
	acked, err := e.store.IsEscalationAcknowledged(ctx)
	if err != nil {
		return false, err
	}
	if acked {
		return false, nil
	}
	count, err := e.store.GetEscalationCount(ctx)
	if err != nil {
		return false, err
	}
	return count >= e.escalationThreshold, nil
}

func (e *Engine) integrityFail(ctx context.Context, err error) error {
	wrapped := apperrors.WrapIntegrityError("illegal_transition", err)
	if e.metrics != nil {
		e.metrics.IntegrityViolations.WithLabelValues("illegal_transition").Inc()
	}
	e.logger.Error("execution: integrity failure", "error", err.Error())
	return wrapped
}
