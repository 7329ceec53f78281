// Package testutil holds in-memory test doubles for core.StateStore and
// core.ExchangeTransport, modeled on the teacher's internal/mock package
// (engine_mocks.go): plain structs behind a mutex, no behavior beyond
// what tests need to observe.
package testutil

import (
	"context"
	"sync"
	"time"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// FakeStateStore is an in-memory core.StateStore for unit tests.
type FakeStateStore struct {
	mu sync.Mutex

	orders     map[string]core.Order
	positions  map[string]core.Position
	ledger     []core.LedgerEvent
	appliedFil map[string]bool
	idemKeys   map[string]string // key -> payloadHash
	actions    map[string]string // actionType|payloadHash|bucket -> decision
	capital    core.CapitalState
	cursors    map[string]string
	escCount   int64
	escAcked   bool
	traces     map[string]core.CycleRecord
	locked     bool
}

// NewFakeStateStore constructs an empty FakeStateStore.
func NewFakeStateStore() *FakeStateStore {
	return &FakeStateStore{
		orders:     make(map[string]core.Order),
		positions:  make(map[string]core.Position),
		appliedFil: make(map[string]bool),
		idemKeys:   make(map[string]string),
		actions:    make(map[string]string),
		cursors:    make(map[string]string),
		traces:     make(map[string]core.CycleRecord),
	}
}

func (s *FakeStateStore) AcquireLock(ctx context.Context, accountKey string) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, apperrors.ErrLockContention
	}
	s.locked = true
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.locked = false
		return nil
	}, nil
}

func (s *FakeStateStore) PersistCycle(ctx context.Context, rec core.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[rec.CycleID] = rec
	return nil
}

func (s *FakeStateStore) IngestFills(ctx context.Context, fills []core.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fills {
		if s.appliedFil[f.FillID] {
			continue
		}
		s.appliedFil[f.FillID] = true
	}
	return nil
}

func (s *FakeStateStore) ReserveIdempotencyKey(ctx context.Context, key, payloadHash string, ts time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.idemKeys[key]
	if !ok {
		s.idemKeys[key] = payloadHash
		return true, nil
	}
	if existing != payloadHash {
		return false, &apperrors.IdempotencyConflict{Key: key, ExistingHash: existing, AttemptedHash: payloadHash}
	}
	return false, nil
}

func (s *FakeStateStore) ReserveAction(ctx context.Context, actionType core.ActionType, payloadHash string, timeBucket int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := actionKey(actionType, payloadHash, timeBucket)
	if decision, ok := s.actions[key]; ok {
		return decision, false, nil
	}
	s.actions[key] = ""
	return "", true, nil
}

func (s *FakeStateStore) RecordActionDecision(ctx context.Context, actionType core.ActionType, payloadHash string, timeBucket int64, decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[actionKey(actionType, payloadHash, timeBucket)] = decision
	return nil
}

func actionKey(actionType core.ActionType, payloadHash string, timeBucket int64) string {
	return string(actionType) + "|" + payloadHash + "|" + time.Unix(timeBucket, 0).String()
}

func (s *FakeStateStore) UpsertOrder(ctx context.Context, order core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ClientOrderID] = order
	return nil
}

func (s *FakeStateStore) GetOrder(ctx context.Context, clientOrderID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *FakeStateStore) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Order
	for _, o := range s.orders {
		if o.Symbol.String() == symbol && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *FakeStateStore) GetPosition(ctx context.Context, symbol string) (core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol], nil
}

func (s *FakeStateStore) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

// SetPosition lets tests seed position state directly.
func (s *FakeStateStore) SetPosition(p core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Symbol] = p
}

func (s *FakeStateStore) GetLedgerEventCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ledger)), nil
}

func (s *FakeStateStore) ReplayLedger(ctx context.Context, sinceEventCount int64) ([]core.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sinceEventCount >= int64(len(s.ledger)) {
		return nil, nil
	}
	out := make([]core.LedgerEvent, len(s.ledger)-int(sinceEventCount))
	copy(out, s.ledger[sinceEventCount:])
	return out, nil
}

// AppendLedgerEvents lets tests seed ledger history directly.
func (s *FakeStateStore) AppendLedgerEvents(events ...core.LedgerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, events...)
}

func (s *FakeStateStore) GetCapitalState(ctx context.Context) (core.CapitalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capital, nil
}

func (s *FakeStateStore) SaveCapitalCheckpoint(ctx context.Context, state core.CapitalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capital = state
	return nil
}

func (s *FakeStateStore) GetCursor(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[name]
	return v, ok, nil
}

func (s *FakeStateStore) SetCursor(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = value
	return nil
}

func (s *FakeStateStore) GetEscalationCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escCount, nil
}

func (s *FakeStateStore) IncrementEscalationCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escCount++
	return s.escCount, nil
}

func (s *FakeStateStore) IsEscalationAcknowledged(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escAcked, nil
}

func (s *FakeStateStore) AcknowledgeEscalation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escAcked = true
	s.escCount = 0
	return nil
}

func (s *FakeStateStore) GetCycleTrace(ctx context.Context, cycleID string) (*core.CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.traces[cycleID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *FakeStateStore) Close() error { return nil }

var _ core.StateStore = (*FakeStateStore)(nil)
