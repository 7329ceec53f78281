// Package ledger implements the event-sourced FIFO accounting ledger
// (spec.md §4.3): fill/fee ingestion with deterministic event IDs, FIFO
// lot reduction, oversell integrity failure, and the derived PnL/equity/
// drawdown metrics. Reduction is pure and synchronous — no I/O happens
// inside Apply or ReplayFromScratch, matching spec.md §5's "no
// suspension occurs during ledger reduction".
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
	"spotguard/pkg/apperrors"
)

// QuoteCurrency is the agent's sole quote currency (spec.md §1).
const QuoteCurrency = "TRY"

// Lot is one open FIFO buy record: a quantity acquired at a cost basis.
type Lot struct {
	Qty  decimal.Decimal
	Cost decimal.Decimal
}

// SymbolBook is the FIFO lot queue and derived quantity for one symbol.
type SymbolBook struct {
	Lots []Lot
	Qty  decimal.Decimal
}

func (b *SymbolBook) avgCost() decimal.Decimal {
	if b.Qty.IsZero() {
		return decimal.Zero
	}
	totalCost := decimal.Zero
	for _, l := range b.Lots {
		totalCost = totalCost.Add(l.Qty.Mul(l.Cost))
	}
	return totalCost.Div(b.Qty)
}

func (b *SymbolBook) clone() *SymbolBook {
	lots := make([]Lot, len(b.Lots))
	copy(lots, b.Lots)
	return &SymbolBook{Lots: lots, Qty: b.Qty}
}

// State is the full reducible ledger state.
type State struct {
	Books                map[string]*SymbolBook
	Cash                 decimal.Decimal
	RealizedPnLTotalTRY  decimal.Decimal
	FeesTotalTRY         decimal.Decimal
	FeeConversionMissing map[string]int64 // currency -> count of unconvertible fee events seen
	EventCount           int64
}

func newState() *State {
	return &State{
		Books:                make(map[string]*SymbolBook),
		FeeConversionMissing: make(map[string]int64),
	}
}

func (s *State) bookFor(symbol string) *SymbolBook {
	b, ok := s.Books[symbol]
	if !ok {
		b = &SymbolBook{}
		s.Books[symbol] = b
	}
	return b
}

func (s *State) clone() *State {
	c := newState()
	for sym, b := range s.Books {
		c.Books[sym] = b.clone()
	}
	c.Cash = s.Cash
	c.RealizedPnLTotalTRY = s.RealizedPnLTotalTRY
	c.FeesTotalTRY = s.FeesTotalTRY
	for k, v := range s.FeeConversionMissing {
		c.FeeConversionMissing[k] = v
	}
	c.EventCount = s.EventCount
	return c
}

// Ledger is the stateful accounting component the orchestrator updates
// once per cycle. It tracks cumulative peak equity (never reset) and a
// day-start baseline so realized_today/fees_today can be derived.
type Ledger struct {
	logger core.Logger

	state      *State
	peakEquity decimal.Decimal

	dayStartRealizedTRY decimal.Decimal
	dayStartFeesTRY     decimal.Decimal
}

// New constructs an empty Ledger.
func New(logger core.Logger) *Ledger {
	return &Ledger{
		logger:     logger,
		state:      newState(),
		peakEquity: decimal.Zero,
	}
}

// EventIDForFill derives the deterministic FILL event id (spec.md §4.3):
// "fill:{exchange_trade_id}" when present, else a hash of the fill's
// identifying fields.
func EventIDForFill(f core.Fill) string {
	if f.FillID != "" {
		return "fill:" + f.FillID
	}
	payload := fmt.Sprintf("%s|%d|%s|%s|%s", f.ClientOrderID, f.TradedAt.UnixMilli(), f.Side, f.Qty.String(), f.Price.String())
	return "fill:h(" + hashHex(payload) + ")"
}

// EventIDForFee derives the deterministic FEE event id, namespaced off
// the same trade identity as its paired fill.
func EventIDForFee(f core.Fill) string {
	if f.FillID != "" {
		return "fee:" + f.FillID
	}
	payload := fmt.Sprintf("%s|%d|%s|%s|%s", f.ClientOrderID, f.TradedAt.UnixMilli(), f.Side, f.Qty.String(), f.Price.String())
	return "fee:h(" + hashHex(payload) + ")"
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}

// BuildEventsForFill converts one exchange fill into its FILL event, and
// a FEE event when the fill carries a non-zero fee.
func BuildEventsForFill(f core.Fill) []core.LedgerEvent {
	events := []core.LedgerEvent{{
		EventID:         EventIDForFill(f),
		Type:            core.LedgerEventFill,
		Ts:              f.TradedAt,
		Symbol:          f.Symbol.String(),
		Side:            f.Side,
		Qty:             f.Qty,
		Price:           f.Price,
		ExchangeTradeID: f.FillID,
		ClientOrderID:   f.ClientOrderID,
	}}

	if !f.FeeAmount.IsZero() {
		events = append(events, core.LedgerEvent{
			EventID:         EventIDForFee(f),
			Type:            core.LedgerEventFee,
			Ts:              f.TradedAt,
			Symbol:          f.Symbol.String(),
			Side:            f.Side, // which fill this fee is attached to, for proration
			Qty:             decimal.Zero,
			FeeAmount:       f.FeeAmount,
			FeeCurrency:     f.FeeCurrency,
			ExchangeTradeID: f.FillID,
			ClientOrderID:   f.ClientOrderID,
		})
	}

	return events
}

// SortEvents orders events by (ts, event_id) as spec.md §5 requires for
// ledger reduction.
func SortEvents(events []core.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Ts.Equal(events[j].Ts) {
			return events[i].Ts.Before(events[j].Ts)
		}
		return events[i].EventID < events[j].EventID
	})
}

// reduceOne applies a single event to state in place. It returns an
// error without partially mutating state's FIFO book for the event's
// symbol when an oversell would occur — callers must have cloned state
// first via Apply/ReplayFromScratch.
func reduceOne(s *State, ev core.LedgerEvent) error {
	switch ev.Type {
	case core.LedgerEventFill:
		book := s.bookFor(ev.Symbol)
		switch ev.Side {
		case core.SideBuy:
			book.Lots = append(book.Lots, Lot{Qty: ev.Qty, Cost: ev.Price})
			book.Qty = book.Qty.Add(ev.Qty)
			s.Cash = s.Cash.Sub(ev.Qty.Mul(ev.Price))
		case core.SideSell:
			if ev.Qty.GreaterThan(book.Qty) {
				return fmt.Errorf("%w: symbol=%s requested=%s available=%s", apperrors.ErrOversell, ev.Symbol, ev.Qty, book.Qty)
			}
			remaining := ev.Qty
			realized := decimal.Zero
			idx := 0
			for remaining.IsPositive() && idx < len(book.Lots) {
				lot := book.Lots[idx]
				matchQty := decimal.Min(lot.Qty, remaining)
				realized = realized.Add(matchQty.Mul(ev.Price.Sub(lot.Cost)))
				lot.Qty = lot.Qty.Sub(matchQty)
				remaining = remaining.Sub(matchQty)
				book.Lots[idx] = lot
				if lot.Qty.IsZero() {
					idx++
				}
			}
			book.Lots = book.Lots[idx:]
			book.Qty = book.Qty.Sub(ev.Qty)
			s.Cash = s.Cash.Add(ev.Qty.Mul(ev.Price))
			s.RealizedPnLTotalTRY = s.RealizedPnLTotalTRY.Add(realized)
		default:
			return fmt.Errorf("ledger: FILL event %s has no side", ev.EventID)
		}

	case core.LedgerEventFee:
		if ev.FeeCurrency != QuoteCurrency {
			s.FeeConversionMissing[ev.FeeCurrency]++
			return nil
		}
		s.Cash = s.Cash.Sub(ev.FeeAmount)
		s.FeesTotalTRY = s.FeesTotalTRY.Add(ev.FeeAmount)
		if ev.Side == core.SideSell {
			s.RealizedPnLTotalTRY = s.RealizedPnLTotalTRY.Sub(ev.FeeAmount)
		}

	case core.LedgerEventAdjustment:
		book := s.bookFor(ev.Symbol)
		if ev.Qty.IsPositive() {
			book.Lots = append(book.Lots, Lot{Qty: ev.Qty, Cost: ev.Price})
			book.Qty = book.Qty.Add(ev.Qty)
		} else if ev.Qty.IsNegative() {
			sellQty := ev.Qty.Neg()
			if sellQty.GreaterThan(book.Qty) {
				return fmt.Errorf("%w: ADJUSTMENT symbol=%s requested=%s available=%s", apperrors.ErrOversell, ev.Symbol, sellQty, book.Qty)
			}
			remaining := sellQty
			idx := 0
			for remaining.IsPositive() && idx < len(book.Lots) {
				lot := book.Lots[idx]
				matchQty := decimal.Min(lot.Qty, remaining)
				lot.Qty = lot.Qty.Sub(matchQty)
				remaining = remaining.Sub(matchQty)
				book.Lots[idx] = lot
				if lot.Qty.IsZero() {
					idx++
				}
			}
			book.Lots = book.Lots[idx:]
			book.Qty = book.Qty.Sub(sellQty)
		}

	case core.LedgerEventRebalance, core.LedgerEventTransfer, core.LedgerEventWithdrawal:
		// These move cash without realizing trading PnL; the signed
		// amount rides in Price by convention (Qty stays zero, matching
		// the FEE event's "qty=0, side=None" shape for non-trade
		// ledger rows).
		s.Cash = s.Cash.Add(ev.Price)

	default:
		return fmt.Errorf("ledger: unknown event type %q", ev.Type)
	}

	s.EventCount++
	return nil
}

// ReplayFromScratch reduces a full ordered event stream from zero state.
// It is the reference implementation the property test "full replay
// equivalence" compares incremental Apply against.
func ReplayFromScratch(events []core.LedgerEvent) (*State, error) {
	ordered := make([]core.LedgerEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	s := newState()
	for _, ev := range ordered {
		if err := reduceOne(s, ev); err != nil {
			return nil, apperrors.WrapIntegrityError("oversell", err)
		}
	}
	return s, nil
}

// Apply reduces a batch of newer events into the ledger's live state.
// The whole batch is atomic: on any error (oversell, unknown event
// type) the live state is left exactly as it was before the call.
func (l *Ledger) Apply(events []core.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}
	ordered := make([]core.LedgerEvent, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	working := l.state.clone()
	for _, ev := range ordered {
		if err := reduceOne(working, ev); err != nil {
			l.logger.Error("ledger: aborting batch on integrity failure", "error", err.Error())
			return apperrors.WrapIntegrityError("oversell", err)
		}
	}

	l.state = working
	return nil
}

// EventCount returns the number of events reduced so far.
func (l *Ledger) EventCount() int64 {
	return l.state.EventCount
}

// MarkDayStart resets the realized/fees baseline used to derive
// realized_today and fees_today. The ledger never calls it itself (no
// clock reads inside this package), and no other code in this
// repository calls it either, so the baseline stays at zero and
// realized_today/fees_today equal the all-time totals.
func (l *Ledger) MarkDayStart() {
	l.dayStartRealizedTRY = l.state.RealizedPnLTotalTRY
	l.dayStartFeesTRY = l.state.FeesTotalTRY
}

// Snapshot derives Position rows and LedgerMetrics from the current
// state and a map of current mark prices (symbol -> last price).
func (l *Ledger) Snapshot(marks map[string]decimal.Decimal) ([]core.Position, core.LedgerMetrics) {
	positions := make([]core.Position, 0, len(l.state.Books))
	unrealizedTotal := decimal.Zero
	markedValue := decimal.Zero

	symbols := make([]string, 0, len(l.state.Books))
	for sym := range l.state.Books {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		book := l.state.Books[sym]
		mark, ok := marks[sym]
		if !ok {
			mark = book.avgCost()
		}
		unrealized := book.Qty.Mul(mark.Sub(book.avgCost()))
		unrealizedTotal = unrealizedTotal.Add(unrealized)
		markedValue = markedValue.Add(book.Qty.Mul(mark))

		positions = append(positions, core.Position{
			Symbol:           sym,
			Qty:              book.Qty,
			AvgCost:          book.avgCost(),
			RealizedPnLTRY:   l.state.RealizedPnLTotalTRY,
			UnrealizedPnLTRY: unrealized,
		})
	}

	equity := l.state.Cash.Add(markedValue)
	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}

	drawdown := decimal.Zero
	if l.peakEquity.IsPositive() {
		drawdown = decimal.NewFromInt(1).Sub(equity.Div(l.peakEquity))
	}

	realizedToday := l.state.RealizedPnLTotalTRY.Sub(l.dayStartRealizedTRY)
	feesToday := l.state.FeesTotalTRY.Sub(l.dayStartFeesTRY)
	gross := realizedToday.Add(unrealizedTotal)
	net := gross.Sub(feesToday)

	metrics := core.LedgerMetrics{
		RealizedTodayTRY: realizedToday,
		UnrealizedTRY:    unrealizedTotal,
		GrossPnLTRY:      gross,
		NetPnLTRY:        net,
		EquityTRY:        equity,
		PeakEquityTRY:    l.peakEquity,
		MaxDrawdown:      drawdown,
		FeesTodayTRY:     feesToday,
	}

	return positions, metrics
}

// RealizedPnLTotal returns the all-time realized PnL, used by the risk
// engine's self-financing checkpoint (spec.md §4.4).
func (l *Ledger) RealizedPnLTotal() decimal.Decimal {
	return l.state.RealizedPnLTotalTRY
}

// FeeConversionGaps returns the non-quote fee currencies seen and how
// many FEE events for each could not be subtracted from realized PnL
// (spec.md §9 open question: conservative until a rate source exists).
func (l *Ledger) FeeConversionGaps() map[string]int64 {
	out := make(map[string]int64, len(l.state.FeeConversionMissing))
	for k, v := range l.state.FeeConversionMissing {
		out[k] = v
	}
	return out
}
