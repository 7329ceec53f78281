// Package orchestrator implements the CycleOrchestrator (spec.md §4.1):
// the single entry point that sequences one trading cycle through a
// fixed order — gate evaluation, lock, fetch, reconcile, accounting,
// risk, strategy, filter, execute, persist — and never retries a full
// cycle itself.
//
// Grounded on the teacher's SimpleEngine.OnPriceUpdate
// (internal/engine/simple/engine.go): a numbered-steps single entry
// point behind one mutex, persist-then-apply ordering, goto-free here
// but structurally the same "build plan, commit, then shift state"
// shape.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spotguard/internal/config"
	"spotguard/internal/core"
	"spotguard/internal/execution"
	"spotguard/internal/gate"
	"spotguard/internal/ledger"
	"spotguard/internal/metrics"
	"spotguard/internal/pool"
	"spotguard/internal/risk"
	"spotguard/internal/rules"
	"spotguard/pkg/apperrors"
)

// Orchestrator sequences exactly one cycle at a time behind mu, the
// single-writer actor spec.md §5 requires for in-memory mutation.
type Orchestrator struct {
	mu sync.Mutex

	cfg       *config.Config
	store     core.StateStore
	transport core.ExchangeTransport
	rules     *rules.Provider
	book      *ledger.Ledger
	strategy  core.Strategy
	exec      *execution.Engine
	clock     core.ClockSource
	logger    core.Logger
	metrics   *metrics.Registry
	fetchPool *pool.WorkerPool

	symbol          core.Symbol
	counter         int64
	consecutiveLoss int
	lastIntentAt    map[string]time.Time
	releaseLock     func() error

	// prevDecision and havePrevRealized/prevRealizedTotal carry state
	// across RunOneCycle calls for cooldown holding (spec.md §4.4, §8
	// property 7) and the consecutive-loss streak (§4.4 step 5). Safe
	// to keep in-memory since the orchestrator is the single-writer
	// actor and cycles never overlap; a process restart starts both
	// fresh, same as the ledger's day-start baseline.
	prevDecision      core.RiskDecision
	havePrevRealized  bool
	prevRealizedTotal decimal.Decimal
}

// New constructs an Orchestrator. The returned instance does not hold
// the StateStore lock yet; the first RunOneCycle call acquires it and
// keeps it for the orchestrator's lifetime.
func New(cfg *config.Config, store core.StateStore, transport core.ExchangeTransport, rulesProvider *rules.Provider, book *ledger.Ledger, strategy core.Strategy, execEngine *execution.Engine, clock core.ClockSource, logger core.Logger, reg *metrics.Registry) (*Orchestrator, error) {
	symbol, err := parseSymbol(cfg.App.Symbol)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:          cfg,
		store:        store,
		transport:    transport,
		rules:        rulesProvider,
		book:         book,
		strategy:     strategy,
		exec:         execEngine,
		clock:        clock,
		logger:       logger,
		metrics:      reg,
		fetchPool:    pool.New(4, 16, logger),
		symbol:       symbol,
		lastIntentAt: make(map[string]time.Time),
	}, nil
}

func parseSymbol(s string) (core.Symbol, error) {
	if len(s) <= 3 {
		return core.Symbol{}, fmt.Errorf("orchestrator: symbol %q too short to split base/quote", s)
	}
	return core.Symbol{Base: s[:len(s)-3], Quote: s[len(s)-3:]}, nil
}

// Close stops the fetch pool and releases the StateStore lock, if held.
func (o *Orchestrator) Close() error {
	o.fetchPool.StopAndWait()
	if o.releaseLock == nil {
		return nil
	}
	return o.releaseLock()
}

func cycleID(tsMinute time.Time, processRole string, counter int64) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(tsMinute.Unix(), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(processRole))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(counter, 10)))
	return "cyc_" + hex.EncodeToString(h.Sum(nil))[:20]
}

// RunOneCycle executes exactly one cycle end to end. It never retries;
// the caller's scheduler re-invokes on the next tick.
func (o *Orchestrator) RunOneCycle(ctx context.Context) (core.CycleRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()

	// 1. Gate evaluation.
	gateDecision := gate.Evaluate(gate.Settings{
		KillSwitch:     o.cfg.Safety.KillSwitch,
		DryRun:         o.cfg.Safety.DryRun,
		LiveTrading:    o.cfg.Safety.LiveTrading,
		LiveTradingAck: o.cfg.Safety.LiveTradingAck,
		SafeMode:       o.cfg.Safety.SafeMode,
	})
	forcedObserve, err := o.exec.ShouldForceObserveOnly(ctx)
	if err != nil {
		return core.CycleRecord{}, fmt.Errorf("orchestrator: check escalation state: %w", err)
	}

	id := cycleID(now.Truncate(time.Minute), o.cfg.App.ProcessRole, o.counter)
	o.counter++

	// 2. Lock: acquired once, held for the orchestrator's lifetime.
	if o.releaseLock == nil {
		release, err := o.store.AcquireLock(ctx, o.cfg.App.AccountKey)
		if err != nil {
			return core.CycleRecord{}, fmt.Errorf("orchestrator: acquire state store lock: %w", err)
		}
		o.releaseLock = release
	}

	// 3. Fetch: orderbook + balances + open orders, bounded concurrency.
	universe := []core.Symbol{o.symbol}
	books, balances, openOrders, err := o.fetchMarketData(ctx, universe)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CycleErrors.WithLabelValues("fetch").Inc()
		}
		return core.CycleRecord{}, fmt.Errorf("orchestrator: fetch market data: %w", err)
	}

	// 4. Reconcile: ingest any new fills since the last cursor and
	// apply them to the ledger before this cycle's decisions are made.
	if err := o.reconcileFills(ctx); err != nil {
		var integrity *apperrors.IntegrityError
		if errors.As(err, &integrity) {
			if o.metrics != nil {
				o.metrics.CycleErrors.WithLabelValues("reconcile").Inc()
			}
			return core.CycleRecord{}, err
		}
		o.logger.Warn("orchestrator: fill reconciliation failed, continuing with stale positions", "error", err.Error())
	}

	// 5. Accounting: derive positions/equity from the ledger and roll
	// the self-financing capital checkpoint forward.
	marks := map[string]decimal.Decimal{}
	for sym, book := range books {
		marks[sym] = book.BestBid
	}
	positions, ledgerMetrics := o.book.Snapshot(marks)
	positionsBySymbol := make(map[string]core.Position, len(positions))
	for _, p := range positions {
		positionsBySymbol[p.Symbol] = p
	}

	capitalState, err := o.store.GetCapitalState(ctx)
	if err != nil {
		return core.CycleRecord{}, fmt.Errorf("orchestrator: load capital state: %w", err)
	}
	nextCapital, err := risk.ApplyCapitalCheckpoint(capitalState, o.book.RealizedPnLTotal(), o.book.EventCount(),
		config.Decimal(o.cfg.Capital.ProfitCompoundRatio), config.Decimal(o.cfg.Capital.ProfitTreasuryRatio), now)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CycleErrors.WithLabelValues("accounting").Inc()
		}
		return core.CycleRecord{}, err
	}
	if err := o.store.SaveCapitalCheckpoint(ctx, nextCapital); err != nil {
		return core.CycleRecord{}, fmt.Errorf("orchestrator: save capital checkpoint: %w", err)
	}

	// 6. Risk: update the consecutive-loss streak from this cycle's
	// realized-PnL delta, then decide the mode over the observed system
	// state. A cycle that realizes a net gain resets the streak; a net
	// loss extends it; a cycle with no newly realized PnL leaves it
	// unchanged (most cycles have no SELL fill at all).
	realizedTotal := o.book.RealizedPnLTotal()
	if o.havePrevRealized {
		delta := realizedTotal.Sub(o.prevRealizedTotal)
		if delta.IsNegative() {
			o.consecutiveLoss++
		} else if delta.IsPositive() {
			o.consecutiveLoss = 0
		}
	}
	o.prevRealizedTotal = realizedTotal
	o.havePrevRealized = true

	riskDecision := risk.DecideMode(o.modeThresholds(), o.modeInputs(now, ledgerMetrics, positions, capitalState, nextCapital, books))
	if forcedObserve {
		riskDecision.Mode = core.ModeObserveOnly
		riskDecision.Reasons = append(riskDecision.Reasons, core.ReasonUnknownOrderEscalation)
	}
	o.prevDecision = riskDecision
	if o.metrics != nil {
		o.metrics.RiskMode.Set(float64(riskDecision.Mode))
		o.metrics.DrawdownRatio.Set(drawdownFloat(ledgerMetrics))
	}

	// 7. Strategy: pure intent generation.
	freeBalances := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		freeBalances[b.Asset] = b.Free
	}
	intents := o.strategy.GenerateIntents(core.StrategyContext{
		Universe:     universe,
		Orderbooks:   books,
		Positions:    positionsBySymbol,
		FreeBalances: freeBalances,
		OpenOrders:   openOrders,
		Params: core.StrategyParams{
			MinProfitBps:       o.cfg.Risk.MinProfitBps,
			TakeProfitFraction: decimal.NewFromFloat(0.25),
			StrategyID:         "s1_take_profit",
		},
	})

	// 8. Filter: pre-trade limits and mode gating.
	admitted, rejections := risk.FilterIntents(o.filterThresholds(), o.filterContext(now, riskDecision.Mode, openOrders, freeBalances, positionsBySymbol), intents)

	// 9. Execute: submit admitted intents, gated on arming at each write.
	var decisions []core.OrderDecision
	for _, rej := range rejections {
		decisions = append(decisions, core.OrderDecision{Intent: rej.Intent, Accepted: false, RejectCode: rej.Code})
	}
	for _, a := range admitted {
		if !gateDecision.Armed {
			decisions = append(decisions, core.OrderDecision{Intent: a.Intent, Accepted: false, RejectCode: gateDecision.Reason})
			continue
		}
		if riskDecision.Mode == core.ModeObserveOnly {
			decisions = append(decisions, core.OrderDecision{Intent: a.Intent, Accepted: false, RejectCode: core.RejectModeObserveOnly})
			continue
		}

		qPrice, qQty, err := o.rules.Quantize(a.Intent.Symbol, a.Intent.TargetPrice, a.Qty)
		if err != nil {
			var verr *apperrors.ValidationError
			code := core.RejectRulesUnavailable
			if errors.As(err, &verr) {
				code = verr.Code
			}
			decisions = append(decisions, core.OrderDecision{Intent: a.Intent, Accepted: false, RejectCode: code})
			continue
		}
		quantized := a.Intent
		quantized.TargetPrice = qPrice
		quantized.TargetQty = qQty

		// Gate recheck immediately before the exchange write: arming can
		// in principle change between cycle start and this point if the
		// config source is hot-reloaded elsewhere.
		recheck := gate.Evaluate(gate.Settings{
			KillSwitch:     o.cfg.Safety.KillSwitch,
			DryRun:         o.cfg.Safety.DryRun,
			LiveTrading:    o.cfg.Safety.LiveTrading,
			LiveTradingAck: o.cfg.Safety.LiveTradingAck,
			SafeMode:       o.cfg.Safety.SafeMode,
		})
		if !recheck.Armed {
			decisions = append(decisions, core.OrderDecision{Intent: quantized, Accepted: false, RejectCode: recheck.Reason})
			continue
		}

		order, err := o.exec.Submit(ctx, id, quantized, qQty)
		if err != nil {
			o.logger.Error("orchestrator: submit failed", "symbol", quantized.Symbol.String(), "error", err.Error())
		}
		o.lastIntentAt[quantized.Symbol.String()+"|"+string(quantized.Side)] = now
		decisions = append(decisions, core.OrderDecision{Intent: quantized, Order: order, Accepted: err == nil})
	}

	rec := core.CycleRecord{
		CycleID:          id,
		Ts:               now,
		SelectedUniverse: symbolStrings(universe),
		RiskDecision:     riskDecision,
		Intents:          intents,
		OrderDecisions:   decisions,
		LedgerMetrics:    ledgerMetrics,
	}

	// 10. Persist: one atomic authoritative write plus best-effort metrics.
	if err := o.store.PersistCycle(ctx, rec); err != nil {
		if o.metrics != nil {
			o.metrics.CycleErrors.WithLabelValues("persist").Inc()
		}
		return rec, fmt.Errorf("orchestrator: persist cycle: %w", err)
	}
	if o.metrics != nil {
		o.metrics.CyclesRun.Inc()
	}
	return rec, nil
}

func symbolStrings(symbols []core.Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = s.String()
	}
	return out
}

func drawdownFloat(m core.LedgerMetrics) float64 {
	f, _ := m.MaxDrawdown.Float64()
	return f
}

// fetchMarketData pulls per-symbol orderbooks through a bounded worker
// pool and the account's balances/open orders concurrently, failing the
// whole fetch stage if any leg errors (spec.md §5: suspension only
// happens at network I/O, never during pure computation downstream).
func (o *Orchestrator) fetchMarketData(ctx context.Context, universe []core.Symbol) (map[string]core.TopOfBook, []core.Balance, map[string][]core.Order, error) {
	g, gctx := errgroup.WithContext(ctx)

	books := make(map[string]core.TopOfBook, len(universe))
	openOrders := make(map[string][]core.Order, len(universe))
	var mu sync.Mutex

	for _, sym := range universe {
		sym := sym
		g.Go(func() error {
			var fetchErr error
			o.fetchPool.SubmitAndWait(func() {
				book, err := o.transport.GetOrderbook(gctx, sym)
				if err != nil {
					fetchErr = fmt.Errorf("orderbook %s: %w", sym.String(), err)
					return
				}
				opens, err := o.transport.GetOpenOrders(gctx, sym)
				if err != nil {
					fetchErr = fmt.Errorf("open orders %s: %w", sym.String(), err)
					return
				}
				mu.Lock()
				books[sym.String()] = book
				openOrders[sym.String()] = opens
				mu.Unlock()
			})
			return fetchErr
		})
	}

	var balances []core.Balance
	g.Go(func() error {
		b, err := o.transport.GetBalances(gctx)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		balances = b
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return books, balances, openOrders, nil
}

// reconcileFills pulls fills since the last cursor, ingests them
// idempotently, reduces them into the ledger, and advances the cursor
// only after both succeed.
func (o *Orchestrator) reconcileFills(ctx context.Context) error {
	cursorName := "fills_cursor:" + o.symbol.String()
	cursor, _, err := o.store.GetCursor(ctx, cursorName)
	if err != nil {
		return fmt.Errorf("orchestrator: load fills cursor: %w", err)
	}
	var sinceMs int64
	if cursor != "" {
		sinceMs, _ = strconv.ParseInt(cursor, 10, 64)
	}

	fills, err := o.transport.GetRecentFills(ctx, o.symbol, sinceMs)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch recent fills: %w", err)
	}
	if len(fills) == 0 {
		return nil
	}

	if err := o.store.IngestFills(ctx, fills); err != nil {
		return fmt.Errorf("orchestrator: ingest fills: %w", err)
	}

	var events []core.LedgerEvent
	for _, f := range fills {
		events = append(events, ledger.BuildEventsForFill(f)...)
	}
	ledger.SortEvents(events)
	if err := o.book.Apply(events); err != nil {
		return err
	}
	if appender, ok := o.store.(interface {
		AppendLedgerEvents(ctx context.Context, events []core.LedgerEvent) error
	}); ok {
		if err := appender.AppendLedgerEvents(ctx, events); err != nil {
			return fmt.Errorf("orchestrator: append ledger events: %w", err)
		}
	}

	maxTs := sinceMs
	for _, f := range fills {
		if ms := f.TradedAt.UnixMilli(); ms > maxTs {
			maxTs = ms
		}
	}
	return o.store.SetCursor(ctx, cursorName, strconv.FormatInt(maxTs, 10))
}

func (o *Orchestrator) modeThresholds() risk.ModeThresholds {
	return risk.ModeThresholds{
		MaxDrawdown:              config.Decimal(o.cfg.Risk.MaxDrawdown),
		MaxDailyLossTRY:          config.Decimal(o.cfg.Risk.MaxDailyLossTRY),
		MaxGrossExposureTRY:      config.Decimal(o.cfg.Risk.MaxGrossExposureTRY),
		MaxPositionPct:           config.Decimal(o.cfg.Risk.MaxPositionPct),
		MaxFeePerDayTRY:          config.Decimal(o.cfg.Risk.MaxFeePerDayTRY),
		MaxConsecutiveLosses:     o.cfg.Risk.MaxConsecutiveLosses,
		ConsecutiveLossToObserve: o.cfg.Risk.ConsecutiveLossToObserve,
		MarketDataMaxAge:         time.Duration(o.cfg.Risk.MarketDataMaxAgeMs) * time.Millisecond,
		SpreadBpsSpike:           o.cfg.Risk.SpreadBpsSpike,
		ModeCooldown:             time.Duration(o.cfg.Risk.ModeCooldownSeconds) * time.Second,
	}
}

func (o *Orchestrator) modeInputs(now time.Time, m core.LedgerMetrics, positions []core.Position, prevCapital, nextCapital core.CapitalState, books map[string]core.TopOfBook) risk.ModeInputs {
	grossExposure := decimal.Zero
	largestPct := decimal.Zero
	for _, p := range positions {
		notional := p.Qty.Abs().Mul(bestBidOr(books, p.Symbol, decimal.Zero))
		grossExposure = grossExposure.Add(notional)
		if nextCapital.TradingCapitalTRY.IsPositive() {
			pct := notional.Div(nextCapital.TradingCapitalTRY)
			if pct.GreaterThan(largestPct) {
				largestPct = pct
			}
		}
	}

	var oldestBook time.Time
	var spreadBps int64
	for _, b := range books {
		if oldestBook.IsZero() || b.Ts.Before(oldestBook) {
			oldestBook = b.Ts
		}
		if b.BestBid.IsPositive() {
			spreadBps = b.BestAsk.Sub(b.BestBid).Div(b.BestBid).Mul(decimal.NewFromInt(10_000)).IntPart()
		}
	}
	age := time.Duration(0)
	if !oldestBook.IsZero() {
		age = now.Sub(oldestBook)
	}

	return risk.ModeInputs{
		KillSwitch:            o.cfg.Safety.KillSwitch,
		Drawdown:              m.MaxDrawdown,
		RealizedTodayTRY:      m.RealizedTodayTRY,
		GrossExposureTRY:      grossExposure,
		LargestPositionPct:    largestPct,
		FeesTodayTRY:          m.FeesTodayTRY,
		ConsecutiveLossStreak: o.consecutiveLoss,
		MarketDataAge:         age,
		SpreadBps:             spreadBps,
		Now:                   now,
		PrevCooldownUntil:     o.prevDecision.CooldownUntil,
		PrevMode:              o.prevDecision.Mode,
		PrevReasons:           o.prevDecision.Reasons,
	}
}

func bestBidOr(books map[string]core.TopOfBook, symbol string, fallback decimal.Decimal) decimal.Decimal {
	if b, ok := books[symbol]; ok {
		return b.BestBid
	}
	return fallback
}

func (o *Orchestrator) filterThresholds() risk.FilterThresholds {
	return risk.FilterThresholds{
		MaxOrdersPerCycle:      o.cfg.Risk.MaxOrdersPerCycle,
		MaxOpenOrdersPerSymbol: o.cfg.Risk.MaxOpenOrdersPerSymbol,
		Cooldown:               time.Duration(o.cfg.Risk.CooldownSeconds) * time.Second,
		MaxNotionalPerOrder:    config.Decimal(o.cfg.Risk.MaxNotionalPerOrderTRY),
		NotionalCapPerCycle:    config.Decimal(o.cfg.Risk.NotionalCapPerCycleTRY),
		MinOrderNotional:       config.Decimal(o.cfg.Risk.MinOrderNotionalTRY),
		MinProfitBps:           o.cfg.Risk.MinProfitBps,
		FeeBpsTaker:            o.cfg.Risk.FeeBpsTaker,
		SlippageBpsBuffer:      o.cfg.Risk.SlippageBpsBuffer,
	}
}

func (o *Orchestrator) filterContext(now time.Time, mode core.RiskMode, openOrders map[string][]core.Order, freeBalances map[string]decimal.Decimal, positions map[string]core.Position) risk.FilterContext {
	openCounts := make(map[string]int, len(openOrders))
	for sym, orders := range openOrders {
		openCounts[sym] = len(orders)
	}
	avgCost := make(map[string]decimal.Decimal, len(positions))
	for sym, p := range positions {
		avgCost[sym] = p.AvgCost
	}
	return risk.FilterContext{
		Now:               now,
		Mode:              mode,
		OpenOrderCounts:   openCounts,
		LastIntentAt:      o.lastIntentAt,
		CashFree:          freeBalances[o.symbol.Quote],
		CashReserveTarget: config.Decimal(o.cfg.Risk.CashReserveTargetTRY),
		AvgCost:           avgCost,
	}
}
