package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"spotguard/internal/core"
)

// ModeThresholds holds the mode-decision limits sourced from config
// (spec.md §4.4, §6.3). Decimal fields are pre-parsed at load time so
// this package never touches string parsing.
type ModeThresholds struct {
	MaxDrawdown              decimal.Decimal
	MaxDailyLossTRY          decimal.Decimal
	MaxGrossExposureTRY      decimal.Decimal
	MaxPositionPct           decimal.Decimal
	MaxFeePerDayTRY          decimal.Decimal
	MaxConsecutiveLosses     int
	ConsecutiveLossToObserve bool
	MarketDataMaxAge         time.Duration
	SpreadBpsSpike           int64
	ModeCooldown             time.Duration
}

// ModeInputs is the observed system state the mode decision evaluates.
type ModeInputs struct {
	KillSwitch            bool
	Drawdown              decimal.Decimal
	RealizedTodayTRY      decimal.Decimal
	GrossExposureTRY      decimal.Decimal
	LargestPositionPct    decimal.Decimal
	FeesTodayTRY          decimal.Decimal
	ConsecutiveLossStreak int
	MarketDataAge         time.Duration
	SpreadBps             int64
	Now                   time.Time
	PrevCooldownUntil     time.Time
	PrevMode              core.RiskMode
	PrevReasons           []string
}

// DecideMode evaluates the seven-step monotonic mode ladder (spec.md
// §4.4). A cooldown decided on a tightening step blocks relaxation
// until it expires, even once the triggering condition clears.
func DecideMode(th ModeThresholds, in ModeInputs) core.RiskDecision {
	if in.KillSwitch {
		return decide(core.ModeObserveOnly, core.ReasonKillSwitch, in.Now, in.Now.Add(th.ModeCooldown))
	}

	breachedDrawdown := th.MaxDrawdown.IsPositive() && in.Drawdown.GreaterThanOrEqual(th.MaxDrawdown)
	breachedDailyLoss := th.MaxDailyLossTRY.IsPositive() && in.RealizedTodayTRY.LessThanOrEqual(th.MaxDailyLossTRY.Neg())
	if breachedDrawdown || breachedDailyLoss {
		d := decide(core.ModeObserveOnly, core.ReasonDrawdownLimit, in.Now, in.Now.Add(th.ModeCooldown))
		return applyCooldownFloor(d, in.PrevCooldownUntil, in.Now, th)
	}

	d := decideSteps3Through7(th, in)
	return holdDuringCooldown(d, in)
}

// decideSteps3Through7 evaluates the exposure/fee/loss-streak/anomaly
// steps of the mode ladder (spec.md §4.4 steps 3-6), falling through to
// NORMAL when nothing trips. It never looks at cooldown state; the
// cooldown floor is applied once, afterward, by holdDuringCooldown.
func decideSteps3Through7(th ModeThresholds, in ModeInputs) core.RiskDecision {
	if th.MaxGrossExposureTRY.IsPositive() && in.GrossExposureTRY.GreaterThan(th.MaxGrossExposureTRY) {
		return decide(core.ModeReduceRiskOnly, core.ReasonExposureLimit, in.Now, time.Time{})
	}
	if th.MaxPositionPct.IsPositive() && in.LargestPositionPct.GreaterThan(th.MaxPositionPct) {
		return decide(core.ModeReduceRiskOnly, core.ReasonExposureLimit, in.Now, time.Time{})
	}

	if th.MaxFeePerDayTRY.IsPositive() && in.FeesTodayTRY.GreaterThan(th.MaxFeePerDayTRY) {
		return decide(core.ModeReduceRiskOnly, core.ReasonFeeBudget, in.Now, time.Time{})
	}

	if th.MaxConsecutiveLosses > 0 && in.ConsecutiveLossStreak >= th.MaxConsecutiveLosses {
		mode := core.ModeReduceRiskOnly
		if th.ConsecutiveLossToObserve {
			mode = core.ModeObserveOnly
		}
		return decide(mode, core.ReasonLossStreak, in.Now, time.Time{})
	}

	if th.MarketDataMaxAge > 0 && in.MarketDataAge > th.MarketDataMaxAge {
		return decide(core.ModeReduceRiskOnly, core.ReasonAnomalyDegrade, in.Now, time.Time{})
	}
	if th.SpreadBpsSpike > 0 && in.SpreadBps > th.SpreadBpsSpike {
		return decide(core.ModeReduceRiskOnly, core.ReasonAnomalyDegrade, in.Now, time.Time{})
	}

	return decide(core.ModeNormal, "", in.Now, time.Time{})
}

// holdDuringCooldown enforces property 7 (spec.md §8): while a prior
// tightening decision's cooldown has not expired, the mode may only
// stay as tight or tighten further, never relax back toward NORMAL. It
// holds the previous cycle's mode and reasons verbatim rather than a
// hardcoded level, so an OBSERVE_ONLY drawdown trip cannot be relaxed to
// REDUCE_RISK_ONLY just because a later step in this cycle only found a
// REDUCE_RISK_ONLY-grade condition (or none at all).
func holdDuringCooldown(d core.RiskDecision, in ModeInputs) core.RiskDecision {
	if !inCooldown(in.PrevCooldownUntil, in.Now) || d.Mode.TighterOrEqual(in.PrevMode) {
		return d
	}
	d.Mode = in.PrevMode
	d.CooldownUntil = in.PrevCooldownUntil
	if len(in.PrevReasons) > 0 {
		d.Reasons = in.PrevReasons
	}
	return d
}

func inCooldown(cooldownUntil, now time.Time) bool {
	return !cooldownUntil.IsZero() && now.Before(cooldownUntil)
}

// applyCooldownFloor keeps an existing cooldown from shrinking: a fresh
// DRAWDOWN_LIMIT trip always (re)sets cooldown_until to now+cooldown, but
// never to a time earlier than one already in effect.
func applyCooldownFloor(d core.RiskDecision, prevCooldownUntil, now time.Time, th ModeThresholds) core.RiskDecision {
	if inCooldown(prevCooldownUntil, now) && prevCooldownUntil.After(d.CooldownUntil) {
		d.CooldownUntil = prevCooldownUntil
	}
	return d
}

func decide(mode core.RiskMode, reason string, now, cooldownUntil time.Time) core.RiskDecision {
	var reasons []string
	if reason != "" {
		reasons = []string{reason}
	}
	return core.RiskDecision{
		Mode:          mode,
		Reasons:       reasons,
		CooldownUntil: cooldownUntil,
		DecidedAt:     now,
	}
}
