// Package gate implements the arming and gate policy (spec.md §4.7):
// a pure function over configuration and runtime flags that decides
// whether write-side effects are permitted, called at config load,
// cycle start, and immediately before each exchange write.
package gate

import "spotguard/internal/core"

// Settings is the subset of configuration the gate decision reads.
type Settings struct {
	KillSwitch     bool
	DryRun         bool
	LiveTrading    bool
	LiveTradingAck string
	SafeMode       bool
}

// Decision is the gate's output: whether writes are armed, and if not,
// the stable reason code explaining why.
type Decision struct {
	Armed  bool
	Reason string
}

const ackLiteral = "I_UNDERSTAND"

// Evaluate applies the four-gate AND condition plus safe_mode. Any
// failing gate blocks all write-side effects; the first failing gate in
// this declared order is reported as Reason.
func Evaluate(s Settings) Decision {
	if s.KillSwitch {
		return Decision{Armed: false, Reason: core.ReasonKillSwitch}
	}
	if s.DryRun {
		return Decision{Armed: false, Reason: core.ReasonDryRun}
	}
	if !s.LiveTrading || s.LiveTradingAck != ackLiteral {
		return Decision{Armed: false, Reason: core.ReasonLiveNotArmed}
	}
	if s.SafeMode {
		return Decision{Armed: false, Reason: core.ReasonSafeMode}
	}
	return Decision{Armed: true}
}
