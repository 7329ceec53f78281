package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"spotguard/internal/core"
)

func armedSettings() Settings {
	return Settings{KillSwitch: false, DryRun: false, LiveTrading: true, LiveTradingAck: "I_UNDERSTAND", SafeMode: false}
}

func TestEvaluate_FullyArmed(t *testing.T) {
	d := Evaluate(armedSettings())
	assert.True(t, d.Armed)
	assert.Empty(t, d.Reason)
}

func TestEvaluate_KillSwitchWinsOverEverything(t *testing.T) {
	s := armedSettings()
	s.KillSwitch = true
	s.SafeMode = true
	d := Evaluate(s)
	assert.False(t, d.Armed)
	assert.Equal(t, core.ReasonKillSwitch, d.Reason)
}

func TestEvaluate_DryRunBlocks(t *testing.T) {
	s := armedSettings()
	s.DryRun = true
	d := Evaluate(s)
	assert.False(t, d.Armed)
	assert.Equal(t, core.ReasonDryRun, d.Reason)
}

func TestEvaluate_AckMustMatchExactly(t *testing.T) {
	s := armedSettings()
	s.LiveTradingAck = "i understand"
	d := Evaluate(s)
	assert.False(t, d.Armed)
	assert.Equal(t, core.ReasonLiveNotArmed, d.Reason)
}

func TestEvaluate_LiveTradingFalseBlocks(t *testing.T) {
	s := armedSettings()
	s.LiveTrading = false
	d := Evaluate(s)
	assert.False(t, d.Armed)
	assert.Equal(t, core.ReasonLiveNotArmed, d.Reason)
}

func TestEvaluate_SafeModeBlocksEvenWhenOtherwiseArmed(t *testing.T) {
	s := armedSettings()
	s.SafeMode = true
	d := Evaluate(s)
	assert.False(t, d.Armed)
	assert.Equal(t, core.ReasonSafeMode, d.Reason)
}
