package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotguard/pkg/apperrors"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalValidConfig = `
app:
  symbol: BTCTRY
  account_key: acct-1
  state_db_path: /tmp/spotguard.db
  cycle_seconds: 5
safety:
  kill_switch: false
  dry_run: true
  live_trading: false
risk:
  max_orders_per_cycle: 5
  max_open_orders_per_symbol: 3
capital:
  profit_compound_ratio: "0.60"
  profit_treasury_ratio: "0.40"
execution:
  max_reconcile_attempts: 5
  unknown_order_escalation_threshold: 3
transport:
  rate_limit_rps: 10
  rate_limit_burst: 20
rules_policy:
  rules_invalid_metadata_policy: skip_symbol
system:
  log_level: INFO
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, minimalValidConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "BTCTRY", cfg.App.Symbol)
	assert.Equal(t, "0.60", cfg.Capital.ProfitCompoundRatio)
	assert.True(t, cfg.Safety.DryRun)
}

func TestLoad_LiveTradingRequiresAckAndCreds(t *testing.T) {
	body := strings.Replace(minimalValidConfig, "  dry_run: true\n  live_trading: false\n", "  dry_run: false\n  live_trading: true\n", 1)
	path := writeTempConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *apperrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	all := strings.Join(cfgErr.Violations, "\n")
	assert.Contains(t, all, "live_trading_ack")
	assert.Contains(t, all, "api_key")
}

func TestLoad_AggregatesAllViolations(t *testing.T) {
	body := `
app:
  cycle_seconds: 500
risk:
  max_orders_per_cycle: 0
  max_open_orders_per_symbol: 0
capital:
  profit_compound_ratio: ""
  profit_treasury_ratio: ""
execution:
  max_reconcile_attempts: 0
  unknown_order_escalation_threshold: 0
transport:
  rate_limit_rps: 0
  rate_limit_burst: 0
rules_policy:
  rules_invalid_metadata_policy: nonsense
system:
  log_level: LOUD
`
	path := writeTempConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "violations")
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	assert.Equal(t, "super-secret", s.Plain())
}
