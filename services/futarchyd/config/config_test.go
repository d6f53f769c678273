package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "futarchyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/futarchy"
moderators:
  - id: 1
    base_mint: "BASE"
    quote_mint: "USDC"
    pool_authorities:
      pool1: BASE
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, int(cfg.RPCTimeout.Duration.Seconds()))
	require.Equal(t, 2, int(cfg.RecoverySync.Duration.Seconds()))
	require.Equal(t, ":9464", cfg.MetricsAddress)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	path := writeConfig(t, `
moderators:
  - id: 1
    base_mint: "BASE"
    quote_mint: "USDC"
    pool_authorities:
      pool1: BASE
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateModeratorIDs(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/futarchy"
moderators:
  - id: 1
    base_mint: "BASE"
    quote_mint: "USDC"
    pool_authorities:
      pool1: BASE
  - id: 1
    base_mint: "BASE2"
    quote_mint: "USDC"
    pool_authorities:
      pool2: BASE2
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsWithdrawalPercentageOutOfRange(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/futarchy"
moderators:
  - id: 1
    base_mint: "BASE"
    quote_mint: "USDC"
    damm_withdrawal_percentage: 75
    pool_authorities:
      pool1: BASE
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownPoolType(t *testing.T) {
	path := writeConfig(t, `
database_url: "postgres://localhost/futarchy"
damm_pool_type: "clmm"
moderators:
  - id: 1
    base_mint: "BASE"
    quote_mint: "USDC"
    pool_authorities:
      pool1: BASE
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestSigningKeyEnvVar(t *testing.T) {
	require.Equal(t, "MANAGER_PRIVATE_KEY_SOL", SigningKeyEnvVar("sol"))
}
