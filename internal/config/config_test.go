package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns Defaults filled in with the address fields that have
// no sensible default.
func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.BaseAsset = "0x00000000000000000000000000000000000000b0"
	cfg.Vault.FeeReceiver = "0x00000000000000000000000000000000000000f1"
	cfg.Vault.ManagementFeeReceiver = "0x00000000000000000000000000000000000000f2"
	cfg.Roles.Governor = "0x0000000000000000000000000000000000000001"
	cfg.Roles.Manager = "0x0000000000000000000000000000000000000002"
	cfg.Roles.Emergency = "0x0000000000000000000000000000000000000003"
	return cfg
}

func TestValidateAcceptsFilledDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRequiresAddresses(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.BaseAsset = ""
	cfg.Roles.Manager = "not-an-address"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_asset must be set")
	assert.Contains(t, err.Error(), "not a hex address")
}

func TestValidateFeeRateBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.PerformanceFeePpm = 1_000_001
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "performance_fee_ppm")

	cfg = validConfig()
	cfg.Vault.WithdrawFeePpm = -1
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "withdraw_fee_ppm")
}

func TestValidateDistributionWaitOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.Vault.MaxDistributionWait = cfg.Vault.MinDistributionWait
	cfg.Vault.MaxDistributionWait.Duration /= 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_distribution_wait")
}

func TestValidatePaperModeConnector(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "paper"
	require.NoError(t, cfg.Validate())

	cfg.Paper.ConnectorAddress = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector_address")
}

func TestValidateOraclePairKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Oracle.PairDeviationBps = map[string]int64{"badkey": 100}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asset/base")
}

func TestValidateKeystoreNeedsPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Keystore.EncryptedKeyPath = "/etc/vaultd/key.enc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Redis.Addr = ""
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.GreaterOrEqual(t, strings.Count(err.Error(), "\n  - "), 3)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseAmount("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	_, err = ParseAmount("-5")
	assert.Error(t, err)

	_, err = ParseAmount("1.5")
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	var d duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
