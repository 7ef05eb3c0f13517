// Package config defines the top-level configuration for the vault daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/notify"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by VAULTD_* environment variables.
type Config struct {
	Vault     VaultConfig     `toml:"vault"`
	Roles     RolesConfig     `toml:"roles"`
	Oracle    OracleConfig    `toml:"oracle"`
	Paper     PaperConfig     `toml:"paper"`
	Keystore  KeystoreConfig  `toml:"keystore"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VaultConfig holds the settlement engine parameters. Amounts are decimal
// strings in base-asset units; fee rates are parts-per-million.
type VaultConfig struct {
	BaseAsset       string `toml:"base_asset"`
	DepositCapPerTx string `toml:"deposit_cap_per_tx"` // empty = unlimited
	DepositCapTotal string `toml:"deposit_cap_total"`  // empty = unlimited

	DepositDelay  duration `toml:"deposit_delay"`
	WithdrawDelay duration `toml:"withdraw_delay"`

	WithdrawFeePpm    int64 `toml:"withdraw_fee_ppm"`
	PerformanceFeePpm int64 `toml:"performance_fee_ppm"`
	ManagementFeePpm  int64 `toml:"management_fee_ppm"` // annualized

	FeeReceiver           string `toml:"fee_receiver"`
	ManagementFeeReceiver string `toml:"management_fee_receiver"`

	ManagementAccrualPeriod duration `toml:"management_accrual_period"`
	MinDistributionWait     duration `toml:"min_distribution_wait"`
	MaxDistributionWait     duration `toml:"max_distribution_wait"`
}

// RolesConfig assigns the privileged vault roles to addresses.
type RolesConfig struct {
	Governor  string `toml:"governor"`
	Manager   string `toml:"manager"`
	Emergency string `toml:"emergency"`
}

// OracleConfig holds price-consensus parameters.
type OracleConfig struct {
	MaxDeviationBps int64 `toml:"max_deviation_bps"`
	MinSources      int   `toml:"min_sources"`
	// QuoteTTL bounds how long a cached unit quote is served before the
	// underlying sources are queried again.
	QuoteTTL duration `toml:"quote_ttl"`
	// PairDeviationBps overrides the deviation limit per "asset/base" pair.
	PairDeviationBps map[string]int64 `toml:"pair_deviation_bps"`
}

// PaperConfig holds the simulated connector used in paper mode.
type PaperConfig struct {
	ConnectorAddress string `toml:"connector_address"`
	Underlying       string `toml:"underlying"`
	// RateScaled is the simulated underlying/base rate times 1e18.
	RateScaled string `toml:"rate_scaled"`
}

// KeystoreConfig holds the operator key material used to authenticate
// privileged API calls.
type KeystoreConfig struct {
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SchedulerConfig holds the settlement scheduler loops.
type SchedulerConfig struct {
	Enabled           bool     `toml:"enabled"`
	ValuationInterval duration `toml:"valuation_interval"`
	ExecutionInterval duration `toml:"execution_interval"`
	FeeInterval       duration `toml:"fee_interval"`
	BatchSize         int      `toml:"batch_size"`
	// LockTTL bounds how long one scheduler instance may hold the
	// distributed settlement lock.
	LockTTL              duration `toml:"lock_ttl"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Vault: VaultConfig{
			DepositDelay:            duration{time.Hour},
			WithdrawDelay:           duration{time.Hour},
			WithdrawFeePpm:          10_000,  // 1%
			PerformanceFeePpm:       200_000, // 20%
			ManagementFeePpm:        20_000,  // 2% annual
			ManagementAccrualPeriod: duration{24 * time.Hour},
			MinDistributionWait:     duration{24 * time.Hour},
			MaxDistributionWait:     duration{30 * 24 * time.Hour},
		},
		Oracle: OracleConfig{
			MaxDeviationBps:  300,
			MinSources:       1,
			QuoteTTL:         duration{30 * time.Second},
			PairDeviationBps: map[string]int64{},
		},
		Paper: PaperConfig{
			ConnectorAddress: "0x00000000000000000000000000000000000000e0",
			Underlying:       "0x00000000000000000000000000000000000000c0",
			RateScaled:       "1000000000000000000", // 1:1
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "vaultd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "vaultd-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			ValuationInterval:    duration{30 * time.Second},
			ExecutionInterval:    duration{time.Minute},
			FeeInterval:          duration{time.Hour},
			BatchSize:            50,
			LockTTL:              duration{2 * time.Minute},
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{
				notify.EventBatchExecuted,
				notify.EventGroupShortfall,
				notify.EventPaused,
				notify.EventError,
			},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"settle": true,
	"paper":  true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ParseAmount parses a decimal base-unit amount from config. Empty strings
// return nil, meaning "unset".
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: invalid amount %q", s)
	}
	return v, nil
}

// checkAddr appends an error to errs when the named field is not a valid
// hex address. Empty values are rejected only when required.
func checkAddr(errs []string, field, value string, required bool) []string {
	if value == "" {
		if required {
			return append(errs, field+" must be set")
		}
		return errs
	}
	if !common.IsHexAddress(value) {
		return append(errs, fmt.Sprintf("%s: %q is not a hex address", field, value))
	}
	return errs
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, settle, paper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Vault
	errs = checkAddr(errs, "vault: base_asset", c.Vault.BaseAsset, true)
	errs = checkAddr(errs, "vault: fee_receiver", c.Vault.FeeReceiver, true)
	errs = checkAddr(errs, "vault: management_fee_receiver", c.Vault.ManagementFeeReceiver, true)
	if _, err := ParseAmount(c.Vault.DepositCapPerTx); err != nil {
		errs = append(errs, "vault: deposit_cap_per_tx: "+err.Error())
	}
	if _, err := ParseAmount(c.Vault.DepositCapTotal); err != nil {
		errs = append(errs, "vault: deposit_cap_total: "+err.Error())
	}
	if c.Vault.DepositDelay.Duration < 0 || c.Vault.WithdrawDelay.Duration < 0 {
		errs = append(errs, "vault: settlement delays must not be negative")
	}
	for _, f := range []struct {
		name string
		ppm  int64
	}{
		{"withdraw_fee_ppm", c.Vault.WithdrawFeePpm},
		{"performance_fee_ppm", c.Vault.PerformanceFeePpm},
		{"management_fee_ppm", c.Vault.ManagementFeePpm},
	} {
		if f.ppm < 0 || f.ppm > 1_000_000 {
			errs = append(errs, fmt.Sprintf("vault: %s must be within [0, 1000000], got %d", f.name, f.ppm))
		}
	}
	if c.Vault.MaxDistributionWait.Duration > 0 &&
		c.Vault.MaxDistributionWait.Duration < c.Vault.MinDistributionWait.Duration {
		errs = append(errs, "vault: max_distribution_wait must not be below min_distribution_wait")
	}

	// Roles
	errs = checkAddr(errs, "roles: governor", c.Roles.Governor, true)
	errs = checkAddr(errs, "roles: manager", c.Roles.Manager, true)
	errs = checkAddr(errs, "roles: emergency", c.Roles.Emergency, true)

	// Oracle
	if c.Oracle.MaxDeviationBps <= 0 {
		errs = append(errs, "oracle: max_deviation_bps must be > 0")
	}
	if c.Oracle.MinSources < 1 {
		errs = append(errs, "oracle: min_sources must be >= 1")
	}
	for pair := range c.Oracle.PairDeviationBps {
		if len(strings.Split(pair, "/")) != 2 {
			errs = append(errs, fmt.Sprintf("oracle: pair_deviation_bps key %q must be asset/base", pair))
		}
	}

	// Paper connector is only consulted in paper mode.
	if c.Mode == "paper" {
		errs = checkAddr(errs, "paper: connector_address", c.Paper.ConnectorAddress, true)
		errs = checkAddr(errs, "paper: underlying", c.Paper.Underlying, true)
		if _, err := ParseAmount(c.Paper.RateScaled); err != nil {
			errs = append(errs, "paper: rate_scaled: "+err.Error())
		}
	}

	// Keystore: password required when an encrypted key is configured.
	if c.Keystore.EncryptedKeyPath != "" && c.Keystore.KeyPassword == "" {
		errs = append(errs, "keystore: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Scheduler
	if c.Scheduler.Enabled {
		if c.Scheduler.ValuationInterval.Duration <= 0 {
			errs = append(errs, "scheduler: valuation_interval must be > 0")
		}
		if c.Scheduler.ExecutionInterval.Duration <= 0 {
			errs = append(errs, "scheduler: execution_interval must be > 0")
		}
		if c.Scheduler.BatchSize < 1 {
			errs = append(errs, "scheduler: batch_size must be >= 1")
		}
		if c.Scheduler.LockTTL.Duration <= 0 {
			errs = append(errs, "scheduler: lock_ttl must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
