package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies VAULTD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known VAULTD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vault ──
	setStr(&cfg.Vault.BaseAsset, "VAULTD_VAULT_BASE_ASSET")
	setStr(&cfg.Vault.DepositCapPerTx, "VAULTD_VAULT_DEPOSIT_CAP_PER_TX")
	setStr(&cfg.Vault.DepositCapTotal, "VAULTD_VAULT_DEPOSIT_CAP_TOTAL")
	setDuration(&cfg.Vault.DepositDelay, "VAULTD_VAULT_DEPOSIT_DELAY")
	setDuration(&cfg.Vault.WithdrawDelay, "VAULTD_VAULT_WITHDRAW_DELAY")
	setInt64(&cfg.Vault.WithdrawFeePpm, "VAULTD_VAULT_WITHDRAW_FEE_PPM")
	setInt64(&cfg.Vault.PerformanceFeePpm, "VAULTD_VAULT_PERFORMANCE_FEE_PPM")
	setInt64(&cfg.Vault.ManagementFeePpm, "VAULTD_VAULT_MANAGEMENT_FEE_PPM")
	setStr(&cfg.Vault.FeeReceiver, "VAULTD_VAULT_FEE_RECEIVER")
	setStr(&cfg.Vault.ManagementFeeReceiver, "VAULTD_VAULT_MANAGEMENT_FEE_RECEIVER")
	setDuration(&cfg.Vault.ManagementAccrualPeriod, "VAULTD_VAULT_MANAGEMENT_ACCRUAL_PERIOD")
	setDuration(&cfg.Vault.MinDistributionWait, "VAULTD_VAULT_MIN_DISTRIBUTION_WAIT")
	setDuration(&cfg.Vault.MaxDistributionWait, "VAULTD_VAULT_MAX_DISTRIBUTION_WAIT")

	// ── Roles ──
	setStr(&cfg.Roles.Governor, "VAULTD_ROLES_GOVERNOR")
	setStr(&cfg.Roles.Manager, "VAULTD_ROLES_MANAGER")
	setStr(&cfg.Roles.Emergency, "VAULTD_ROLES_EMERGENCY")

	// ── Oracle ──
	setInt64(&cfg.Oracle.MaxDeviationBps, "VAULTD_ORACLE_MAX_DEVIATION_BPS")
	setInt(&cfg.Oracle.MinSources, "VAULTD_ORACLE_MIN_SOURCES")
	setDuration(&cfg.Oracle.QuoteTTL, "VAULTD_ORACLE_QUOTE_TTL")

	// ── Paper ──
	setStr(&cfg.Paper.ConnectorAddress, "VAULTD_PAPER_CONNECTOR_ADDRESS")
	setStr(&cfg.Paper.Underlying, "VAULTD_PAPER_UNDERLYING")
	setStr(&cfg.Paper.RateScaled, "VAULTD_PAPER_RATE_SCALED")

	// ── Keystore ──
	setStr(&cfg.Keystore.EncryptedKeyPath, "VAULTD_KEYSTORE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keystore.KeyPassword, "VAULTD_KEYSTORE_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "VAULTD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VAULTD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VAULTD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VAULTD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VAULTD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VAULTD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VAULTD_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "VAULTD_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "VAULTD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VAULTD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VAULTD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "VAULTD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VAULTD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VAULTD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VAULTD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VAULTD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VAULTD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "VAULTD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VAULTD_S3_REGION")
	setStr(&cfg.S3.Bucket, "VAULTD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VAULTD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VAULTD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VAULTD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VAULTD_S3_FORCE_PATH_STYLE")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "VAULTD_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.ValuationInterval, "VAULTD_SCHEDULER_VALUATION_INTERVAL")
	setDuration(&cfg.Scheduler.ExecutionInterval, "VAULTD_SCHEDULER_EXECUTION_INTERVAL")
	setDuration(&cfg.Scheduler.FeeInterval, "VAULTD_SCHEDULER_FEE_INTERVAL")
	setInt(&cfg.Scheduler.BatchSize, "VAULTD_SCHEDULER_BATCH_SIZE")
	setDuration(&cfg.Scheduler.LockTTL, "VAULTD_SCHEDULER_LOCK_TTL")
	setDuration(&cfg.Scheduler.ArchiveInterval, "VAULTD_SCHEDULER_ARCHIVE_INTERVAL")
	setInt(&cfg.Scheduler.ArchiveRetentionDays, "VAULTD_SCHEDULER_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VAULTD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VAULTD_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "VAULTD_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "VAULTD_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "VAULTD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VAULTD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VAULTD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "VAULTD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VAULTD_MODE")
	setStr(&cfg.LogLevel, "VAULTD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
