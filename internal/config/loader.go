package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// LoadOptions controls configuration loading.
type LoadOptions struct {
	// ConfigPath is an explicit config file path. Overrides the user config.
	ConfigPath string
	// FlagOverrides are highest-priority overrides from CLI flags (dot-notated keys).
	FlagOverrides map[string]any
}

// Load returns the effective configuration after applying precedence:
// defaults < user (~/.bouncer/config.toml) < explicit file < env (BOUNCER_*) < flags.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := mergeConfigFile(v, userConfigPath()); err != nil {
		return Config{}, err
	}
	if err := mergeConfigFile(v, opts.ConfigPath); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(v); err != nil {
		return Config{}, err
	}
	for k, val := range opts.FlagOverrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults seeds viper with built-in defaults.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("server.listen_addr", def.Server.ListenAddr)
	v.SetDefault("server.log_file", def.Server.LogFile)
	v.SetDefault("server.log_level", def.Server.LogLevel)
	v.SetDefault("server.request_secret", def.Server.RequestSecret)
	v.SetDefault("server.callback_secret", def.Server.CallbackSecret)

	v.SetDefault("gateway.cli_verb", def.Gateway.CLIVerb)
	v.SetDefault("gateway.approver_whitelist", def.Gateway.ApproverWhitelist)
	v.SetDefault("gateway.default_account_id", def.Gateway.DefaultAccountID)
	v.SetDefault("gateway.approval_expiry_seconds", def.Gateway.ApprovalExpirySecs)
	v.SetDefault("gateway.long_runner_expiry_seconds", def.Gateway.LongRunnerExpirySecs)
	v.SetDefault("gateway.expired_grace_seconds", def.Gateway.ExpiredGraceSecs)

	v.SetDefault("store.database_path", def.Store.DatabasePath)
	v.SetDefault("store.sweep_interval_seconds", def.Store.SweepSecs)

	v.SetDefault("trust.ttl_minutes", def.Trust.TTLMins)
	v.SetDefault("trust.max_commands", def.Trust.MaxCommands)
	v.SetDefault("trust.max_uploads", def.Trust.MaxUploads)
	v.SetDefault("trust.max_bytes", def.Trust.MaxBytes)
	v.SetDefault("trust.per_upload_bytes", def.Trust.PerUploadBytes)
	v.SetDefault("trust.drain_batch", def.Trust.DrainBatch)

	v.SetDefault("grants.ttl_max_minutes", def.Grants.TTLMaxMins)
	v.SetDefault("grants.max_commands", def.Grants.MaxCommands)
	v.SetDefault("grants.max_executions", def.Grants.MaxExecutions)
	v.SetDefault("grants.dangerous_repeat_cap", def.Grants.DangerousRepeatCap)

	v.SetDefault("rate_limits.window_seconds", def.RateLimits.WindowSecs)
	v.SetDefault("rate_limits.max_in_window", def.RateLimits.MaxInWindow)
	v.SetDefault("rate_limits.max_pending_per_source", def.RateLimits.MaxPendingPerSource)

	v.SetDefault("paging.inline_threshold_chars", def.Paging.InlineThresholdChars)
	v.SetDefault("paging.page_size_chars", def.Paging.PageSizeChars)
	v.SetDefault("paging.page_ttl_minutes", def.Paging.PageTTLMins)
	v.SetDefault("paging.result_truncate_chars", def.Paging.ResultTruncateChars)

	v.SetDefault("rules.blocked_file", def.Rules.BlockedFile)
	v.SetDefault("rules.safelist_file", def.Rules.SafelistFile)
	v.SetDefault("rules.danger_file", def.Rules.DangerFile)
	v.SetDefault("rules.compliance_file", def.Rules.ComplianceFile)
	v.SetDefault("rules.risk_file", def.Rules.RiskFile)
	v.SetDefault("rules.watch", def.Rules.Watch)

	v.SetDefault("uploads.bucket", def.Uploads.Bucket)
	v.SetDefault("uploads.staging_prefix", def.Uploads.StagingPrefix)
	v.SetDefault("uploads.blocked_extensions", def.Uploads.BlockedExtensions)
	v.SetDefault("uploads.max_presign_expiry_seconds", def.Uploads.MaxPresignExpirySecs)
	v.SetDefault("uploads.max_batch_files", def.Uploads.MaxBatchFiles)

	v.SetDefault("deploy.enabled", def.Deploy.Enabled)
	v.SetDefault("deploy.endpoint", def.Deploy.Endpoint)
	v.SetDefault("deploy.token", def.Deploy.Token)

	v.SetDefault("notify.enabled", def.Notify.Enabled)
	v.SetDefault("notify.bot_token", def.Notify.BotToken)
	v.SetDefault("notify.channel", def.Notify.Channel)

	v.SetDefault("accounts.seed_file", def.Accounts.SeedFile)
	v.SetDefault("accounts.trusted_account_ids", def.Accounts.TrustedAccountIDs)

	v.SetDefault("executor.mode", def.Executor.Mode)
	v.SetDefault("executor.timeout_seconds", def.Executor.TimeoutSecs)

	v.SetDefault("creds.region", def.Creds.Region)
	v.SetDefault("creds.session_duration_seconds", def.Creds.SessionDurationSecs)
	v.SetDefault("creds.external_id", def.Creds.ExternalID)
	v.SetDefault("creds.session_prefix", def.Creds.SessionPrefix)
}

// mergeConfigFile merges the TOML config file if it exists.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides reads BOUNCER_* env vars and applies them.
func applyEnvOverrides(v *viper.Viper) error {
	for _, binding := range envBindings {
		val := os.Getenv(binding.Env)
		if val == "" {
			continue
		}
		parsed, err := parseValueByKind(val, binding.Kind)
		if err != nil {
			return fmt.Errorf("env %s: %w", binding.Env, err)
		}
		v.Set(binding.Key, parsed)
	}
	return nil
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bouncer", "config.toml")
}

// Helpers for env + parsing ---------------------------------------------------

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindInt64
	kindStringSlice
)

var envBindings = []struct {
	Env  string
	Key  string
	Kind valueKind
}{
	{"BOUNCER_LISTEN_ADDR", "server.listen_addr", kindString},
	{"BOUNCER_LOG_FILE", "server.log_file", kindString},
	{"BOUNCER_LOG_LEVEL", "server.log_level", kindString},
	{"BOUNCER_REQUEST_SECRET", "server.request_secret", kindString},
	{"BOUNCER_CALLBACK_SECRET", "server.callback_secret", kindString},

	{"BOUNCER_CLI_VERB", "gateway.cli_verb", kindString},
	{"BOUNCER_APPROVER_WHITELIST", "gateway.approver_whitelist", kindStringSlice},
	{"BOUNCER_DEFAULT_ACCOUNT_ID", "gateway.default_account_id", kindString},
	{"BOUNCER_APPROVAL_EXPIRY_SECONDS", "gateway.approval_expiry_seconds", kindInt},
	{"BOUNCER_LONG_RUNNER_EXPIRY_SECONDS", "gateway.long_runner_expiry_seconds", kindInt},

	{"BOUNCER_DATABASE_PATH", "store.database_path", kindString},

	{"BOUNCER_TRUST_TTL_MINUTES", "trust.ttl_minutes", kindInt},
	{"BOUNCER_TRUST_MAX_COMMANDS", "trust.max_commands", kindInt},
	{"BOUNCER_TRUST_MAX_UPLOADS", "trust.max_uploads", kindInt},
	{"BOUNCER_TRUST_MAX_BYTES", "trust.max_bytes", kindInt64},
	{"BOUNCER_TRUST_PER_UPLOAD_BYTES", "trust.per_upload_bytes", kindInt64},

	{"BOUNCER_GRANT_TTL_MAX_MINUTES", "grants.ttl_max_minutes", kindInt},
	{"BOUNCER_GRANT_MAX_COMMANDS", "grants.max_commands", kindInt},
	{"BOUNCER_GRANT_MAX_EXECUTIONS", "grants.max_executions", kindInt},

	{"BOUNCER_RATE_WINDOW_SECONDS", "rate_limits.window_seconds", kindInt},
	{"BOUNCER_RATE_MAX_IN_WINDOW", "rate_limits.max_in_window", kindInt},
	{"BOUNCER_RATE_MAX_PENDING", "rate_limits.max_pending_per_source", kindInt},

	{"BOUNCER_RULES_WATCH", "rules.watch", kindBool},

	{"BOUNCER_UPLOAD_BUCKET", "uploads.bucket", kindString},
	{"BOUNCER_UPLOAD_STAGING_PREFIX", "uploads.staging_prefix", kindString},

	{"BOUNCER_DEPLOY_ENABLED", "deploy.enabled", kindBool},
	{"BOUNCER_DEPLOY_ENDPOINT", "deploy.endpoint", kindString},
	{"BOUNCER_DEPLOY_TOKEN", "deploy.token", kindString},

	{"BOUNCER_NOTIFY_ENABLED", "notify.enabled", kindBool},
	{"BOUNCER_SLACK_BOT_TOKEN", "notify.bot_token", kindString},
	{"BOUNCER_SLACK_CHANNEL", "notify.channel", kindString},

	{"BOUNCER_ACCOUNTS_SEED_FILE", "accounts.seed_file", kindString},
	{"BOUNCER_TRUSTED_ACCOUNT_IDS", "accounts.trusted_account_ids", kindStringSlice},

	{"BOUNCER_EXECUTOR_MODE", "executor.mode", kindString},
	{"BOUNCER_EXECUTOR_TIMEOUT_SECONDS", "executor.timeout_seconds", kindInt},

	{"BOUNCER_AWS_REGION", "creds.region", kindString},
	{"BOUNCER_SESSION_DURATION_SECONDS", "creds.session_duration_seconds", kindInt},
	{"BOUNCER_STS_EXTERNAL_ID", "creds.external_id", kindString},
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected boolean: %w", err)
		}
		return v, nil
	case kindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return v, nil
	case kindInt64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return v, nil
	case kindStringSlice:
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported value kind")
	}
}
