// Package config implements hierarchical configuration for Bouncer.
// Precedence: defaults < user (~/.bouncer/config.toml) < explicit --config file < env (BOUNCER_*) < flags.
package config

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Gateway    GatewayConfig    `toml:"gateway" mapstructure:"gateway"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	Trust      TrustConfig      `toml:"trust" mapstructure:"trust"`
	Grants     GrantsConfig     `toml:"grants" mapstructure:"grants"`
	RateLimits RateLimitConfig  `toml:"rate_limits" mapstructure:"rate_limits"`
	Paging     PagingConfig     `toml:"paging" mapstructure:"paging"`
	Rules      RulesConfig      `toml:"rules" mapstructure:"rules"`
	Uploads    UploadsConfig    `toml:"uploads" mapstructure:"uploads"`
	Deploy     DeployConfig     `toml:"deploy" mapstructure:"deploy"`
	Notify     NotifyConfig     `toml:"notify" mapstructure:"notify"`
	Accounts   AccountsConfig   `toml:"accounts" mapstructure:"accounts"`
	Executor   ExecutorConfig   `toml:"executor" mapstructure:"executor"`
	Creds      CredsConfig      `toml:"creds" mapstructure:"creds"`
}

// ServerConfig holds HTTP server process settings.
type ServerConfig struct {
	ListenAddr     string `toml:"listen_addr" mapstructure:"listen_addr"`
	LogFile        string `toml:"log_file" mapstructure:"log_file"`
	LogLevel       string `toml:"log_level" mapstructure:"log_level"`
	RequestSecret  string `toml:"request_secret" mapstructure:"request_secret"`
	CallbackSecret string `toml:"callback_secret" mapstructure:"callback_secret"`
}

// GatewayConfig holds core admission behavior knobs.
type GatewayConfig struct {
	CLIVerb               string   `toml:"cli_verb" mapstructure:"cli_verb"`
	ApproverWhitelist     []string `toml:"approver_whitelist" mapstructure:"approver_whitelist"`
	DefaultAccountID      string   `toml:"default_account_id" mapstructure:"default_account_id"`
	ApprovalExpirySecs    int      `toml:"approval_expiry_seconds" mapstructure:"approval_expiry_seconds"`
	LongRunnerExpirySecs  int      `toml:"long_runner_expiry_seconds" mapstructure:"long_runner_expiry_seconds"`
	ExpiredGraceSecs      int      `toml:"expired_grace_seconds" mapstructure:"expired_grace_seconds"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	DatabasePath string `toml:"database_path" mapstructure:"database_path"`
	SweepSecs    int    `toml:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`
}

// TrustConfig holds trust session budgets.
type TrustConfig struct {
	TTLMins        int   `toml:"ttl_minutes" mapstructure:"ttl_minutes"`
	MaxCommands    int   `toml:"max_commands" mapstructure:"max_commands"`
	MaxUploads     int   `toml:"max_uploads" mapstructure:"max_uploads"`
	MaxBytes       int64 `toml:"max_bytes" mapstructure:"max_bytes"`
	PerUploadBytes int64 `toml:"per_upload_bytes" mapstructure:"per_upload_bytes"`
	DrainBatch     int   `toml:"drain_batch" mapstructure:"drain_batch"`
}

// GrantsConfig holds grant session limits.
type GrantsConfig struct {
	TTLMaxMins         int `toml:"ttl_max_minutes" mapstructure:"ttl_max_minutes"`
	MaxCommands        int `toml:"max_commands" mapstructure:"max_commands"`
	MaxExecutions      int `toml:"max_executions" mapstructure:"max_executions"`
	DangerousRepeatCap int `toml:"dangerous_repeat_cap" mapstructure:"dangerous_repeat_cap"`
}

// RateLimitConfig holds rate-limiting settings.
type RateLimitConfig struct {
	WindowSecs          int `toml:"window_seconds" mapstructure:"window_seconds"`
	MaxInWindow         int `toml:"max_in_window" mapstructure:"max_in_window"`
	MaxPendingPerSource int `toml:"max_pending_per_source" mapstructure:"max_pending_per_source"`
}

// PagingConfig holds result paging thresholds.
type PagingConfig struct {
	InlineThresholdChars int `toml:"inline_threshold_chars" mapstructure:"inline_threshold_chars"`
	PageSizeChars        int `toml:"page_size_chars" mapstructure:"page_size_chars"`
	PageTTLMins          int `toml:"page_ttl_minutes" mapstructure:"page_ttl_minutes"`
	ResultTruncateChars  int `toml:"result_truncate_chars" mapstructure:"result_truncate_chars"`
}

// RulesConfig points at the versioned rule table files.
type RulesConfig struct {
	BlockedFile    string `toml:"blocked_file" mapstructure:"blocked_file"`
	SafelistFile   string `toml:"safelist_file" mapstructure:"safelist_file"`
	DangerFile     string `toml:"danger_file" mapstructure:"danger_file"`
	ComplianceFile string `toml:"compliance_file" mapstructure:"compliance_file"`
	RiskFile       string `toml:"risk_file" mapstructure:"risk_file"`
	Watch          bool   `toml:"watch" mapstructure:"watch"`
}

// UploadsConfig holds presigned-upload settings.
type UploadsConfig struct {
	Bucket               string   `toml:"bucket" mapstructure:"bucket"`
	StagingPrefix        string   `toml:"staging_prefix" mapstructure:"staging_prefix"`
	BlockedExtensions    []string `toml:"blocked_extensions" mapstructure:"blocked_extensions"`
	MaxPresignExpirySecs int      `toml:"max_presign_expiry_seconds" mapstructure:"max_presign_expiry_seconds"`
	MaxBatchFiles        int      `toml:"max_batch_files" mapstructure:"max_batch_files"`
}

// DeployConfig holds deploy orchestrator settings.
type DeployConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`
	Token    string `toml:"token" mapstructure:"token"`
}

// NotifyConfig holds chat notifier settings.
type NotifyConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	BotToken string `toml:"bot_token" mapstructure:"bot_token"`
	Channel  string `toml:"channel" mapstructure:"channel"`
}

// AccountsConfig holds account registry settings.
type AccountsConfig struct {
	SeedFile          string   `toml:"seed_file" mapstructure:"seed_file"`
	TrustedAccountIDs []string `toml:"trusted_account_ids" mapstructure:"trusted_account_ids"`
}

// ExecutorConfig holds command execution settings.
type ExecutorConfig struct {
	Mode        string `toml:"mode" mapstructure:"mode"` // subprocess | inprocess
	TimeoutSecs int    `toml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// CredsConfig holds short-lived credential broker settings.
type CredsConfig struct {
	Region              string `toml:"region" mapstructure:"region"`
	SessionDurationSecs int    `toml:"session_duration_seconds" mapstructure:"session_duration_seconds"`
	ExternalID          string `toml:"external_id" mapstructure:"external_id"`
	SessionPrefix       string `toml:"session_prefix" mapstructure:"session_prefix"`
	AccessKeyID         string `toml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey     string `toml:"secret_access_key" mapstructure:"secret_access_key"`
}
