package config

import (
	"fmt"
	"regexp"
	"strings"
)

var accountIDRe = regexp.MustCompile(`^\d{12}$`)

// Validate checks the configuration for semantic errors.
func Validate(cfg Config) error {
	var errs []string

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr must not be empty")
	}
	if cfg.Server.RequestSecret == "" {
		errs = append(errs, "server.request_secret is required")
	}
	if cfg.Notify.Enabled && cfg.Server.CallbackSecret == "" {
		errs = append(errs, "server.callback_secret is required when notify.enabled")
	}
	if cfg.Notify.Enabled && cfg.Notify.BotToken == "" {
		errs = append(errs, "notify.bot_token is required when notify.enabled")
	}
	if cfg.Notify.Enabled && cfg.Notify.Channel == "" {
		errs = append(errs, "notify.channel is required when notify.enabled")
	}

	if cfg.Gateway.CLIVerb == "" {
		errs = append(errs, "gateway.cli_verb must not be empty")
	}
	if len(cfg.Gateway.ApproverWhitelist) == 0 {
		errs = append(errs, "gateway.approver_whitelist must name at least one approver")
	}
	if cfg.Gateway.DefaultAccountID != "" && !accountIDRe.MatchString(cfg.Gateway.DefaultAccountID) {
		errs = append(errs, "gateway.default_account_id must be a 12-digit account id")
	}
	if cfg.Gateway.ApprovalExpirySecs <= 0 {
		errs = append(errs, "gateway.approval_expiry_seconds must be > 0")
	}
	if cfg.Gateway.LongRunnerExpirySecs < cfg.Gateway.ApprovalExpirySecs {
		errs = append(errs, "gateway.long_runner_expiry_seconds must be >= gateway.approval_expiry_seconds")
	}

	if cfg.Trust.TTLMins <= 0 {
		errs = append(errs, "trust.ttl_minutes must be > 0")
	}
	if cfg.Trust.MaxCommands <= 0 {
		errs = append(errs, "trust.max_commands must be > 0")
	}
	if cfg.Trust.MaxUploads < 0 {
		errs = append(errs, "trust.max_uploads cannot be negative")
	}
	if cfg.Trust.MaxBytes <= 0 {
		errs = append(errs, "trust.max_bytes must be > 0")
	}
	if cfg.Trust.PerUploadBytes <= 0 || cfg.Trust.PerUploadBytes > cfg.Trust.MaxBytes {
		errs = append(errs, "trust.per_upload_bytes must be > 0 and <= trust.max_bytes")
	}
	if cfg.Trust.DrainBatch <= 0 {
		errs = append(errs, "trust.drain_batch must be > 0")
	}

	if cfg.Grants.TTLMaxMins <= 0 || cfg.Grants.TTLMaxMins > 60 {
		errs = append(errs, "grants.ttl_max_minutes must be in 1..60")
	}
	if cfg.Grants.MaxCommands <= 0 {
		errs = append(errs, "grants.max_commands must be > 0")
	}
	if cfg.Grants.MaxExecutions <= 0 {
		errs = append(errs, "grants.max_executions must be > 0")
	}
	if cfg.Grants.DangerousRepeatCap <= 0 {
		errs = append(errs, "grants.dangerous_repeat_cap must be > 0")
	}

	if cfg.RateLimits.WindowSecs <= 0 {
		errs = append(errs, "rate_limits.window_seconds must be > 0")
	}
	if cfg.RateLimits.MaxInWindow <= 0 {
		errs = append(errs, "rate_limits.max_in_window must be > 0")
	}
	if cfg.RateLimits.MaxPendingPerSource <= 0 {
		errs = append(errs, "rate_limits.max_pending_per_source must be > 0")
	}

	if cfg.Paging.PageSizeChars <= 0 {
		errs = append(errs, "paging.page_size_chars must be > 0")
	}
	if cfg.Paging.InlineThresholdChars < cfg.Paging.PageSizeChars {
		errs = append(errs, "paging.inline_threshold_chars must be >= paging.page_size_chars")
	}
	if cfg.Paging.PageTTLMins <= 0 {
		errs = append(errs, "paging.page_ttl_minutes must be > 0")
	}
	if cfg.Paging.ResultTruncateChars <= 0 {
		errs = append(errs, "paging.result_truncate_chars must be > 0")
	}

	for key, path := range map[string]string{
		"rules.blocked_file":    cfg.Rules.BlockedFile,
		"rules.safelist_file":   cfg.Rules.SafelistFile,
		"rules.danger_file":     cfg.Rules.DangerFile,
		"rules.compliance_file": cfg.Rules.ComplianceFile,
		"rules.risk_file":       cfg.Rules.RiskFile,
	} {
		if path == "" {
			errs = append(errs, key+" must not be empty")
		}
	}

	if cfg.Uploads.MaxPresignExpirySecs <= 0 || cfg.Uploads.MaxPresignExpirySecs > 3600 {
		errs = append(errs, "uploads.max_presign_expiry_seconds must be in 1..3600")
	}
	if cfg.Uploads.MaxBatchFiles <= 0 || cfg.Uploads.MaxBatchFiles > 50 {
		errs = append(errs, "uploads.max_batch_files must be in 1..50")
	}
	for _, ext := range cfg.Uploads.BlockedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Sprintf("uploads.blocked_extensions entry %q must start with a dot", ext))
		}
	}

	if cfg.Deploy.Enabled && cfg.Deploy.Endpoint == "" {
		errs = append(errs, "deploy.endpoint is required when deploy.enabled")
	}

	for _, id := range cfg.Accounts.TrustedAccountIDs {
		if !accountIDRe.MatchString(id) {
			errs = append(errs, fmt.Sprintf("accounts.trusted_account_ids entry %q must be a 12-digit account id", id))
		}
	}

	if !oneOf(cfg.Executor.Mode, "subprocess", "inprocess") {
		errs = append(errs, "executor.mode must be one of subprocess|inprocess")
	}
	if cfg.Executor.TimeoutSecs <= 0 {
		errs = append(errs, "executor.timeout_seconds must be > 0")
	}

	if cfg.Creds.SessionDurationSecs < 900 || cfg.Creds.SessionDurationSecs > 3600 {
		errs = append(errs, "creds.session_duration_seconds must be in 900..3600")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(val string, options ...string) bool {
	for _, opt := range options {
		if val == opt {
			return true
		}
	}
	return false
}
