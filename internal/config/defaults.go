package config

// Built-in defaults for Bouncer configuration.

var defaultBlockedExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".sh", ".bash", ".zsh",
	".bat", ".cmd", ".ps1", ".scr", ".com", ".msi", ".jar",
}

// DefaultConfig returns the built-in default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8475",
			LogFile:        "",
			LogLevel:       "info",
			RequestSecret:  "",
			CallbackSecret: "",
		},
		Gateway: GatewayConfig{
			CLIVerb:              "aws",
			ApproverWhitelist:    []string{},
			DefaultAccountID:     "",
			ApprovalExpirySecs:   300,
			LongRunnerExpirySecs: 900,
			ExpiredGraceSecs:     3600,
		},
		Store: StoreConfig{
			DatabasePath: "",
			SweepSecs:    60,
		},
		Trust: TrustConfig{
			TTLMins:        10,
			MaxCommands:    20,
			MaxUploads:     5,
			MaxBytes:       20 * 1024 * 1024,
			PerUploadBytes: 5 * 1024 * 1024,
			DrainBatch:     20,
		},
		Grants: GrantsConfig{
			TTLMaxMins:         60,
			MaxCommands:        20,
			MaxExecutions:      50,
			DangerousRepeatCap: 3,
		},
		RateLimits: RateLimitConfig{
			WindowSecs:          60,
			MaxInWindow:         5,
			MaxPendingPerSource: 10,
		},
		Paging: PagingConfig{
			InlineThresholdChars: 3500,
			PageSizeChars:        3000,
			PageTTLMins:          60,
			ResultTruncateChars:  1000,
		},
		Rules: RulesConfig{
			BlockedFile:    "rules/blocked.toml",
			SafelistFile:   "rules/safelist.toml",
			DangerFile:     "rules/danger.toml",
			ComplianceFile: "rules/compliance.toml",
			RiskFile:       "rules/risk.toml",
			Watch:          true,
		},
		Uploads: UploadsConfig{
			Bucket:               "",
			StagingPrefix:        "staging/",
			BlockedExtensions:    defaultBlockedExtensions,
			MaxPresignExpirySecs: 3600,
			MaxBatchFiles:        50,
		},
		Deploy: DeployConfig{
			Enabled:  false,
			Endpoint: "",
			Token:    "",
		},
		Notify: NotifyConfig{
			Enabled:  true,
			BotToken: "",
			Channel:  "",
		},
		Accounts: AccountsConfig{
			SeedFile:          "",
			TrustedAccountIDs: []string{},
		},
		Executor: ExecutorConfig{
			Mode:        "subprocess",
			TimeoutSecs: 120,
		},
		Creds: CredsConfig{
			Region:              "us-east-1",
			SessionDurationSecs: 900,
			ExternalID:          "",
			SessionPrefix:       "bouncer",
		},
	}
}
