package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawdbot/bouncer/internal/classify"
	"github.com/clawdbot/bouncer/internal/compliance"
	"github.com/clawdbot/bouncer/internal/config"
	"github.com/clawdbot/bouncer/internal/creds"
	"github.com/clawdbot/bouncer/internal/deploy"
	"github.com/clawdbot/bouncer/internal/dispatch"
	"github.com/clawdbot/bouncer/internal/executor"
	"github.com/clawdbot/bouncer/internal/grant"
	"github.com/clawdbot/bouncer/internal/httpapi"
	"github.com/clawdbot/bouncer/internal/logging"
	"github.com/clawdbot/bouncer/internal/notify"
	"github.com/clawdbot/bouncer/internal/paging"
	"github.com/clawdbot/bouncer/internal/pipeline"
	"github.com/clawdbot/bouncer/internal/ratelimit"
	"github.com/clawdbot/bouncer/internal/risk"
	"github.com/clawdbot/bouncer/internal/rules"
	"github.com/clawdbot/bouncer/internal/store"
	"github.com/clawdbot/bouncer/internal/trust"
	"github.com/clawdbot/bouncer/internal/upload"
)

var flagServeAddr string

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway process: the agent-facing HTTP API, the approval
notifier, the trust sweeper, and the pending-notification reconciler.

	Examples:
	  bouncer serve
	  bouncer serve --config /etc/bouncer/config.toml
	  bouncer serve --listen 0.0.0.0:8475`,
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if flagServeAddr != "" {
			overrides["server.listen_addr"] = flagServeAddr
		}
		cfg, err := config.Load(config.LoadOptions{ConfigPath: flagConfig, FlagOverrides: overrides})
		if err != nil {
			return err
		}
		if cfg.Server.RequestSecret == "" {
			return fmt.Errorf("server.request_secret must be set")
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(parent context.Context, cfg config.Config) error {
	logger, err := logging.NewServer(cfg.Server.LogFile)
	if err != nil {
		return err
	}

	dbPath := cfg.Store.DatabasePath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve database path: %w", err)
		}
		dbPath = filepath.Join(home, ".bouncer", "bouncer.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Accounts.SeedFile != "" {
		if n, err := s.SeedAccounts(cfg.Accounts.SeedFile); err != nil {
			logger.Warn("account seed failed", "path", cfg.Accounts.SeedFile, "error", err)
		} else if n > 0 {
			logger.Info("seeded accounts", "count", n)
		}
	}

	rulePaths := rules.Paths{
		Blocked:    cfg.Rules.BlockedFile,
		Safelist:   cfg.Rules.SafelistFile,
		Danger:     cfg.Rules.DangerFile,
		Compliance: cfg.Rules.ComplianceFile,
		Risk:       cfg.Rules.RiskFile,
	}
	set, err := rules.Load(rulePaths)
	if err != nil {
		return err
	}
	if cfg.Rules.Watch {
		stop, err := rules.Watch(rulePaths, logger)
		if err != nil {
			logger.Warn("rule watcher unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	classifier := classify.New(set)
	checker := compliance.New(&set.Compliance, cfg.Accounts.TrustedAccountIDs)
	scorer := risk.New(&set.Risk)

	tm := trust.NewManager(s, trust.Budgets{
		TTL:            time.Duration(cfg.Trust.TTLMins) * time.Minute,
		MaxCommands:    cfg.Trust.MaxCommands,
		MaxUploads:     cfg.Trust.MaxUploads,
		MaxBytes:       cfg.Trust.MaxBytes,
		PerUploadBytes: cfg.Trust.PerUploadBytes,
	})
	gm := grant.NewManager(s, classifier, checker, scorer, grant.Limits{
		TTLMax:             time.Duration(cfg.Grants.TTLMaxMins) * time.Minute,
		MaxCommands:        cfg.Grants.MaxCommands,
		MaxExecutions:      cfg.Grants.MaxExecutions,
		DangerousRepeatCap: cfg.Grants.DangerousRepeatCap,
	}, cfg.Gateway.CLIVerb)

	var notifier notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewSlack(cfg.Notify.BotToken, cfg.Notify.Channel, logger.WithPrefix("notify"))
	} else {
		logger.Warn("notifier disabled; approval prompts go to the log")
		notifier = notify.NewLog(logger.WithPrefix("notify"))
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker pipeline.CredentialSource
	if cfg.Creds.Region != "" {
		b, err := creds.New(ctx, creds.Options{
			Region:          cfg.Creds.Region,
			SessionDuration: time.Duration(cfg.Creds.SessionDurationSecs) * time.Second,
			ExternalID:      cfg.Creds.ExternalID,
			SessionPrefix:   cfg.Creds.SessionPrefix,
			AccessKeyID:     cfg.Creds.AccessKeyID,
			SecretAccessKey: cfg.Creds.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("credential broker: %w", err)
		}
		broker = b
	}

	p := pipeline.New(pipeline.Config{
		CLIVerb:        cfg.Gateway.CLIVerb,
		ApprovalExpiry: time.Duration(cfg.Gateway.ApprovalExpirySecs) * time.Second,
		TrustTTL:       time.Duration(cfg.Trust.TTLMins) * time.Minute,
		DrainBatch:     cfg.Trust.DrainBatch,
		ResultTruncate: cfg.Paging.ResultTruncateChars,
	}, pipeline.Deps{
		Store:      s,
		Classifier: classifier,
		Checker:    checker,
		Scorer:     scorer,
		Limiter: ratelimit.New(s, ratelimit.Limits{
			Window:      time.Duration(cfg.RateLimits.WindowSecs) * time.Second,
			MaxInWindow: cfg.RateLimits.MaxInWindow,
			MaxPending:  cfg.RateLimits.MaxPendingPerSource,
		}),
		Trust:    tm,
		Grants:   gm,
		Notifier: notifier,
		Executor: &executor.Subprocess{Timeout: time.Duration(cfg.Executor.TimeoutSecs) * time.Second},
		Creds:    broker,
		Pager: paging.New(s, paging.Options{
			InlineThreshold: cfg.Paging.InlineThresholdChars,
			PageSize:        cfg.Paging.PageSizeChars,
			TTL:             time.Duration(cfg.Paging.PageTTLMins) * time.Minute,
		}),
		Logger: logger.WithPrefix("pipeline"),
	})

	var uploader *upload.Service
	if cfg.Uploads.Bucket != "" {
		uploader, err = upload.New(ctx, cfg.Creds.Region, upload.Options{
			Bucket:            cfg.Uploads.Bucket,
			StagingPrefix:     cfg.Uploads.StagingPrefix,
			BlockedExtensions: cfg.Uploads.BlockedExtensions,
			MaxExpiry:         time.Duration(cfg.Uploads.MaxPresignExpirySecs) * time.Second,
			MaxBatchFiles:     cfg.Uploads.MaxBatchFiles,
		})
		if err != nil {
			return fmt.Errorf("upload service: %w", err)
		}
		p.SetUploader(uploader)
	}
	var deployer *deploy.Client
	if cfg.Deploy.Enabled {
		deployer = deploy.New(cfg.Deploy.Endpoint, cfg.Deploy.Token)
		p.SetDeployer(deployer)
	}

	disp := dispatch.New(dispatch.Config{
		Approvers:    cfg.Gateway.ApproverWhitelist,
		TrustTTL:     time.Duration(cfg.Trust.TTLMins) * time.Minute,
		UploadExpiry: time.Duration(cfg.Uploads.MaxPresignExpirySecs) * time.Second,
	}, dispatch.Deps{
		Store:    s,
		Pipeline: p,
		Trust:    tm,
		Grants:   gm,
		Notifier: notifier,
		Uploader: uploader,
		Deployer: deployer,
		Logger:   logger.WithPrefix("dispatch"),
	})

	api := httpapi.New(httpapi.Config{
		RequestSecret:  cfg.Server.RequestSecret,
		CallbackSecret: cfg.Server.CallbackSecret,
	}, httpapi.Deps{
		Pipeline:   p,
		Dispatcher: disp,
		Store:      s,
		Trust:      tm,
		Grants:     gm,
		Uploads:    uploader,
		Rules:      set,
		Logger:     logger.WithPrefix("http"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Server.ListenAddr, "db", dbPath)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.RunSweeper(ctx,
			time.Duration(cfg.Store.SweepSecs)*time.Second,
			time.Duration(cfg.Gateway.ExpiredGraceSecs)*time.Second,
			logger.WithPrefix("sweeper"))
		return nil
	})
	g.Go(func() error {
		p.RunReconciler(ctx, time.Duration(cfg.Store.SweepSecs)*time.Second)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
