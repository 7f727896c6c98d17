package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mailrun/mailrun/internal/api"
	"github.com/mailrun/mailrun/internal/config"
	"github.com/mailrun/mailrun/internal/delivery"
	"github.com/mailrun/mailrun/internal/engine"
	"github.com/mailrun/mailrun/internal/ledger"
	"github.com/mailrun/mailrun/internal/metrics"
	"github.com/mailrun/mailrun/internal/queue"
	"github.com/mailrun/mailrun/internal/ratelimit"
	"github.com/mailrun/mailrun/internal/recipient"
	"github.com/mailrun/mailrun/internal/sender"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a campaign to completion",
	Long: `Load recipients, spread delivery across the configured senders, and
run until every task is sent, dead-lettered, or unsendable. Interrupt
with Ctrl+C for a graceful stop; re-run with --resume to pick up where
the ledger left off.`,
	RunE: runCampaign,
}

func init() {
	runCmd.Flags().Bool("resume", false, "resume from the progress ledger of an interrupted run")
	runCmd.Flags().Bool("dry-run", false, "log deliveries instead of sending (overrides config)")
}

func runCampaign(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)
	logger := slog.Default().With("component", "mailrun")

	resume, _ := cmd.Flags().GetBool("resume")
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		cfg.Engine.DryRun = true
	}

	campaignID := cfg.Campaign.ID
	if campaignID == "" {
		campaignID = uuid.New().String()
		logger.Info("no campaign id configured, generated one", "campaign_id", campaignID)
	}

	recipients, err := loadRecipients(cfg)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients to deliver to")
	}
	logger.Info("recipients loaded", "count", len(recipients), "source", cfg.Recipients.Source)

	led, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	recorder, redisStore, err := buildMetrics(cfg, campaignID)
	if err != nil {
		return err
	}

	specs, err := buildSenders(cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		CampaignID:         campaignID,
		Strategy:           queue.Strategy(cfg.Engine.Strategy),
		RebalanceThreshold: cfg.Engine.RebalanceThreshold,
		RebalanceInterval:  cfg.RebalanceInterval(),
		RetryPolicy: delivery.RetryPolicy{
			MaxRetries: cfg.Engine.MaxRetries,
			BaseDelay:  cfg.BaseDelay(),
			Multiplier: cfg.Engine.BackoffMultiplier,
			MaxDelay:   cfg.MaxDelay(),
		},
		FailureThreshold:  cfg.Engine.FailureThreshold,
		FailureWindow:     cfg.FailureWindow(),
		Cooldown:          cfg.Cooldown(),
		DeliveryTimeout:   cfg.DeliveryTimeout(),
		InflightStaleness: cfg.InflightStaleness(),
		MaxWorkers:        cfg.Engine.MaxWorkers,
		Global: ratelimit.GlobalLimits{
			PerMinute: cfg.Global.EmailsPerMinute,
			PerHour:   cfg.Global.EmailsPerHour,
		},
		Metrics: recorder,
	}, specs, led)
	if err != nil {
		return err
	}

	if err := eng.Prepare(recipients, resume); err != nil {
		return err
	}

	var statusServer *api.Server
	if cfg.Metrics.Enabled {
		statusServer = api.NewServer(campaignID, cfg.Metrics.Listen, eng, redisStore)
		if err := statusServer.Start(); err != nil {
			logger.Warn("status API failed to start", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("shutdown signal received, stopping after in-flight sends", "signal", sig.String())
		cancel()
	}()

	report, runErr := eng.Run(ctx)

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Warn("status API shutdown failed", "error", err)
		}
	}

	printReport(report)
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func loadRecipients(cfg *config.Config) ([]recipient.Recipient, error) {
	var src recipient.Source
	switch cfg.Recipients.Source {
	case "csv":
		src = recipient.NewCSVSource(cfg.Recipients.Path, cfg.Recipients.EmailColumn)
	case "db":
		var err error
		src, err = recipient.NewSQLSource(
			cfg.Recipients.Driver, cfg.Recipients.DSN,
			cfg.Recipients.Query, cfg.Recipients.EmailColumn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown recipients source %q", cfg.Recipients.Source)
	}
	return src.Load(cfg.Recipients.Limit)
}

func openLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "sqlite":
		return ledger.OpenSQLite(cfg.Ledger.Path)
	default:
		return ledger.OpenFile(cfg.Ledger.Path)
	}
}

func buildMetrics(cfg *config.Config, campaignID string) (delivery.MetricsRecorder, *metrics.RedisStore, error) {
	recorders := []delivery.MetricsRecorder{metrics.NewPrometheusRecorder()}

	var redisStore *metrics.RedisStore
	if cfg.Metrics.RedisAddr != "" {
		var err error
		redisStore, err = metrics.NewRedisStore(cfg.Metrics.RedisAddr, campaignID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect metrics store: %w", err)
		}
		recorders = append(recorders, redisStore)
	}
	return metrics.NewMulti(recorders...), redisStore, nil
}

func buildSenders(cfg *config.Config) ([]engine.SenderSpec, error) {
	body := "{{.body}}"
	if cfg.Campaign.BodyFile != "" {
		data, err := os.ReadFile(cfg.Campaign.BodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}

	specs := make([]engine.SenderSpec, 0, len(cfg.Senders))
	for _, sc := range cfg.Senders {
		acctCfg := sender.Config{
			ID:        sc.ID,
			Address:   sc.Address,
			Limit:     sc.Limit,
			Gap:       sc.Gap(),
			GapJitter: sc.GapJitter(),
			PerMinute: sc.PerMinute,
			PerHour:   sc.PerHour,
			Priority:  sc.Priority,
		}

		var transport delivery.Transport
		if cfg.Engine.DryRun {
			transport = delivery.NewDryRunTransport()
		} else {
			composer, err := delivery.NewComposer(sc.Address, cfg.Campaign.Subject, body)
			if err != nil {
				return nil, err
			}
			transport = delivery.NewSMTPTransport(delivery.SMTPConfig{
				Host:     sc.Host,
				Port:     sc.Port,
				Username: sc.Username,
				Password: sc.Password,
				From:     sc.Address,
				Timeout:  cfg.DeliveryTimeout(),
			}, composer.Compose)
		}
		specs = append(specs, engine.SenderSpec{Config: acctCfg, Transport: transport})
	}
	return specs, nil
}

func printReport(r *engine.Report) {
	fmt.Println()
	fmt.Printf("Campaign:      %s\n", r.CampaignID)
	fmt.Printf("Duration:      %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Printf("Sent:          %d\n", r.Sent)
	fmt.Printf("Dead-lettered: %d\n", r.DeadLettered)
	fmt.Printf("Unsent:        %d\n", r.Unsent)

	if len(r.Senders) > 0 {
		fmt.Println("\nSenders:")
		for _, s := range r.Senders {
			limit := "unlimited"
			if s.Limit > 0 {
				limit = fmt.Sprintf("%d", s.Limit)
			}
			fmt.Printf("  %-20s %s  sent %d/%s (%d attempts)\n",
				s.ID, s.Health, s.SentCount, limit, s.Attempts)
		}
	}

	if len(r.DeadLetters) > 0 {
		fmt.Println("\nDead letters:")
		for _, d := range r.DeadLetters {
			fmt.Printf("  %s  %s  after %d attempts: %s\n", d.TaskID, d.Recipient, d.Attempts, d.Reason)
		}
	}
}
