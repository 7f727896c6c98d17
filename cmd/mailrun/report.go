package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailrun/mailrun/internal/config"
	"github.com/mailrun/mailrun/internal/engine"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize a campaign from its progress ledger",
	Long: `Rebuild the outcome of a finished or interrupted run from the ledger
alone: sent, dead-lettered and unsent counts, plus each dead letter's
final failure reason.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().Bool("json", false, "emit the report as JSON")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg)

	led, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer led.Close()

	entries, err := led.Replay()
	if err != nil {
		return fmt.Errorf("ledger replay failed: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("ledger is empty: %s", cfg.Ledger.Path)
	}

	report := engine.ReportFromLedger(cfg.Campaign.ID, entries)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(report)
	return nil
}
