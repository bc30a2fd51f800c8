package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"watchtower/services/agent/internal/config"
	"watchtower/services/agent/internal/logging"
)

var (
	cfg    config.Config
	logger *slog.Logger

	ingestCategory string
	ingestSource   string

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Autonomous monitoring agent",
		Long: `Watches web applications with health, browser and security monitors,
opens incidents for what it finds and, when enabled, applies and verifies fixes.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			logger = logging.NewLogger(cfg.LogLevel, cfg.LogJSON)
			slog.SetDefault(logger)
		},
		RunE: runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the monitoring scheduler",
		RunE:  runServe,
	}

	checkCmd = &cobra.Command{
		Use:       "check [health|browser|security]",
		Short:     "Run one monitoring cycle and print its report",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"health", "browser", "security"},
		RunE:      runCheck,
	}

	fixCmd = &cobra.Command{
		Use:   "fix [incident-id]",
		Short: "Run the fix engine for one incident and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE:  runFix,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [markdown-file]",
		Short: "Ingest a markdown document into the knowledge base, one entry per section",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
)

func init() {
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "documentation", "knowledge category for the ingested sections")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source URL recorded for the sections (defaults to the file path)")

	rootCmd.AddCommand(serveCmd, checkCmd, fixCmd, ingestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
