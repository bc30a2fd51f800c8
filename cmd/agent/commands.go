package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"watchtower/services/agent/internal/monitor"
)

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	monitors := map[string]monitor.Monitor{
		"health":   a.health,
		"browser":  a.browser,
		"security": a.security,
	}
	selected, ok := monitors[args[0]]
	if !ok {
		return fmt.Errorf("unknown monitor %q", args[0])
	}

	report, err := selected.Run(cmd.Context())
	if printErr := printJSON(cmd, report); printErr != nil {
		return printErr
	}
	return err
}

func runFix(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	outcome, err := a.engine.ProcessIncident(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, outcome)
}

func runIngest(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	source := ingestSource
	if source == "" {
		absolute, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		source = "file://" + filepath.ToSlash(absolute)
	}

	ingested, err := a.knowledge.IngestMarkdown(cmd.Context(), source, string(content), ingestCategory)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"source": source, "sections_ingested": ingested})
}

func printJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
