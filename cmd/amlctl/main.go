// Package main implements amlctl, the command-line interface to the aml
// pattern knowledge store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/config"
	"github.com/fyrsmithlabs/aml/internal/logging"
	"github.com/fyrsmithlabs/aml/internal/patternbank"
)

var (
	// cfgFile overrides ~/.config/aml/config.yaml
	cfgFile string
	// owner is the agent namespace every record command works on
	owner string
	// jsonOutput switches every command to JSON output
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "amlctl",
	Short: "Manage the aml pattern knowledge store",
	Long: `amlctl queries, teaches and prunes the aml pattern knowledge store.

Records are kept per owner (an agent namespace). Configuration comes from
~/.config/aml/config.yaml and AML_* environment variables.

Examples:
  # Learn patterns from an action log
  amlctl learn --owner agent actions.json

  # List the most trusted records
  amlctl query --owner agent --trusted-only

  # Preview what pruning would remove
  amlctl prune --owner agent --dry-run`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/aml/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", os.Getenv("AML_OWNER"), "owner namespace (default $AML_OWNER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

// app is an opened pattern bank plus what it needs torn down.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	svc    *patternbank.Service
	closer func() error
}

// loadSettings reads configuration and builds the logger.
func loadSettings() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// initApp loads settings and opens the pattern bank.
func initApp(ctx context.Context, opts ...patternbank.Option) (*app, error) {
	cfg, logger, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return openApp(ctx, cfg, logger, opts...)
}

func openApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...patternbank.Option) (*app, error) {
	svc, closer, err := patternbank.Open(ctx, cfg, logger.Underlying(), opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open pattern bank: %w", err)
	}
	return &app{cfg: cfg, logger: logger, svc: svc, closer: closer}, nil
}

func (a *app) Close() {
	if err := a.closer(); err != nil {
		a.logger.Underlying().Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// requireOwner returns the --owner value or an error naming the flag.
func requireOwner() (string, error) {
	if owner == "" {
		return "", fmt.Errorf("--owner is required (or set AML_OWNER)")
	}
	return owner, nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
