package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/lifecycle"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath  string
	jsonOut  bool
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:           "nextmeeting",
	Short:         "Show your next meeting, backed by a calendar sync daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print responses as JSON")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the default slog handler. The level lives in
// logLevel so the daemon can change it on reload.
func setupLogging(cfg *config.Config) {
	logLevel.Set(lifecycle.ParseLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
