package main

import (
	"github.com/spf13/cobra"

	"github.com/user/nextmeeting/internal/lifecycle"
)

var watchConfig bool

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	d, err := lifecycle.New(cfg, lifecycle.Options{
		ConfigPath:  cfgPath,
		Version:     version,
		WatchConfig: watchConfig,
		LogLevel:    logLevel,
	})
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}
