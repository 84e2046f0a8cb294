// Command server runs the real-time market-data and alert-evaluation
// server.
package main

import (
	"fmt"
	"os"

	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/cli"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/config"
	"github.com/bhagtanibhavesh1979-oss/trade-yantra-pwa/internal/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithConfig(logging.Config{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	})

	rootCmd := cli.NewRootCmd(cfg, logger)
	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}
