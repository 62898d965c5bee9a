// Package commands holds the convertd command line.
package commands

import (
	"github.com/spf13/cobra"

	"convertd/config"
	"convertd/logger"
)

// flag names
const (
	flagEnvFile = "env-file"
)

var envFile string

func init() {
	RootCmd.PersistentFlags().StringVar(&envFile, flagEnvFile, ".env", "Optional dotenv file read before the environment")

	RootCmd.AddCommand(serveCmd())
	RootCmd.AddCommand(migrateCmd())
	RootCmd.AddCommand(formatsCmd())
	RootCmd.AddCommand(versionCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "convertd",
	Short:         "convertd - a media and document conversion service",
	Long:          "convertd accepts conversion jobs over HTTP, runs them through ffmpeg or pdftoppm on a bounded worker pool, and keeps every job in a relational store.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig reads configuration and sets up logging from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.Init(cfg.LogFile, true); err != nil {
		return config.Config{}, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}
