// Package cmd holds the wisp CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/workspace"
)

// Version is set at build time via
// -ldflags "-X github.com/openweaver/wisp/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "wisp",
	Short: "wisp — personal assistant gateway",
	Long: "wisp bridges chat transports (WhatsApp, Telegram, WeCom, shangwang) to an\n" +
		"LLM agent with tools, scheduled jobs, and a local knowledge base.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <workspace>/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(chatHistoryCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bridgeCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wisp %s\n", Version)
		},
	}
}

// configPath resolves the config file location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("WISP_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(workspace.DefaultDir(), "config.json")
}

// loadConfig reads the config and applies the logging level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	lv := slog.LevelInfo
	if verbose {
		level = "debug"
	}
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

// fail prints an error and exits with the user-error code.
func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
