package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shopsmart/shopsync/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "shopsync",
	Short: "ShopSync - offline cache and sync agent for ShopSmart",
	Long: "ShopSync sits between the ShopSmart pages and the origin server. It caches " +
		"responses, queues mutations made while offline and replays them when the " +
		"connection returns.",
	SilenceUsage:      true,
	PersistentPreRunE: loadDotEnv,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadDotEnv loads a .env file from the working directory so SHOPSYNC_*
// overrides can live in a dotfile. Variables already set win.
func loadDotEnv(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadConfig loads the configuration and installs the default logger.
// Subcommands log to stderr so their output stays parseable.
func loadConfig(logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Log, logOut))
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"version": Version})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "shopsync %s\n", Version)
		return nil
	},
}

// stderr is where subcommands log. Tests swap it out.
var stderr io.Writer = os.Stderr
