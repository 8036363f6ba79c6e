// Package main provides the coursechat CLI: the chat server, its database
// maintenance commands and a terminal chat client.
//
// # Basic Usage
//
// Start the server:
//
//	coursechat serve --config coursechat.yaml
//
// Issue a development token and chat as a student:
//
//	coursechat token --user u1 --role student
//	coursechat chat --user u1 --role student --peer i1
//
// # Environment Variables
//
// Every setting can be provided as COURSECHAT_<SECTION>_<KEY>, for example
// COURSECHAT_AUTH_SECRET or COURSECHAT_HTTP_PORT. A .env file in the working
// directory is loaded first; variables already set win.
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

	"coursechat/internal/app"
	"coursechat/internal/config"
	"coursechat/internal/database"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultEnvFile = ".env"

// rootOptions carries the persistent flags and the state loaded from them
type rootOptions struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "coursechat",
		Short: "Realtime student/instructor chat for the course marketplace",
		Long: `coursechat runs the chat backend (REST API plus WebSocket push) and
ships a terminal client that speaks to it as either a student or an instructor.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("COURSECHAT_CONFIG"), "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(
		buildServeCmd(opts),
		buildMigrateCmd(opts),
		buildTokenCmd(opts),
		buildUsersCmd(opts),
		buildChatCmd(opts),
	)
	return rootCmd
}

// load reads the env file, then the configuration, and builds the logger
func (o *rootOptions) load(logOut io.Writer) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			// only an explicitly named file has to exist
			if !errors.Is(err, fs.ErrNotExist) || o.envFile != defaultEnvFile {
				return fmt.Errorf("load env file %s: %w", o.envFile, err)
			}
		}
	}

	cfg, err := config.LoadConfigWithPrecedence(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = newLogger(cfg.Logging, logOut)
	slog.SetDefault(o.logger)
	return nil
}

func newLogger(cfg *config.LoggingConfig, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openDatabase opens the configured database without migrating it
func openDatabase(cfg *config.Config, logger *slog.Logger) (*database.Manager, error) {
	return database.NewManager(app.DatabaseConfig(cfg), logger)
}
