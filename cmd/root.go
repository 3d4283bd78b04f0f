package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/gitsync"
	"github.com/joescharf/reposync/internal/output"
	"github.com/joescharf/reposync/internal/publish"
	"github.com/joescharf/reposync/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reposync",
	Short: "Keep watch-app projects in sync with GitHub",
	Long: `reposync keeps the files of watch-app projects in sync with a GitHub
branch. It pushes local edits as single commits, pulls remote changes into the
local store, and reacts to GitHub push webhooks by pulling and dispatching
builds.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Out, "reposync %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/reposync/config.yaml)")
	rootCmd.PersistentFlags().String("owner", "", "Owner id whose GitHub credential is used")
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// .env in the working directory is optional.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "reposync")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("REPOSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "reposync"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "reposync.db"))
	viper.SetDefault("owner", "default")
	viper.SetDefault("github.api_url", github.DefaultAPIEndpoint)
	viper.SetDefault("github.token", "")
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("server.public_url", "http://localhost:8080")
	viper.SetDefault("worker.count", 4)
	viper.SetDefault("worker.queue_size", 64)
	viper.SetDefault("worker.max_retry", 5)
	viper.SetDefault("sync.commit_message", publish.DefaultMessage)
	viper.SetDefault("sync.lease_wait", "10s")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.stdout", false)
	viper.SetDefault("telemetry.otlp_endpoint", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The store is opened lazily so config/version run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// newLogger returns the structured logger for engine components.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(ui.ErrOut, &slog.HandlerOptions{Level: level}))
}

func newGitHubClient() *github.Client {
	c := github.NewClient()
	if u := viper.GetString("github.api_url"); u != "" && u != github.DefaultAPIEndpoint {
		c = c.WithBaseURL(u)
	}
	return c
}

// newOrchestrator wires the sync engine against the configured store and
// GitHub. queue may be nil for commands that never handle webhooks.
func newOrchestrator(s store.Store, queue gitsync.Queue, logger *slog.Logger) *gitsync.Orchestrator {
	return gitsync.New(gitsync.Options{
		Store:     s,
		Remote:    newGitHubClient(),
		Builder:   build.NewRecorder(s, logger),
		Queue:     queue,
		Leases:    gitsync.NewLeases(filepath.Join(viper.GetString("state_dir"), "leases"), viper.GetDuration("sync.lease_wait")),
		Messenger: newMessenger(logger),
		Logger:    logger,
	})
}

// commandContext bounds CLI sync operations.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Minute)
}
