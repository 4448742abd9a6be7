package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arbiter-ai/arbiter/internal/dialectic"
	"github.com/arbiter-ai/arbiter/internal/output"
	"github.com/arbiter-ai/arbiter/internal/policy"
	"github.com/arbiter-ai/arbiter/internal/registry"
	"github.com/arbiter-ai/arbiter/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool

	buildVersion string
	buildCommit  string
	buildDate    string
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter - peer review consensus for paused agents",
	Long: `arbiter runs the dialectic recovery protocol for autonomous agents.
When the circuit breaker pauses an agent, arbiter selects a healthy peer
reviewer and the two negotiate resumption conditions through a
thesis / antithesis / synthesis exchange, ending in a dual-signed
resolution, an escalation to human operators, or a timeout.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
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
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/arbiter/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "arbiter")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ARBITER")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "arbiter")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "arbiter.db"))
	viper.SetDefault("policy_path", filepath.Join(defaultConfigDir, "policy.yaml"))
	viper.SetDefault("session.max_rounds", 3)
	viper.SetDefault("session.inactivity_threshold", "5m")
	viper.SetDefault("session.collusion_window", "24h")
	viper.SetDefault("reaper.interval", "1m")
	viper.SetDefault("cache.ttl", "30s")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store and service are initialized lazily so config/version commands
	// can run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = store.NewCachedStore(s, viper.GetDuration("cache.ttl"))
	return dataStore, nil
}

// newService builds the dialectic service from the shared store and the
// effective configuration.
func newService(logger *slog.Logger) (*dialectic.Service, store.Store, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}

	limits, err := policy.Load(viper.GetString("policy_path"))
	if err != nil {
		return nil, nil, fmt.Errorf("load policy: %w", err)
	}

	reg := registry.New(s)
	svc := dialectic.NewService(s, reg, limits, logger,
		dialectic.WithInactivityThreshold(viper.GetDuration("session.inactivity_threshold")),
		dialectic.WithMaxSynthesisRounds(viper.GetInt("session.max_rounds")),
	)
	svc.Selector().SetCollusionWindow(viper.GetDuration("session.collusion_window"))
	return svc, s, nil
}

// newRegistry builds a registry over the shared store.
func newRegistry() (*registry.Registry, store.Store, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	return registry.New(s), s, nil
}
