package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/dm/internal/actionlog"
	"github.com/joescharf/dm/internal/deploy"
	"github.com/joescharf/dm/internal/fetch"
	"github.com/joescharf/dm/internal/history"
	"github.com/joescharf/dm/internal/installer"
	"github.com/joescharf/dm/internal/output"
	"github.com/joescharf/dm/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	logger *slog.Logger

	// Built lazily so config/version commands run without touching state.
	orchestrator *deploy.Orchestrator
	actions      *actionlog.Log
	historyDB    *history.SQLiteStore

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "dm",
	Short: "Deploy manager - fetch, install and refresh project snapshots",
	Long: `dm deploys projects from remote code hosts into local workspaces.
It downloads branch snapshots, installs dependencies, keeps a project
registry and deployment history, and exposes a control API, webhook
endpoint, conversational deploy workflow and MCP tools.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/dm/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("projects_dir", filepath.Join(stateDir, "projects"))
	viper.SetDefault("store_path", filepath.Join(stateDir, "projects.json"))
	viper.SetDefault("log_path", filepath.Join(stateDir, "deploy.log"))
	viper.SetDefault("db_path", filepath.Join(stateDir, "dm.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("default_branch", "main")
	viper.SetDefault("name_max_length", deploy.DefaultMaxNameLength)
	viper.SetDefault("fetch.timeout", fetch.DefaultTimeout)
	viper.SetDefault("fetch.max_archive_bytes", fetch.DefaultMaxArchiveBytes)
	viper.SetDefault("fetch.preserve", []string{})
	viper.SetDefault("fetch.hosts", map[string]string{})
	viper.SetDefault("install.enabled", true)
	viper.SetDefault("install.timeout", installer.DefaultTimeout)
	viper.SetDefault("install.commands", map[string]string{})
	viper.SetDefault("refresh.concurrency", deploy.DefaultConcurrency)
	viper.SetDefault("webhook.secret", "")
	viper.SetDefault("chat.operators", []string{})
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// rootRun handles `dm` with no subcommand: list projects, or show help when
// there are none.
func rootRun(cmd *cobra.Command) error {
	o, err := getOrchestrator()
	if err != nil || len(o.List(false)) == 0 {
		return cmd.Help()
	}
	return listRun(false)
}

// getActionLog returns the shared action log, opening it on first call.
func getActionLog() (*actionlog.Log, error) {
	if actions != nil {
		return actions, nil
	}
	l, err := actionlog.New(viper.GetString("log_path"), logger)
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}
	actions = l
	return actions, nil
}

// getHistory returns the shared history database, initializing it on first call.
func getHistory() (*history.SQLiteStore, error) {
	if historyDB != nil {
		return historyDB, nil
	}

	s, err := history.NewSQLiteStore(viper.GetString("db_path"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootContext()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	historyDB = s
	return historyDB, nil
}

// getOrchestrator wires the store, fetcher, installer, action log and history
// into the shared Orchestrator on first call.
func getOrchestrator() (*deploy.Orchestrator, error) {
	if orchestrator != nil {
		return orchestrator, nil
	}

	projects, err := store.NewFileStore(viper.GetString("store_path"), logger)
	if err != nil {
		return nil, fmt.Errorf("open project store: %w", err)
	}
	log, err := getActionLog()
	if err != nil {
		return nil, err
	}
	hist, err := getHistory()
	if err != nil {
		return nil, err
	}
	fetcher, err := newFetcher()
	if err != nil {
		return nil, err
	}

	o, err := deploy.New(deploy.Options{
		Store:         projects,
		Fetcher:       fetcher,
		Installer:     newInstaller(),
		Log:           log,
		History:       hist,
		ProjectsDir:   viper.GetString("projects_dir"),
		MaxNameLength: viper.GetInt("name_max_length"),
		DefaultBranch: viper.GetString("default_branch"),
		Concurrency:   viper.GetInt("refresh.concurrency"),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	orchestrator = o
	return orchestrator, nil
}

func newFetcher() (*fetch.HTTPFetcher, error) {
	extra := make(map[string]fetch.Family)
	for host, family := range viper.GetStringMapString("fetch.hosts") {
		f, err := fetch.ParseFamily(family)
		if err != nil {
			return nil, fmt.Errorf("fetch.hosts[%s]: %w", host, err)
		}
		extra[strings.ToLower(host)] = f
	}
	return fetch.New(fetch.Options{
		Hosts:           fetch.NewHostTable(extra),
		Timeout:         viper.GetDuration("fetch.timeout"),
		MaxArchiveBytes: viper.GetInt64("fetch.max_archive_bytes"),
		Preserve:        viper.GetStringSlice("fetch.preserve"),
		Logger:          logger,
	})
}

func newInstaller() *installer.CommandInstaller {
	return installer.New(installer.Options{
		Overrides: viper.GetStringMapString("install.commands"),
		Timeout:   viper.GetDuration("install.timeout"),
		Disabled:  !viper.GetBool("install.enabled"),
		Logger:    logger,
	})
}

// closeDeps releases resources opened by the lazy getters.
func closeDeps() {
	if historyDB != nil {
		_ = historyDB.Close()
		historyDB = nil
	}
	orchestrator = nil
	actions = nil
}
