package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "dm"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage dm configuration.

Running bare 'dm config' is the same as 'dm config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# dm configuration
# See: dm config show (for effective values and sources)

# State directory (default: ~/.config/dm)
# state_dir: {{ .StateDir }}

# Parent directory of every project workspace
projects_dir: "{{ .ProjectsDir }}"

# Project registry, action log and deployment history
# store_path: {{ .StorePath }}
# log_path: {{ .LogPath }}
# db_path: {{ .DBPath }}

# Control API port (dm serve)
port: {{ .Port }}

# Branch used when a deploy does not name one
default_branch: "{{ .DefaultBranch }}"

# Snapshot downloads
fetch:
  timeout: {{ .FetchTimeout }}
  # Workspace entries kept across a refresh (.dockerignore syntax)
  # preserve:
  #   - ".env"
  #   - "data/**"
  # Self-hosted code hosts: host -> github | gitlab | bitbucket | gitea
  # hosts:
  #   git.example.com: gitea

# Dependency installation after each fetch
install:
  enabled: {{ .InstallEnabled }}
  timeout: {{ .InstallTimeout }}
  # Override the command for a manifest file
  # commands:
  #   requirements.txt: "uv pip install -r requirements.txt"

# Parallel refreshes for refresh-all and webhooks
refresh:
  concurrency: {{ .RefreshConcurrency }}

# Push webhook (POST /webhook); set to verify X-Hub-Signature-256
webhook:
  secret: ""

# Conversational deploy workflow; empty allows every operator
chat:
  operators: []
`

type configTemplateData struct {
	StateDir           string
	ProjectsDir        string
	StorePath          string
	LogPath            string
	DBPath             string
	Port               int
	DefaultBranch      string
	FetchTimeout       time.Duration
	InstallEnabled     bool
	InstallTimeout     time.Duration
	RefreshConcurrency int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		ProjectsDir:        viper.GetString("projects_dir"),
		StorePath:          viper.GetString("store_path"),
		LogPath:            viper.GetString("log_path"),
		DBPath:             viper.GetString("db_path"),
		Port:               viper.GetInt("port"),
		DefaultBranch:      viper.GetString("default_branch"),
		FetchTimeout:       viper.GetDuration("fetch.timeout"),
		InstallEnabled:     viper.GetBool("install.enabled"),
		InstallTimeout:     viper.GetDuration("install.timeout"),
		RefreshConcurrency: viper.GetInt("refresh.concurrency"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "DM_STATE_DIR"},
	{Key: "projects_dir", EnvVar: "DM_PROJECTS_DIR"},
	{Key: "store_path", EnvVar: "DM_STORE_PATH"},
	{Key: "log_path", EnvVar: "DM_LOG_PATH"},
	{Key: "db_path", EnvVar: "DM_DB_PATH"},
	{Key: "port", EnvVar: "DM_PORT"},
	{Key: "default_branch", EnvVar: "DM_DEFAULT_BRANCH"},
	{Key: "name_max_length", EnvVar: "DM_NAME_MAX_LENGTH"},
	{Key: "fetch.timeout", EnvVar: "DM_FETCH_TIMEOUT"},
	{Key: "fetch.max_archive_bytes", EnvVar: "DM_FETCH_MAX_ARCHIVE_BYTES"},
	{Key: "fetch.preserve", EnvVar: "DM_FETCH_PRESERVE"},
	{Key: "fetch.hosts", EnvVar: "DM_FETCH_HOSTS"},
	{Key: "install.enabled", EnvVar: "DM_INSTALL_ENABLED"},
	{Key: "install.timeout", EnvVar: "DM_INSTALL_TIMEOUT"},
	{Key: "install.commands", EnvVar: "DM_INSTALL_COMMANDS"},
	{Key: "refresh.concurrency", EnvVar: "DM_REFRESH_CONCURRENCY"},
	{Key: "webhook.secret", EnvVar: "DM_WEBHOOK_SECRET"},
	{Key: "chat.operators", EnvVar: "DM_CHAT_OPERATORS"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "webhook.secret" && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'dm config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
