package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

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
	return filepath.Join(home, ".config", "reposync"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage reposync configuration.

Running bare 'reposync config' is the same as 'reposync config show'.`,
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
const configTemplate = `# reposync configuration
# See: reposync config show (for effective values and sources)

# State directory for the database, lease files and the server PID file
# state_dir: {{ .StateDir }}

# SQLite database path
# db_path: {{ .DBPath }}

# Owner whose GitHub credential the CLI uses
owner: "{{ .Owner }}"

github:
  # API endpoint (change for GitHub Enterprise)
  api_url: "{{ .GitHubAPIURL }}"

server:
  listen_addr: "{{ .ListenAddr }}"
  # Public URL GitHub uses to reach the webhook endpoint
  public_url: "{{ .PublicURL }}"

worker:
  count: {{ .WorkerCount }}
  queue_size: {{ .QueueSize }}
  max_retry: {{ .MaxRetry }}

sync:
  # Commit message used when no Anthropic key is configured
  commit_message: "{{ .CommitMessage }}"

telemetry:
  enabled: {{ .TelemetryEnabled }}
  stdout: false
`

type configTemplateData struct {
	StateDir         string
	DBPath           string
	Owner            string
	GitHubAPIURL     string
	ListenAddr       string
	PublicURL        string
	WorkerCount      int
	QueueSize        int
	MaxRetry         int
	CommitMessage    string
	TelemetryEnabled bool
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

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		StateDir:         viper.GetString("state_dir"),
		DBPath:           viper.GetString("db_path"),
		Owner:            viper.GetString("owner"),
		GitHubAPIURL:     viper.GetString("github.api_url"),
		ListenAddr:       viper.GetString("server.listen_addr"),
		PublicURL:        viper.GetString("server.public_url"),
		WorkerCount:      viper.GetInt("worker.count"),
		QueueSize:        viper.GetInt("worker.queue_size"),
		MaxRetry:         viper.GetInt("worker.max_retry"),
		CommitMessage:    viper.GetString("sync.commit_message"),
		TelemetryEnabled: viper.GetBool("telemetry.enabled"),
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

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o600); err != nil {
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
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "REPOSYNC_STATE_DIR"},
	{Key: "db_path", EnvVar: "REPOSYNC_DB_PATH"},
	{Key: "owner", EnvVar: "REPOSYNC_OWNER"},
	{Key: "github.api_url", EnvVar: "REPOSYNC_GITHUB_API_URL"},
	{Key: "github.token", EnvVar: "REPOSYNC_GITHUB_TOKEN", Secret: true},
	{Key: "server.listen_addr", EnvVar: "REPOSYNC_SERVER_LISTEN_ADDR"},
	{Key: "server.public_url", EnvVar: "REPOSYNC_SERVER_PUBLIC_URL"},
	{Key: "worker.count", EnvVar: "REPOSYNC_WORKER_COUNT"},
	{Key: "worker.queue_size", EnvVar: "REPOSYNC_WORKER_QUEUE_SIZE"},
	{Key: "worker.max_retry", EnvVar: "REPOSYNC_WORKER_MAX_RETRY"},
	{Key: "sync.commit_message", EnvVar: "REPOSYNC_SYNC_COMMIT_MESSAGE"},
	{Key: "sync.lease_wait", EnvVar: "REPOSYNC_SYNC_LEASE_WAIT"},
	{Key: "anthropic.api_key", EnvVar: "REPOSYNC_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "REPOSYNC_ANTHROPIC_MODEL"},
	{Key: "telemetry.enabled", EnvVar: "REPOSYNC_TELEMETRY_ENABLED"},
	{Key: "telemetry.stdout", EnvVar: "REPOSYNC_TELEMETRY_STDOUT"},
	{Key: "telemetry.otlp_endpoint", EnvVar: "REPOSYNC_TELEMETRY_OTLP_ENDPOINT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
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
		return fmt.Errorf("config file not found: %s (run 'reposync config init' first)", cfgPath)
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
