package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
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
	return filepath.Join(home, ".config", "advisor"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage advisor configuration.

Every key can also be set from the environment as ADVISOR_<KEY>, with
dots replaced by underscores (e.g. ADVISOR_STORE_DRIVER=redis).

Running bare 'advisor config' is the same as 'advisor config show'.`,
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
const configTemplate = `# advisor configuration
# See: advisor config show (for effective values and sources)

# State/data directory (default: ~/.config/advisor)
# state_dir: {{ .StateDir }}

server:
  port: {{ .Port }}
  cors_origin: "{{ .CORSOrigin }}"

log:
  # debug, info, warn, error
  level: {{ .LogLevel }}
  # text or json
  format: {{ .LogFormat }}

store:
  # sqlite, memory, redis, or mongo
  driver: {{ .StoreDriver }}
  sqlite:
    path: {{ .SQLitePath }}
  redis:
    addr: {{ .RedisAddr }}
    prefix: "{{ .RedisPrefix }}"
  mongo:
    uri: {{ .MongoURI }}
    database: {{ .MongoDatabase }}

advisor:
  # anthropic or openai
  provider: {{ .Provider }}
  # Empty uses the provider default
  model: "{{ .Model }}"
  # Trailing messages sent to the model each turn
  history_window: {{ .HistoryWindow }}
  # Requests per second to the provider (0 = unlimited)
  rate_limit: {{ .RateLimit }}

# API keys fall back to ANTHROPIC_API_KEY / OPENAI_API_KEY when empty
anthropic:
  api_key: ""
openai:
  api_key: ""

dispatch:
  # Commit attempts before a turn reports session_busy
  max_attempts: {{ .MaxAttempts }}
  advisor_timeout: {{ .AdvisorTimeout }}
  max_input_length: {{ .MaxInputLength }}
`

type configTemplateData struct {
	StateDir       string
	Port           int
	CORSOrigin     string
	LogLevel       string
	LogFormat      string
	StoreDriver    string
	SQLitePath     string
	RedisAddr      string
	RedisPrefix    string
	MongoURI       string
	MongoDatabase  string
	Provider       string
	Model          string
	HistoryWindow  int
	RateLimit      float64
	MaxAttempts    int
	AdvisorTimeout string
	MaxInputLength int
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
		StateDir:       viper.GetString("state_dir"),
		Port:           viper.GetInt("server.port"),
		CORSOrigin:     viper.GetString("server.cors_origin"),
		LogLevel:       viper.GetString("log.level"),
		LogFormat:      viper.GetString("log.format"),
		StoreDriver:    viper.GetString("store.driver"),
		SQLitePath:     viper.GetString("store.sqlite.path"),
		RedisAddr:      viper.GetString("store.redis.addr"),
		RedisPrefix:    viper.GetString("store.redis.prefix"),
		MongoURI:       viper.GetString("store.mongo.uri"),
		MongoDatabase:  viper.GetString("store.mongo.database"),
		Provider:       viper.GetString("advisor.provider"),
		Model:          viper.GetString("advisor.model"),
		HistoryWindow:  viper.GetInt("advisor.history_window"),
		RateLimit:      viper.GetFloat64("advisor.rate_limit"),
		MaxAttempts:    viper.GetInt("dispatch.max_attempts"),
		AdvisorTimeout: viper.GetDuration("dispatch.advisor_timeout").String(),
		MaxInputLength: viper.GetInt("dispatch.max_input_length"),
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
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "server.port"},
	{Key: "server.cors_origin"},
	{Key: "server.pid_file"},
	{Key: "log.level"},
	{Key: "log.format"},
	{Key: "store.driver"},
	{Key: "store.sqlite.path"},
	{Key: "store.redis.addr"},
	{Key: "store.redis.db"},
	{Key: "store.redis.prefix"},
	{Key: "store.mongo.uri"},
	{Key: "store.mongo.database"},
	{Key: "store.mongo.collection"},
	{Key: "advisor.provider"},
	{Key: "advisor.model"},
	{Key: "advisor.history_window"},
	{Key: "advisor.rate_limit"},
	{Key: "advisor.rate_burst"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "openai.api_key", Secret: true},
	{Key: "openai.base_url"},
	{Key: "dispatch.max_attempts"},
	{Key: "dispatch.advisor_timeout"},
	{Key: "dispatch.max_input_length"},
}

// envVar returns the environment variable that overrides key.
func envVar(key string) string {
	return "ADVISOR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// maskSecret hides all but the last four characters of a secret value.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
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
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, envVar(k.Key), fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
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
		return fmt.Errorf("config file not found: %s (run 'advisor config init' first)", cfgPath)
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
