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
	return filepath.Join(home, ".config", "codegenapp"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage codegenapp configuration.

Running bare 'codegenapp config' is the same as 'codegenapp config show'.`,
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
const configTemplate = `# codegenapp configuration
# See: codegenapp config show (for effective values and sources)

# State/data directory (default: ~/.config/codegenapp)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/codegenapp/codegenapp.db)
# db_path: {{ .DBPath }}

# Port for 'codegenapp serve' (default: 8080)
# port: {{ .Port }}

# Max concurrent browser sessions, shared by chat resume and web
# evaluation (default: 3)
# max_concurrent: {{ .MaxConcurrent }}

# Codegen agent API
codegen:
  api_url: "{{ .CodegenAPIURL }}"
  api_token: ""
  org_id: ""

# GitHub access for PR inspection, merging, and validation comments
github:
  token: ""

# GitHub webhook receiver. Deliveries are rejected unless signed with
# this secret; leave empty to disable the receiver.
webhook:
  secret: ""

# Slack notifications for run and pipeline transitions
slack:
  webhook_url: ""

# PR risk analysis via the Anthropic API
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Browser automation for resuming runs through the web chat UI
browser:
  # Exported Chrome auth context (cookies, storage)
  # auth_context: {{ .BrowserAuthContext }}
  headless: {{ .BrowserHeadless }}

# Validation pipeline step configuration file (optional)
# pipeline:
#   config: ""
#   sandbox_url: ""
#   build_url: ""
#   eval_url: ""

# Cron schedule for reconciling non-terminal runs with the agent API
poll:
  schedule: "{{ .PollSchedule }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	Port               int
	MaxConcurrent      int
	CodegenAPIURL      string
	AnthropicModel     string
	BrowserAuthContext string
	BrowserHeadless    bool
	PollSchedule       string
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
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		Port:               viper.GetInt("port"),
		MaxConcurrent:      viper.GetInt("max_concurrent"),
		CodegenAPIURL:      viper.GetString("codegen.api_url"),
		AnthropicModel:     viper.GetString("anthropic.model"),
		BrowserAuthContext: viper.GetString("browser.auth_context"),
		BrowserHeadless:    viper.GetBool("browser.headless"),
		PollSchedule:       viper.GetString("poll.schedule"),
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

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0600); err != nil {
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
	{Key: "state_dir", EnvVar: "CODEGENAPP_STATE_DIR"},
	{Key: "db_path", EnvVar: "CODEGENAPP_DB_PATH"},
	{Key: "port", EnvVar: "CODEGENAPP_PORT"},
	{Key: "max_concurrent", EnvVar: "CODEGENAPP_MAX_CONCURRENT"},
	{Key: "codegen.api_url", EnvVar: "CODEGENAPP_CODEGEN_API_URL"},
	{Key: "codegen.api_token", EnvVar: "CODEGENAPP_CODEGEN_API_TOKEN", Secret: true},
	{Key: "codegen.org_id", EnvVar: "CODEGENAPP_CODEGEN_ORG_ID"},
	{Key: "github.api_url", EnvVar: "CODEGENAPP_GITHUB_API_URL"},
	{Key: "github.token", EnvVar: "CODEGENAPP_GITHUB_TOKEN", Secret: true},
	{Key: "webhook.secret", EnvVar: "CODEGENAPP_WEBHOOK_SECRET", Secret: true},
	{Key: "slack.webhook_url", EnvVar: "CODEGENAPP_SLACK_WEBHOOK_URL", Secret: true},
	{Key: "anthropic.api_key", EnvVar: "CODEGENAPP_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "CODEGENAPP_ANTHROPIC_MODEL"},
	{Key: "browser.auth_context", EnvVar: "CODEGENAPP_BROWSER_AUTH_CONTEXT"},
	{Key: "browser.headless", EnvVar: "CODEGENAPP_BROWSER_HEADLESS"},
	{Key: "browser.screenshot_dir", EnvVar: "CODEGENAPP_BROWSER_SCREENSHOT_DIR"},
	{Key: "pipeline.config", EnvVar: "CODEGENAPP_PIPELINE_CONFIG"},
	{Key: "pipeline.sandbox_url", EnvVar: "CODEGENAPP_PIPELINE_SANDBOX_URL"},
	{Key: "pipeline.build_url", EnvVar: "CODEGENAPP_PIPELINE_BUILD_URL"},
	{Key: "pipeline.eval_url", EnvVar: "CODEGENAPP_PIPELINE_EVAL_URL"},
	{Key: "poll.schedule", EnvVar: "CODEGENAPP_POLL_SCHEDULE"},
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
			if s, ok := val.(string); ok && s != "" {
				val = "(set)"
			}
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
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
		return fmt.Errorf("$EDITOR is not set, export it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'codegenapp config init' first)", cfgPath)
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
