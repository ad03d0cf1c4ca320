package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dify-mcp/bridge/pkg/models"
)

const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"

	// DefaultWorkflowName is the tool registered when no workflows are configured.
	DefaultWorkflowName = "run_workflow"
)

// Config holds the configuration for the application.
type Config struct {
	Dify struct {
		BaseURL       string              `mapstructure:"base_url"`
		APIKey        string              `mapstructure:"api_key"`
		DefaultUserID string              `mapstructure:"default_user_id"`
		ResponseMode  models.ResponseMode `mapstructure:"response_mode"`
		OutputField   string              `mapstructure:"output_field"`
		Timeout       time.Duration       `mapstructure:"timeout"`
	} `mapstructure:"dify"`
	Workflows []models.WorkflowDefinition `mapstructure:"workflows"`
	Chat      struct {
		Enabled      bool                `mapstructure:"enabled"`
		APIKey       string              `mapstructure:"api_key"`
		ResponseMode models.ResponseMode `mapstructure:"response_mode"`
	} `mapstructure:"chat"`
	Server struct {
		Transport string `mapstructure:"transport"`
		Addr      string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"transport":     "server.transport",
	"addr":          "server.addr",
	"base-url":      "dify.base_url",
	"response-mode": "dify.response_mode",
	"timeout":       "dify.timeout",
	"log-level":     "log.level",
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func setDefaults(v *viper.Viper) {
	v.SetDefault("dify.base_url", "https://api.dify.ai/v1")
	v.SetDefault("dify.api_key", "")
	v.SetDefault("dify.default_user_id", "abc-123")
	v.SetDefault("dify.response_mode", string(models.ResponseModeBlocking))
	v.SetDefault("dify.output_field", "text")
	v.SetDefault("dify.timeout", "60s")
	v.SetDefault("chat.enabled", false)
	v.SetDefault("chat.api_key", "")
	v.SetDefault("chat.response_mode", string(models.ResponseModeBlocking))
	v.SetDefault("server.transport", TransportStdio)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "bridge")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("log.level", "info")
}

// LoadConfig loads the configuration from a file and the environment. An empty
// path searches config.yaml in the working directory and ./config; a missing
// file is not an error in that case. Flags, when given, take precedence.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if file := v.ConfigFileUsed(); file != "" {
		if err := restoreInputSchemas(file, config.Workflows); err != nil {
			return nil, err
		}
	}

	config.Dify.BaseURL = normalizeBaseURL(config.Dify.BaseURL)
	config.Workflows = resolveWorkflows(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that cannot be repaired by defaults. A missing API key
// is deliberately accepted here; it is reported on the first tool call.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Dify.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid dify.base_url %q: must be an absolute http(s) URL", c.Dify.BaseURL)
	}
	if c.Dify.Timeout <= 0 {
		return fmt.Errorf("invalid dify.timeout %s: must be positive", c.Dify.Timeout)
	}
	if !c.Dify.ResponseMode.Valid() {
		return fmt.Errorf("invalid dify.response_mode %q", c.Dify.ResponseMode)
	}
	if c.Chat.Enabled && !c.Chat.ResponseMode.Valid() {
		return fmt.Errorf("invalid chat.response_mode %q", c.Chat.ResponseMode)
	}
	switch c.Server.Transport {
	case TransportStdio, TransportSSE:
	default:
		return fmt.Errorf("invalid server.transport %q: expected %s or %s", c.Server.Transport, TransportStdio, TransportSSE)
	}

	seen := make(map[string]bool, len(c.Workflows))
	for _, wf := range c.Workflows {
		if !toolNamePattern.MatchString(wf.Name) {
			return fmt.Errorf("invalid workflow name %q: use letters, digits, '_' or '-'", wf.Name)
		}
		if seen[wf.Name] {
			return fmt.Errorf("duplicate workflow name %q", wf.Name)
		}
		seen[wf.Name] = true
		if !wf.ResponseMode.Valid() {
			return fmt.Errorf("workflow %q: invalid response_mode %q", wf.Name, wf.ResponseMode)
		}
	}
	if c.Chat.Enabled && (seen["chat_completion"] || seen["get_conversation_history"]) {
		return errors.New("workflow names chat_completion and get_conversation_history are reserved when chat is enabled")
	}
	return nil
}

// resolveWorkflows fills per-workflow gaps from the global settings and
// provides the default tool when nothing is configured.
func resolveWorkflows(c *Config) []models.WorkflowDefinition {
	workflows := c.Workflows
	if len(workflows) == 0 {
		workflows = []models.WorkflowDefinition{{
			Name:        DefaultWorkflowName,
			Description: "Run a Dify workflow with the provided inputs.",
		}}
	}

	resolved := make([]models.WorkflowDefinition, 0, len(workflows))
	for _, wf := range workflows {
		wf.Name = strings.TrimSpace(wf.Name)
		if wf.Description == "" {
			wf.Description = fmt.Sprintf("Run the Dify workflow %q with the provided inputs.", wf.Name)
		}
		if wf.APIKey == "" {
			wf.APIKey = c.Dify.APIKey
		}
		if wf.ResponseMode == "" {
			wf.ResponseMode = c.Dify.ResponseMode
		}
		if wf.OutputField == "" {
			wf.OutputField = c.Dify.OutputField
		}
		resolved = append(resolved, wf)
	}
	return resolved
}

// restoreInputSchemas reloads workflows[].input_schema from the raw file. viper
// folds map keys to lower case, while Dify variable names and JSON schema
// keywords such as minLength are case sensitive.
func restoreInputSchemas(path string, workflows []models.WorkflowDefinition) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var raw struct {
		Workflows []struct {
			InputSchema map[string]interface{} `yaml:"input_schema"`
		} `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode workflows: %w", err)
	}
	if len(raw.Workflows) != len(workflows) {
		return nil
	}
	for i := range workflows {
		workflows[i].InputSchema = raw.Workflows[i].InputSchema
	}
	return nil
}

// ChatAPIKey returns the key used by the chat tools.
func (c *Config) ChatAPIKey() string {
	if c.Chat.APIKey != "" {
		return c.Chat.APIKey
	}
	return c.Dify.APIKey
}

// DSN builds the PostgreSQL connection string for the audit store.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// normalizeBaseURL trims whitespace and any trailing slash so that paths can be
// appended with a single "/".
func normalizeBaseURL(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
