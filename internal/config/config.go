package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sigrelay.
type Config struct {
	Store       StoreConfig       `json:"store" yaml:"store"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	API         APIConfig         `json:"api" yaml:"api"`
	Relay       RelayConfig       `json:"relay" yaml:"relay"`
	Attachments AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

type StoreConfig struct {
	Path       string `json:"path" yaml:"path"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
}

// GatewayConfig locates the signal-cli REST gateway.
type GatewayConfig struct {
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// APIConfig configures the message submission API.
type APIConfig struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Metrics bool   `json:"metrics" yaml:"metrics"`

	// RatePerMinute limits submissions per client address; 0 disables.
	RatePerMinute float64 `json:"ratePerMinute" yaml:"ratePerMinute"`
	Burst         int     `json:"burst" yaml:"burst"`

	// Destination patterns (anchored, case-insensitive). Deny wins.
	AllowDestinations []string `json:"allowDestinations,omitempty" yaml:"allowDestinations,omitempty"`
	DenyDestinations  []string `json:"denyDestinations,omitempty" yaml:"denyDestinations,omitempty"`
}

type RelayConfig struct {
	GraceWindowMs         int `json:"graceWindowMs" yaml:"graceWindowMs"`
	QueueSize             int `json:"queueSize" yaml:"queueSize"`
	EnqueueTimeoutSeconds int `json:"enqueueTimeoutSeconds" yaml:"enqueueTimeoutSeconds"`
}

type AttachmentsConfig struct {
	Dir string `json:"dir" yaml:"dir"` // empty = per-process temp dir
}

type NotifyConfig struct {
	Console  bool           `json:"console" yaml:"console"`
	Desktop  bool           `json:"desktop" yaml:"desktop"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  WebhookConfig  `json:"discord" yaml:"discord"`
	Slack    WebhookConfig  `json:"slack" yaml:"slack"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty" yaml:"chatId,omitempty"`
}

type WebhookConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
}

type RedisConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
	Color bool   `json:"color" yaml:"color"`
}

// DefaultConfigDir returns the default config directory (~/.sigrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sigrelay"
	}
	return filepath.Join(home, ".sigrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Attachments.Dir = ExpandPath(cfg.Attachments.Dir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.Store.Path = ExpandPath(cfg.Store.Path)
		return cfg, nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or indented JSON depending on the extension. The
// file may hold secrets and is written 0600.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if cfg.Gateway.URL == "" {
		errs = append(errs, "gateway.url is required")
	} else if !strings.HasPrefix(cfg.Gateway.URL, "http://") && !strings.HasPrefix(cfg.Gateway.URL, "https://") {
		errs = append(errs, "gateway.url must start with http:// or https://")
	}
	if cfg.Gateway.TimeoutSeconds < 1 {
		errs = append(errs, "gateway.timeoutSeconds must be >= 1")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.RatePerMinute < 0 || cfg.API.Burst < 0 {
		errs = append(errs, "api.ratePerMinute and api.burst must be >= 0")
	}
	if cfg.Relay.GraceWindowMs < 0 {
		errs = append(errs, "relay.graceWindowMs must be >= 0")
	}
	if cfg.Relay.QueueSize < 1 || cfg.Relay.QueueSize > 100000 {
		errs = append(errs, "relay.queueSize must be between 1 and 100000")
	}
	if cfg.Relay.EnqueueTimeoutSeconds < 1 {
		errs = append(errs, "relay.enqueueTimeoutSeconds must be >= 1")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	n := cfg.Notify
	if n.Telegram.Enabled && (n.Telegram.Token == "" || n.Telegram.ChatID == 0) {
		errs = append(errs, "notify.telegram: token and chatId are required when enabled")
	}
	if n.Discord.Enabled && n.Discord.WebhookURL == "" {
		errs = append(errs, "notify.discord.webhookUrl is required when enabled")
	}
	if n.Slack.Enabled && n.Slack.WebhookURL == "" {
		errs = append(errs, "notify.slack.webhookUrl is required when enabled")
	}
	if n.Redis.Enabled && n.Redis.URL == "" {
		errs = append(errs, "notify.redis.url is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
