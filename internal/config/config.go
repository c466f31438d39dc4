package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models buzzline.yml. Secrets (bot token, Twilio auth token, JWT
// secret) never live here; they come from the environment.
type Config struct {
	Server struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Approval struct {
		TimeoutSeconds       int `yaml:"timeout_seconds"`
		AccessLinkTTLHours   int `yaml:"access_link_ttl_hours"`
		AccessSlotTTLMinutes int `yaml:"access_slot_ttl_minutes"`
	} `yaml:"approval"`
	Telegram struct {
		ChatID      int64  `yaml:"chat_id"`
		BotUsername string `yaml:"bot_username"`
	} `yaml:"telegram"`
	Twilio struct {
		AccountSID     string `yaml:"account_sid"`
		FallbackNumber string `yaml:"fallback_number"`
		WaitMusicURL   string `yaml:"wait_music_url"`
	} `yaml:"twilio"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// DecisionTimeout returns the human-decision window.
func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

// AccessLinkTTL returns how long a generated access link stays redeemable.
func (c *Config) AccessLinkTTL() time.Duration {
	return time.Duration(c.Approval.AccessLinkTTLHours) * time.Hour
}

// AccessSlotTTL returns the admission-slot window opened by redeeming an
// access link.
func (c *Config) AccessSlotTTL() time.Duration {
	return time.Duration(c.Approval.AccessSlotTTLMinutes) * time.Minute
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with bz config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.approval.timeout_seconds must be positive")
	}
	if c.Approval.AccessLinkTTLHours <= 0 {
		return fmt.Errorf("config.approval.access_link_ttl_hours must be positive")
	}
	if c.Approval.AccessSlotTTLMinutes <= 0 {
		return fmt.Errorf("config.approval.access_slot_ttl_minutes must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buzzline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  listen: ":8080"
  base_path: /v0
  public_url: ""

approval:
  # Seconds the approver has before the call falls back.
  timeout_seconds: 30
  access_link_ttl_hours: 24
  access_slot_ttl_minutes: 10

telegram:
  chat_id: 0
  bot_username: ""

twilio:
  account_sid: ""
  fallback_number: ""
  wait_music_url: ""

webhooks: []
`
