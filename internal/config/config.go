package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models splitpay.yml.
type Config struct {
	Cell struct {
		ID string `yaml:"id"`
	} `yaml:"cell"`
	Merchant struct {
		ID        string `yaml:"id"`
		ProfileID string `yaml:"profile_id"`
	} `yaml:"merchant"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Connectors map[string]ConnectorConfig `yaml:"connectors"`
	Defaults   struct {
		// Connector per method type; empty method types fall back to
		// the profile's connector.
		Connector map[string]string `yaml:"connector"`
	} `yaml:"defaults"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
		BasePath  string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ConnectorConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sp config init", path)
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
	if c.Cell.ID == "" {
		return fmt.Errorf("config.cell.id is required")
	}
	if c.Merchant.ID == "" {
		return fmt.Errorf("config.merchant.id is required")
	}
	if c.Merchant.ProfileID == "" {
		return fmt.Errorf("config.merchant.profile_id is required")
	}
	for name, cc := range c.Connectors {
		if name == "" {
			return fmt.Errorf("config.connectors contains empty connector name")
		}
		if cc.URL == "" {
			return fmt.Errorf("connector %s is missing url", name)
		}
	}
	for methodType, name := range c.Defaults.Connector {
		if name == "" {
			return fmt.Errorf("default connector for method type %s is empty", methodType)
		}
		if len(c.Connectors) > 0 {
			if _, ok := c.Connectors[name]; !ok {
				return fmt.Errorf("default connector %s for method type %s not defined", name, methodType)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d is missing url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "splitpay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(merchantID string) string {
	return fmt.Sprintf(defaultTemplate, merchantID)
}

// Default returns the default Config struct for a merchant.
func Default(merchantID string) *Config {
	var cfg Config
	cfg.Cell.ID = "cell0"
	cfg.Merchant.ID = merchantID
	cfg.Merchant.ProfileID = "default"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, merchantID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `cell:
  id: cell0

merchant:
  id: %s
  profile_id: default

redis:
  addr: 127.0.0.1:6379
  db: 0

connectors:
  testpay:
    url: http://127.0.0.1:9090/authorize
    timeout_seconds: 10

defaults:
  connector:
    gift_card: testpay
    card: testpay
    wallet: testpay
    bank_transfer: testpay

server:
  base_path: /v0
`
