package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reviewdesk.yml.
type Config struct {
	Marketplace struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"marketplace"`
	Review struct {
		DefaultVisibility string `yaml:"default_visibility"`
	} `yaml:"review"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	switch c.Review.DefaultVisibility {
	case "", "public", "private", "unlisted":
	default:
		return fmt.Errorf("config.review.default_visibility must be public, private or unlisted")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewdesk.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

// WriteDefault writes the built-in template to the given path.
func WriteDefault(path string) error {
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: default
  name: Data Marketplace

review:
  default_visibility: private

rbac:
  roles:
    owner:
      description: "Full back-office access"
      permissions:
        - datasets:submit
        - datasets:read
        - datasets:pick
        - datasets:approve
        - datasets:reject
        - datasets:request_changes
        - datasets:publish
        - datasets:unpublish
        - datasets:reassign
        - datasets:archive
        - rbac:manage
        - events:read
        - apikeys:manage
    reviewer:
      description: "Reviews supplier proposals"
      permissions:
        - datasets:read
        - datasets:pick
        - datasets:approve
        - datasets:reject
        - datasets:request_changes
    publisher:
      description: "Controls what goes live"
      permissions:
        - datasets:read
        - datasets:publish
        - datasets:unpublish
        - datasets:archive
    auditor:
      description: "Read-only access to datasets and the event log"
      permissions:
        - datasets:read
        - events:read
    supplier:
      description: "Submits dataset proposals"
      permissions:
        - datasets:submit
        - datasets:read
`
