package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models workdeck.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Defaults struct {
		TaskTypes []string `yaml:"task_types"`
		Priority  int      `yaml:"priority"`
	} `yaml:"defaults"`
	Automation struct {
		Enabled bool `yaml:"enabled"`
		// MaxTemplatesPerRule bounds one rule's batch size.
		MaxTemplatesPerRule int `yaml:"max_templates_per_rule"`
	} `yaml:"automation"`
	Sessions struct {
		// AutoCloseOnRelease closes the open work session when a task is
		// released or completed.
		AutoCloseOnRelease bool `yaml:"auto_close_on_release"`
	} `yaml:"sessions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with wd org config import --file <path>", path)
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
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Defaults.TaskTypes) == 0 {
		return fmt.Errorf("config.defaults.task_types must name at least one type")
	}
	seen := map[string]bool{}
	for _, tt := range c.Defaults.TaskTypes {
		if tt == "" {
			return fmt.Errorf("config.defaults.task_types contains empty name")
		}
		if seen[tt] {
			return fmt.Errorf("config.defaults.task_types lists %s twice", tt)
		}
		seen[tt] = true
	}
	if c.Automation.MaxTemplatesPerRule < 0 {
		return fmt.Errorf("config.automation.max_templates_per_rule must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workdeck.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
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

// ToYAML serializes for storage in the org_configs table.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `org:
  id: %s
  name: ""

defaults:
  task_types:
    - feature
    - bug
    - chore
  priority: 3

automation:
  enabled: true
  max_templates_per_rule: 20

sessions:
  auto_close_on_release: true
`
