package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fieldline.yml.
type Config struct {
	Horizon struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"horizon" json:"horizon"`
	Planning struct {
		// BacktrackDepth bounds eviction backtracking per placement.
		BacktrackDepth int `yaml:"backtrack_depth" json:"backtrack_depth"`
		// TimeLimitSeconds caps one solve or repair pass; 0 disables.
		TimeLimitSeconds int `yaml:"time_limit_seconds" json:"time_limit_seconds"`
		// WindowDays is the planning span length from the earliest bound.
		WindowDays int `yaml:"window_days" json:"window_days"`
	} `yaml:"planning" json:"planning"`
	Calendar struct {
		// DayStart/DayEnd are the default daily availability window
		// applied to resources registered without one.
		DayStart string `yaml:"day_start" json:"day_start"`
		DayEnd   string `yaml:"day_end" json:"day_end"`
	} `yaml:"calendar" json:"calendar"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound event notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// TimeLimit returns the planning time limit as a duration.
func (c *Config) TimeLimit() time.Duration {
	return time.Duration(c.Planning.TimeLimitSeconds) * time.Second
}

// Window returns the planning span length.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Planning.WindowDays) * 24 * time.Hour
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Horizon.ID == "" {
		return fmt.Errorf("config.horizon.id is required")
	}
	if c.Planning.BacktrackDepth < 0 {
		return fmt.Errorf("config.planning.backtrack_depth must be >= 0")
	}
	if c.Planning.TimeLimitSeconds < 0 {
		return fmt.Errorf("config.planning.time_limit_seconds must be >= 0")
	}
	if c.Planning.WindowDays < 1 {
		return fmt.Errorf("config.planning.window_days must be >= 1")
	}
	if err := validateClock("config.calendar.day_start", c.Calendar.DayStart); err != nil {
		return err
	}
	if err := validateClock("config.calendar.day_end", c.Calendar.DayEnd); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

func validateClock(field, v string) error {
	if v == "" {
		return nil
	}
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%s must be HH:MM, got %q", field, v)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl horizon config import --file <path>", path)
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

// Default returns the default Config struct for a horizon.
func Default(horizonID string) *Config {
	var cfg Config
	cfg.Horizon.ID = horizonID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, horizonID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(horizonID string) string {
	return fmt.Sprintf(defaultTemplate, horizonID)
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

const defaultTemplate = `horizon:
  id: %s

planning:
  backtrack_depth: 3
  time_limit_seconds: 10
  window_days: 14

calendar:
  day_start: "06:00"
  day_end: "20:00"
`
