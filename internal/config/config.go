package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"fieldline/internal/domain"
)

// Config models fieldline.yml: the sampling, allocation and auto-run
// parameters every run reads. A single record is persisted in the DB and
// mutated through the admin surface.
type Config struct {
	Sampling struct {
		EligibleTypes       []string `yaml:"eligible_types"`
		DefaultPercentage   float64  `yaml:"default_percentage"`
		ActivityCoolingDays int      `yaml:"activity_cooling_days"`
		FarmerCoolingDays   int      `yaml:"farmer_cooling_days"`
		TaskDueInDays       int      `yaml:"task_due_in_days"`
	} `yaml:"sampling"`
	Callbacks struct {
		Auto bool `yaml:"auto"`
	} `yaml:"callbacks"`
	AutoRun struct {
		Enabled           bool   `yaml:"enabled"`
		ActivityThreshold int    `yaml:"activity_threshold"`
		ActivateFrom      string `yaml:"activate_from"`
		Schedule          string `yaml:"schedule"`
	} `yaml:"auto_run"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Sampling.EligibleTypes) == 0 {
		return fmt.Errorf("config.sampling.eligible_types is required")
	}
	for _, t := range c.Sampling.EligibleTypes {
		if !knownType(t) {
			return fmt.Errorf("config.sampling.eligible_types contains unknown type %s", t)
		}
	}
	if c.Sampling.DefaultPercentage <= 0 || c.Sampling.DefaultPercentage > 100 {
		return fmt.Errorf("config.sampling.default_percentage must be in (0,100]")
	}
	if c.Sampling.ActivityCoolingDays < 0 || c.Sampling.FarmerCoolingDays < 0 {
		return fmt.Errorf("config.sampling cooling days must not be negative")
	}
	if c.Sampling.TaskDueInDays < 0 {
		return fmt.Errorf("config.sampling.task_due_in_days must not be negative")
	}
	if c.AutoRun.Enabled {
		if c.AutoRun.ActivityThreshold < 1 {
			return fmt.Errorf("config.auto_run.activity_threshold must be at least 1 when auto-run is enabled")
		}
		if c.AutoRun.Schedule == "" {
			return fmt.Errorf("config.auto_run.schedule is required when auto-run is enabled")
		}
	}
	if c.AutoRun.ActivateFrom != "" {
		if _, err := time.Parse(time.RFC3339, c.AutoRun.ActivateFrom); err != nil {
			return fmt.Errorf("config.auto_run.activate_from must be RFC3339: %w", err)
		}
	}
	return nil
}

func knownType(t string) bool {
	for _, k := range domain.KnownActivityTypes {
		if string(k) == t {
			return true
		}
	}
	return false
}

// EligibleType reports whether an activity type is currently sampleable.
func (c *Config) EligibleType(t domain.ActivityType) bool {
	for _, e := range c.Sampling.EligibleTypes {
		if e == string(t) {
			return true
		}
	}
	return false
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
			return nil, fmt.Errorf("config %s not found; import with fieldline config import --file <path>", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `sampling:
  eligible_types: [field_day, group_meeting, demo_visit]
  default_percentage: 10
  activity_cooling_days: 90
  farmer_cooling_days: 30
  task_due_in_days: 7

callbacks:
  auto: true

auto_run:
  enabled: false
  activity_threshold: 25
  activate_from: ""
  schedule: "0 6 * * *"
`
