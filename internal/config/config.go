// Package config loads workshift configuration from a YAML file with
// environment variable fallback (WSHIFT_* keys). Credentials are usually
// supplied via environment; everything else lives in the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SourceConfig configures the Rally source connector.
type SourceConfig struct {
	BaseURL   string   `mapstructure:"base_url"`
	APIKey    string   `mapstructure:"api_key"`
	Workspace string   `mapstructure:"workspace"`
	Types     []string `mapstructure:"types"`
	State     string   `mapstructure:"state"`
	Query     string   `mapstructure:"query"`
}

// TargetConfig configures the Azure DevOps target connector.
type TargetConfig struct {
	Organization string `mapstructure:"organization"`
	Project      string `mapstructure:"project"`
	PAT          string `mapstructure:"pat"`
}

// RunConfig configures the batch orchestrator.
type RunConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	Concurrency           int           `mapstructure:"concurrency"`
	AttachmentConcurrency int           `mapstructure:"attachment_concurrency"`
	MaxRetries            int           `mapstructure:"max_retries"`
	InterBatchDelay       time.Duration `mapstructure:"inter_batch_delay"`
	CheckpointFile        string        `mapstructure:"checkpoint_file"`
	ResultsFile           string        `mapstructure:"results_file"`
}

// Config is the full workshift configuration.
type Config struct {
	Source      SourceConfig `mapstructure:"source"`
	Target      TargetConfig `mapstructure:"target"`
	MappingFile string       `mapstructure:"mapping_file"`
	// TransitionsFile optionally overrides the built-in workflow
	// transition table (per-platform process templates differ).
	TransitionsFile string    `mapstructure:"transitions_file"`
	Run             RunConfig `mapstructure:"run"`
}

// Load reads configuration from the given file (or the default search
// paths when path is empty) and the WSHIFT_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wshift")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.wshift")
	}

	v.SetEnvPrefix("WSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("run.batch_size", 50)
	v.SetDefault("run.concurrency", 8)
	v.SetDefault("run.attachment_concurrency", 3)
	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.inter_batch_delay", 2*time.Second)
	v.SetDefault("run.checkpoint_file", ".wshift/checkpoint.json")
	v.SetDefault("run.results_file", ".wshift/results.json")
	v.SetDefault("mapping_file", "mapping.yaml")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when everything comes from the environment
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Source.APIKey == "" {
		return fmt.Errorf("source.api_key not configured (or set WSHIFT_SOURCE_API_KEY)")
	}
	if c.Target.Organization == "" {
		return fmt.Errorf("target.organization not configured")
	}
	if c.Target.Project == "" {
		return fmt.Errorf("target.project not configured")
	}
	if c.Target.PAT == "" {
		return fmt.Errorf("target.pat not configured (or set WSHIFT_TARGET_PAT)")
	}
	if c.MappingFile == "" {
		return fmt.Errorf("mapping_file not configured")
	}
	return nil
}
