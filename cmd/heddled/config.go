// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teradata-labs/heddle/pkg/autonomy"
	"github.com/teradata-labs/heddle/pkg/broker"
	"github.com/teradata-labs/heddle/pkg/hub"
	"github.com/teradata-labs/heddle/pkg/memory"
	"github.com/teradata-labs/heddle/pkg/model"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/types"
)

const (
	// ServiceName for keyring storage
	ServiceName = "heddle"
	// DefaultConfigFileName is the name of the config file
	DefaultConfigFileName = "heddle"
)

// Config holds all configuration for the hub daemon.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	Model       model.Config          `mapstructure:"model"`
	Memory      memory.Config         `mapstructure:"memory"`
	Prompts     hub.PromptsConfig     `mapstructure:"prompts"`
	Council     hub.CouncilConfig     `mapstructure:"council"`
	Sandbox     hub.SandboxConfig     `mapstructure:"sandbox"`
	Composer    hub.ComposerConfig    `mapstructure:"composer"`
	ToolServers broker.Config         `mapstructure:"tool_servers"`
	Autonomy    autonomy.Config       `mapstructure:"autonomy"`
	Maintenance hub.MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Tracing exports hub spans and metrics as structured log lines.
	Tracing bool `mapstructure:"tracing"`
}

// HubConfig assembles the hub's view of the configuration.
func (c *Config) HubConfig(logger *zap.Logger) hub.Config {
	cfg := hub.Config{
		Prompts:     c.Prompts,
		Model:       c.Model,
		Memory:      c.Memory,
		ToolServers: c.ToolServers,
		Council:     c.Council,
		Sandbox:     c.Sandbox,
		Composer:    c.Composer,
		Autonomy:    c.Autonomy,
		Logger:      logger,
	}
	if c.Logging.Tracing {
		cfg.Tracer = observability.NewLogTracer(logger)
	}
	return cfg
}

// dataDir is the default state directory, overridable with HEDDLE_DATA_DIR.
func dataDir() string {
	if dir := os.Getenv("HEDDLE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".heddle")
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(dataDir())
		viper.AddConfigPath("/etc/heddle/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// No config file; defaults + env vars + flags carry the day.
	}

	viper.SetEnvPrefix("HEDDLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Keyring might be unavailable; secrets can still arrive via env.
	_ = loadSecretsFromKeyring(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("model.provider", "anthropic")
	viper.SetDefault("model.max_tokens", 4096)

	viper.SetDefault("memory.driver", "sqlite3")
	viper.SetDefault("memory.path", filepath.Join(dataDir(), "heddle.db"))

	viper.SetDefault("sandbox.runner", "local")
	viper.SetDefault("composer.summarizer", "rolling")

	viper.SetDefault("autonomy.max_retries", 3)
	viper.SetDefault("autonomy.budget_tokens", 32000)
	viper.SetDefault("autonomy.default_autonomy", "medium")

	viper.SetDefault("maintenance.health_check_schedule", "*/1 * * * *")
	viper.SetDefault("maintenance.snapshot_schedule", "*/15 * * * *")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.tracing", false)
}

// Validate rejects configurations the hub would refuse anyway, early and
// with a friendlier message.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "bedrock", "scripted", "":
	default:
		return fmt.Errorf("model.provider %q is not one of anthropic, bedrock, scripted", c.Model.Provider)
	}
	if level := c.Autonomy.DefaultAutonomy; level != "" {
		if _, err := types.ParseAutonomyLevel(level); err != nil {
			return fmt.Errorf("autonomy.default_autonomy: %w", err)
		}
	}
	if err := c.ToolServers.Validate(); err != nil {
		return fmt.Errorf("tool_servers: %w", err)
	}
	return nil
}

// SecretMapping defines how to load a secret from the keyring into the
// config. Values already present (flag, env, file) win over the keyring.
type SecretMapping struct {
	KeyringKey string
	Setter     func(*Config, string)
	IsSet      func(*Config) bool
}

// GetSecretMappings returns all secret mappings for the application.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "anthropic_api_key",
			Setter:     func(c *Config, val string) { c.Model.APIKey = val },
			IsSet:      func(c *Config) bool { return c.Model.APIKey != "" },
		},
		{
			KeyringKey: "aws_access_key_id",
			Setter:     func(c *Config, val string) { c.Model.AccessKeyID = val },
			IsSet:      func(c *Config) bool { return c.Model.AccessKeyID != "" },
		},
		{
			KeyringKey: "aws_secret_access_key",
			Setter:     func(c *Config, val string) { c.Model.SecretAccessKey = val },
			IsSet:      func(c *Config) bool { return c.Model.SecretAccessKey != "" },
		},
		{
			KeyringKey: "aws_session_token",
			Setter:     func(c *Config, val string) { c.Model.SessionToken = val },
			IsSet:      func(c *Config) bool { return c.Model.SessionToken != "" },
		},
		{
			KeyringKey: "db_encryption_key",
			Setter:     func(c *Config, val string) { c.Memory.EncryptionKey = val },
			IsSet:      func(c *Config) bool { return c.Memory.EncryptionKey != "" },
		},
	}
}

// loadSecretsFromKeyring fills unset secrets from the system keyring.
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		if mapping.IsSet(config) {
			continue
		}
		value, err := keyring.Get(ServiceName, mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Setter(config, value)
		}
		// Absent keys are fine; the provider's env fallback still applies.
	}
	return nil
}

// ListAvailableSecretKeys returns all known keyring secret names.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, 0, len(mappings))
	for _, m := range mappings {
		keys = append(keys, m.KeyringKey)
	}
	return keys
}

// WatchConfig reloads the hot-swappable settings when the config file
// changes: the log level and the default autonomy level for new sessions.
func WatchConfig(h *hub.Hub, logger *zap.Logger) {
	viper.OnConfigChange(func(fsnotify.Event) {
		var updated Config
		if err := viper.Unmarshal(&updated); err != nil {
			logger.Warn("Config reload failed", zap.Error(err))
			return
		}
		if level, err := zapcore.ParseLevel(updated.Logging.Level); err == nil {
			logLevel.SetLevel(level)
		}
		if updated.Autonomy.DefaultAutonomy != "" {
			if level, err := types.ParseAutonomyLevel(updated.Autonomy.DefaultAutonomy); err == nil {
				for _, id := range h.Sessions() {
					if !h.Session(id).Archived() {
						_ = h.SetAutonomyLevel(id, level)
					}
				}
			}
		}
		logger.Info("Config reloaded",
			zap.String("log_level", updated.Logging.Level),
			zap.String("default_autonomy", updated.Autonomy.DefaultAutonomy))
	})
	viper.WatchConfig()
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return heredoc.Doc(`
		# Heddle hub configuration.
		# Secrets (API keys, DB encryption key) come from the system keyring
		# ('heddled secret set <name>') or environment variables; do not put
		# them in this file.

		model:
		  provider: anthropic        # anthropic | bedrock | scripted
		  model: claude-sonnet-4-5-20250929
		  max_tokens: 4096

		memory:
		  driver: sqlite3            # sqlite3 | postgres
		  path: ~/.heddle/heddle.db
		  # dsn: postgres://heddle@localhost/heddle?sslmode=disable

		prompts:
		  # dir: ./prompts           # empty uses the built-in prompts

		council:
		  timeout: 30s
		  reviewers:
		    - id: safety
		      type: model
		    - id: policy
		      type: broker
		      server: governance
		      tool: review_proposal

		sandbox:
		  runner: local              # local | docker
		  # docker_host: unix:///var/run/docker.sock
		  # allow_network: false

		composer:
		  summarizer: rolling        # rolling (deterministic) | model

		tool_servers:
		  servers:
		    files:
		      enabled: true
		      transport: stdio
		      command: heddle-files-server
		    search:
		      enabled: false
		      transport: sse
		      url: http://localhost:8080

		autonomy:
		  max_retries: 3
		  budget_tokens: 32000
		  default_autonomy: medium   # low | medium | high
		  cost_threshold_usd: 1.0
		  approved_patterns:
		    - "bash:ls *"

		maintenance:
		  health_check_schedule: "*/1 * * * *"
		  snapshot_schedule: "*/15 * * * *"

		logging:
		  level: info                # debug | info | warn | error
		  format: console            # console | json
		  tracing: false             # export spans and metrics as log lines
	`)
}
