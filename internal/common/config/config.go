// Package config provides configuration management for codexbridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/codexbridge/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP control API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects the topic state store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration used by the containerized backend.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentConfig holds everything needed to launch and supervise the agent CLI.
type AgentConfig struct {
	// Backend is the default execution backend: local, docker or wsl.
	Backend string `mapstructure:"backend"`

	// Binary is the agent executable for the local backend.
	Binary string `mapstructure:"binary"`

	// DockerBinary is the docker CLI used by the docker backend.
	DockerBinary string `mapstructure:"dockerBinary"`
	// DockerContainer is the running container the agent is exec'd into.
	DockerContainer string `mapstructure:"dockerContainer"`
	// DockerAgentBinary is the agent executable inside the container.
	DockerAgentBinary string `mapstructure:"dockerAgentBinary"`

	// WSLBinary is the wsl.exe shim used by the wsl backend.
	WSLBinary string `mapstructure:"wslBinary"`
	// WSLDistro optionally pins the distribution (-d).
	WSLDistro string `mapstructure:"wslDistro"`
	// WSLAgentBinary is the agent executable inside the distribution.
	WSLAgentBinary string `mapstructure:"wslAgentBinary"`

	SandboxMode  string `mapstructure:"sandboxMode"`
	ApprovalMode string `mapstructure:"approvalMode"`
	WebSearch    bool   `mapstructure:"webSearch"`

	// StopOnCommandStart makes runs stop at the first command execution
	// and ask for approval, unless the topic opted into auto approval.
	StopOnCommandStart bool `mapstructure:"stopOnCommandStart"`

	SoftCancelTimeout int    `mapstructure:"softCancelTimeout"` // in seconds
	KillTimeout       int    `mapstructure:"killTimeout"`       // in seconds
	SoftCancelCommand string `mapstructure:"softCancelCommand"` // backslash escapes allowed

	VerboseEvents bool `mapstructure:"verboseEvents"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SoftCancelTimeoutDuration returns the soft cancellation wait.
func (a *AgentConfig) SoftCancelTimeoutDuration() time.Duration {
	return time.Duration(a.SoftCancelTimeout) * time.Second
}

// KillTimeoutDuration returns the post-kill wait.
func (a *AgentConfig) KillTimeoutDuration() time.Duration {
	return time.Duration(a.KillTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./codexbridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codexbridge")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	v.SetDefault("agent.backend", "local")
	v.SetDefault("agent.binary", "codex")
	v.SetDefault("agent.dockerBinary", "docker")
	v.SetDefault("agent.dockerContainer", "codex")
	v.SetDefault("agent.dockerAgentBinary", "codex")
	v.SetDefault("agent.wslBinary", "wsl.exe")
	v.SetDefault("agent.wslDistro", "")
	v.SetDefault("agent.wslAgentBinary", "codex")
	v.SetDefault("agent.sandboxMode", "workspace-write")
	v.SetDefault("agent.approvalMode", "on-request")
	v.SetDefault("agent.webSearch", false)
	v.SetDefault("agent.stopOnCommandStart", false)
	v.SetDefault("agent.softCancelTimeout", 10)
	v.SetDefault("agent.killTimeout", 5)
	v.SetDefault("agent.softCancelCommand", "")
	v.SetDefault("agent.verboseEvents", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEXBRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/codexbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEXBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so keys whose env var naming differs are bound explicitly.
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codexbridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var envBindings = map[string]string{
	"server.readTimeout":       "CODEXBRIDGE_SERVER_READ_TIMEOUT",
	"server.writeTimeout":      "CODEXBRIDGE_SERVER_WRITE_TIMEOUT",
	"database.maxConns":        "CODEXBRIDGE_DATABASE_MAX_CONNS",
	"database.minConns":        "CODEXBRIDGE_DATABASE_MIN_CONNS",
	"nats.clientId":            "CODEXBRIDGE_NATS_CLIENT_ID",
	"nats.maxReconnects":       "CODEXBRIDGE_NATS_MAX_RECONNECTS",
	"docker.apiVersion":        "CODEXBRIDGE_DOCKER_API_VERSION",
	"agent.dockerBinary":       "CODEXBRIDGE_AGENT_DOCKER_BINARY",
	"agent.dockerContainer":    "CODEXBRIDGE_AGENT_DOCKER_CONTAINER",
	"agent.dockerAgentBinary":  "CODEXBRIDGE_AGENT_DOCKER_AGENT_BINARY",
	"agent.wslBinary":          "CODEXBRIDGE_AGENT_WSL_BINARY",
	"agent.wslDistro":          "CODEXBRIDGE_AGENT_WSL_DISTRO",
	"agent.wslAgentBinary":     "CODEXBRIDGE_AGENT_WSL_AGENT_BINARY",
	"agent.sandboxMode":        "CODEXBRIDGE_AGENT_SANDBOX_MODE",
	"agent.approvalMode":       "CODEXBRIDGE_AGENT_APPROVAL_MODE",
	"agent.webSearch":          "CODEXBRIDGE_AGENT_WEB_SEARCH",
	"agent.stopOnCommandStart": "CODEXBRIDGE_AGENT_STOP_ON_COMMAND_START",
	"agent.softCancelTimeout":  "CODEXBRIDGE_AGENT_SOFT_CANCEL_TIMEOUT",
	"agent.killTimeout":        "CODEXBRIDGE_AGENT_KILL_TIMEOUT",
	"agent.softCancelCommand":  "CODEXBRIDGE_AGENT_SOFT_CANCEL_COMMAND",
	"agent.verboseEvents":      "CODEXBRIDGE_AGENT_VERBOSE_EVENTS",
	"logging.outputPath":       "CODEXBRIDGE_LOGGING_OUTPUT_PATH",
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.SoftCancelTimeout <= 0 {
		errs = append(errs, "agent.softCancelTimeout must be a positive number of seconds")
	}
	if cfg.Agent.KillTimeout <= 0 {
		errs = append(errs, "agent.killTimeout must be a positive number of seconds")
	}
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
