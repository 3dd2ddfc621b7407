// Package config defines the server configuration and its loading rules.
package config

import (
	"fmt"
	"os"
	"time"
)

const (
	// EnvAuthSecret is the environment variable holding the token signing secret.
	EnvAuthSecret = "ATP_AUTH_SECRET"

	// EnvProvenanceSecret holds the secret used to sign provenance tokens.
	EnvProvenanceSecret = "ATP_PROVENANCE_SECRET"
)

// ProvenanceMode selects how values are labelled during execution.
type ProvenanceMode string

const (
	ProvenanceNone  ProvenanceMode = "none"
	ProvenanceProxy ProvenanceMode = "proxy"
	ProvenanceAST   ProvenanceMode = "ast"
)

// Config is the root server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Cache      CacheConfig      `yaml:"cache"`
	Provenance ProvenanceConfig `yaml:"provenance"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tools      ToolsConfig      `yaml:"tools"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	// Secret signs session tokens. Usually supplied via ATP_AUTH_SECRET.
	Secret      string        `yaml:"secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	RotateAfter time.Duration `yaml:"rotate_after"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

type ExecutionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MemoryLimit       int64         `yaml:"memory_limit"`
	MaxLLMCalls       int           `yaml:"max_llm_calls"`
	MaxPauseDuration  time.Duration `yaml:"max_pause_duration"`
	StateTTL          time.Duration `yaml:"state_ttl"`
	MaxLoopIterations int           `yaml:"max_loop_iterations"`
}

type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string        `yaml:"backend"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProvenanceConfig struct {
	Mode   ProvenanceMode `yaml:"mode"`
	Secret string         `yaml:"secret"`
	// ExternalGroups lists tool groups treated as external destinations by the
	// exfiltration policy.
	ExternalGroups []string `yaml:"external_groups"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type ToolsConfig struct {
	// EnableDemo registers the built-in demo tool group used by examples and tests.
	EnableDemo bool `yaml:"enable_demo"`
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8714
	}
	if c.Auth.Secret == "" {
		c.Auth.Secret = os.Getenv(EnvAuthSecret)
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.RotateAfter == 0 {
		c.Auth.RotateAfter = time.Hour
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 7 * 24 * time.Hour
	}
	if c.Execution.Timeout == 0 {
		c.Execution.Timeout = 30 * time.Second
	}
	if c.Execution.MemoryLimit == 0 {
		c.Execution.MemoryLimit = 256 << 20
	}
	if c.Execution.MaxLLMCalls == 0 {
		c.Execution.MaxLLMCalls = 50
	}
	if c.Execution.MaxPauseDuration == 0 {
		c.Execution.MaxPauseDuration = time.Hour
	}
	if c.Execution.StateTTL == 0 {
		c.Execution.StateTTL = 2 * time.Hour
	}
	if c.Execution.MaxLoopIterations == 0 {
		c.Execution.MaxLoopIterations = 1_000_000
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = time.Hour
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}
	if c.Provenance.Mode == "" {
		c.Provenance.Mode = ProvenanceProxy
	}
	if c.Provenance.Secret == "" {
		c.Provenance.Secret = os.Getenv(EnvProvenanceSecret)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth signing secret is required: set %s or auth.secret", EnvAuthSecret)
	}
	if len(c.Auth.Secret) < 16 {
		return fmt.Errorf("auth signing secret must be at least 16 bytes")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q (supported: memory, redis)", c.Cache.Backend)
	}
	switch c.Provenance.Mode {
	case ProvenanceNone, ProvenanceProxy, ProvenanceAST:
	default:
		return fmt.Errorf("unknown provenance mode %q (supported: none, proxy, ast)", c.Provenance.Mode)
	}
	if c.Execution.MaxLoopIterations < 1_000_000 {
		return fmt.Errorf("execution.max_loop_iterations must be at least 1000000")
	}
	return nil
}

// Default returns a configuration with all defaults applied.
// The signing secret still has to come from the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
