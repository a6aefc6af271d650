// Package config loads the YAML configuration of the chat client and the
// push gateway. Values may reference environment variables as ${VAR_NAME};
// durations use time.ParseDuration syntax.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"

	TransportHTTP = "http"
	TransportPush = "push"
)

// Config is the complete configuration file. The client reads Store,
// Transport, Session and Credentials; the gateway reads Gateway and OpenAI.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Transport   TransportConfig   `yaml:"transport"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Table      string `yaml:"table"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TransportConfig struct {
	Mode      string `yaml:"mode"`
	AnswerURL string `yaml:"answer_url"`
	PushURL   string `yaml:"push_url"`
	// PushEvent is "query" or the legacy "print".
	PushEvent string `yaml:"push_event"`

	AnswerTimeout    time.Duration `yaml:"-"`
	AnswerTimeoutRaw string        `yaml:"answer_timeout"`
}

// SessionConfig stands in for the identity provider's session.
type SessionConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Image string `yaml:"image"`
}

type CredentialsConfig struct {
	OpenAIKey string `yaml:"openai_key"`
	Mnemonic  string `yaml:"mnemonic"`
}

type GatewayConfig struct {
	Addr            string   `yaml:"addr"`
	Path            string   `yaml:"path"`
	OriginPatterns  []string `yaml:"origin_patterns"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
	AllowCallerKeys bool     `yaml:"allow_caller_keys"`
	ParamPrefix     string   `yaml:"param_prefix"`
	HistoryTable    string   `yaml:"history_table"`

	AnswerTimeout    time.Duration `yaml:"-"`
	AnswerTimeoutRaw string        `yaml:"answer_timeout"`
}

type OpenAIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	KeyParam    string   `yaml:"key_param"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands and parses the file at path without validating it.
// Callers validate with ValidateClient or ValidateGateway.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	return &cfg, nil
}

// LoadClient loads and validates a chat client configuration.
func LoadClient(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadGateway loads and validates a push gateway configuration.
func LoadGateway(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = TransportHTTP
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/ws"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// ValidateClient returns the first problem that prevents the chat client
// from starting.
func (c *Config) ValidateClient() error {
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.Table == "" {
			return fmt.Errorf("store.table is required for the dynamodb backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendDynamoDB, BackendSQLite, c.Store.Backend)
	}

	switch c.Transport.Mode {
	case TransportHTTP:
		if c.Transport.AnswerURL == "" {
			return fmt.Errorf("transport.answer_url is required for http transport")
		}
	case TransportPush:
		if c.Transport.PushURL == "" {
			return fmt.Errorf("transport.push_url is required for push transport")
		}
		if e := c.Transport.PushEvent; e != "" && e != "query" && e != "print" {
			return fmt.Errorf("transport.push_event must be \"query\" or \"print\", got %q", e)
		}
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", TransportHTTP, TransportPush, c.Transport.Mode)
	}

	if strings.TrimSpace(c.Session.Email) == "" {
		return fmt.Errorf("session.email is required")
	}
	return c.validateLogging()
}

// ValidateGateway returns the first problem that prevents the push gateway
// from starting.
func (c *Config) ValidateGateway() error {
	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required")
	}
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path must start with /")
	}
	if c.Gateway.ParamPrefix == "" {
		return fmt.Errorf("gateway.param_prefix is required")
	}
	if c.Gateway.MaxConcurrent < 0 {
		return fmt.Errorf("gateway.max_concurrent must not be negative")
	}
	return c.validateLogging()
}

func (c *Config) validateLogging() error {
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// SlogLevel parses Level into a slog level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l LoggingConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Transport.AnswerTimeoutRaw != "" {
		cfg.Transport.AnswerTimeout, err = time.ParseDuration(cfg.Transport.AnswerTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing transport.answer_timeout %q: %w", cfg.Transport.AnswerTimeoutRaw, err)
		}
	}

	if cfg.Gateway.AnswerTimeoutRaw != "" {
		cfg.Gateway.AnswerTimeout, err = time.ParseDuration(cfg.Gateway.AnswerTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing gateway.answer_timeout %q: %w", cfg.Gateway.AnswerTimeoutRaw, err)
		}
	}

	return nil
}
