// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned by Validate when no vision model credential is
// configured. It is fatal at startup: no session can run without one.
var ErrMissingAPIKey = errors.New("llm.api_key is required (set GEMINI_API_KEY or SCALPEL_LLM_API_KEY)")

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	LLM      LLMModelConfig `mapstructure:"llm" yaml:"llm"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // Non-streaming routes only.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Heartbeat       time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"` // SSE keep-alive comment interval.
}

// ViewportConfig is the browser window size and therefore the frame size
// the model reasons about.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ClickSettle       time.Duration  `mapstructure:"click_settle" yaml:"click_settle"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
)

// LLMModelConfig defines the configuration for the vision model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second across all sessions; 0 disables.
	Burst       int           `mapstructure:"burst" yaml:"burst"`
}

// AgentConfig holds the budgets and timeouts of the perception-action loop.
type AgentConfig struct {
	MaxSteps         int `mapstructure:"max_steps" yaml:"max_steps"`
	FaultRetries     int `mapstructure:"fault_retries" yaml:"fault_retries"`         // Attempts per port call before failing.
	ParseRetries     int `mapstructure:"parse_retries" yaml:"parse_retries"`         // Consecutive unusable responses tolerated.
	ExecutionRetries int `mapstructure:"execution_retries" yaml:"execution_retries"` // Extra cycles after a rejected action.
	HistorySize      int `mapstructure:"history_size" yaml:"history_size"`

	PerceptionTimeout time.Duration `mapstructure:"perception_timeout" yaml:"perception_timeout"`
	DecisionTimeout   time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`

	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	FailureDelay   time.Duration `mapstructure:"failure_delay" yaml:"failure_delay"`

	DefaultWait     time.Duration `mapstructure:"default_wait" yaml:"default_wait"`
	MaxWait         time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	DefaultScroll   int           `mapstructure:"default_scroll" yaml:"default_scroll"`
	DefaultStartURL string        `mapstructure:"default_start_url" yaml:"default_start_url"`
}

// SessionConfig bounds the session registry.
type SessionConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// EventsConfig tunes the step event emitter.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// DatabaseConfig holds the run journal connection details. An empty URL
// disables the journal.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-nav")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.heartbeat", "15s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{"--no-sandbox", "--disable-dev-shm-usage"})
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 800)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.click_settle", "5s")
	v.SetDefault("browser.debug", false)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.rate_limit", 2.0)
	v.SetDefault("llm.burst", 4)

	// -- Agent --
	v.SetDefault("agent.max_steps", 25)
	v.SetDefault("agent.fault_retries", 3)
	v.SetDefault("agent.parse_retries", 3)
	v.SetDefault("agent.execution_retries", 1)
	v.SetDefault("agent.history_size", 5)
	v.SetDefault("agent.perception_timeout", "15s")
	v.SetDefault("agent.decision_timeout", "90s")
	v.SetDefault("agent.execution_timeout", "45s")
	v.SetDefault("agent.backoff_initial", "500ms")
	v.SetDefault("agent.backoff_max", "5s")
	v.SetDefault("agent.failure_delay", "2s")
	v.SetDefault("agent.default_wait", "2s")
	v.SetDefault("agent.max_wait", "30s")
	v.SetDefault("agent.default_scroll", 300)
	v.SetDefault("agent.default_start_url", "https://www.google.com")

	// -- Session --
	v.SetDefault("session.max_concurrent", 4)
	v.SetDefault("session.retention", "5m")
	v.SetDefault("session.sweep_interval", "1m")

	// -- Events --
	v.SetDefault("events.buffer_size", 64)

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "scalpel_nav")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data. The bare GEMINI_API_KEY
	// name is what every Gemini tool documents, so it is honored too.
	_ = v.BindEnv("llm.api_key", "SCALPEL_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport width and height must be positive integers")
	}
	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("session.max_concurrent must be a positive integer")
	}
	if c.Session.Retention < 0 {
		return fmt.Errorf("session.retention must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be a positive integer")
	}
	return nil
}

// Validate checks the vision model settings.
func (l *LLMModelConfig) Validate() error {
	if l.Provider != ProviderGemini {
		return fmt.Errorf("llm.provider %q is not supported", l.Provider)
	}
	if l.APIKey == "" {
		return ErrMissingAPIKey
	}
	if l.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if l.RateLimit < 0 {
		return fmt.Errorf("llm.rate_limit must not be negative")
	}
	if l.RateLimit > 0 && l.Burst <= 0 {
		return fmt.Errorf("llm.burst must be a positive integer when rate limiting is enabled")
	}
	return nil
}

// Validate checks the loop budgets and timeouts.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be greater than 0")
	}
	if a.FaultRetries <= 0 {
		return fmt.Errorf("fault_retries must be greater than 0")
	}
	if a.ParseRetries <= 0 {
		return fmt.Errorf("parse_retries must be greater than 0")
	}
	if a.ExecutionRetries < 0 {
		return fmt.Errorf("execution_retries must not be negative")
	}
	if a.HistorySize < 0 {
		return fmt.Errorf("history_size must not be negative")
	}
	if a.PerceptionTimeout <= 0 || a.DecisionTimeout <= 0 || a.ExecutionTimeout <= 0 {
		return fmt.Errorf("perception, decision and execution timeouts must be positive durations")
	}
	if a.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be a positive duration")
	}
	return nil
}
