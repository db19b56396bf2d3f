// Package config provides configuration management for the dispatcher and
// worker processes. It supports loading configuration from environment
// variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Builds    BuildsConfig    `mapstructure:"builds"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	APIKey       string `mapstructure:"apiKey"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// BuildsConfig holds dispatcher-level build execution configuration.
type BuildsConfig struct {
	MaxConcurrent  int    `mapstructure:"maxConcurrent"`
	WorkerBinary   string `mapstructure:"workerBinary"`   // auto-detected if empty
	WorkspaceRoot  string `mapstructure:"workspaceRoot"`  // base directory for per-build workspaces
	ReaperInterval int    `mapstructure:"reaperInterval"` // in seconds
}

// PreviewConfig holds preview dev-server configuration.
type PreviewConfig struct {
	PortRange string `mapstructure:"portRange"` // "3100-3200" inclusive
	Command   string `mapstructure:"command"`   // dev-server command; $PORT is substituted
	StopGrace int    `mapstructure:"stopGrace"` // in seconds
}

// HeartbeatConfig holds worker liveness configuration.
type HeartbeatConfig struct {
	IntervalMS int `mapstructure:"intervalMs"`
	TimeoutMS  int `mapstructure:"timeoutMs"`
}

// RetryConfig holds per-step retry configuration.
type RetryConfig struct {
	StepTimeoutMS int `mapstructure:"stepTimeoutMs"`
	BaseMS        int `mapstructure:"baseMs"`
	MaxMS         int `mapstructure:"maxMs"`
	MaxRetries    int `mapstructure:"maxRetries"`
}

// AgentConfig holds code-generation agent invocation configuration.
type AgentConfig struct {
	Command      string `mapstructure:"command"` // agent binary; receives the prompt on stdin
	Args         string `mapstructure:"args"`    // extra arguments, space separated
	KillGraceSec int    `mapstructure:"killGraceSec"`
}

// StoreConfig holds credentials for the external persistence store.
type StoreConfig struct {
	URL              string `mapstructure:"url"`
	AnonKey          string `mapstructure:"anonKey"`
	ServiceKey       string `mapstructure:"serviceKey"`
	AccessToken      string `mapstructure:"accessToken"`
	RequestTimeoutMS int    `mapstructure:"requestTimeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkerConfig is the configuration a worker process derives from its
// environment. Credentials arrive via environment variables only.
type WorkerConfig struct {
	BuildID string
	Config
}

// HeartbeatInterval returns the heartbeat write cadence.
func (h *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMS) * time.Millisecond
}

// Timeout returns the liveness threshold after which a build is considered crashed.
func (h *HeartbeatConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// StepTimeout returns the per-step agent execution timeout.
func (r *RetryConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutMS) * time.Millisecond
}

// Base returns the initial backoff interval.
func (r *RetryConfig) Base() time.Duration {
	return time.Duration(r.BaseMS) * time.Millisecond
}

// Max returns the backoff cap.
func (r *RetryConfig) Max() time.Duration {
	return time.Duration(r.MaxMS) * time.Millisecond
}

// RequestTimeout returns the store HTTP request timeout.
func (s *StoreConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PortBounds parses the configured preview port range.
func (p *PreviewConfig) PortBounds() (int, int, error) {
	parts := strings.SplitN(p.PortRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q, expected START-END", p.PortRange)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start %q: %w", parts[0], err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end %q: %w", parts[1], err)
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return start, end, nil
}

// ArgList splits the configured extra agent arguments.
func (a *AgentConfig) ArgList() []string {
	if a.Args == "" {
		return nil
	}
	return strings.Fields(a.Args)
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MCP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.apiKey", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Build dispatch defaults
	v.SetDefault("builds.maxConcurrent", 5)
	v.SetDefault("builds.workerBinary", "")
	v.SetDefault("builds.workspaceRoot", defaultWorkspaceRoot())
	v.SetDefault("builds.reaperInterval", 30)

	// Preview defaults
	v.SetDefault("preview.portRange", "3100-3200")
	v.SetDefault("preview.command", "npm run dev -- --port $PORT")
	v.SetDefault("preview.stopGrace", 5)

	// Liveness defaults
	v.SetDefault("heartbeat.intervalMs", 15000)
	v.SetDefault("heartbeat.timeoutMs", 60000)

	// Retry defaults
	v.SetDefault("retry.stepTimeoutMs", 600000)
	v.SetDefault("retry.baseMs", 2000)
	v.SetDefault("retry.maxMs", 30000)
	v.SetDefault("retry.maxRetries", 2)

	// Agent defaults
	v.SetDefault("agent.command", "mcp-agent")
	v.SetDefault("agent.args", "")
	v.SetDefault("agent.killGraceSec", 10)

	// Store defaults
	v.SetDefault("store.url", "")
	v.SetDefault("store.anonKey", "")
	v.SetDefault("store.serviceKey", "")
	v.SetDefault("store.accessToken", "")
	v.SetDefault("store.requestTimeoutMs", 10000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultWorkspaceRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.mcpbuild/workspaces"
	}
	return "/tmp/mcpbuild/workspaces"
}

// bindEnv wires the recognized environment keys onto config keys. Env var
// naming predates the config layout, so every key is bound explicitly.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "MCP_SERVER_PORT")
	_ = v.BindEnv("server.apiKey", "MCP_BUILD_API_KEY")
	_ = v.BindEnv("builds.maxConcurrent", "MCP_MAX_CONCURRENT_BUILDS")
	_ = v.BindEnv("builds.workerBinary", "MCP_WORKER_BINARY")
	_ = v.BindEnv("builds.workspaceRoot", "MCP_WORKSPACE_ROOT")
	_ = v.BindEnv("preview.portRange", "MCP_PREVIEW_PORT_RANGE")
	_ = v.BindEnv("preview.command", "MCP_PREVIEW_COMMAND")
	_ = v.BindEnv("heartbeat.intervalMs", "MCP_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("heartbeat.timeoutMs", "MCP_HEARTBEAT_TIMEOUT_MS")
	_ = v.BindEnv("retry.stepTimeoutMs", "MCP_STEP_TIMEOUT_MS")
	_ = v.BindEnv("retry.baseMs", "MCP_RETRY_BASE_MS")
	_ = v.BindEnv("retry.maxMs", "MCP_RETRY_MAX_MS")
	_ = v.BindEnv("retry.maxRetries", "MCP_MAX_RETRIES")
	_ = v.BindEnv("agent.command", "MCP_AGENT_COMMAND")
	_ = v.BindEnv("agent.args", "MCP_AGENT_ARGS")
	_ = v.BindEnv("store.url", "STORE_URL")
	_ = v.BindEnv("store.anonKey", "STORE_ANON_KEY")
	_ = v.BindEnv("store.serviceKey", "STORE_SERVICE_KEY")
	_ = v.BindEnv("store.accessToken", "STORE_ACCESS_TOKEN")
	_ = v.BindEnv("logging.level", "MCP_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "MCP_LOG_FORMAT")
}

// Load reads dispatcher configuration from environment variables, config
// file, and defaults. A local .env file is folded into the environment first.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	// Fold a local .env into the process environment. Missing file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mcpbuild/")

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

// LoadWorker reads worker configuration. The build id and store credentials
// are required; the worker refuses to start without them.
func LoadWorker() (*WorkerConfig, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	buildID := os.Getenv("MCP_BUILD_ID")
	if buildID == "" {
		return nil, fmt.Errorf("MCP_BUILD_ID is required")
	}
	if cfg.Store.URL == "" {
		return nil, fmt.Errorf("STORE_URL is required")
	}
	if cfg.Store.AnonKey == "" {
		return nil, fmt.Errorf("STORE_ANON_KEY is required")
	}

	return &WorkerConfig{BuildID: buildID, Config: *cfg}, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Builds.MaxConcurrent <= 0 {
		return fmt.Errorf("builds.maxConcurrent must be positive")
	}
	if _, _, err := cfg.Preview.PortBounds(); err != nil {
		return err
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	if cfg.Heartbeat.IntervalMS <= 0 || cfg.Heartbeat.TimeoutMS <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	return nil
}
