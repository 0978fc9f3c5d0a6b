package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the building question-answering service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Timeseries TimeseriesConfig `mapstructure:"timeseries"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Session    SessionConfig    `mapstructure:"session"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	TurnTimeout    time.Duration `mapstructure:"turn_timeout"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers   map[string]LLMProvider `mapstructure:"providers"`
	Default     string                 `mapstructure:"default"`
	Routing     LLMRoutingConfig       `mapstructure:"routing"`
	MinInterval time.Duration          `mapstructure:"min_interval"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai, anthropic
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig names the provider used by each stage. Empty entries use llm.default.
type LLMRoutingConfig struct {
	Intent    string `mapstructure:"intent"`
	Knowledge string `mapstructure:"knowledge"`
	Analytics string `mapstructure:"analytics"`
	Summary   string `mapstructure:"summary"`
}

// ProviderFor resolves the provider name configured for a stage.
func (c LLMConfig) ProviderFor(stage string) string {
	var name string
	switch stage {
	case "intent":
		name = c.Routing.Intent
	case "knowledge":
		name = c.Routing.Knowledge
	case "analytics":
		name = c.Routing.Analytics
	case "summary":
		name = c.Routing.Summary
	}
	if strings.TrimSpace(name) == "" {
		return c.Default
	}
	return name
}

func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must define at least one provider")
	}
	for name, p := range c.Providers {
		switch strings.ToLower(p.Type) {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
	}
	for _, stage := range []string{"intent", "knowledge", "analytics", "summary"} {
		name := c.ProviderFor(stage)
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("llm: provider %q for %s stage is not defined", name, stage)
		}
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("llm.min_interval cannot be negative")
	}
	return nil
}

// CacheConfig selects the prompt cache backend.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // redis, memory, none
	TTL     time.Duration `mapstructure:"ttl"`
	MaxCost int64         `mapstructure:"max_cost"`
}

func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("cache.backend must be one of redis, memory, none (got %q)", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}

// TimeseriesConfig describes the relational store holding sensor readings.
type TimeseriesConfig struct {
	Postgres        PostgresConfig    `mapstructure:"postgres"`
	MaxPerGroup     int               `mapstructure:"max_per_group"`
	DefaultWindow   time.Duration     `mapstructure:"default_window"`
	DefaultLocation string            `mapstructure:"default_location"`
	RowLimit        int               `mapstructure:"row_limit"`
	Columns         TimeseriesColumns `mapstructure:"columns"`
}

// TimeseriesColumns names the reading table columns.
type TimeseriesColumns struct {
	Timestamp  string `mapstructure:"timestamp"`
	Identifier string `mapstructure:"identifier"`
	Value      string `mapstructure:"value"`
}

func (t TimeseriesConfig) Validate() error {
	if t.MaxPerGroup <= 0 {
		return fmt.Errorf("timeseries.max_per_group must be positive")
	}
	if t.DefaultWindow <= 0 {
		return fmt.Errorf("timeseries.default_window must be positive")
	}
	return nil
}

// SandboxConfig declares how generated analysis code is executed.
type SandboxConfig struct {
	Provider   string        `mapstructure:"provider"` // docker, process
	Image      string        `mapstructure:"image"`
	PolicyFile string        `mapstructure:"policy_file"`
	Timeout    time.Duration `mapstructure:"timeout"`
	WorkDir    string        `mapstructure:"work_dir"`
	Python     string        `mapstructure:"python"`
	CPU        float64       `mapstructure:"cpu"`
	Memory     string        `mapstructure:"memory"`
}

func (s SandboxConfig) Validate() error {
	switch s.Provider {
	case "docker":
		if strings.TrimSpace(s.Image) == "" {
			return fmt.Errorf("sandbox.image is required for the docker provider")
		}
	case "process":
		if strings.TrimSpace(s.Python) == "" {
			return fmt.Errorf("sandbox.python is required for the process provider")
		}
	default:
		return fmt.Errorf("sandbox.provider must be docker or process (got %q)", s.Provider)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	return nil
}

// AuditConfig controls where query audit records are written and for how long they are kept.
type AuditConfig struct {
	Sinks             []string `mapstructure:"sinks"` // file, postgres, stream
	Dir               string   `mapstructure:"dir"`
	Stream            string   `mapstructure:"stream"`
	RetentionDays     int      `mapstructure:"retention_days"`
	RetentionSchedule string   `mapstructure:"retention_schedule"`
}

func (a AuditConfig) Validate() error {
	for _, s := range a.Sinks {
		switch s {
		case "file":
			if strings.TrimSpace(a.Dir) == "" {
				return fmt.Errorf("audit.dir is required for the file sink")
			}
		case "stream":
			if strings.TrimSpace(a.Stream) == "" {
				return fmt.Errorf("audit.stream is required for the stream sink")
			}
		case "postgres":
		default:
			return fmt.Errorf("audit: unknown sink %q", s)
		}
	}
	if a.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days cannot be negative")
	}
	return nil
}

// SessionConfig controls conversation state persistence.
type SessionConfig struct {
	Backend    string        `mapstructure:"backend"` // redis, memory
	TTL        time.Duration `mapstructure:"ttl"`
	Window     int           `mapstructure:"window"`
	MaxEntries int           `mapstructure:"max_entries"`
}

func (s SessionConfig) Validate() error {
	if s.Backend != "redis" && s.Backend != "memory" {
		return fmt.Errorf("session.backend must be redis or memory (got %q)", s.Backend)
	}
	if s.Window <= 0 {
		return fmt.Errorf("session.window must be positive")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && !strings.HasPrefix(t.MetricsPath, "/") {
		return fmt.Errorf("telemetry.metrics_path must start with / when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains shared storage connections
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr joins host and port.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether any connection detail was supplied.
func (p PostgresConfig) Configured() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate(section string) error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%s.host required when url is not provided", section)
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("%s.port required when url is not provided", section)
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("%s.dbname required when url is not provided", section)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.turn_timeout", 5*time.Minute)
	v.SetDefault("general.default_timeout", 30*time.Second)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.migrations_dir", "migrations")
	v.SetDefault("llm.default", "openai")
	v.SetDefault("llm.min_interval", time.Second)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_cost", int64(64<<20))
	v.SetDefault("graph.timeout", 30*time.Second)
	v.SetDefault("graph.retries", 1)
	v.SetDefault("graph.top_k", 8)
	v.SetDefault("graph.hops", 2)
	v.SetDefault("graph.max_triples", 200)
	v.SetDefault("timeseries.max_per_group", 3)
	v.SetDefault("timeseries.default_window", 24*time.Hour)
	v.SetDefault("timeseries.row_limit", 50000)
	v.SetDefault("timeseries.columns.timestamp", "time")
	v.SetDefault("timeseries.columns.identifier", "uuid")
	v.SetDefault("timeseries.columns.value", "value")
	v.SetDefault("sandbox.provider", "process")
	v.SetDefault("sandbox.image", "python:3.11-slim")
	v.SetDefault("sandbox.timeout", 30*time.Second)
	v.SetDefault("sandbox.python", "python3")
	v.SetDefault("sandbox.cpu", 1.0)
	v.SetDefault("sandbox.memory", "512Mi")
	v.SetDefault("audit.sinks", []string{"file"})
	v.SetDefault("audit.dir", "query_logs")
	v.SetDefault("audit.stream", "buildingqa:audit")
	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("audit.retention_schedule", "0 3 * * *")
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.window", 20)
	v.SetDefault("session.max_entries", 1024)
	v.SetDefault("workflow.max_retries", 3)
	v.SetDefault("workflow.summary_threshold", 12)
	v.SetDefault("workflow.max_concurrent_turns", 8)
	v.SetDefault("workflow.history_window", 6)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")
}

// Load reads the configuration from path (or the default search paths when empty),
// applies BUILDINGQA_* environment overrides, normalizes and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("BUILDINGQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (BUILDINGQA_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Graph = cfg.Graph.Normalize()
	cfg.Workflow = cfg.Workflow.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	checks := []func() error{
		c.LLM.Validate,
		c.Cache.Validate,
		c.Graph.Validate,
		c.Timeseries.Validate,
		c.Sandbox.Validate,
		c.Audit.Validate,
		c.Session.Validate,
		c.Workflow.Validate,
		c.Telemetry.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if c.Cache.Backend == "redis" || c.Session.Backend == "redis" || c.auditUses("stream") {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	if c.auditUses("postgres") {
		if err := c.Storage.Postgres.Validate("storage.postgres"); err != nil {
			return err
		}
	}
	if c.Timeseries.Postgres.Configured() {
		if err := c.Timeseries.Postgres.Validate("timeseries.postgres"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) auditUses(sink string) bool {
	for _, s := range c.Audit.Sinks {
		if s == sink {
			return true
		}
	}
	return false
}

// LoadConfig loads config from file and panics on any error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
