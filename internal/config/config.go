// Package config loads the cyclops JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration structure.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Notify       NotifyConfig       `json:"notify"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// OrchestratorConfig tunes the cycle engine and its guards.
type OrchestratorConfig struct {
	Name             string   `json:"name"`
	Branch           string   `json:"branch"`
	MaxIterations    int      `json:"max_iterations" validate:"gte=1"`
	CycleDelay       Duration `json:"cycle_delay"`
	CompletionCycles int      `json:"completion_cycles" validate:"gte=1"`
	StateDir         string   `json:"state_dir" validate:"required"`
	ArchiveDir       string   `json:"archive_dir" validate:"required"`
	AuxFiles         []string `json:"aux_files"`

	UseCircuitBreaker bool     `json:"use_circuit_breaker"`
	FailureThreshold  int      `json:"failure_threshold" validate:"gte=1"`
	RecoveryTimeout   Duration `json:"recovery_timeout"`

	RequestsPerMinute int      `json:"requests_per_minute" validate:"gte=1"`
	RequestsPerHour   int      `json:"requests_per_hour" validate:"gte=1,gtefield=RequestsPerMinute"`
	MaxWait           Duration `json:"max_wait"`
	MaxBackoff        float64  `json:"max_backoff" validate:"gte=1"`
}

type ServerConfig struct {
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Addr is the listen address for the status API.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type NotifyConfig struct {
	RatePerMinute int           `json:"rate_per_minute" validate:"gte=0"`
	Slack         SlackConfig   `json:"slack"`
	Discord       DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token" validate:"required_if=Enabled true"`
	Channel  string `json:"channel" validate:"required_if=Enabled true"`
}

type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token" validate:"required_if=Enabled true"`
	Channel  string `json:"channel" validate:"required_if=Enabled true"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled       bool    `json:"enabled"`
	Endpoint      string  `json:"endpoint" validate:"required_if=Enabled true"`
	Protocol      string  `json:"protocol" validate:"omitempty,oneof=grpc http/protobuf"`
	Insecure      bool    `json:"insecure"`
	TLSSkipVerify bool    `json:"tls_skip_verify"`
	ServiceName   string  `json:"service_name"`
	SampleRate    float64 `json:"sample_rate" validate:"gte=0,lte=1"`
}

// Duration reads either a Go duration string ("2s") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		dur, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", x, err)
		}
		d.Duration = dur
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(map[string]bool{})
	return cfg
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func substituteEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	resolved := substituteEnv(data)

	var cfg Config
	if err := json.Unmarshal(resolved, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Record which keys were set explicitly so defaults do not override an
	// explicit false or zero. Keys are "section.field".
	var raw map[string]map[string]json.RawMessage
	json.Unmarshal(resolved, &raw)
	set := make(map[string]bool)
	for section, fields := range raw {
		for k := range fields {
			set[section+"."+k] = true
		}
	}

	cfg.applyDefaults(set)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(set map[string]bool) {
	o := &c.Orchestrator
	if o.Name == "" {
		o.Name = "main"
	}
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = 10
	}
	if !set["orchestrator.cycle_delay"] {
		o.CycleDelay.Duration = 2 * time.Second
	}
	if o.CompletionCycles == 0 {
		o.CompletionCycles = 3
	}
	if o.StateDir == "" {
		o.StateDir = "./orchestrator_state"
	}
	if o.ArchiveDir == "" {
		o.ArchiveDir = "./orchestrator_archive"
	}
	if o.AuxFiles == nil {
		o.AuxFiles = []string{"prd.json"}
	}
	if !set["orchestrator.use_circuit_breaker"] {
		o.UseCircuitBreaker = true
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout.Duration == 0 {
		o.RecoveryTimeout.Duration = 60 * time.Second
	}
	if o.RequestsPerMinute == 0 {
		o.RequestsPerMinute = 60
	}
	if o.RequestsPerHour == 0 {
		o.RequestsPerHour = 1000
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 10
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Redis.Stream == "" {
		c.Database.Redis.Stream = "cyclops:events"
	}
	if !set["notify.rate_per_minute"] {
		c.Notify.RatePerMinute = 20
	}

	t := &c.Telemetry
	if t.Endpoint == "" {
		t.Endpoint = "localhost:4317"
	}
	if t.Protocol == "" {
		t.Protocol = "grpc"
	}
	if t.ServiceName == "" {
		t.ServiceName = "cyclops"
	}
	if !set["telemetry.sample_rate"] {
		t.SampleRate = 1
	}
	if !set["telemetry.insecure"] {
		t.Insecure = true
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks bounds and required fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	o := c.Orchestrator
	if o.CycleDelay.Duration < 0 || o.MaxWait.Duration < 0 {
		return fmt.Errorf("invalid config: negative cycle_delay or max_wait")
	}
	if o.RecoveryTimeout.Duration <= 0 {
		return fmt.Errorf("invalid config: recovery_timeout must be positive")
	}
	return nil
}
