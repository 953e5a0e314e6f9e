package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TaskSummary = "summary"
	TaskPII     = "pii"

	TypePipe   = "pipe"
	TypeFilter = "filter"

	StrategyHTTP      = "http"
	StrategyChatModel = "chat_model"

	DefaultConfigPath = "config.json"
	DefaultUploadDir  = "/app/backend/data/uploads"
	DefaultAddress    = ":9099"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `yaml:"basic_config" json:"basic_config"`
	Databases   map[string]DatabaseConfig `yaml:"databases" json:"databases"`
	Redis       RedisConfig               `yaml:"redis" json:"redis"`
	Logging     LoggingConfig             `yaml:"logging" json:"logging"`
	Providers   map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Pipelines   []PipelineConfig          `yaml:"pipelines" json:"pipelines" validate:"required,min=1,dive"`
}

type BasicConfig struct {
	ServerAddress string `yaml:"server_address" json:"server_address"`
	UploadDir     string `yaml:"upload_dir" json:"upload_dir"`
	// Minutes between sweeps for scopes whose outlet never ran.
	ScopeSweepInterval int `yaml:"scope_sweep_interval" json:"scope_sweep_interval" validate:"gte=0"`
	// Minutes a scope may stay staged before the sweeper reclaims it.
	ScopeMaxAge int `yaml:"scope_max_age" json:"scope_max_age" validate:"gte=0"`
	MaxWorkers  int `yaml:"max_workers" json:"max_workers" validate:"gte=0"`
	// Key of Databases used for the turn journal; empty disables it.
	Journal string `yaml:"journal" json:"journal" validate:"omitempty,oneof=sqlite sqlite3 mysql"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn" json:"dsn"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DBName   string `yaml:"db_name" json:"db_name"`
	Params   string `yaml:"params" json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// Minutes a mirrored watermark survives without updates.
	TTL int `yaml:"ttl" json:"ttl" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json text"`
}

// ProviderConfig holds connection defaults for the chat_model strategy.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"api_key" json:"api_key"`
}

// PipelineConfig declares one pipeline exposed to the host.
type PipelineConfig struct {
	ID       string `yaml:"id" json:"id" validate:"required"`
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type" validate:"omitempty,oneof=pipe filter"`
	Task     string `yaml:"task" json:"task" validate:"required,oneof=summary pii"`
	Strategy string `yaml:"strategy" json:"strategy" validate:"omitempty,oneof=http chat_model"`
	Provider string `yaml:"provider" json:"provider" validate:"omitempty,oneof=openai claude gemini"`
	Valves   Valves `yaml:"valves" json:"valves"`
}

// Valves are the per-pipeline knobs the host may change at runtime.
type Valves struct {
	BaseURL        string  `yaml:"base_url" json:"LITELLM_API_BASE_URL"`
	APIKey         string  `yaml:"api_key" json:"LITELLM_API_KEY"`
	ModelID        string  `yaml:"model_id" json:"MODEL_ID"`
	AppID          string  `yaml:"app_id" json:"APP_ID"`
	Temperature    float64 `yaml:"temperature" json:"TEMPERATURE" validate:"gte=0,lte=2"`
	MaxRetries     int     `yaml:"max_retries" json:"MAX_RETRIES" validate:"gte=0,lte=20"`
	RetryInterval  int     `yaml:"retry_interval" json:"RETRY_INTERVAL" validate:"gte=0"`
	RequestTimeout int     `yaml:"request_timeout" json:"REQUEST_TIMEOUT" validate:"gte=0"`
	HealthTimeout  int     `yaml:"health_timeout" json:"HEALTH_TIMEOUT" validate:"gte=0"`
	RateLimit      int     `yaml:"rate_limit" json:"RATE_LIMIT" validate:"gte=0"`
}

var configValidate = validator.New()

// LoadDotEnv loads .env files into the process environment when present.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads configuration from the provided path (defaults to config.json).
// YAML and JSON files are both accepted. When no path is given and the
// default file does not exist, built-in pipelines driven by the environment
// are used.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg.Pipelines = defaultPipelines()
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) && isSQLite(name) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if j := c.BasicConfig.Journal; j != "" {
		if _, ok := c.Databases[j]; !ok {
			return fmt.Errorf("invalid config: journal database %q not configured", j)
		}
	}
	seen := make(map[string]struct{}, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("invalid config: duplicate pipeline id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Strategy == StrategyChatModel && p.Provider == "" {
			return fmt.Errorf("invalid config: pipeline %q uses chat_model without provider", p.ID)
		}
	}
	return nil
}

// Pipeline returns the pipeline with the given id.
func (c *Config) Pipeline(id string) (PipelineConfig, bool) {
	for _, p := range c.Pipelines {
		if p.ID == id {
			return p, true
		}
	}
	return PipelineConfig{}, false
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PIPELINES_ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("PIPELINES_UPLOAD_DIR"); v != "" {
		c.BasicConfig.UploadDir = v
	}
	if v := os.Getenv("PIPELINES_DB"); v != "" {
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		db := c.Databases["sqlite"]
		db.DSN = v
		c.Databases["sqlite"] = db
		c.BasicConfig.Journal = "sqlite"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		if host, port, ok := splitHostPort(v); ok {
			c.Redis.Enabled = true
			c.Redis.Host = host
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	for i := range c.Pipelines {
		v := &c.Pipelines[i].Valves
		fillFromEnv(&v.BaseURL, "LITELLM_API_BASE_URL")
		fillFromEnv(&v.APIKey, "LITELLM_API_KEY")
		fillFromEnv(&v.ModelID, "MODEL_ID")
		fillFromEnv(&v.AppID, "APP_ID")
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultAddress
	}
	if c.BasicConfig.UploadDir == "" {
		c.BasicConfig.UploadDir = DefaultUploadDir
	}
	if c.BasicConfig.ScopeSweepInterval == 0 {
		c.BasicConfig.ScopeSweepInterval = 10
	}
	if c.BasicConfig.ScopeMaxAge == 0 {
		c.BasicConfig.ScopeMaxAge = 60
	}
	if c.BasicConfig.MaxWorkers == 0 {
		c.BasicConfig.MaxWorkers = 4
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Type == "" {
			p.Type = TypePipe
		}
		if p.Strategy == "" {
			p.Strategy = StrategyHTTP
		}
		p.Valves = p.Valves.withDefaults(p.Task)
	}
}

func (v Valves) withDefaults(task string) Valves {
	if v.AppID == "" {
		switch task {
		case TaskPII:
			v.AppID = "PIPELINE_DOCUMENT_GDPR_PII_IDENTIFICATION"
		default:
			v.AppID = "PIPELINE_DOCUMENT_SUMMARIZATION"
		}
	}
	if v.Temperature == 0 {
		v.Temperature = 0.1
	}
	if v.MaxRetries == 0 {
		v.MaxRetries = 5
	}
	if v.RetryInterval == 0 {
		v.RetryInterval = 10
	}
	if v.RequestTimeout == 0 {
		v.RequestTimeout = 60
	}
	if v.HealthTimeout == 0 {
		v.HealthTimeout = 20
	}
	if v.RateLimit == 0 {
		v.RateLimit = 60
	}
	return v
}

// ServiceBase returns the backend base URL with a scheme and without a
// trailing slash or /v1 suffix.
func (v Valves) ServiceBase() string {
	base := strings.TrimSpace(v.BaseURL)
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/")
}

func (v Valves) RetryBase() time.Duration  { return time.Duration(v.RetryInterval) * time.Second }
func (v Valves) Timeout() time.Duration    { return time.Duration(v.RequestTimeout) * time.Second }
func (v Valves) HealthWait() time.Duration { return time.Duration(v.HealthTimeout) * time.Second }

// Validate checks the valve ranges, used when the host replaces them.
func (v Valves) Validate() error {
	if err := configValidate.Struct(v); err != nil {
		return fmt.Errorf("invalid valves: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to expose over HTTP or in logs.
func (v Valves) Redacted() Valves {
	if v.APIKey != "" {
		v.APIKey = "****"
	}
	return v
}

func (b BasicConfig) SweepInterval() time.Duration {
	return time.Duration(b.ScopeSweepInterval) * time.Minute
}

func (b BasicConfig) MaxScopeAge() time.Duration {
	return time.Duration(b.ScopeMaxAge) * time.Minute
}

func (r RedisConfig) Expiry() time.Duration {
	return time.Duration(r.TTL) * time.Minute
}

func defaultPipelines() []PipelineConfig {
	return []PipelineConfig{
		{ID: "pii-pipeline", Name: "Document GDPR PII Identification", Task: TaskPII},
		{ID: "summarization-pipeline", Name: "Document Summarization", Task: TaskSummary},
	}
}

func fillFromEnv(dst *string, key string) {
	if *dst != "" {
		return
	}
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitHostPort(addr string) (string, int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 || idx == len(addr)-1 {
		return "", 0, false
	}
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil || port <= 0 {
		return "", 0, false
	}
	return addr[:idx], port, true
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
