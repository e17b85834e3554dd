package config

import "fmt"

type Config struct {
	App        AppConfig               `mapstructure:"app"`
	Camunda    CamundaConfig           `mapstructure:"camunda"`
	Database   DatabaseConfig          `mapstructure:"database"`
	LLM        LLMConfig               `mapstructure:"llm"`
	Prompts    PromptsConfig           `mapstructure:"prompts"`
	Pipeline   PipelineConfig          `mapstructure:"pipeline"`
	RateLimit  RateLimitConfig         `mapstructure:"rate_limit"`
	Workers    map[string]WorkerConfig `mapstructure:"workers"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Monitoring MonitoringConfig        `mapstructure:"monitoring"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig points at the analytics warehouse holding store data.
type PostgresConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Database         string `mapstructure:"database"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	MaxConnections   int    `mapstructure:"max_connections"`
	MaxIdle          int    `mapstructure:"max_idle"`
	SSLMode          string `mapstructure:"sslmode"`
	StatementTimeout int    `mapstructure:"statement_timeout"` // milliseconds
}

func (p PostgresConfig) GetDSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
	if p.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" options='-c statement_timeout=%d'", p.StatementTimeout)
	}
	return dsn
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig selects and configures the language model provider.
// Provider is one of "openai", "anthropic" or "genai".
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
	MaxTokens   int64   `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// PromptsConfig selects where prompt templates are read from.
// Source is "file" or "redis".
type PromptsConfig struct {
	Source   string `mapstructure:"source"`
	Path     string `mapstructure:"path"`
	RedisKey string `mapstructure:"redis_key"`
}

type PipelineConfig struct {
	QueryRetryBound      int `mapstructure:"query_retry_bound"`
	ExecutionMaxRetries  int `mapstructure:"execution_max_retries"`
	ModelMaxRetries      int `mapstructure:"model_max_retries"`
	BackoffInitial       int `mapstructure:"backoff_initial"` // milliseconds
	BackoffMax           int `mapstructure:"backoff_max"`     // milliseconds
	DefaultWindowDays    int `mapstructure:"default_window_days"`
	HighConfidenceRows   int `mapstructure:"high_confidence_rows"`
	MediumConfidenceRows int `mapstructure:"medium_confidence_rows"`
	SampleRows           int `mapstructure:"sample_rows"`
	RequestTimeout       int `mapstructure:"request_timeout"` // milliseconds

	// Coefficient of variation above which results cannot rate high.
	HighConfidenceMaxVariation float64 `mapstructure:"high_confidence_max_variation"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerWindow int  `mapstructure:"requests_per_window"`
	Window            int  `mapstructure:"window"` // milliseconds
}

type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"`     // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"` // For error handling
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MonitoringConfig struct {
	Port        int    `mapstructure:"port"`
	ServiceName string `mapstructure:"service_name"`
}
