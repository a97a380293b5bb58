package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for story-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values. Secrets (passwords, API
// keys) must only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Retriever RetrieverConfig `yaml:"retriever"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"storyforge"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"story_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// GatewayConfig holds the model gateway endpoints and credentials.
//
// Mode selects the upstream wire format: "envelope" speaks the proprietary
// server-push envelope protocol (token exchange + door-key header), "openai"
// speaks an OpenAI-compatible streaming API with a reasoning side channel.
type GatewayConfig struct {
	Mode      string `yaml:"mode" env:"GATEWAY_MODE" env-default:"envelope"`
	TokenURL  string `yaml:"token_url" env:"GATEWAY_TOKEN_URL" env-default:""`
	ChatURL   string `yaml:"chat_url" env:"GATEWAY_CHAT_URL" env-default:""`
	APIKey    string `yaml:"-" env:"GATEWAY_API_KEY"`    // Secret
	SecretKey string `yaml:"-" env:"GATEWAY_SECRET_KEY"` // Secret
	ServiceID string `yaml:"service_id" env:"GATEWAY_SERVICE_ID" env-default:""`
	UserCode  string `yaml:"user_code" env:"GATEWAY_USER_CODE" env-default:""`

	// OpenAI-compatible endpoint settings (Mode == "openai").
	Endpoint string `yaml:"endpoint" env:"GATEWAY_ENDPOINT" env-default:""`
	Model    string `yaml:"model" env:"GATEWAY_MODEL" env-default:""`
	OAIKey   string `yaml:"-" env:"GATEWAY_OPENAI_API_KEY"` // Secret
}

// RetrieverConfig holds the knowledge retrieval service settings.
type RetrieverConfig struct {
	BaseURL        string  `yaml:"base_url" env:"RETRIEVER_BASE_URL" env-default:""`
	APIKey         string  `yaml:"-" env:"RETRIEVER_API_KEY"` // Secret
	ProjectID      int64   `yaml:"project_id" env:"RETRIEVER_PROJECT_ID" env-default:"0"`
	TopK           int     `yaml:"top_k" env:"RETRIEVER_TOP_K" env-default:"3"`
	ScoreThreshold float64 `yaml:"score_threshold" env:"RETRIEVER_SCORE_THRESHOLD" env-default:"35"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Gateway.Mode {
	case "envelope":
		if c.Gateway.TokenURL == "" || c.Gateway.ChatURL == "" {
			return fmt.Errorf("gateway mode %q requires token_url and chat_url", c.Gateway.Mode)
		}
	case "openai":
		if c.Gateway.Endpoint == "" || c.Gateway.Model == "" {
			return fmt.Errorf("gateway mode %q requires endpoint and model", c.Gateway.Mode)
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
