package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	CORS        CORSConfig
	Upstream    UpstreamConfig
	Relay       RelayConfig
	Credentials CredentialsConfig
	Sink        SinkConfig
	Storage     StorageConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxConns       int
	Token          string
	RateLimitRPS   float64
	RateLimitBurst int
}

// CORSConfig holds the origin allow-list. The first entry is the primary
// origin returned when a request's Origin is not on the list.
type CORSConfig struct {
	AllowedOrigins []string
}

type UpstreamConfig struct {
	BaseURL           string
	AssistantsVersion string
	MaxRetries        int
	Timeout           time.Duration
}

type RelayConfig struct {
	ExecutionBudget      time.Duration
	Reserve              time.Duration
	PollInterval         time.Duration
	DefaultOrganization  string
	DeepLinkBase         string
	DeepLinkOrganization string
}

type CredentialsConfig struct {
	Source        string
	Region        string
	CacheTTL      time.Duration
	APIKeyName    string
	OrgIDName     string
	ProjectIDName string
}

type SinkConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Persist    bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	SourceEnv = "env"
	SourceSSM = "ssm"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxConns:       256,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{
				"https://recursivelearning.app",
				"https://bmore.softr.app",
				"https://integraled.github.io",
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:           "https://api.openai.com/v1",
			AssistantsVersion: "v2",
			MaxRetries:        3,
			Timeout:           8 * time.Second,
		},
		Relay: RelayConfig{
			ExecutionBudget:      25 * time.Second,
			Reserve:              4 * time.Second,
			PollInterval:         time.Second,
			DefaultOrganization:  "unknown",
			DeepLinkBase:         "https://integraled.github.io/rag-bmore/",
			DeepLinkOrganization: "IntegralEd",
		},
		Credentials: CredentialsConfig{
			Source:        SourceEnv,
			Region:        "us-east-2",
			CacheTTL:      0,
			APIKeyName:    "/rag-bmore/prod/secrets/OPENAI_API_KEY",
			OrgIDName:     "/rag-bmore/prod/config/OPENAI_ORG_ID",
			ProjectIDName: "/rag-bmore/prod/config/OPENAI_PROJECT_ID",
		},
		Sink: SinkConfig{
			Timeout: 5 * time.Second,
			Persist: true,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/threadrelay/config.yaml, then applies environment
// variables (THREADRELAY_*), which take precedence. A .env file in the
// working directory is loaded into the environment first when present.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make the relay misbehave at runtime.
func (c Config) Validate() error {
	var errs []error
	if len(c.CORS.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("cors.allowed_origins must not be empty"))
	}
	if c.Relay.ExecutionBudget <= c.Relay.Reserve {
		errs = append(errs, fmt.Errorf("relay.execution_budget (%s) must exceed relay.reserve (%s)",
			c.Relay.ExecutionBudget, c.Relay.Reserve))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("relay.poll_interval must be positive"))
	}
	if c.Upstream.MaxRetries < 1 {
		errs = append(errs, errors.New("upstream.max_retries must be at least 1"))
	}
	if c.Upstream.AssistantsVersion == "" {
		errs = append(errs, errors.New("upstream.assistants_version must not be empty"))
	}
	switch c.Credentials.Source {
	case SourceEnv, SourceSSM:
	default:
		errs = append(errs, fmt.Errorf("credentials.source must be %q or %q, got %q",
			SourceEnv, SourceSSM, c.Credentials.Source))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
