package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "THREADRELAY_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "THREADRELAY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "THREADRELAY_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.token", typ: kString, env: "THREADRELAY_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.rate_limit_rps", typ: kFloat, env: "THREADRELAY_SERVER_RATE_LIMIT_RPS",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimitRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateLimitRPS },
	},
	{
		key: "server.rate_limit_burst", typ: kInt, env: "THREADRELAY_SERVER_RATE_LIMIT_BURST",
		apply:   func(cfg *Config, v any) { cfg.Server.RateLimitBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RateLimitBurst },
	},
	{
		key: "cors.allowed_origins", typ: kList, env: "THREADRELAY_CORS_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.CORS.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.CORS.AllowedOrigins, ",") },
	},
	{
		key: "upstream.base_url", typ: kString, env: "THREADRELAY_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.assistants_version", typ: kString, env: "THREADRELAY_UPSTREAM_ASSISTANTS_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Upstream.AssistantsVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.AssistantsVersion },
	},
	{
		key: "upstream.max_retries", typ: kInt, env: "THREADRELAY_UPSTREAM_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Upstream.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Upstream.MaxRetries },
	},
	{
		key: "upstream.timeout", typ: kDuration, env: "THREADRELAY_UPSTREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Upstream.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upstream.Timeout },
	},
	{
		key: "relay.execution_budget", typ: kDuration, env: "THREADRELAY_RELAY_EXECUTION_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Relay.ExecutionBudget = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.ExecutionBudget },
	},
	{
		key: "relay.reserve", typ: kDuration, env: "THREADRELAY_RELAY_RESERVE",
		apply:   func(cfg *Config, v any) { cfg.Relay.Reserve = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.Reserve },
	},
	{
		key: "relay.poll_interval", typ: kDuration, env: "THREADRELAY_RELAY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Relay.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Relay.PollInterval },
	},
	{
		key: "relay.default_organization", typ: kString, env: "THREADRELAY_RELAY_DEFAULT_ORGANIZATION",
		apply:   func(cfg *Config, v any) { cfg.Relay.DefaultOrganization = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.DefaultOrganization },
	},
	{
		key: "relay.deeplink_base", typ: kString, env: "THREADRELAY_RELAY_DEEPLINK_BASE",
		apply:   func(cfg *Config, v any) { cfg.Relay.DeepLinkBase = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.DeepLinkBase },
	},
	{
		key: "relay.deeplink_organization", typ: kString, env: "THREADRELAY_RELAY_DEEPLINK_ORGANIZATION",
		apply:   func(cfg *Config, v any) { cfg.Relay.DeepLinkOrganization = v.(string) },
		extract: func(cfg Config) any { return cfg.Relay.DeepLinkOrganization },
	},
	{
		key: "credentials.source", typ: kString, env: "THREADRELAY_CREDENTIALS_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Credentials.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.Source },
	},
	{
		key: "credentials.region", typ: kString, env: "THREADRELAY_CREDENTIALS_REGION",
		apply:   func(cfg *Config, v any) { cfg.Credentials.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.Region },
	},
	{
		key: "credentials.cache_ttl", typ: kDuration, env: "THREADRELAY_CREDENTIALS_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Credentials.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Credentials.CacheTTL },
	},
	{
		key: "credentials.api_key_name", typ: kString, env: "THREADRELAY_CREDENTIALS_API_KEY_NAME",
		apply:   func(cfg *Config, v any) { cfg.Credentials.APIKeyName = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.APIKeyName },
	},
	{
		key: "credentials.org_id_name", typ: kString, env: "THREADRELAY_CREDENTIALS_ORG_ID_NAME",
		apply:   func(cfg *Config, v any) { cfg.Credentials.OrgIDName = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.OrgIDName },
	},
	{
		key: "credentials.project_id_name", typ: kString, env: "THREADRELAY_CREDENTIALS_PROJECT_ID_NAME",
		apply:   func(cfg *Config, v any) { cfg.Credentials.ProjectIDName = v.(string) },
		extract: func(cfg Config) any { return cfg.Credentials.ProjectIDName },
	},
	{
		key: "sink.webhook_url", typ: kString, env: "THREADRELAY_SINK_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Sink.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sink.WebhookURL },
	},
	{
		key: "sink.timeout", typ: kDuration, env: "THREADRELAY_SINK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sink.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sink.Timeout },
	},
	{
		key: "sink.persist", typ: kBool, env: "THREADRELAY_SINK_PERSIST",
		apply:   func(cfg *Config, v any) { cfg.Sink.Persist = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sink.Persist },
	},
	{
		key: "storage.data_dir", typ: kString, env: "THREADRELAY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "THREADRELAY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "THREADRELAY_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}
