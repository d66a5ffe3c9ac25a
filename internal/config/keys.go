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
		key: "server.port", typ: kInt, env: "TASUKE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TASUKE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TASUKE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "TASUKE_STORAGE_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "TASUKE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.base_url", typ: kString, env: "TASUKE_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.model", typ: kString, env: "TASUKE_PROXY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.Model },
	},
	{
		key: "proxy.temperature", typ: kFloat, env: "TASUKE_PROXY_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Proxy.Temperature },
	},
	{
		key: "log.level", typ: kString, env: "TASUKE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "TASUKE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "debounce.quiet_period", typ: kDuration, env: "TASUKE_DEBOUNCE_QUIET_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Debounce.QuietPeriod = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Debounce.QuietPeriod },
	},
	{
		key: "debounce.max_batch", typ: kInt, env: "TASUKE_DEBOUNCE_MAX_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Debounce.MaxBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Debounce.MaxBatch },
	},
	{
		key: "debounce.max_wait", typ: kDuration, env: "TASUKE_DEBOUNCE_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Debounce.MaxWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Debounce.MaxWait },
	},
	{
		key: "ingest.workers", typ: kInt, env: "TASUKE_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.policy", typ: kString, env: "TASUKE_INGEST_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Policy = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Policy },
	},
	{
		key: "ingest.oracle_timeout", typ: kDuration, env: "TASUKE_INGEST_ORACLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OracleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.OracleTimeout },
	},
	{
		key: "ingest.fail_on_oracle_error", typ: kBool, env: "TASUKE_INGEST_FAIL_ON_ORACLE_ERROR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FailOnOracleError = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ingest.FailOnOracleError },
	},
	{
		key: "ingest.storage_retries", typ: kInt, env: "TASUKE_INGEST_STORAGE_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.StorageRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.StorageRetries },
	},
	{
		key: "ingest.retry_backoff", typ: kDuration, env: "TASUKE_INGEST_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Ingest.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.RetryBackoff },
	},
	{
		key: "ingest.min_content_length", typ: kInt, env: "TASUKE_INGEST_MIN_CONTENT_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MinContentLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MinContentLength },
	},
	{
		key: "slack.enabled", typ: kBool, env: "TASUKE_SLACK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Slack.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Slack.Enabled },
	},
	{
		key: "slack.bot_token", typ: kString, env: "TASUKE_SLACK_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Slack.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.BotToken },
	},
	{
		key: "slack.app_token", typ: kString, env: "TASUKE_SLACK_APP_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Slack.AppToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Slack.AppToken },
	},
	{
		key: "slack.channels", typ: kList, env: "TASUKE_SLACK_CHANNELS",
		apply:   func(cfg *Config, v any) { cfg.Slack.Channels = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Slack.Channels, ",") },
	},
	{
		key: "kafka.brokers", typ: kList, env: "TASUKE_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Brokers = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Kafka.Brokers, ",") },
	},
	{
		key: "kafka.topic", typ: kString, env: "TASUKE_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Topic },
	},
	{
		key: "kafka.group_id", typ: kString, env: "TASUKE_KAFKA_GROUP_ID",
		apply:   func(cfg *Config, v any) { cfg.Kafka.GroupID = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.GroupID },
	},
	{
		key: "dropdir.path", typ: kString, env: "TASUKE_DROPDIR_PATH",
		apply:   func(cfg *Config, v any) { cfg.DropDir.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.DropDir.Path },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go value for typ.
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
		var out []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
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
