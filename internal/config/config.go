package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

// Ingestion policies.
const (
	PolicyRules  = "rules"
	PolicyOracle = "oracle"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Proxy    ProxyConfig
	Log      LogConfig
	Debounce DebounceConfig
	Ingest   IngestConfig
	Slack    SlackConfig
	Kafka    KafkaConfig
	DropDir  DropDirConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects the HTTP API when set.
	APIToken string
}

type StorageConfig struct {
	DataDir string
	// DSN selects PostgreSQL when set (postgres://...). DataDir is used
	// otherwise.
	DSN string
}

// Target returns what storage.Open expects.
func (c StorageConfig) Target() string {
	if c.DSN != "" {
		return c.DSN
	}
	return c.DataDir
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	BaseURL          string
	Model            string
	Temperature      float64
}

type LogConfig struct {
	Level  string
	Format string
}

type DebounceConfig struct {
	QuietPeriod time.Duration
	MaxBatch    int
	MaxWait     time.Duration
}

type IngestConfig struct {
	Workers           int
	Policy            string
	OracleTimeout     time.Duration
	FailOnOracleError bool
	StorageRetries    int
	RetryBackoff      time.Duration
	MinContentLength  int
}

type SlackConfig struct {
	Enabled  bool
	BotToken string
	AppToken string
	Channels []string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Enabled reports whether a Kafka source is configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type DropDirConfig struct {
	Path string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3-haiku",
			Temperature: 0.7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Debounce: DebounceConfig{
			QuietPeriod: 5 * time.Second,
			MaxBatch:    50,
			MaxWait:     60 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:          2,
			Policy:           PolicyRules,
			OracleTimeout:    30 * time.Second,
			StorageRetries:   3,
			RetryBackoff:     200 * time.Millisecond,
			MinContentLength: 3,
		},
		Kafka: KafkaConfig{
			GroupID: "tasuke",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/tasuke/config.json, a .env file in the working directory,
// environment variables and the secrets file, then validates it.
//
// Environment variables (TASUKE_*) override file values. Secrets are only
// read from the environment or the secrets file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func positive(value any) error {
	if d, _ := value.(time.Duration); d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Storage.DSN == "" && strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage: data_dir or dsn is required")
	}
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := validation.ValidateStruct(&c.Debounce,
		validation.Field(&c.Debounce.QuietPeriod, validation.By(positive)),
		validation.Field(&c.Debounce.MaxBatch, validation.Required, validation.Min(1)),
		validation.Field(&c.Debounce.MaxWait, validation.By(positive)),
	); err != nil {
		return fmt.Errorf("debounce: %w", err)
	}
	if c.Debounce.MaxWait < c.Debounce.QuietPeriod {
		return errors.New("debounce: max_wait must not be shorter than quiet_period")
	}
	if err := validation.ValidateStruct(&c.Ingest,
		validation.Field(&c.Ingest.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Ingest.Policy, validation.Required, validation.In(PolicyRules, PolicyOracle)),
		validation.Field(&c.Ingest.OracleTimeout, validation.By(positive)),
		validation.Field(&c.Ingest.StorageRetries, validation.Min(0)),
		validation.Field(&c.Ingest.RetryBackoff, validation.By(positive)),
		validation.Field(&c.Ingest.MinContentLength, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if c.Ingest.Policy == PolicyOracle && c.Proxy.OpenRouterAPIKey == "" {
		return errors.New("missing required config: OpenRouter API key for the oracle policy. " +
			"Set it via environment variable TASUKE_OPENROUTER_API_KEY or `tasuke config set-secret proxy.openrouter_api_key`")
	}
	if c.Slack.Enabled && c.Slack.BotToken == "" {
		return errors.New("missing required config: slack is enabled but TASUKE_SLACK_BOT_TOKEN is empty")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return errors.New("kafka: topic is required when brokers are set")
	}
	return nil
}
