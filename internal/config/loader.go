package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "stageforge.yaml"

// DefaultEnvFile is the dotenv file overlaid before environment variables.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom is Load with an explicit YAML path.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotEnv populates the process environment from path. Variables that are
// already set keep their values.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "STAGEFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "STAGEFORGE_CORS_ORIGIN")

	setString(&cfg.Store.Driver, "STAGEFORGE_STORE")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "STAGEFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "STAGEFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "STAGEFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "STAGEFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "STAGEFORGE_PG_HEALTH_CHECK")
	setString(&cfg.SQLite.Path, "STAGEFORGE_SQLITE_PATH")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "STAGEFORGE_NATS_STREAM")

	setString(&cfg.LLM.Provider, "STAGEFORGE_LLM_PROVIDER")
	setString(&cfg.LLM.BaseURL, "OLLAMA_BASE_URL")
	setString(&cfg.LLM.DefaultModel, "STAGEFORGE_DEFAULT_MODEL")
	setString(&cfg.LLM.APIKey, "STAGEFORGE_LLM_API_KEY")
	setDuration(&cfg.LLM.QueryTimeout, "STAGEFORGE_LLM_TIMEOUT")

	setString(&cfg.Logging.Level, "STAGEFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "STAGEFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "STAGEFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "STAGEFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "STAGEFORGE_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "STAGEFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "STAGEFORGE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "STAGEFORGE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "STAGEFORGE_RATE_MAX_IDLE_TIME")

	setString(&cfg.Workspace.Root, "WORKSPACE_DIR")

	// Pipeline
	setString(&cfg.Pipeline.PlannerModel, "STAGEFORGE_PLANNER_MODEL")
	setString(&cfg.Pipeline.CoderModel, "STAGEFORGE_CODER_MODEL")
	setDuration(&cfg.Pipeline.TestTimeout, "STAGEFORGE_TEST_TIMEOUT")
	setDuration(&cfg.Pipeline.DeployTimeout, "STAGEFORGE_DEPLOY_TIMEOUT")
	setInt(&cfg.Pipeline.PreviewLen, "STAGEFORGE_PREVIEW_LEN")
	setInt(&cfg.Pipeline.LogMessageLen, "STAGEFORGE_LOG_MESSAGE_LEN")
	setBool(&cfg.Pipeline.PersistEvents, "STAGEFORGE_PERSIST_EVENTS")
	setBool(&cfg.Pipeline.HaltOnError, "STAGEFORGE_HALT_ON_STAGE_ERROR")
	setString(&cfg.Pipeline.PythonBin, "STAGEFORGE_PYTHON_BIN")
	setString(&cfg.Pipeline.CommitMessage, "STAGEFORGE_COMMIT_MESSAGE")
	setString(&cfg.Pipeline.AuthorName, "STAGEFORGE_GIT_AUTHOR_NAME")
	setString(&cfg.Pipeline.AuthorEmail, "STAGEFORGE_GIT_AUTHOR_EMAIL")
	setInt(&cfg.Pipeline.MaxProcesses, "STAGEFORGE_MAX_PROCESSES")

	// Dispatcher
	setInt(&cfg.Dispatcher.Workers, "STAGEFORGE_WORKERS")
	setInt(&cfg.Dispatcher.QueueSize, "STAGEFORGE_QUEUE_SIZE")
	setString(&cfg.Dispatcher.Queue, "STAGEFORGE_QUEUE")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "STAGEFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "STAGEFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "STAGEFORGE_CACHE_L2_TTL")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "STAGEFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "STAGEFORGE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "STAGEFORGE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "STAGEFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "STAGEFORGE_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required when store.driver is postgres")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required when store.driver is sqlite")
		}
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", cfg.Store.Driver)
	}
	switch cfg.LLM.Provider {
	case "ollama", "eino-ollama":
		if cfg.LLM.BaseURL == "" {
			return errors.New("llm.base_url is required")
		}
	case "eino-openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for eino-openai")
		}
	default:
		return fmt.Errorf("llm.provider must be ollama, eino-ollama or eino-openai, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.DefaultModel == "" {
		return errors.New("llm.default_model is required")
	}
	if cfg.LLM.QueryTimeout <= 0 {
		return errors.New("llm.query_timeout must be > 0")
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root is required")
	}
	if cfg.Pipeline.TestTimeout <= 0 || cfg.Pipeline.DeployTimeout <= 0 {
		return errors.New("pipeline.test_timeout and pipeline.deploy_timeout must be > 0")
	}
	if cfg.Pipeline.LogMessageLen < 1 {
		return errors.New("pipeline.log_message_len must be >= 1")
	}
	if cfg.Pipeline.MaxProcesses < 1 {
		return errors.New("pipeline.max_processes must be >= 1")
	}
	switch cfg.Dispatcher.Queue {
	case "memory":
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required when dispatcher.queue is nats")
		}
	default:
		return fmt.Errorf("dispatcher.queue must be memory or nats, got %q", cfg.Dispatcher.Queue)
	}
	if cfg.Dispatcher.Workers < 1 {
		return errors.New("dispatcher.workers must be >= 1")
	}
	if cfg.Dispatcher.QueueSize < 1 {
		return errors.New("dispatcher.queue_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
