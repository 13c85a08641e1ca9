package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HOOKFLOW_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadFile reads a YAML configuration file, applies environment overrides
// and defaults. A missing path yields Default with overrides applied.
func LoadFile(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg, err = Decode(bytes.NewReader(raw))
		if err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg.WithDefaults(), nil
}

// Decode parses YAML from r. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with HOOKFLOW_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("TRANSPORT", &cfg.Transport.System)
	env.list("KAFKA_BROKERS", &cfg.Transport.Kafka.Brokers)
	env.str("KAFKA_CONSUMER_GROUP", &cfg.Transport.Kafka.ConsumerGroup)
	env.str("RABBITMQ_URL", &cfg.Transport.RabbitMQ.URL)
	env.str("RABBITMQ_QUEUE_PREFIX", &cfg.Transport.RabbitMQ.QueuePrefix)
	env.integer("RABBITMQ_PREFETCH", &cfg.Transport.RabbitMQ.Prefetch)
	env.str("NATS_URL", &cfg.Transport.NATS.URL)
	env.str("HTTP_SERVER_ADDRESS", &cfg.Transport.HTTP.ServerAddress)
	env.str("HTTP_PUBLISHER_URL", &cfg.Transport.HTTP.PublisherURL)
	env.str("AWS_REGION", &cfg.Transport.AWS.Region)
	env.str("AWS_ACCOUNT_ID", &cfg.Transport.AWS.AccountID)
	env.str("AWS_ACCESS_KEY_ID", &cfg.Transport.AWS.AccessKeyID)
	env.str("AWS_SECRET_ACCESS_KEY", &cfg.Transport.AWS.SecretAccessKey)
	env.str("AWS_ENDPOINT", &cfg.Transport.AWS.Endpoint)

	env.str("HTTP_ADDRESS", &cfg.HTTP.Address)
	env.list("CORS_ALLOWED_ORIGINS", &cfg.HTTP.CORSAllowedOrigins)

	env.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	env.str("STORAGE_DSN", &cfg.Storage.DSN)
	env.str("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	env.str("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	env.integer("REDIS_DB", &cfg.Storage.Redis.DB)

	env.boolean("DLQ_ENABLE_API", &cfg.DLQ.EnableAPI)
	env.boolean("DLQ_ALLOW_EDIT", &cfg.DLQ.AllowEdit)
	env.integer("DLQ_MAX_REPROCESS_ATTEMPTS", &cfg.DLQ.MaxReprocessAttempts)
	env.boolean("DLQ_VALIDATE_BEFORE_REPROCESS", &cfg.DLQ.ValidateBeforeReprocess)

	env.boolean("NOTIFIER_ENABLED", &cfg.Notifier.Enabled)
	env.str("NOTIFIER_SCHEDULE", &cfg.Notifier.Schedule)
	env.integer("NOTIFIER_MAX_RETRIES", &cfg.Notifier.MaxRetries)
	env.duration("NOTIFIER_TIMEOUT", &cfg.Notifier.Timeout)

	env.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)

	var tracking string
	env.str("FAILURE_TRACKING", &tracking)
	if tracking != "" {
		cfg.Failures.Tracking = Tracking(strings.ToLower(tracking))
	}

	return errors.Join(env.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	value, ok := e.lookup(EnvPrefix + name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e *envReader) str(name string, dst *string) {
	if value, ok := e.get(name); ok {
		*dst = value
	}
}

func (e *envReader) list(name string, dst *[]string) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (e *envReader) boolean(name string, dst *bool) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer(name string, dst *int) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(name string, dst *time.Duration) {
	value, ok := e.get(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = parsed
}
