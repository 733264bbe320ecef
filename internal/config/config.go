// Package config loads service configuration from defaults, an optional
// YAML file, a .env file and ADHERENCE_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/medimeet/adherence/internal/engine"
	"github.com/medimeet/adherence/internal/infrastructure/postgres"
	"github.com/medimeet/adherence/internal/messaging"
	"github.com/medimeet/adherence/internal/observability/logging"
	"github.com/medimeet/adherence/internal/observability/tracing"
	"github.com/medimeet/adherence/pkg/circuitbreaker"
	"github.com/medimeet/adherence/pkg/idempotency"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ADHERENCE"

// Config is the full service configuration
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Outbox     postgres.OutboxConfig   `mapstructure:"outbox"`
	Inbox      idempotency.Config      `mapstructure:"inbox"`
	Engine     engine.EvaluatorConfig  `mapstructure:"engine"`
	Alerts     engine.DispatcherConfig `mapstructure:"alerts"`
	Escalation engine.EscalationConfig `mapstructure:"escalation"`
	Messaging  MessagingConfig         `mapstructure:"messaging"`
	Jobs       JobsConfig              `mapstructure:"jobs"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
	Log        logging.Config          `mapstructure:"log"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Agent      AgentConfig             `mapstructure:"agent"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// RunEvaluator starts the all-patients evaluator inside the API process
	RunEvaluator bool `mapstructure:"run_evaluator"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// KafkaConfig holds broker settings
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	EnsureTopics  bool     `mapstructure:"ensure_topics"`
}

// MessagingConfig selects and tunes the caregiver SMS transport
type MessagingConfig struct {
	// Provider is "vonage" or "log"
	Provider      string                 `mapstructure:"provider"`
	Vonage        messaging.VonageConfig `mapstructure:"vonage"`
	RatePerSecond float64                `mapstructure:"rate_per_second"`
	Burst         int                    `mapstructure:"burst"`
	Breaker       circuitbreaker.Config  `mapstructure:"breaker"`
}

// JobsConfig holds maintenance schedules
type JobsConfig struct {
	AlertPruneInterval time.Duration `mapstructure:"alert_prune_interval"`
	OutboxCleanup      time.Duration `mapstructure:"outbox_cleanup"`
	InboxRecovery      time.Duration `mapstructure:"inbox_recovery"`
	MetricsRefresh     time.Duration `mapstructure:"metrics_refresh"`
	DeadLetterInterval time.Duration `mapstructure:"dead_letter_interval"`
}

// AuthConfig holds API credentials as "key:client" pairs
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// Clients maps each API key to its client name
func (a AuthConfig) Clients() map[string]string {
	out := make(map[string]string, len(a.APIKeys))
	for _, entry := range a.APIKeys {
		key, client, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if key == "" {
			continue
		}
		if !ok || client == "" {
			client = "default"
		}
		out[key] = client
	}
	return out
}

// AgentConfig holds the patient session settings
type AgentConfig struct {
	PatientID string `mapstructure:"patient_id"`
}

// Load reads configuration. configPath may be empty; a missing .env file is ignored.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	// ADHERENCE_SERVER_PORT, ADHERENCE_DATABASE_URL, ...
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Engine.GracePeriod <= 0 {
		errs = append(errs, errors.New("engine.grace_period must be positive"))
	}
	if c.Engine.MissedHorizon <= c.Engine.GracePeriod {
		errs = append(errs, errors.New("engine.missed_horizon must exceed engine.grace_period"))
	}
	if c.Escalation.Threshold < 1 {
		errs = append(errs, errors.New("escalation.threshold must be at least 1"))
	}
	switch c.Messaging.Provider {
	case "log":
	case "vonage":
		if c.Messaging.Vonage.APIKey == "" || c.Messaging.Vonage.APISecret == "" {
			errs = append(errs, errors.New("messaging.vonage.api_key and api_secret are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown messaging.provider %q", c.Messaging.Provider))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.run_evaluator", true)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "adherence-escalation")
	v.SetDefault("kafka.ensure_topics", true)

	ob := postgres.DefaultOutboxConfig()
	v.SetDefault("outbox.batch_size", ob.BatchSize)
	v.SetDefault("outbox.poll_interval", ob.PollInterval)
	v.SetDefault("outbox.max_retries", ob.MaxRetries)
	v.SetDefault("outbox.retention", ob.Retention)

	in := idempotency.DefaultConfig()
	v.SetDefault("inbox.ttl", in.TTL)
	v.SetDefault("inbox.recovery_timeout", in.RecoveryTimeout)

	ev := engine.DefaultEvaluatorConfig()
	v.SetDefault("engine.tick_interval", ev.TickInterval)
	v.SetDefault("engine.due_window", ev.DueWindow)
	v.SetDefault("engine.grace_period", ev.GracePeriod)
	v.SetDefault("engine.missed_horizon", ev.MissedHorizon)

	al := engine.DefaultDispatcherConfig()
	v.SetDefault("alerts.attention_window", al.AttentionWindow)
	v.SetDefault("alerts.notify_missed", al.NotifyMissed)

	es := engine.DefaultEscalationConfig()
	v.SetDefault("escalation.threshold", es.Threshold)
	v.SetDefault("escalation.retry_backoff", es.RetryBackoff)
	v.SetDefault("escalation.sweep_interval", es.SweepInterval)
	v.SetDefault("escalation.send.workers", es.Send.Workers)
	v.SetDefault("escalation.send.queue_size", es.Send.QueueSize)
	v.SetDefault("escalation.send.max_retries", es.Send.MaxRetries)
	v.SetDefault("escalation.send.retry_delay", es.Send.RetryDelay)
	v.SetDefault("escalation.send.drain_timeout", es.Send.DrainTimeout)

	v.SetDefault("messaging.provider", "log")
	v.SetDefault("messaging.vonage.api_key", "")
	v.SetDefault("messaging.vonage.api_secret", "")
	v.SetDefault("messaging.vonage.from", "MediMeet")
	v.SetDefault("messaging.vonage.base_url", messaging.DefaultVonageURL)
	v.SetDefault("messaging.vonage.timeout", 10*time.Second)
	v.SetDefault("messaging.rate_per_second", 5.0)
	v.SetDefault("messaging.burst", 5)
	br := circuitbreaker.DefaultConfig("sms")
	v.SetDefault("messaging.breaker.name", br.Name)
	v.SetDefault("messaging.breaker.half_open_probes", br.HalfOpenProbes)
	v.SetDefault("messaging.breaker.interval", br.Interval)
	v.SetDefault("messaging.breaker.open_timeout", br.OpenTimeout)
	v.SetDefault("messaging.breaker.consecutive_failures", br.ConsecutiveFailures)

	v.SetDefault("jobs.alert_prune_interval", time.Hour)
	v.SetDefault("jobs.outbox_cleanup", time.Hour)
	v.SetDefault("jobs.inbox_recovery", time.Minute)
	v.SetDefault("jobs.metrics_refresh", 15*time.Second)
	v.SetDefault("jobs.dead_letter_interval", 5*time.Minute)

	tr := tracing.DefaultConfig("adherence")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", tr.ServiceName)
	v.SetDefault("tracing.service_version", tr.ServiceVersion)
	v.SetDefault("tracing.environment", tr.Environment)
	v.SetDefault("tracing.otlp_endpoint", tr.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", tr.SampleRate)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("auth.api_keys", []string{"demo-api-key-12345:demo-client"})

	v.SetDefault("agent.patient_id", "")
}
