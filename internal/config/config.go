package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

type AppConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database" validate:"required"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	SampleRatio     float64       `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	Insecure        bool          `mapstructure:"insecure"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig drives the periodic trigger and the corrective passes.
type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	TriggerSecret      string        `mapstructure:"trigger_secret"`
	CampaignFetchLimit int           `mapstructure:"campaign_fetch_limit"`
	ReconcileAfter     time.Duration `mapstructure:"reconcile_after"`
	ReconcileBatchSize int           `mapstructure:"reconcile_batch_size"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
}

// DispatchConfig holds the capacity governor and launch pacing knobs.
type DispatchConfig struct {
	MaxLaunchesPerTick int             `mapstructure:"max_launches_per_tick" validate:"gte=0"`
	ProviderCeiling    int             `mapstructure:"provider_ceiling" validate:"gte=0"`
	SafetyBuffer       int             `mapstructure:"safety_buffer" validate:"gte=0"`
	LaunchStagger      time.Duration   `mapstructure:"launch_stagger"`
	BurstCooldown      time.Duration   `mapstructure:"burst_cooldown"`
	MaxAttempts        int             `mapstructure:"max_attempts" validate:"gte=1"`
	RetryDelays        []time.Duration `mapstructure:"retry_delays"`
	DefaultRegion      string          `mapstructure:"default_region"`
	RequestsPerSecond  int             `mapstructure:"requests_per_second" validate:"gte=0"`
	RateLimitKeyPrefix string          `mapstructure:"rate_limit_key_prefix"`
}

// ProviderConfig configures the voice-calling provider client.
type ProviderConfig struct {
	Name           string        `mapstructure:"name" validate:"oneof=vapi mock"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WebhookConfig configures inbound provider event verification.
type WebhookConfig struct {
	SigningSecret   string `mapstructure:"signing_secret" validate:"required"`
	SignatureHeader string `mapstructure:"signature_header"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the struct tags on the loaded configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "campaign-dialer")
	v.SetDefault("http.port", 8080)
	v.SetDefault("kafka.status_topic", "call-status")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.reconcile_interval", 2*time.Minute)
	v.SetDefault("scheduler.campaign_fetch_limit", 200)
	v.SetDefault("scheduler.reconcile_after", 2*time.Minute)
	v.SetDefault("scheduler.reconcile_batch_size", 200)
	v.SetDefault("scheduler.stale_timeout", 10*time.Minute)
	v.SetDefault("dispatch.max_launches_per_tick", 4)
	v.SetDefault("dispatch.provider_ceiling", 10)
	v.SetDefault("dispatch.safety_buffer", 2)
	v.SetDefault("dispatch.launch_stagger", 500*time.Millisecond)
	v.SetDefault("dispatch.burst_cooldown", time.Second)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_delays", []string{"1s", "4s", "10s"})
	v.SetDefault("dispatch.default_region", "US")
	v.SetDefault("dispatch.requests_per_second", 5)
	v.SetDefault("dispatch.rate_limit_key_prefix", "dialer:provider:rps")
	v.SetDefault("provider.name", "vapi")
	v.SetDefault("provider.base_url", "https://api.vapi.ai")
	v.SetDefault("provider.request_timeout", 15*time.Second)
	v.SetDefault("webhook.signature_header", "X-Signature")
}
