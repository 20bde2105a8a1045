package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Store      StoreConfig      `mapstructure:"store"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	TaskCollection string        `mapstructure:"task_collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	IntakeTopic     string        `mapstructure:"intake_topic"`
	StageEventTopic string        `mapstructure:"stage_event_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
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
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects backends.
type StoreConfig struct {
	// TaskDriver is "postgres" or "mongo".
	TaskDriver string `mapstructure:"task_driver"`
}

type PollerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchLimit    int           `mapstructure:"batch_limit"`
	ServiceType   string        `mapstructure:"service_type"`
	CampaignLimit int           `mapstructure:"campaign_limit"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	BatchSize      int           `mapstructure:"batch_size"`
	ShortDelay     time.Duration `mapstructure:"short_delay"`
	MediumDelay    time.Duration `mapstructure:"medium_delay"`
	LongDelay      time.Duration `mapstructure:"long_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Jitter         float64       `mapstructure:"jitter"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	ProcessorID    string        `mapstructure:"processor_id"`
}

type DispatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	TenantID     string        `mapstructure:"tenant_id"`
	ProcessorID  string        `mapstructure:"processor_id"`
}

type ThrottleConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	DefaultPerCampaign int           `mapstructure:"default_per_campaign"`
	KeyTTL             time.Duration `mapstructure:"key_ttl"`
}

type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CampaignTTL time.Duration `mapstructure:"campaign_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type EngineConfig struct {
	DefaultMaxDaysInStage  float64 `mapstructure:"default_max_days_in_stage"`
	DefaultSignalThreshold int     `mapstructure:"default_signal_threshold"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("CAMPAIGN")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// ApplyDefaults fills every zero value the engine cannot run without.
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "conversation-campaign"
	}
	if c.App.Env == "" {
		c.App.Env = "development"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Mongo.TaskCollection == "" {
		c.Mongo.TaskCollection = "tasks"
	}
	if c.Mongo.ConnectTimeout == 0 {
		c.Mongo.ConnectTimeout = 10 * time.Second
	}
	if c.Kafka.IntakeTopic == "" {
		c.Kafka.IntakeTopic = "campaign.batch-requests"
	}
	if c.Kafka.StageEventTopic == "" {
		c.Kafka.StageEventTopic = "campaign.stage-events"
	}
	if c.Kafka.ConsumerGroupID == "" {
		c.Kafka.ConsumerGroupID = "campaign-intake"
	}
	if c.Store.TaskDriver == "" {
		c.Store.TaskDriver = "postgres"
	}

	if c.Poller.PollInterval <= 0 {
		c.Poller.PollInterval = 30 * time.Second
	}
	if c.Poller.BatchLimit <= 0 {
		c.Poller.BatchLimit = 10
	}
	if c.Poller.ServiceType == "" {
		c.Poller.ServiceType = "communication"
	}
	if c.Poller.CampaignLimit <= 0 {
		c.Poller.CampaignLimit = 100
	}

	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 10 * time.Second
	}
	if c.Worker.MaxWorkers <= 0 {
		c.Worker.MaxWorkers = 10
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 50
	}
	if c.Worker.ShortDelay <= 0 {
		c.Worker.ShortDelay = 5 * time.Minute
	}
	if c.Worker.MediumDelay <= 0 {
		c.Worker.MediumDelay = 30 * time.Minute
	}
	if c.Worker.LongDelay <= 0 {
		c.Worker.LongDelay = 60 * time.Minute
	}
	if c.Worker.MaxDelay <= 0 {
		c.Worker.MaxDelay = 24 * time.Hour
	}
	if c.Worker.Jitter < 0 || c.Worker.Jitter >= 1 {
		c.Worker.Jitter = 0.1
	}
	if c.Worker.MaxAttempts < 0 {
		c.Worker.MaxAttempts = 0
	}
	if c.Worker.ProcessTimeout <= 0 {
		c.Worker.ProcessTimeout = 2 * time.Minute
	}
	if c.Worker.ClaimLease <= 0 {
		c.Worker.ClaimLease = 2 * c.Worker.ProcessTimeout
	}
	if c.Worker.ProcessorID == "" {
		c.Worker.ProcessorID = defaultProcessorID("worker")
	}

	if c.Dispatcher.PollInterval <= 0 {
		c.Dispatcher.PollInterval = 5 * time.Second
	}
	if c.Dispatcher.BatchSize <= 0 {
		c.Dispatcher.BatchSize = 50
	}
	if c.Dispatcher.ProcessorID == "" {
		c.Dispatcher.ProcessorID = defaultProcessorID("dispatcher")
	}

	if c.Throttle.DefaultPerCampaign <= 0 {
		c.Throttle.DefaultPerCampaign = 25
	}
	if c.Throttle.KeyTTL <= 0 {
		c.Throttle.KeyTTL = 10 * time.Minute
	}
	if c.Cache.CampaignTTL <= 0 {
		c.Cache.CampaignTTL = 5 * time.Minute
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "campaign:def:"
	}
	if c.Engine.DefaultMaxDaysInStage <= 0 {
		c.Engine.DefaultMaxDaysInStage = 3
	}
}

func defaultProcessorID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
