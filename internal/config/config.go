// Package config loads daemon settings from a file and MSGARCHIVE_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"msgarchive/internal/batch"
	"msgarchive/internal/ingest/kafka"
	"msgarchive/internal/ingest/rabbitmq"
	"msgarchive/internal/ingest/socket"
	"msgarchive/internal/logging"
	"msgarchive/internal/storage/redis"
	"msgarchive/internal/ulid"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	minBatchSize     = 1
	maxBatchSize     = 10000
	minFlushInterval = 1
	maxFlushInterval = 10000

	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	Archive     ArchiveConfig    `mapstructure:"archive"`
	Identifiers IdentifierConfig `mapstructure:"identifiers"`
	Storage     StorageConfig    `mapstructure:"storage"`
	MQTT        MQTTConfig       `mapstructure:"mqtt"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Log         logging.Config   `mapstructure:"log"`
}

type ArchiveConfig struct {
	ExcludeTopics   string `mapstructure:"exclude_topics"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
}

type IdentifierConfig struct {
	Relaxed  bool `mapstructure:"relaxed"`
	Paranoid bool `mapstructure:"paranoid"`
	Secure   bool `mapstructure:"secure"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MQTTConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	ClientID      string   `mapstructure:"client_id"`
	WorkerCount   int      `mapstructure:"worker_count"`
	QueueCapacity int      `mapstructure:"queue_capacity"`
	CommitMode    string   `mapstructure:"commit_mode"`
	ParseMode     string   `mapstructure:"parse_mode"`
	TopicPrefix   string   `mapstructure:"topic_prefix"`
	TLS           bool     `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
	TopicPrefix   string   `mapstructure:"topic_prefix"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// Load reads path when it is non-empty and applies environment overrides.
// Out-of-range batch settings are replaced by their defaults rather than
// rejected.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("msgarchive")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys the
// file does not mention.
func setDefaults(v *viper.Viper) {
	v.SetDefault("archive.exclude_topics", "")
	v.SetDefault("archive.batch_size", batch.DefaultBatchSize)
	v.SetDefault("archive.flush_interval_ms", int(batch.DefaultFlushInterval/time.Millisecond))

	v.SetDefault("identifiers.relaxed", false)
	v.SetDefault("identifiers.paranoid", true)
	v.SetDefault("identifiers.secure", false)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite.path", "data/msg.db")
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", redis.DefaultKeyPrefix)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.address", ":1883")

	v.SetDefault("ingest.socket.enabled", false)
	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7070")
	v.SetDefault("ingest.socket.auth_token", "")

	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.group_id", "msgarchive")
	v.SetDefault("ingest.kafka.commit_mode", kafka.CommitModeAfterHandle)
	v.SetDefault("ingest.kafka.parse_mode", kafka.ParseModeRaw)
	v.SetDefault("ingest.kafka.topic_prefix", "")

	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.exchange", "msgarchive.events")
	v.SetDefault("ingest.rabbitmq.queue", "msgarchive.ingest")
	v.SetDefault("ingest.rabbitmq.routing_keys", []string{"#"})
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("ingest.rabbitmq.topic_prefix", "")

	v.SetDefault("metrics.address", ":9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) clamp() {
	if c.Archive.BatchSize < minBatchSize || c.Archive.BatchSize > maxBatchSize {
		c.Archive.BatchSize = batch.DefaultBatchSize
	}
	if c.Archive.FlushIntervalMs < minFlushInterval || c.Archive.FlushIntervalMs > maxFlushInterval {
		c.Archive.FlushIntervalMs = int(batch.DefaultFlushInterval / time.Millisecond)
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if c.MQTT.Enabled && c.MQTT.Address == "" {
		return fmt.Errorf("mqtt.address is required when mqtt is enabled")
	}
	if s := c.Ingest.Socket; s.Enabled {
		if s.Network == "unix" && s.UnixSocketPath == "" {
			return fmt.Errorf("ingest.socket.unix_socket_path is required for unix sockets")
		}
		if s.Network != "unix" && s.Address == "" {
			return fmt.Errorf("ingest.socket.address is required")
		}
	}
	if err := c.KafkaAdapter(nil).Validate(); err != nil {
		return fmt.Errorf("ingest.kafka: %w", err)
	}
	if err := c.RabbitMQAdapter(nil).Validate(); err != nil {
		return fmt.Errorf("ingest.rabbitmq: %w", err)
	}
	return nil
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Archive.FlushIntervalMs) * time.Millisecond
}

func (c Config) IdentifierFlags() ulid.Flag {
	var f ulid.Flag
	if c.Identifiers.Relaxed {
		f |= ulid.Relaxed
	}
	if c.Identifiers.Paranoid {
		f |= ulid.Paranoid
	}
	if c.Identifiers.Secure {
		f |= ulid.Secure
	}
	return f
}

func (c Config) RedisOptions() redis.Options {
	r := c.Storage.Redis
	return redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB, KeyPrefix: r.KeyPrefix}
}

func (c Config) KafkaAdapter(log *logrus.Logger) kafka.Config {
	k := c.Ingest.Kafka
	return kafka.Config{
		Enabled:       k.Enabled,
		Brokers:       k.Brokers,
		Topics:        k.Topics,
		GroupID:       k.GroupID,
		ClientID:      k.ClientID,
		WorkerCount:   k.WorkerCount,
		QueueCapacity: k.QueueCapacity,
		CommitMode:    k.CommitMode,
		ParseMode:     k.ParseMode,
		TopicPrefix:   k.TopicPrefix,
		Auth:          kafka.AuthConfig{TLS: kafka.TLSConfig{Enabled: k.TLS}},
		Logger:        log,
	}
}

func (c Config) RabbitMQAdapter(log *logrus.Logger) rabbitmq.Config {
	r := c.Ingest.RabbitMQ
	return rabbitmq.Config{
		Enabled:       r.Enabled,
		URL:           r.URL,
		Endpoints:     r.Endpoints,
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		RoutingKeys:   r.RoutingKeys,
		ConsumerTag:   r.ConsumerTag,
		PrefetchCount: r.PrefetchCount,
		ManualAck:     true,
		Workers:       r.Workers,
		DeliveryQueue: r.DeliveryQueue,
		TopicPrefix:   r.TopicPrefix,
		Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
		Logger:        log,
	}
}

func (c Config) SocketServer(log *logrus.Logger) socket.Config {
	s := c.Ingest.Socket
	return socket.Config{
		Network:          s.Network,
		Address:          s.Address,
		UnixSocketPath:   s.UnixSocketPath,
		AuthToken:        s.AuthToken,
		MaxInflight:      s.MaxInflight,
		GlobalQueueLimit: s.GlobalQueueLimit,
		Logger:           log,
	}
}
