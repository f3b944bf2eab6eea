package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Log     LogConfig     `mapstructure:"log"`
	Storage Storage       `mapstructure:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Uplink  UplinkConfig  `mapstructure:"uplink"`
}

type GatewayConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
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
	Converter        string `mapstructure:"converter"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topics    []string `mapstructure:"topics"`
	GroupID   string   `mapstructure:"group_id"`
	ClientID  string   `mapstructure:"client_id"`
	Workers   int      `mapstructure:"workers"`
	Converter string   `mapstructure:"converter"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	Converter     string   `mapstructure:"converter"`
}

type UplinkConfig struct {
	Sink         string               `mapstructure:"sink"`
	PollInterval int                  `mapstructure:"poll_interval_ms"`
	MaxBackoff   int                  `mapstructure:"max_backoff_ms"`
	Kafka        UplinkKafkaConfig    `mapstructure:"kafka"`
	RabbitMQ     UplinkRabbitMQConfig `mapstructure:"rabbitmq"`
}

type UplinkKafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type UplinkRabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

const (
	SinkNone     = "none"
	SinkKafka    = "kafka"
	SinkRabbitMQ = "rabbitmq"
)

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage = cfg.Storage.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.name", "gateway")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("storage.data_folder_path", DefaultDataFolderPath)
	v.SetDefault("storage.db_file_name", DefaultDBFileName)
	v.SetDefault("storage.messages_ttl_in_days", DefaultMessagesTTLInDays)
	v.SetDefault("storage.messages_ttl_check_in_hours", DefaultMessagesTTLCheckInHours)
	v.SetDefault("storage.writing_batch_size", DefaultWritingBatchSize)
	v.SetDefault("storage.max_read_records_count", DefaultMaxReadRecordsCount)
	v.SetDefault("storage.size_limit", DefaultSizeLimit)
	v.SetDefault("storage.max_db_amount", DefaultMaxDBAmount)
	v.SetDefault("storage.oversize_check_period", DefaultOversizeCheckPeriod)

	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7410")
	v.SetDefault("ingest.socket.converter", "raw")
	v.SetDefault("ingest.kafka.workers", 4)
	v.SetDefault("ingest.kafka.converter", "json")
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 2)
	v.SetDefault("ingest.rabbitmq.converter", "json")

	v.SetDefault("uplink.sink", SinkNone)
	v.SetDefault("uplink.poll_interval_ms", 200)
	v.SetDefault("uplink.max_backoff_ms", 30000)
}

func (c Config) Validate() error {
	if c.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || len(c.Ingest.Kafka.Topics) == 0 || c.Ingest.Kafka.GroupID == "" {
			return fmt.Errorf("ingest.kafka requires brokers, topics and group_id")
		}
	}
	if c.Ingest.RabbitMQ.Enabled {
		if c.Ingest.RabbitMQ.URL == "" || c.Ingest.RabbitMQ.Queue == "" || c.Ingest.RabbitMQ.Exchange == "" {
			return fmt.Errorf("ingest.rabbitmq requires url, exchange and queue")
		}
	}
	switch c.Uplink.Sink {
	case SinkNone:
	case SinkKafka:
		if len(c.Uplink.Kafka.Brokers) == 0 || c.Uplink.Kafka.Topic == "" {
			return fmt.Errorf("uplink.kafka requires brokers and topic")
		}
	case SinkRabbitMQ:
		if c.Uplink.RabbitMQ.URL == "" || c.Uplink.RabbitMQ.Exchange == "" {
			return fmt.Errorf("uplink.rabbitmq requires url and exchange")
		}
	default:
		return fmt.Errorf("unsupported uplink.sink %q", c.Uplink.Sink)
	}
	return nil
}
