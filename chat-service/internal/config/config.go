package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/incident-chat/pkg/config"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/storage"
)

type Config struct {
	Server    ServerConfig
	API       ServerConfig `mapstructure:"api"`
	WebSocket WebSocketConfig
	Database  database.Config
	Auth      AuthConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	EventBus  EventBusConfig `mapstructure:"event_bus"`
	Presence  PresenceConfig
	Notify    NotifyConfig
	Push      PushConfig
	ITSM      ITSMConfig `mapstructure:"itsm"`
	SLA       SLAConfig  `mapstructure:"sla"`
	Ledger    LedgerConfig
	Audit     AuditConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	LaneBuffer     int           `mapstructure:"lane_buffer"`
}

type AuthConfig struct {
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	PublicKeyFile  string        `mapstructure:"public_key_file"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers    string
	Partitions int
	GroupID    string `mapstructure:"group_id"`
}

type EventBusConfig struct {
	Driver    string // kafka, redis, nop
	ChatTopic string `mapstructure:"chat_topic"`
	SLATopic  string `mapstructure:"sla_topic"`
}

type PresenceConfig struct {
	KeyPrefix   string `mapstructure:"key_prefix"`
	RelayDriver string `mapstructure:"relay_driver"` // redis, kafka
}

type NotifyConfig struct {
	Workers   int
	QueueSize int `mapstructure:"queue_size"`
}

type PushConfig struct {
	Enabled   bool
	Endpoint  string
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ITSMConfig struct {
	Enabled bool
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SLAConfig struct {
	Enabled      bool
	DefaultHours int           `mapstructure:"default_hours"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Schedule     string        `mapstructure:"schedule"` // cron expression, overrides scan_interval
}

type LedgerConfig struct {
	// AgeIdentityFile holds an AGE-SECRET-KEY used to seal content at rest.
	AgeIdentityFile string `mapstructure:"age_identity_file"`
}

type AuditConfig struct {
	Storage   storage.Config
	Cassandra CassandraConfig
}

type CassandraConfig struct {
	Enabled     bool
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	return LoadFrom("./config", "config")
}

// LoadFrom reads configName from configPath, then applies defaults and the
// environment.
func LoadFrom(configPath, configName string) (*Config, error) {
	v, err := pkgconfig.Load(configPath, configName)
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

// LoadFile reads one explicit yaml file, as passed to ledgerctl --config.
func LoadFile(path string) (*Config, error) {
	v, err := pkgconfig.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8089)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.lane_buffer", 64)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "incident-chat.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold", "200ms")
	v.SetDefault("auth.issuer", "incident-chat")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("kafka.group_id", "incident-chat")
	v.SetDefault("event_bus.driver", "nop")
	v.SetDefault("event_bus.chat_topic", "chat-events")
	v.SetDefault("event_bus.sla_topic", "sla-events")
	v.SetDefault("presence.key_prefix", "presence:thread")
	v.SetDefault("presence.relay_driver", "redis")
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("push.enabled", false)
	v.SetDefault("push.endpoint", "https://fcm.googleapis.com/fcm/send")
	v.SetDefault("push.timeout", "5s")
	v.SetDefault("itsm.enabled", false)
	v.SetDefault("itsm.timeout", "5s")
	v.SetDefault("sla.enabled", true)
	v.SetDefault("sla.default_hours", 24)
	v.SetDefault("sla.scan_interval", "5m")
	v.SetDefault("sla.schedule", "")
	v.SetDefault("audit.storage.driver", "local")
	v.SetDefault("audit.storage.local.base_path", "./archive")
	v.SetDefault("audit.cassandra.enabled", false)
	v.SetDefault("audit.cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("audit.cassandra.keyspace", "incident_chat")
	v.SetDefault("audit.cassandra.consistency", "QUORUM")
	v.SetDefault("audit.cassandra.timeout", "10s")
	v.SetDefault("log.level", "info")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("api.port", "API_PORT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.file_path", "DB_FILE_PATH")
	v.BindEnv("auth.private_key_file", "JWT_PRIVATE_KEY_FILE")
	v.BindEnv("auth.public_key_file", "JWT_PUBLIC_KEY_FILE")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("event_bus.driver", "EVENT_BUS_DRIVER")
	v.BindEnv("push.server_key", "FCM_SERVER_KEY")
	v.BindEnv("itsm.base_url", "ITSM_BASE_URL")
	v.BindEnv("itsm.token", "ITSM_TOKEN")
	v.BindEnv("ledger.age_identity_file", "AGE_IDENTITY_FILE")
	v.BindEnv("audit.storage.s3.bucket", "AUDIT_S3_BUCKET")
	v.BindEnv("audit.storage.s3.access_key_id", "AWS_ACCESS_KEY_ID")
	v.BindEnv("audit.storage.s3.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Database.SlowThreshold = parseDuration(v, "database.slow_threshold", 200*time.Millisecond)
	cfg.Auth.AccessTTL = parseDuration(v, "auth.access_ttl", 15*time.Minute)
	cfg.Auth.RefreshTTL = parseDuration(v, "auth.refresh_ttl", 7*24*time.Hour)
	cfg.Push.Timeout = parseDuration(v, "push.timeout", 5*time.Second)
	cfg.ITSM.Timeout = parseDuration(v, "itsm.timeout", 5*time.Second)
	cfg.SLA.ScanInterval = parseDuration(v, "sla.scan_interval", 5*time.Minute)
	cfg.Audit.Cassandra.Timeout = parseDuration(v, "audit.cassandra.timeout", 10*time.Second)
	cfg.EventBus.Driver = strings.ToLower(cfg.EventBus.Driver)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
