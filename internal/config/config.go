package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Name       string `mapstructure:"name"`
	Env        string `mapstructure:"env"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
	// RequestTimeoutSeconds bounds every HTTP handler.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

func (a AppConfig) Development() bool { return a.Env == "development" }

type MongoConfig struct {
	URI                     string `mapstructure:"uri"`
	Database                string `mapstructure:"database"`
	ConversationsCollection string `mapstructure:"conversations_collection"`
	TimeoutSeconds          int    `mapstructure:"timeout_seconds"`
	ConnectRetrySeconds     int    `mapstructure:"connect_retry_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// GroupID must differ per instance so every instance sees every event.
	GroupID string `mapstructure:"group_id"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Secret        string `mapstructure:"secret"`
}

type CacheConfig struct {
	MessageTTLHours      int    `mapstructure:"message_ttl_hours"`
	IndexTTLHours        int    `mapstructure:"index_ttl_hours"`
	TypingTTLSeconds     int    `mapstructure:"typing_ttl_seconds"`
	BreakerMaxFailures   uint32 `mapstructure:"breaker_max_failures"`
	BreakerOpenSeconds   int    `mapstructure:"breaker_open_seconds"`
	BreakerWindowSeconds int    `mapstructure:"breaker_window_seconds"`
}

type FetchConfig struct {
	DefaultLimit      int `mapstructure:"default_limit"`
	MaxLimit          int `mapstructure:"max_limit"`
	AckTimeoutSeconds int `mapstructure:"ack_timeout_seconds"`
}

type NotifyConfig struct {
	// Mode is local (this instance's sessions only) or kafka.
	Mode string `mapstructure:"mode"`
}

type MediaConfig struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
}

type ConsulConfig struct {
	Addr        string `mapstructure:"addr"`
	ServiceID   string `mapstructure:"service_id"`
	ServiceHost string `mapstructure:"service_host"`
}

type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Media     MediaConfig     `mapstructure:"media"`
	Consul    ConsulConfig    `mapstructure:"consul"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	LogLevel  string          `mapstructure:"log_level"`
}

// Load reads path (CONFIG_PATH when empty, then config.yaml), applies .env and
// environment overrides, fills defaults and validates. A missing file is not
// an error; the environment alone can configure the service.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyEnv()
	c.defaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&c.App.Env, "APP_ENV")
	str(&c.App.AdminToken, "ADMIN_TOKEN")
	str(&c.Mongo.URI, "MONGODB_URI")
	str(&c.Mongo.Database, "MONGODB_DATABASE")
	str(&c.Redis.Addr, "REDIS_ADDR")
	str(&c.Redis.Password, "REDIS_PASSWORD")
	str(&c.JWT.Algorithm, "JWT_ALGORITHM")
	str(&c.JWT.PublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	str(&c.JWT.Secret, "JWT_SECRET")
	str(&c.Notify.Mode, "NOTIFY_MODE")
	str(&c.Media.Bucket, "S3_BUCKET")
	str(&c.Media.Region, "AWS_REGION")
	str(&c.Consul.Addr, "CONSUL_ADDR")
	str(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SERVICE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil {
			c.App.Port = p
		}
	}
}

func (c *Config) defaults() {
	if c.App.Name == "" {
		c.App.Name = "chat-core"
	}
	if c.App.Env == "" {
		c.App.Env = "production"
	}
	if c.App.Port == 0 {
		c.App.Port = 8085
	}
	if c.App.RequestTimeoutSeconds == 0 {
		c.App.RequestTimeoutSeconds = 10
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "chatdb"
	}
	if c.Mongo.ConversationsCollection == "" {
		c.Mongo.ConversationsCollection = "conversations"
	}
	if c.Mongo.TimeoutSeconds == 0 {
		c.Mongo.TimeoutSeconds = 3
	}
	if c.Mongo.ConnectRetrySeconds == 0 {
		c.Mongo.ConnectRetrySeconds = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "chat"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "chat.events"
	}
	if c.JWT.Algorithm == "" {
		c.JWT.Algorithm = "RS256"
	}
	c.JWT.Algorithm = strings.ToUpper(c.JWT.Algorithm)
	if c.Cache.MessageTTLHours == 0 {
		c.Cache.MessageTTLHours = 30 * 24
	}
	if c.Cache.IndexTTLHours == 0 {
		c.Cache.IndexTTLHours = 30 * 24
	}
	if c.Cache.TypingTTLSeconds == 0 {
		c.Cache.TypingTTLSeconds = 7
	}
	if c.Cache.BreakerMaxFailures == 0 {
		c.Cache.BreakerMaxFailures = 5
	}
	if c.Cache.BreakerOpenSeconds == 0 {
		c.Cache.BreakerOpenSeconds = 10
	}
	if c.Cache.BreakerWindowSeconds == 0 {
		c.Cache.BreakerWindowSeconds = 60
	}
	if c.Fetch.DefaultLimit == 0 {
		c.Fetch.DefaultLimit = 50
	}
	if c.Fetch.MaxLimit == 0 {
		c.Fetch.MaxLimit = 100
	}
	if c.Fetch.AckTimeoutSeconds == 0 {
		c.Fetch.AckTimeoutSeconds = 5
	}
	if c.Notify.Mode == "" {
		c.Notify.Mode = "local"
	}
	if c.Media.Prefix == "" {
		c.Media.Prefix = "media/"
	}
	if c.Consul.ServiceID == "" {
		c.Consul.ServiceID = c.App.Name
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 50
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.JWT.Algorithm {
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	case "HS256":
		if c.JWT.Secret == "" {
			return errors.New("jwt.secret required for HS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.algorithm %q", c.JWT.Algorithm)
	}
	switch c.Notify.Mode {
	case "local":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers required when notify.mode is kafka")
		}
		if c.Kafka.GroupID == "" {
			return errors.New("kafka.group_id required when notify.mode is kafka")
		}
	default:
		return fmt.Errorf("unknown notify.mode %q", c.Notify.Mode)
	}
	if c.Fetch.DefaultLimit > c.Fetch.MaxLimit {
		return fmt.Errorf("fetch.default_limit %d exceeds fetch.max_limit %d", c.Fetch.DefaultLimit, c.Fetch.MaxLimit)
	}
	if c.Media.Bucket != "" && c.Media.Region == "" {
		return errors.New("media.region required with media.bucket")
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.App.RequestTimeoutSeconds) * time.Second
}

func (c *Config) MessageTTL() time.Duration {
	return time.Duration(c.Cache.MessageTTLHours) * time.Hour
}

func (c *Config) IndexTTL() time.Duration {
	return time.Duration(c.Cache.IndexTTLHours) * time.Hour
}

func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.Cache.TypingTTLSeconds) * time.Second
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Fetch.AckTimeoutSeconds) * time.Second
}
