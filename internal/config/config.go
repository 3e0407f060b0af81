package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Room      RoomConfig      `mapstructure:"room" yaml:"room"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Sink      SinkConfig      `mapstructure:"sink" yaml:"sink"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
}

type AppConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"` // json / text
}

// RoomConfig 要加入的房间
type RoomConfig struct {
	ID       string `mapstructure:"id" yaml:"id"`
	PlayerID string `mapstructure:"player_id" yaml:"player_id"` // 为空时自动生成
	Name     string `mapstructure:"name" yaml:"name"`
	Type     string `mapstructure:"type" yaml:"type"`
	Private  bool   `mapstructure:"private" yaml:"private"`
	Passcode string `mapstructure:"passcode" yaml:"passcode"`
}

type TransportConfig struct {
	Kind               string           `mapstructure:"kind" yaml:"kind"` // websocket / nats / webtransport
	URL                string           `mapstructure:"url" yaml:"url"`
	DialTimeout        time.Duration    `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteBuffer        int              `mapstructure:"write_buffer" yaml:"write_buffer"`
	InsecureSkipVerify bool             `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	NATS               NATSConfig       `mapstructure:"nats" yaml:"nats"`
	QUIC               QUICClientConfig `mapstructure:"quic" yaml:"quic"`
}

type NATSConfig struct {
	Name          string `mapstructure:"name" yaml:"name"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type QUICClientConfig struct {
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type StateConfig struct {
	EventLimit int `mapstructure:"event_limit" yaml:"event_limit"` // 0 表示不限
}

type RegistryConfig struct {
	EvictTimeout  time.Duration `mapstructure:"evict_timeout" yaml:"evict_timeout"`
	EvictInterval time.Duration `mapstructure:"evict_interval" yaml:"evict_interval"`
}

type AuthConfig struct {
	Token       string        `mapstructure:"token" yaml:"token"`
	TokenSecret string        `mapstructure:"token_secret" yaml:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type RedisConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Password        string        `mapstructure:"password" yaml:"password"`
	DB              int           `mapstructure:"db" yaml:"db"`
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size"`
	PresenceTTL     time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Name     string `mapstructure:"name" yaml:"name"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
}

type SinkConfig struct {
	Workers   int           `mapstructure:"workers" yaml:"workers"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Mode    string `mapstructure:"mode" yaml:"mode"` // gin mode
}

// DSN 构建 PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "roomsync")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("room.type", "CUSTOM")

	v.SetDefault("transport.kind", "websocket")
	v.SetDefault("transport.url", "ws://localhost:8080")
	v.SetDefault("transport.dial_timeout", 10*time.Second)
	v.SetDefault("transport.write_buffer", 256)
	v.SetDefault("transport.nats.name", "roomsync")
	v.SetDefault("transport.nats.subject_prefix", "room")
	v.SetDefault("transport.quic.max_idle_timeout", 30*time.Second)
	v.SetDefault("transport.quic.keep_alive_period", 10*time.Second)

	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_attempts", 5)

	v.SetDefault("registry.evict_timeout", 30*time.Minute)
	v.SetDefault("registry.evict_interval", time.Minute)

	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.presence_ttl", 2*time.Minute)
	v.SetDefault("redis.refresh_interval", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("sink.workers", 2)
	v.SetDefault("sink.queue_size", 1024)
	v.SetDefault("sink.timeout", 5*time.Second)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":8090")
	v.SetDefault("health.mode", "release")
}

// Load 从指定路径加载配置
// path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()

	return &cfg, nil
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("ROOMSYNC_LOG_LEVEL", c.App.LogLevel)
	c.App.LogFormat = GetEnv("ROOMSYNC_LOG_FORMAT", c.App.LogFormat)

	// Room
	c.Room.ID = GetEnv("ROOMSYNC_ROOM_ID", c.Room.ID)
	c.Room.PlayerID = GetEnv("ROOMSYNC_PLAYER_ID", c.Room.PlayerID)
	c.Room.Passcode = GetEnv("ROOMSYNC_ROOM_PASSCODE", c.Room.Passcode)

	// Transport
	c.Transport.Kind = GetEnv("ROOMSYNC_TRANSPORT_KIND", c.Transport.Kind)
	c.Transport.URL = GetEnv("ROOMSYNC_TRANSPORT_URL", c.Transport.URL)
	c.Transport.DialTimeout = GetEnvDuration("ROOMSYNC_DIAL_TIMEOUT", c.Transport.DialTimeout)
	c.Transport.InsecureSkipVerify = GetEnvBool("ROOMSYNC_INSECURE_SKIP_VERIFY", c.Transport.InsecureSkipVerify)

	// Reconnect
	c.Reconnect.BaseDelay = GetEnvDuration("ROOMSYNC_RECONNECT_BASE_DELAY", c.Reconnect.BaseDelay)
	c.Reconnect.MaxAttempts = GetEnvInt("ROOMSYNC_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)

	// Auth
	c.Auth.Token = GetEnv("ROOMSYNC_AUTH_TOKEN", c.Auth.Token)
	c.Auth.TokenSecret = GetEnv("ROOMSYNC_TOKEN_SECRET", c.Auth.TokenSecret)

	// Redis
	c.Redis.Enabled = GetEnvBool("ROOMSYNC_REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = GetEnv("ROOMSYNC_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetEnv("ROOMSYNC_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("ROOMSYNC_REDIS_DB", c.Redis.DB)

	// Database
	c.Database.Enabled = GetEnvBool("ROOMSYNC_POSTGRES_ENABLED", c.Database.Enabled)
	c.Database.Host = GetEnv("ROOMSYNC_POSTGRES_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("ROOMSYNC_POSTGRES_PORT", c.Database.Port)
	c.Database.User = GetEnv("ROOMSYNC_POSTGRES_USER", c.Database.User)
	c.Database.Password = GetEnv("ROOMSYNC_POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = GetEnv("ROOMSYNC_POSTGRES_DB", c.Database.Name)

	// Health
	c.Health.Addr = GetEnv("ROOMSYNC_HEALTH_ADDR", c.Health.Addr)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Room.ID) == "" {
		errs = append(errs, errors.New("room.id is required"))
	}
	switch c.Transport.Kind {
	case "websocket", "nats", "webtransport":
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not supported", c.Transport.Kind))
	}
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Room.Private && c.Room.Passcode == "" {
		errs = append(errs, errors.New("room.passcode is required for private rooms"))
	}
	if c.State.EventLimit < 0 {
		errs = append(errs, errors.New("state.event_limit must not be negative"))
	}

	return errors.Join(errs...)
}
