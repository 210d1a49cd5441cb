package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pairchat/internal/logger"
	"pairchat/internal/storage"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Redis     RedisConfig
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Chat      ChatConfig
	Storage   StorageConfig
	Log       logger.Config
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string
}

// RedisConfig covers both the presence registry and the cross-process event
// channel. An empty Address runs the server in single-process mode.
type RedisConfig struct {
	Address           string
	Password          string
	DB                int
	PresencePrefix    string        `mapstructure:"presence_prefix"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	EventsChannel     string        `mapstructure:"events_channel"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type ChatConfig struct {
	Fanout          string
	AttachmentLabel string        `mapstructure:"attachment_label"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	SummaryRetries  uint          `mapstructure:"summary_retries"`
}

type StorageConfig struct {
	Driver         string
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	Local          storage.LocalConfig
	S3             storage.S3Config `mapstructure:"s3"`
}

var (
	ErrMissingDSN       = errors.New("database.dsn (DB_DSN) is not set")
	ErrMissingJWTSecret = errors.New("auth.jwt_secret (JWT_SECRET) is not set")
)

// Load reads config.yaml from path (or . / ./config) when present, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// A connection is dropped after two missed keepalives unless pong_wait is set.
	if !v.IsSet("websocket.pong_wait") {
		cfg.WebSocket.PongWait = 2 * cfg.WebSocket.PingInterval
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "pairchat")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presence_prefix", "chat:presence")
	v.SetDefault("redis.presence_ttl", "60s")
	v.SetDefault("redis.heartbeat_interval", "20s")
	v.SetDefault("redis.events_channel", "chat:events")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("chat.fanout", "room")
	v.SetDefault("chat.attachment_label", "📎 Attachment")
	v.SetDefault("chat.store_timeout", "5s")
	v.SetDefault("chat.summary_retries", 3)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.max_upload_bytes", 10*1024*1024)
	v.SetDefault("storage.local.base_path", "./uploads")
	v.SetDefault("storage.local.public_prefix", "/uploads")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// bindLegacyEnv keeps the environment names used by the docker setup working.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "DB_DSN", "DATABASE_DSN")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET", "AUTH_JWT_SECRET")
	_ = v.BindEnv("redis.address", "REDIS_ADDR", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("server.addr", "SERVER_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, ErrMissingDSN)
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		errs = append(errs, fmt.Errorf("websocket.pong_wait (%s) must exceed websocket.ping_interval (%s)",
			c.WebSocket.PongWait, c.WebSocket.PingInterval))
	}
	switch c.Chat.Fanout {
	case "room", "global":
	default:
		errs = append(errs, fmt.Errorf("chat.fanout must be room or global, got %q", c.Chat.Fanout))
	}
	switch c.Storage.Driver {
	case "local", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be local or s3, got %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
