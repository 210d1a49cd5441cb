package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pairchat/internal/chat"
	"pairchat/internal/config"
	"pairchat/internal/db"
	"pairchat/internal/presence"
	"pairchat/internal/storage"
	"pairchat/internal/user"
)

// app holds every long-lived component of a running server.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	db    *db.Database
	redis *redis.Client // nil in single-process mode

	users     *user.Service
	chatRepo  *chat.Repository
	presence  presence.Registry
	heartbeat *presence.RedisRegistry
	hub       *chat.Hub
	router    *chat.Router
	blobs     storage.Storage
	local     *storage.LocalStorage
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	database, err := db.NewDatabase(ctx, cfg.Database.DSN, dbOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.db = database
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var broker chat.Broker
	if cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Address).Msg("connected to Redis")

		a.heartbeat = presence.NewRedisRegistry(a.redis, presence.RedisConfig{
			Prefix:            cfg.Redis.PresencePrefix,
			TTL:               cfg.Redis.PresenceTTL,
			HeartbeatInterval: cfg.Redis.HeartbeatInterval,
		}, log.With().Str("component", "presence").Logger())
		a.presence = a.heartbeat
		broker = chat.NewRedisBroker(a.redis, cfg.Redis.EventsChannel, log.With().Str("component", "broker").Logger())
	} else {
		log.Warn().Msg("redis.address not set, running in single-process mode")
		a.presence = presence.NewMemoryRegistry()
		broker = chat.NewLocalBroker(cfg.WebSocket.SendBuffer)
	}

	if a.blobs, a.local, err = newStorage(ctx, cfg.Storage); err != nil {
		a.Close()
		return nil, err
	}

	policy, err := chat.NewFanoutPolicy(cfg.Chat.Fanout)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.users = user.NewService(user.NewRepository(database.Conn), cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	a.chatRepo = chat.NewRepository(database.Conn)
	a.hub = chat.NewHub(broker, log.With().Str("component", "hub").Logger())
	a.router = chat.NewRouter(a.chatRepo, a.chatRepo, a.presence, a.hub, policy, chat.RouterConfig{
		AttachmentLabel: cfg.Chat.AttachmentLabel,
		StoreTimeout:    cfg.Chat.StoreTimeout,
		SummaryRetries:  cfg.Chat.SummaryRetries,
	}, log.With().Str("component", "router").Logger())

	log.Info().Str("fanout", policy.Name()).Str("storage", cfg.Storage.Driver).Msg("chat core ready")
	return a, nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, *storage.LocalStorage, error) {
	switch cfg.Driver {
	case "s3":
		s, err := storage.NewS3Storage(ctx, cfg.S3)
		return s, nil, err
	case "", "local":
		s, err := storage.NewLocalStorage(cfg.Local)
		return s, s, err
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (a *app) sessionConfig() chat.SessionConfig {
	ws := a.cfg.WebSocket
	return chat.SessionConfig{
		PingInterval:   ws.PingInterval,
		PongWait:       ws.PongWait,
		WriteWait:      ws.WriteWait,
		MaxMessageSize: ws.MaxMessageSize,
		SendBuffer:     ws.SendBuffer,
	}
}

// healthy pings every backing service.
func (a *app) healthy(ctx context.Context) error {
	var errs []error
	if err := a.db.Conn.PingContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("postgres: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
