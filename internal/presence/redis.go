package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis layout:
//
//	{prefix}:online          SET<user_id>               users believed online
//	{prefix}:user:{user_id}  ZSET<conn_id, expires_ms>  live sessions of a user
//
// A session expires unless the owning process refreshes it, so a crashed
// process cannot keep its users online past the TTL.
var (
	setOnlineScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local live = redis.call('ZCARD', KEYS[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[4])
if live == 0 then
  return 1
end
return 0
`)

	setOfflineScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) > 0 then
  return 0
end
redis.call('DEL', KEYS[1])
return redis.call('SREM', KEYS[2], ARGV[3])
`)

	listOnlineScript = redis.NewScript(`
local users = redis.call('SMEMBERS', KEYS[1])
local online = {}
for _, u in ipairs(users) do
  local k = ARGV[2] .. u
  redis.call('ZREMRANGEBYSCORE', k, '-inf', ARGV[1])
  if redis.call('ZCARD', k) > 0 then
    table.insert(online, u)
  else
    redis.call('SREM', KEYS[1], u)
  end
end
return online
`)
)

type RedisConfig struct {
	Prefix            string
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

type RedisRegistry struct {
	client *redis.Client
	log    zerolog.Logger
	prefix string
	ttl    time.Duration
	every  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	managed map[string]map[string]struct{} // sessions owned by this process
}

func NewRedisRegistry(client *redis.Client, cfg RedisConfig, log zerolog.Logger) *RedisRegistry {
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:presence"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.TTL {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	return &RedisRegistry{
		client:  client,
		log:     log.With().Str("component", "presence").Logger(),
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		every:   cfg.HeartbeatInterval,
		now:     time.Now,
		managed: make(map[string]map[string]struct{}),
	}
}

func (r *RedisRegistry) onlineKey() string {
	return r.prefix + ":online"
}

func (r *RedisRegistry) userKeyPrefix() string {
	return r.prefix + ":user:"
}

func (r *RedisRegistry) userKey(userID string) string {
	return r.userKeyPrefix() + userID
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisRegistry) SetOnline(ctx context.Context, userID, connID string) bool {
	r.track(userID, connID)

	now := r.now()
	first, err := setOnlineScript.Run(ctx, r.client,
		[]string{r.userKey(userID), r.onlineKey()},
		connID, ms(now.Add(r.ttl)), ms(now), userID,
	).Int()
	if err != nil {
		r.degraded(err, "set online", userID)
		return false
	}
	return first == 1
}

func (r *RedisRegistry) SetOffline(ctx context.Context, userID, connID string) bool {
	r.untrack(userID, connID)

	gone, err := setOfflineScript.Run(ctx, r.client,
		[]string{r.userKey(userID), r.onlineKey()},
		connID, ms(r.now()), userID,
	).Int()
	if err != nil {
		r.degraded(err, "set offline", userID)
		return false
	}
	return gone == 1
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) bool {
	n, err := r.client.ZCount(ctx, r.userKey(userID), "("+ms(r.now()), "+inf").Result()
	if err != nil {
		r.degraded(err, "is online", userID)
		return false
	}
	return n > 0
}

func (r *RedisRegistry) ListOnline(ctx context.Context) []string {
	ids, err := listOnlineScript.Run(ctx, r.client,
		[]string{r.onlineKey()},
		ms(r.now()), r.userKeyPrefix(),
	).StringSlice()
	if err != nil {
		r.degraded(err, "list online", "")
		return []string{}
	}
	sort.Strings(ids)
	return ids
}

// Run refreshes the expiry of every session owned by this process until ctx is done.
func (r *RedisRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.every).Dur("ttl", r.ttl).Msg("presence heartbeat started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *RedisRegistry) refresh(ctx context.Context) {
	type session struct{ userID, connID string }

	r.mu.Lock()
	sessions := make([]session, 0, len(r.managed))
	for userID, conns := range r.managed {
		for connID := range conns {
			sessions = append(sessions, session{userID, connID})
		}
	}
	r.mu.Unlock()

	// Sessions are re-added, not only extended, so entries lost to a Redis
	// restart or a failed SetOnline come back on the next beat.
	expires := float64(r.now().Add(r.ttl).UnixMilli())
	for _, s := range sessions {
		if !r.tracked(s.userID, s.connID) {
			continue
		}
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, r.userKey(s.userID), redis.Z{Score: expires, Member: s.connID})
			pipe.SAdd(ctx, r.onlineKey(), s.userID)
			return nil
		})
		if err != nil {
			r.degraded(err, "refresh", s.userID)
			return
		}
	}
}

func (r *RedisRegistry) tracked(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.managed[userID][connID]
	return ok
}

func (r *RedisRegistry) track(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.managed[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.managed[userID] = conns
	}
	conns[connID] = struct{}{}
}

func (r *RedisRegistry) untrack(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.managed[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.managed, userID)
		}
	}
}

func (r *RedisRegistry) degraded(err error, op, userID string) {
	ev := r.log.Warn().Err(fmt.Errorf("presence %s: %w", op, err))
	if userID != "" {
		ev = ev.Str("user_id", userID)
	}
	ev.Msg("presence backend unavailable, treating as offline")
}
