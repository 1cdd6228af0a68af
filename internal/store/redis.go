package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
)

// RedisConfig controls client behavior. Zero values get conservative
// defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis creates a client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", callerr.ErrNotConfigured)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %w", callerr.ErrConnection, err)
	}
	return rdb, nil
}

// Redis mirrors call sessions as one hash per session. Every write renews
// the key's TTL so finished calls age out.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedis wraps rdb. ttl <= 0 selects 24h.
func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl, prefix: "voicebridge:session:"}
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) SaveSession(ctx context.Context, s registry.Session) error {
	fields, err := sessionFields(s)
	if err != nil {
		return err
	}
	key := r.key(s.ID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.PExpire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// updateStatusScript only touches existing hashes so a status update never
// resurrects an expired session with partial fields.
//
// KEYS[1] = session key
// ARGV[1] = status, ARGV[2] = ended_at (RFC3339Nano or empty), ARGV[3] = ttl ms
var updateStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func (r *Redis) UpdateStatus(ctx context.Context, id string, status registry.Status, endedAt *time.Time) error {
	ended := ""
	if endedAt != nil {
		ended = endedAt.UTC().Format(time.RFC3339Nano)
	}
	n, err := updateStatusScript.Run(ctx, r.rdb, []string{r.key(id)}, string(status), ended, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
	}
	return nil
}

func (r *Redis) GetSession(ctx context.Context, id string) (registry.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return registry.Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return registry.Session{}, fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
	}
	return parseSessionFields(id, fields)
}

func sessionFields(s registry.Session) (map[string]any, error) {
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s parameters: %w", s.ID, err)
	}
	fields := map[string]any{
		"session_id":   s.ID,
		"phone_number": s.PhoneNumber,
		"voice_id":     s.VoiceID,
		"status":       string(s.Status),
		"parameters":   string(params),
		"channel":      s.Channel,
		"provider":     s.Provider,
		"started_at":   s.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.EndedAt != nil {
		fields["ended_at"] = s.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields, nil
}

func parseSessionFields(id string, f map[string]string) (registry.Session, error) {
	s := registry.Session{
		ID:          f["session_id"],
		PhoneNumber: f["phone_number"],
		VoiceID:     f["voice_id"],
		Status:      registry.Status(f["status"]),
		Channel:     f["channel"],
		Provider:    f["provider"],
	}
	if s.ID == "" {
		s.ID = id
	}
	if raw := f["parameters"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Parameters); err != nil {
			return registry.Session{}, fmt.Errorf("decoding session %s parameters: %w", id, err)
		}
	}
	if v := f["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return registry.Session{}, fmt.Errorf("decoding session %s started_at: %w", id, err)
		}
		s.StartedAt = t
	}
	if v := f["ended_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return registry.Session{}, fmt.Errorf("decoding session %s ended_at: %w", id, err)
		}
		s.EndedAt = &t
	}
	return s, nil
}

