package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolConfig tunes the connection pool. Zero values get conservative
// defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	PingTimeout     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.MinConns < 0 {
		out.MinConns = 0
	}
	if out.MaxConnLifetime <= 0 {
		out.MaxConnLifetime = 30 * time.Minute
	}
	if out.MaxConnIdleTime <= 0 {
		out.MaxConnIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenPostgres opens a pool and checks connectivity. The dsn carries
// secrets and must not be logged.
func OpenPostgres(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	pc = pc.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = pc.MaxConnLifetime
	cfg.MaxConnIdleTime = pc.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pc.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping failed: %w", callerr.ErrConnection, err)
	}
	return pool, nil
}

// Postgres stores voices and call sessions in two tables.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS voices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT '',
	accent     TEXT NOT NULL DEFAULT '',
	parameters JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS call_sessions (
	session_id   TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL,
	voice_id     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	parameters   JSONB NOT NULL DEFAULT '{}',
	channel      TEXT NOT NULL DEFAULT '',
	provider     TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ
);
`

// EnsureSchema creates the tables when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (p *Postgres) Lookup(ctx context.Context, id string) (voice.Parameters, bool, error) {
	const q = `SELECT parameters FROM voices WHERE id = $1`

	var raw []byte
	if err := p.db.QueryRow(ctx, q, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return voice.Parameters{}, false, nil
		}
		return voice.Parameters{}, false, fmt.Errorf("selecting voice %s: %w", id, err)
	}

	var params voice.Parameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return voice.Parameters{}, false, fmt.Errorf("decoding voice %s parameters: %w", id, err)
	}
	return params, true, nil
}

// PutVoice upserts v.
func (p *Postgres) PutVoice(ctx context.Context, v voice.Voice) error {
	const q = `
INSERT INTO voices (id, name, type, accent, parameters)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, type = EXCLUDED.type, accent = EXCLUDED.accent, parameters = EXCLUDED.parameters
`
	raw, err := json.Marshal(v.Parameters)
	if err != nil {
		return fmt.Errorf("encoding voice %s parameters: %w", v.ID, err)
	}
	if _, err := p.db.Exec(ctx, q, v.ID, v.Name, v.Type, v.Accent, raw); err != nil {
		return fmt.Errorf("upserting voice %s: %w", v.ID, err)
	}
	return nil
}

// SeedVoices inserts voices that are not present yet, leaving edited rows
// alone.
func (p *Postgres) SeedVoices(ctx context.Context, voices []voice.Voice) error {
	const q = `
INSERT INTO voices (id, name, type, accent, parameters)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`
	for _, v := range voices {
		raw, err := json.Marshal(v.Parameters)
		if err != nil {
			return fmt.Errorf("encoding voice %s parameters: %w", v.ID, err)
		}
		if _, err := p.db.Exec(ctx, q, v.ID, v.Name, v.Type, v.Accent, raw); err != nil {
			return fmt.Errorf("seeding voice %s: %w", v.ID, err)
		}
	}
	return nil
}

func (p *Postgres) SaveSession(ctx context.Context, s registry.Session) error {
	const q = `
INSERT INTO call_sessions (session_id, phone_number, voice_id, status, parameters, channel, provider, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_id) DO UPDATE
SET phone_number = EXCLUDED.phone_number,
    voice_id     = EXCLUDED.voice_id,
    status       = EXCLUDED.status,
    parameters   = EXCLUDED.parameters,
    channel      = EXCLUDED.channel,
    provider     = EXCLUDED.provider,
    ended_at     = EXCLUDED.ended_at
`
	raw, err := json.Marshal(s.Parameters)
	if err != nil {
		return fmt.Errorf("encoding session %s parameters: %w", s.ID, err)
	}
	if _, err := p.db.Exec(ctx, q,
		s.ID,
		s.PhoneNumber,
		s.VoiceID,
		string(s.Status),
		raw,
		s.Channel,
		s.Provider,
		s.StartedAt,
		s.EndedAt,
	); err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, status registry.Status, endedAt *time.Time) error {
	const q = `
UPDATE call_sessions
SET status = $2, ended_at = COALESCE($3, ended_at)
WHERE session_id = $1
`
	tag, err := p.db.Exec(ctx, q, id, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (registry.Session, error) {
	const q = `
SELECT session_id, phone_number, voice_id, status, parameters, channel, provider, started_at, ended_at
FROM call_sessions
WHERE session_id = $1
`
	var (
		s      registry.Session
		status string
		raw    []byte
	)
	if err := p.db.QueryRow(ctx, q, id).Scan(
		&s.ID,
		&s.PhoneNumber,
		&s.VoiceID,
		&status,
		&raw,
		&s.Channel,
		&s.Provider,
		&s.StartedAt,
		&s.EndedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Session{}, fmt.Errorf("%w: session %s", callerr.ErrNotFound, id)
		}
		return registry.Session{}, fmt.Errorf("selecting session %s: %w", id, err)
	}
	s.Status = registry.Status(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.Parameters); err != nil {
			return registry.Session{}, fmt.Errorf("decoding session %s parameters: %w", id, err)
		}
	}
	return s, nil
}
