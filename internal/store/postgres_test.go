package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/registry"
	"github.com/sweeney/voicebridge/internal/voice"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records statements and answers QueryRow from a canned row.
type fakeDB struct {
	execs    []execCall
	tag      string
	execErr  error
	row      []any
	rowErr   error
	lastArgs []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.lastArgs = args
	return fakeRow{values: f.row, err: f.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			if v, ok := r.values[i].(*time.Time); ok {
				*p = v
			}
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func TestPostgresLookup(t *testing.T) {
	db := &fakeDB{row: []any{[]byte(`{"pitch":-3,"formant":-20,"effect":"none"}`)}}
	pg := NewPostgres(db)

	p, ok, err := pg.Lookup(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, voice.Parameters{Pitch: -3, Formant: -20, Effect: voice.EffectNone}, p)
	assert.Equal(t, []any{"7"}, db.lastArgs)
}

func TestPostgresLookupMissing(t *testing.T) {
	pg := NewPostgres(&fakeDB{rowErr: pgx.ErrNoRows})
	_, ok, err := pg.Lookup(context.Background(), "404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresLookupError(t *testing.T) {
	boom := errors.New("conn reset")
	pg := NewPostgres(&fakeDB{rowErr: boom})
	_, _, err := pg.Lookup(context.Background(), "7")
	assert.ErrorIs(t, err, boom)
}

func TestPostgresEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewPostgres(db).EnsureSchema(context.Background()))
	require.Len(t, db.execs, 1)
	assert.True(t, strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS call_sessions"))
	assert.True(t, strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS voices"))
}

func TestPostgresSaveSession(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := NewPostgres(db).SaveSession(context.Background(), registry.Session{
		ID:          "c1",
		PhoneNumber: "+15551234567",
		VoiceID:     "7",
		Parameters:  voice.Parameters{Pitch: -3, Formant: -20, Effect: voice.EffectNone},
		Status:      registry.StatusInitiated,
		Provider:    "asterisk",
		StartedAt:   start,
	})
	require.NoError(t, err)
	require.Len(t, db.execs, 1)

	args := db.execs[0].args
	require.Len(t, args, 9)
	assert.Equal(t, "c1", args[0])
	assert.Equal(t, "initiated", args[3])
	assert.JSONEq(t, `{"pitch":-3,"formant":-20,"effect":"none"}`, string(args[4].([]byte)))
	assert.Equal(t, start, args[7])
	assert.Nil(t, args[8].(*time.Time))
}

func TestPostgresUpdateStatus(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 1"}
	pg := NewPostgres(db)
	end := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, pg.UpdateStatus(context.Background(), "c1", registry.StatusCompleted, &end))
	assert.Equal(t, []any{"c1", "completed", &end}, db.execs[0].args)

	db.tag = "UPDATE 0"
	err := pg.UpdateStatus(context.Background(), "ghost", registry.StatusCompleted, nil)
	assert.ErrorIs(t, err, callerr.ErrNotFound)
}

func TestPostgresGetSession(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)
	db := &fakeDB{row: []any{
		"c1", "+15551234567", "7", "completed",
		[]byte(`{"pitch":-3,"formant":-20,"effect":"none"}`),
		"PJSIP/trunk-00000001", "asterisk", start, &end,
	}}

	s, err := NewPostgres(db).GetSession(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, s.Status)
	assert.Equal(t, -20, s.Parameters.Formant)
	assert.Equal(t, "PJSIP/trunk-00000001", s.Channel)
	assert.Equal(t, 42*time.Second, s.Duration(time.Time{}))
}

func TestPostgresGetSessionMissing(t *testing.T) {
	_, err := NewPostgres(&fakeDB{rowErr: pgx.ErrNoRows}).GetSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, callerr.ErrNotFound)
}

func TestPostgresSeedVoices(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	require.NoError(t, NewPostgres(db).SeedVoices(context.Background(), Catalogue))
	require.Len(t, db.execs, len(Catalogue))
	assert.True(t, strings.Contains(db.execs[0].sql, "DO NOTHING"))
}
