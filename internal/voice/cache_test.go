package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/voicebridge/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type countingStore struct {
	calls  atomic.Int32
	voices map[string]Parameters
	err    error
}

func (s *countingStore) Lookup(_ context.Context, id string) (Parameters, bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Parameters{}, false, s.err
	}
	p, ok := s.voices[id]
	return p, ok, nil
}

var deep = Parameters{Pitch: -6, Formant: -40, Effect: EffectReverb}

func newTestCache(store Store, opts ...Option) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewCache(store, 300*time.Second, opts...), clk
}

func TestCacheTTL(t *testing.T) {
	store := &countingStore{voices: map[string]Parameters{"7": deep}}
	c, clk := newTestCache(store)
	ctx := context.Background()

	p, err := c.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, deep, p)
	assert.Equal(t, int32(1), store.calls.Load())

	clk.Advance(time.Second)
	p, err = c.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, deep, p)
	assert.Equal(t, int32(1), store.calls.Load(), "fresh entry served from cache")

	clk.Advance(300 * time.Second)
	_, err = c.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load(), "expired entry reloaded")
}

func TestCacheMissIsNotCached(t *testing.T) {
	store := &countingStore{voices: map[string]Parameters{}}
	c, _ := newTestCache(store)

	for i := 0; i < 3; i++ {
		p, err := c.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.True(t, p.IsZero())
	}
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Zero(t, c.Len())
}

func TestCacheStoreErrorIsReturned(t *testing.T) {
	boom := errors.New("db down")
	store := &countingStore{err: boom}
	c, _ := newTestCache(store)

	_, err := c.Get(context.Background(), "7")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
}

func TestCacheEvict(t *testing.T) {
	store := &countingStore{voices: map[string]Parameters{"a": deep, "b": deep}}
	c, clk := newTestCache(store)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a")
	clk.Advance(200 * time.Second)
	_, _ = c.Get(ctx, "b")
	require.Equal(t, 2, c.Len())

	assert.Zero(t, c.Evict())

	clk.Advance(150 * time.Second)
	assert.Equal(t, 1, c.Evict(), "only a is older than the TTL")
	assert.Equal(t, 1, c.Len())

	clk.Advance(200 * time.Second)
	assert.Equal(t, 1, c.Evict())
	assert.Zero(t, c.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	store := &countingStore{voices: map[string]Parameters{"a": deep, "b": {Pitch: 10, Formant: 50}}}
	c, clk := newTestCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "a"
			if i%2 == 0 {
				id = "b"
			}
			_, err := c.Get(context.Background(), id)
			assert.NoError(t, err)
			if i%10 == 0 {
				clk.Advance(time.Minute)
				c.Evict()
			}
		}(i)
	}
	wg.Wait()
}

func TestCacheMetrics(t *testing.T) {
	m := metrics.New()
	store := &countingStore{voices: map[string]Parameters{"7": deep}}
	c, _ := newTestCache(store, WithMetrics(m))

	_, _ = c.Get(context.Background(), "7")
	_, _ = c.Get(context.Background(), "7")
	_, _ = c.Get(context.Background(), "unknown")

	expected := `
# HELP voicebridge_cache_lookups_total Parameter cache lookups, by result.
# TYPE voicebridge_cache_lookups_total counter
voicebridge_cache_lookups_total{result="hit"} 1
voicebridge_cache_lookups_total{result="miss"} 1
voicebridge_cache_lookups_total{result="unknown"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "voicebridge_cache_lookups_total"))
}

func TestVariables(t *testing.T) {
	vars := Variables("7", Parameters{Pitch: -3, Formant: -20})
	assert.Equal(t, []Variable{
		{"VOICE_ID", "7"},
		{"VOICE_PITCH", "-3"},
		{"VOICE_FORMANT", "-20"},
		{"VOICE_EFFECT", "none"},
	}, vars)
}

func TestEffectValid(t *testing.T) {
	for _, e := range []Effect{"", EffectNone, EffectReverb, EffectRobot, EffectEcho, EffectAlien} {
		assert.True(t, e.Valid(), e)
	}
	assert.False(t, Effect("chorus").Valid())
}
