package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/metrics"
)

// DefaultTTL is how long a loaded entry stays fresh.
const DefaultTTL = 300 * time.Second

// Store is the persistent lookup behind the cache. A voice that does not
// exist reports ok=false with a nil error.
type Store interface {
	Lookup(ctx context.Context, id string) (p Parameters, ok bool, err error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, id string) (Parameters, bool, error)

func (f StoreFunc) Lookup(ctx context.Context, id string) (Parameters, bool, error) {
	return f(ctx, id)
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

type entry struct {
	value    Parameters
	loadedAt time.Time
}

// Cache is a TTL read-through cache of voice parameters. It is safe for
// concurrent use.
type Cache struct {
	store   Store
	ttl     time.Duration
	clock   Clock
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source used for expiry.
func WithClock(c Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithMetrics records lookup outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cache *Cache) { cache.metrics = m }
}

// WithLogger sets the logger for cache diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(cache *Cache) { cache.log = l }
}

// NewCache returns a cache in front of store. A non-positive ttl selects
// DefaultTTL.
func NewCache(store Store, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store:   store,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrDiscard(c.log).With("component", "voice_cache")
	return c
}

// Get returns the parameters for id. Unknown voices yield empty parameters
// and are looked up again next time; store errors are returned and not
// cached.
func (c *Cache) Get(ctx context.Context, id string) (Parameters, error) {
	now := c.clock()

	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && !c.expired(e, now) {
		c.mu.Unlock()
		c.metrics.CacheLookup("hit")
		return e.value, nil
	}
	c.mu.Unlock()

	p, found, err := c.store.Lookup(ctx, id)
	if err != nil {
		c.metrics.CacheLookup("error")
		return Parameters{}, fmt.Errorf("looking up voice %q: %w", id, err)
	}
	if !found {
		c.metrics.CacheLookup("unknown")
		c.log.Debug("voice not found", "voice_id", id)
		return Parameters{}, nil
	}

	c.mu.Lock()
	c.entries[id] = entry{value: p, loadedAt: c.clock()}
	c.mu.Unlock()
	c.metrics.CacheLookup("miss")
	return p, nil
}

// Evict drops every entry older than the TTL and returns how many went.
func (c *Cache) Evict() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of entries held, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return now.Sub(e.loadedAt) > c.ttl
}
