// Package cache implements the three-tier read cache that fronts all
// heavy lookups: an in-process LRU, a shared Redis tier, and a per-key
// disk snapshot used when Redis is unreachable.
//
// The single-flight guard is a contract: for any key, at most one loader
// runs at a time process-wide, and a failed load never clobbers the
// previously stored value.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fieldops/safesync/internal/metrics"
	"github.com/fieldops/safesync/internal/syncerr"
)

// Loader produces the raw value for a key. Loaders must be deterministic
// with respect to the external system state at call time.
type Loader func(ctx context.Context) ([]byte, error)

// entry is the stored form of a cached value, shared by all three tiers.
type entry struct {
	Value       []byte    `json:"value"`
	KeyType     string    `json:"key_type"`
	CreatedAt   time.Time `json:"created_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	LastUpdated time.Time `json:"last_updated"`
}

func (e entry) fresh(now time.Time) bool {
	return e.RefreshedAt.Add(time.Duration(e.TTLSeconds) * time.Second).After(now)
}

// EntrySummary is the stats() view of one key. Field names are canonical:
// size_bytes and ttl_seconds, no legacy aliases.
type EntrySummary struct {
	Key         string    `json:"key"`
	KeyType     string    `json:"key_type"`
	SizeBytes   int       `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	LastUpdated time.Time `json:"last_updated"`
	Stale       bool      `json:"stale"`
}

// Stats is the response for the cache stats endpoint.
type Stats struct {
	RedisConnected bool                    `json:"redis_connected"`
	CacheTTLHours  float64                 `json:"cache_ttl_hours"`
	Caches         map[string]EntrySummary `json:"caches"`
}

// Options configures a Manager.
type Options struct {
	Namespace   string
	LRUSize     int
	DefaultTTL  time.Duration
	FallbackDir string
}

type bufferedWrite struct {
	key string
	ent entry
}

// Manager coordinates the tiers. Redis may be nil (tests, degraded mode);
// everything still works from the LRU and disk tiers.
type Manager struct {
	opts Options
	rdb  *redis.Client
	disk *diskStore
	sf   singleflight.Group

	mu      sync.Mutex
	local   *lru.Cache[string, entry]
	loaders map[string]Loader
	ttls    map[string]time.Duration
	created map[string]time.Time
	pending []bufferedWrite
	redisUp bool
}

// New builds a Manager. The disk tier directory is created lazily.
func New(opts Options, rdb *redis.Client) (*Manager, error) {
	if opts.LRUSize <= 0 {
		opts.LRUSize = 256
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	l, err := lru.New[string, entry](opts.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:    opts,
		rdb:     rdb,
		disk:    newDiskStore(opts.FallbackDir),
		local:   l,
		loaders: make(map[string]Loader),
		ttls:    make(map[string]time.Duration),
		created: make(map[string]time.Time),
		redisUp: rdb != nil,
	}, nil
}

func (m *Manager) redisKey(key string) string {
	return m.opts.Namespace + ":cache:" + key
}

// GetOrLoad returns the cached value when fresh, otherwise runs the loader
// once across all concurrent callers and stores the result.
func (m *Manager) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	m.mu.Lock()
	m.loaders[key] = loader
	m.ttls[key] = ttl
	m.mu.Unlock()

	if ent, ok := m.lookup(ctx, key); ok && ent.fresh(time.Now()) {
		return ent.Value, nil
	}
	return m.load(ctx, key, ttl, loader, false)
}

// GetWithFallback behaves like GetOrLoad, but when the loader fails it
// serves the last-known value even if stale, emitting a warning.
func (m *Manager) GetWithFallback(ctx context.Context, key string, maxAge time.Duration, loader Loader) ([]byte, error) {
	val, err := m.GetOrLoad(ctx, key, maxAge, loader)
	if err == nil {
		return val, nil
	}
	if ent, ok := m.lookup(ctx, key); ok {
		log.Ctx(ctx).Warn().Str("cache", key).Err(err).
			Time("refreshed_at", ent.RefreshedAt).
			Msg("loader failed, serving stale cache value")
		metrics.CacheStale.WithLabelValues(key).Inc()
		return ent.Value, nil
	}
	return nil, err
}

// load runs the loader under single-flight and stores on success.
func (m *Manager) load(ctx context.Context, key string, ttl time.Duration, loader Loader, force bool) ([]byte, error) {
	v, err, _ := m.sf.Do(key, func() (any, error) {
		// Re-check freshness: a concurrent caller may have just loaded.
		if !force {
			if ent, ok := m.lookup(ctx, key); ok && ent.fresh(time.Now()) {
				return ent.Value, nil
			}
		}
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		m.store(ctx, key, val, ttl)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// lookup walks the tiers: LRU, then Redis, then disk when Redis is down.
func (m *Manager) lookup(ctx context.Context, key string) (entry, bool) {
	m.mu.Lock()
	ent, ok := m.local.Get(key)
	m.mu.Unlock()
	if ok {
		return ent, true
	}

	if m.rdb != nil {
		raw, err := m.rdb.Get(ctx, m.redisKey(key)).Bytes()
		switch {
		case err == nil:
			var e entry
			if json.Unmarshal(raw, &e) == nil {
				m.setRedisUp(ctx, true)
				m.mu.Lock()
				m.local.Add(key, e)
				m.mu.Unlock()
				return e, true
			}
		case err == redis.Nil:
			m.setRedisUp(ctx, true)
			return entry{}, false
		default:
			m.setRedisUp(ctx, false)
		}
	}

	// Remote unreachable (or absent): disk snapshot.
	if e, ok := m.disk.read(key); ok {
		m.mu.Lock()
		m.local.Add(key, e)
		m.mu.Unlock()
		return e, true
	}
	return entry{}, false
}

// store writes tiers (1) and (2) synchronously and (3) best-effort.
// refreshed_at moves only here, i.e. only on successful load.
func (m *Manager) store(ctx context.Context, key string, val []byte, ttl time.Duration) {
	now := time.Now()
	m.mu.Lock()
	created, ok := m.created[key]
	if !ok {
		created = now
		m.created[key] = now
	}
	ent := entry{
		Value:       val,
		KeyType:     "string",
		CreatedAt:   created,
		RefreshedAt: now,
		TTLSeconds:  int64(ttl / time.Second),
		LastUpdated: now,
	}
	m.local.Add(key, ent)
	m.mu.Unlock()

	metrics.CacheLastUpdated.WithLabelValues(key).Set(float64(now.Unix()))
	metrics.CacheTTL.WithLabelValues(key).Set(float64(ent.TTLSeconds))
	metrics.CacheItems.WithLabelValues(key).Set(float64(itemCount(val)))

	if m.rdb != nil {
		raw, _ := json.Marshal(ent)
		// Stale entries remain usable as fallback, so the Redis TTL is
		// double the freshness TTL.
		err := m.rdb.Set(ctx, m.redisKey(key), raw, 2*ttl).Err()
		if err != nil {
			m.setRedisUp(ctx, false)
			m.mu.Lock()
			m.pending = append(m.pending, bufferedWrite{key: key, ent: ent})
			m.mu.Unlock()
			log.Ctx(ctx).Warn().Str("cache", key).Err(err).Msg("redis write failed, buffered for replay")
		} else {
			m.setRedisUp(ctx, true)
		}
	}

	if err := m.disk.write(key, ent); err != nil {
		log.Ctx(ctx).Warn().Str("cache", key).Err(err).Msg("disk snapshot write failed")
	}
}

// itemCount reports how many records a cached blob holds. Record listings
// are JSON arrays; anything else counts as one item.
func itemCount(val []byte) int {
	var arr []json.RawMessage
	if err := json.Unmarshal(val, &arr); err == nil {
		return len(arr)
	}
	return 1
}

// setRedisUp tracks connectivity and replays buffered writes on reconnect.
func (m *Manager) setRedisUp(ctx context.Context, up bool) {
	m.mu.Lock()
	was := m.redisUp
	m.redisUp = up
	var replay []bufferedWrite
	if up && !was {
		replay = m.pending
		m.pending = nil
	}
	m.mu.Unlock()

	for _, w := range replay {
		raw, _ := json.Marshal(w.ent)
		ttl := time.Duration(w.ent.TTLSeconds) * time.Second
		if err := m.rdb.Set(ctx, m.redisKey(w.key), raw, 2*ttl).Err(); err != nil {
			log.Ctx(ctx).Warn().Str("cache", w.key).Err(err).Msg("replay of buffered cache write failed")
			m.mu.Lock()
			m.pending = append(m.pending, w)
			m.redisUp = false
			m.mu.Unlock()
			return
		}
	}
	if len(replay) > 0 {
		log.Ctx(ctx).Info().Int("writes", len(replay)).Msg("replayed buffered cache writes after redis reconnect")
	}
}

// Invalidate drops a key (or every key, for "all") from all tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if key == "all" {
		m.mu.Lock()
		m.local.Purge()
		m.mu.Unlock()

		// The LRU only holds a bounded subset of keys, so the remote and
		// disk tiers are swept wholesale rather than from the local view.
		if m.rdb != nil {
			iter := m.rdb.Scan(ctx, 0, m.opts.Namespace+":cache:*", 0).Iterator()
			for iter.Next(ctx) {
				if err := m.rdb.Del(ctx, iter.Val()).Err(); err != nil {
					return syncerr.Wrap(syncerr.CodeDependency, "cache invalidate", err)
				}
			}
			if err := iter.Err(); err != nil {
				return syncerr.Wrap(syncerr.CodeDependency, "cache invalidate", err)
			}
		}
		m.disk.removeAll()
		return nil
	}
	m.mu.Lock()
	m.local.Remove(key)
	m.mu.Unlock()
	if m.rdb != nil {
		if err := m.rdb.Del(ctx, m.redisKey(key)).Err(); err != nil && err != redis.Nil {
			return syncerr.Wrap(syncerr.CodeDependency, "cache invalidate", err)
		}
	}
	m.disk.remove(key)
	return nil
}

// Refresh forces a reload of a previously loaded key.
func (m *Manager) Refresh(ctx context.Context, key string) error {
	m.mu.Lock()
	loader, ok := m.loaders[key]
	ttl := m.ttls[key]
	m.mu.Unlock()
	if !ok {
		return syncerr.New(syncerr.CodeNotFound, fmt.Sprintf("no loader registered for cache key %q", key))
	}
	_, err := m.load(ctx, key, ttl, loader, true)
	return err
}

// Keys lists keys with registered loaders, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.loaders))
	for k := range m.loaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Peek returns the current entry value without loading.
func (m *Manager) Peek(ctx context.Context, key string) ([]byte, bool) {
	ent, ok := m.lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return ent.Value, true
}

// Stats summarizes every known key.
func (m *Manager) Stats(ctx context.Context) Stats {
	now := time.Now()
	st := Stats{
		CacheTTLHours: m.opts.DefaultTTL.Hours(),
		Caches:        make(map[string]EntrySummary),
	}
	if m.rdb != nil {
		st.RedisConnected = m.rdb.Ping(ctx).Err() == nil
	}
	for _, k := range m.Keys() {
		ent, ok := m.lookup(ctx, k)
		if !ok {
			continue
		}
		st.Caches[k] = EntrySummary{
			Key:         k,
			KeyType:     ent.KeyType,
			SizeBytes:   len(ent.Value),
			CreatedAt:   ent.CreatedAt,
			RefreshedAt: ent.RefreshedAt,
			TTLSeconds:  ent.TTLSeconds,
			LastUpdated: ent.LastUpdated,
			Stale:       !ent.fresh(now),
		}
	}
	return st
}
