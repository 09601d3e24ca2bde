// Package cachestore implements the TTL-keyed response cache: one
// entry per (resource kind, provider, media type, id, extras)
// composite key, per-kind TTL policy, provider-partition purges and a
// single-flight policy collapsing concurrent misses into one upstream
// call. Grounded on the teacher's cache/cache.go (expiring map +
// periodic sweep, kept almost as-is) generalised to the composite key
// of SPEC_FULL.md §3/§4.3.
package cachestore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/addonfed/core/model"
)

// Persistence is the durable backing store for cache entries
// (SPEC_FULL.md §4.8/§6.3: addon_response_cache and metadata_cache).
// Like health.Persistence, failures from it are ignored by the Store
// (neither returned nor logged) — the cache is a performance layer,
// never a source of truth, so a lost write never fails the request
// that triggered it.
type Persistence interface {
	SaveEntry(model.CacheEntry) error
	DeleteEntry(key model.CacheKey) error
	DeleteProviderEntries(providerID string) error
	LoadEntries() ([]model.CacheEntry, error)
}

// TTLPolicy maps a cache kind to its TTL (SPEC_FULL.md §3/§4.3
// defaults, tunable within ±50%).
type TTLPolicy map[model.CacheKind]time.Duration

// DefaultTTLPolicy returns the spec's default per-kind TTLs.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		model.CacheManifest:  7 * 24 * time.Hour,
		model.CacheCatalog:   time.Hour,
		model.CacheStream:    5 * time.Minute,
		model.CacheMeta:      24 * time.Hour,
		model.CacheSubtitles: time.Hour,
	}
}

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Store is the concurrent, TTL-bounded response cache.
type Store struct {
	mu      sync.RWMutex
	items   map[string]entry
	keys    map[string]model.CacheKey
	byKind  map[model.CacheKind]map[string]struct{}
	byProv  map[string]map[string]struct{}
	policy  TTLPolicy
	groups  map[model.CacheKind]*singleflight.Group
	persist Persistence
	hits    int64
	misses  int64
}

// New builds an empty Store using the given TTL policy (pass
// DefaultTTLPolicy() for spec defaults). persist may be nil, in which
// case entries live only in memory.
func New(policy TTLPolicy, persist Persistence) *Store {
	groups := make(map[model.CacheKind]*singleflight.Group)
	for _, k := range []model.CacheKind{model.CacheManifest, model.CacheCatalog, model.CacheStream, model.CacheMeta, model.CacheSubtitles} {
		groups[k] = &singleflight.Group{}
	}
	return &Store{
		items:   make(map[string]entry),
		keys:    make(map[string]model.CacheKey),
		byKind:  make(map[model.CacheKind]map[string]struct{}),
		byProv:  make(map[string]map[string]struct{}),
		policy:  policy,
		groups:  groups,
		persist: persist,
	}
}

// Load hydrates the store from persist at startup, skipping entries
// that have already expired.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	entries, err := s.persist.LoadEntries()
	if err != nil {
		return err
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		ks := keyString(e.Key)
		s.items[ks] = entry{value: e.Value, createdAt: e.CreatedAt, expiresAt: e.ExpiresAt}
		s.keys[ks] = e.Key
		if s.byKind[e.Key.Kind] == nil {
			s.byKind[e.Key.Kind] = make(map[string]struct{})
		}
		s.byKind[e.Key.Kind][ks] = struct{}{}
		if s.byProv[e.Key.ProviderID] == nil {
			s.byProv[e.Key.ProviderID] = make(map[string]struct{})
		}
		s.byProv[e.Key.ProviderID][ks] = struct{}{}
	}
	return nil
}

// CanonicalExtras serialises an extras map into the sorted, collision
// -stable fingerprint required by SPEC_FULL.md §4.3: lower-cased keys,
// case-preserved values, sorted by key.
func CanonicalExtras(extra map[string]string) string {
	if len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		// extra is keyed by the caller's original casing; look up
		// case-insensitively since we already lower-cased the key set.
		for origK, v := range extra {
			if strings.ToLower(origK) == k {
				pairs = append(pairs, k+"="+v)
				break
			}
		}
	}
	return strings.Join(pairs, "&")
}

func keyString(k model.CacheKey) string {
	return string(k.Kind) + "|" + k.ProviderID + "|" + string(k.MediaType) + "|" + k.ID + "|" + k.Extras
}

// Get returns the cached value for key if present and not expired.
func (s *Store) Get(key model.CacheKey) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.items[keyString(key)]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		s.mu.Lock()
		s.misses++
		s.mu.Unlock()
		return nil, false
	}
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return e.value, true
}

// Set stores value under key with the given explicit ttl (use
// TTLFor(kind) for the default policy TTL).
func (s *Store) Set(key model.CacheKey, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := keyString(key)
	now := time.Now()
	expiresAt := now.Add(ttl)
	s.items[ks] = entry{value: value, createdAt: now, expiresAt: expiresAt}
	s.keys[ks] = key

	if s.byKind[key.Kind] == nil {
		s.byKind[key.Kind] = make(map[string]struct{})
	}
	s.byKind[key.Kind][ks] = struct{}{}

	if s.byProv[key.ProviderID] == nil {
		s.byProv[key.ProviderID] = make(map[string]struct{})
	}
	s.byProv[key.ProviderID][ks] = struct{}{}

	if s.persist != nil {
		_ = s.persist.SaveEntry(model.CacheEntry{Key: key, Value: value, CreatedAt: now, ExpiresAt: expiresAt})
	}
}

// TTLFor returns the configured TTL for a cache kind.
func (s *Store) TTLFor(kind model.CacheKind) time.Duration {
	if ttl, ok := s.policy[kind]; ok {
		return ttl
	}
	return time.Hour
}

// GetOrFetch implements the single-flight policy of SPEC_FULL.md
// §4.3/§5: concurrent misses on the same key collapse into one
// upstream fetch call. GetOrFetch takes no context: every waiter
// blocks until the shared fetch returns and receives its result or
// error, so if the fetch function passed by the first caller stops on
// that caller's cancellation, the error reaches every waiter.
func (s *Store) GetOrFetch(key model.CacheKey, fetch func() ([]byte, error)) ([]byte, bool, error) {
	if v, ok := s.Get(key); ok {
		return v, true, nil
	}
	group := s.groups[key.Kind]
	ks := keyString(key)
	v, err, _ := group.Do(ks, func() (interface{}, error) {
		// Re-check: another goroutine may have populated the cache
		// between our miss above and acquiring the single-flight slot.
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		b, ferr := fetch()
		if ferr != nil {
			return nil, ferr
		}
		s.Set(key, b, s.TTLFor(key.Kind))
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// InvalidateProvider purges every entry belonging to providerID
// (SPEC_FULL.md §4.3: used on uninstall, enable toggle, or repeated
// parse errors).
func (s *Store) InvalidateProvider(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ks := range s.byProv[providerID] {
		delete(s.items, ks)
		delete(s.keys, ks)
	}
	delete(s.byProv, providerID)
	for kind, set := range s.byKind {
		for ks := range set {
			if _, stillPresent := s.items[ks]; !stillPresent {
				delete(s.byKind[kind], ks)
			}
		}
	}
	if s.persist != nil {
		_ = s.persist.DeleteProviderEntries(providerID)
	}
}

// ClearExpired sweeps every expired entry. Idempotent.
func (s *Store) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for ks, e := range s.items {
		if e.expired(now) {
			if s.persist != nil {
				if k, ok := s.keys[ks]; ok {
					_ = s.persist.DeleteEntry(k)
				}
			}
			delete(s.items, ks)
			delete(s.keys, ks)
			removed++
		}
	}
	for kind := range s.byKind {
		for ks := range s.byKind[kind] {
			if _, ok := s.items[ks]; !ok {
				delete(s.byKind[kind], ks)
			}
		}
	}
	for prov := range s.byProv {
		for ks := range s.byProv[prov] {
			if _, ok := s.items[ks]; !ok {
				delete(s.byProv[prov], ks)
			}
		}
	}
	return removed
}

// Clear purges the entire cache.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		for _, k := range s.keys {
			_ = s.persist.DeleteEntry(k)
		}
	}
	s.items = make(map[string]entry)
	s.keys = make(map[string]model.CacheKey)
	s.byKind = make(map[model.CacheKind]map[string]struct{})
	s.byProv = make(map[string]map[string]struct{})
}

// Stats returns a snapshot of cache occupancy and hit/miss counters.
func (s *Store) Stats() model.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKind := make(map[model.CacheKind]int, len(s.byKind))
	var approxBytes int64
	for kind, set := range s.byKind {
		byKind[kind] = len(set)
	}
	for _, e := range s.items {
		approxBytes += int64(len(e.value))
	}
	return model.CacheStats{
		EntriesTotal: len(s.items),
		ApproxBytes:  approxBytes,
		HitCount:     s.hits,
		MissCount:    s.misses,
		ByKind:       byKind,
	}
}
