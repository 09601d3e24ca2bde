// Package engine implements SPEC_FULL.md §4.7: the single public
// surface wrapping the registry, aggregator, response cache and health
// tracker. Grounded on the teacher's main.go TorBoxStremioAddon: one
// struct holding every sub-component, its methods delegating out,
// generalized from "one addon's business logic" to "facade over
// registry+aggregator+cache+health".
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/addonfed/core/aggregator"
	"github.com/addonfed/core/cachestore"
	"github.com/addonfed/core/health"
	"github.com/addonfed/core/model"
	"github.com/addonfed/core/protocol"
	"github.com/addonfed/core/registry"
)

// CatalogInfo is one entry of ListCatalogs' result: a provider's
// declared catalog, enough for the UI layer to request it.
type CatalogInfo struct {
	ProviderID   string
	ProviderName string
	CatalogID    string
	CatalogName  string
	Type         model.MediaType
	Genres       []string
	Extras       []string
}

// clientCache resolves and caches one protocol.Client per provider,
// rebuilding it if the provider's base URL changes underneath it (on
// manifest refresh).
type clientCache struct {
	mu       sync.Mutex
	byID     map[string]*protocol.Client
	baseURLs map[string]string
	newCfg   func(baseURL string) protocol.Config
}

func newClientCache(newCfg func(baseURL string) protocol.Config) *clientCache {
	return &clientCache{
		byID:     make(map[string]*protocol.Client),
		baseURLs: make(map[string]string),
		newCfg:   newCfg,
	}
}

func (c *clientCache) ClientFor(p model.Provider) *protocol.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byID[p.ID]; ok && c.baseURLs[p.ID] == p.BaseURL {
		return existing
	}
	client := protocol.NewClient(c.newCfg(p.BaseURL))
	c.byID[p.ID] = client
	c.baseURLs[p.ID] = p.BaseURL
	return client
}

func (c *clientCache) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
	delete(c.baseURLs, id)
}

// manifestFetcher adapts protocol.Client.FetchManifest to
// registry.ManifestFetcher. Each call builds a short-lived client
// since install/refresh target a base URL the registry does not yet
// (or no longer) have a cached client for.
type manifestFetcher struct {
	newCfg func(baseURL string) protocol.Config
}

func (f *manifestFetcher) Fetch(ctx context.Context, baseURL string) (model.Manifest, error) {
	return protocol.NewClient(f.newCfg(baseURL)).FetchManifest(ctx)
}

// Config configures an Engine's sub-components.
type Config struct {
	RestrictedURLs     bool
	ClientConfig       func(baseURL string) protocol.Config
	CacheTTLPolicy     cachestore.TTLPolicy
	HealthWindowSize   int
	HealthWindowPeriod int64 // hours; 0 uses health.DefaultWindowDuration
	AggregationConfig  aggregator.Config
	// InstallDisabled inverts the registry's install.default_enabled
	// policy (SPEC_FULL.md §9 Open Question resolution): zero-value
	// false keeps the spec default of newly installed providers
	// starting enabled; set true to start them disabled instead.
	InstallDisabled bool
}

// Persistence bundles the durable backends an Engine wires into its
// sub-components. Any field may be nil, in which case that component
// keeps its state in memory only.
type Persistence struct {
	Registry registry.Persistence
	Health   health.Persistence
	Cache    cachestore.Persistence
}

// Engine is the federation engine's single public surface.
type Engine struct {
	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	cache      *cachestore.Store
	health     *health.Tracker
	clients    *clientCache
	log        zerolog.Logger
}

// New wires a complete Engine: registry, aggregator, cache, health
// tracker and the client cache binding them together. persist's
// fields may be left zero-valued for an in-memory-only Engine.
func New(cfg Config, persist Persistence, log zerolog.Logger) *Engine {
	if cfg.ClientConfig == nil {
		cfg.ClientConfig = func(baseURL string) protocol.Config {
			c := protocol.DefaultConfig(baseURL)
			c.RestrictedMode = cfg.RestrictedURLs
			return c
		}
	}
	if cfg.CacheTTLPolicy == nil {
		cfg.CacheTTLPolicy = cachestore.DefaultTTLPolicy()
	}

	clients := newClientCache(cfg.ClientConfig)
	reg := registry.New(&manifestFetcher{newCfg: cfg.ClientConfig}, persist.Registry, cfg.RestrictedURLs, !cfg.InstallDisabled)
	cache := cachestore.New(cfg.CacheTTLPolicy, persist.Cache)
	var windowDuration time.Duration
	if cfg.HealthWindowPeriod > 0 {
		windowDuration = time.Duration(cfg.HealthWindowPeriod) * time.Hour
	}
	tracker := health.NewTracker(cfg.HealthWindowSize, windowDuration, persist.Health, func(id string) string {
		if p, ok := reg.Get(id); ok {
			return p.Name
		}
		return ""
	})
	agg := aggregator.New(reg, clients, cache, tracker, cfg.AggregationConfig, log)

	return &Engine{registry: reg, aggregator: agg, cache: cache, health: tracker, clients: clients, log: log}
}

// Load hydrates the registry and response cache from their
// persistence backends.
func (e *Engine) Load() error {
	if err := e.registry.Load(); err != nil {
		return err
	}
	return e.cache.Load()
}

// --- catalog discovery ------------------------------------------------

// ListCatalogs enumerates, across enabled providers supporting catalog
// for mediaType, the catalogs they declare (SPEC_FULL.md §4.7).
func (e *Engine) ListCatalogs(mediaType model.MediaType) []CatalogInfo {
	var out []CatalogInfo
	for _, p := range e.registry.FindProvidersByResource(model.ResourceCatalog) {
		if !p.SupportsType(mediaType) {
			continue
		}
		for _, c := range p.Manifest.Catalogs {
			if c.Type != string(mediaType) {
				continue
			}
			info := CatalogInfo{
				ProviderID:   p.ID,
				ProviderName: p.Name,
				CatalogID:    c.ID,
				CatalogName:  c.Name,
				Type:         mediaType,
			}
			for _, extra := range c.Extra {
				info.Extras = append(info.Extras, extra.Name)
				if extra.Name == "genre" {
					info.Genres = extra.Options
				}
			}
			out = append(out, info)
		}
	}
	return out
}

// --- aggregation ------------------------------------------------

// AggregateCatalog delegates to the aggregator.
func (e *Engine) AggregateCatalog(ctx context.Context, mediaType model.MediaType, catalogID string, extra map[string]string) ([]model.MetaPreview, error) {
	result, err := e.aggregator.AggregateCatalog(ctx, mediaType, catalogID, extra)
	return result.Metas, err
}

// AggregateCatalogWithDiagnostics is AggregateCatalog plus per-provider
// diagnostics (SPEC_FULL.md §4.7 expansion).
func (e *Engine) AggregateCatalogWithDiagnostics(ctx context.Context, mediaType model.MediaType, catalogID string, extra map[string]string) (aggregator.AggregatedCatalog, error) {
	return e.aggregator.AggregateCatalog(ctx, mediaType, catalogID, extra)
}

// GetStreams delegates to the aggregator's stream aggregation.
func (e *Engine) GetStreams(ctx context.Context, mediaType model.MediaType, mediaID string) ([]model.Stream, error) {
	result, err := e.aggregator.AggregateStreams(ctx, mediaType, mediaID)
	return result.Streams, err
}

// GetStreamsWithDiagnostics is GetStreams plus per-provider diagnostics.
func (e *Engine) GetStreamsWithDiagnostics(ctx context.Context, mediaType model.MediaType, mediaID string) (aggregator.AggregatedStreams, error) {
	return e.aggregator.AggregateStreams(ctx, mediaType, mediaID)
}

// GetMeta delegates to the aggregator's meta aggregation.
func (e *Engine) GetMeta(ctx context.Context, mediaType model.MediaType, mediaID string) (model.MetaItem, error) {
	result, err := e.aggregator.AggregateMeta(ctx, mediaType, mediaID)
	return result.Meta, err
}

// GetMetaWithDiagnostics is GetMeta plus per-provider diagnostics.
func (e *Engine) GetMetaWithDiagnostics(ctx context.Context, mediaType model.MediaType, mediaID string) (aggregator.AggregatedMeta, error) {
	return e.aggregator.AggregateMeta(ctx, mediaType, mediaID)
}

// GetSubtitles delegates to the aggregator's subtitle aggregation.
func (e *Engine) GetSubtitles(ctx context.Context, mediaType model.MediaType, mediaID string) ([]model.Subtitle, error) {
	result, err := e.aggregator.AggregateSubtitles(ctx, mediaType, mediaID)
	return result.Subtitles, err
}

// GetSubtitlesWithDiagnostics is GetSubtitles plus per-provider
// diagnostics.
func (e *Engine) GetSubtitlesWithDiagnostics(ctx context.Context, mediaType model.MediaType, mediaID string) (aggregator.AggregatedSubtitles, error) {
	return e.aggregator.AggregateSubtitles(ctx, mediaType, mediaID)
}

// --- provider management ------------------------------------------------

// InstallProvider fetches, validates and installs a provider's manifest.
func (e *Engine) InstallProvider(ctx context.Context, baseURL string) (model.Provider, error) {
	return e.registry.Install(ctx, baseURL)
}

// UninstallProvider removes a provider and invalidates its cache
// partition and health history (SPEC_FULL.md §4.6).
func (e *Engine) UninstallProvider(id string) error {
	if err := e.registry.Uninstall(id); err != nil {
		return err
	}
	e.cache.InvalidateProvider(id)
	e.health.Clear(id)
	e.clients.evict(id)
	return nil
}

// SetEnabled toggles a provider's enabled flag, invalidating its cache
// partition so a re-enabled provider doesn't serve stale cached
// responses from before it was disabled (SPEC_FULL.md §4.3).
func (e *Engine) SetEnabled(id string, enabled bool) error {
	if err := e.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	e.cache.InvalidateProvider(id)
	return nil
}

// SetPriority changes a provider's priority.
func (e *Engine) SetPriority(id string, priority int) error {
	return e.registry.SetPriority(id, priority)
}

// ListProviders returns every installed provider, priority-ordered.
func (e *Engine) ListProviders() []model.Provider {
	return e.registry.List(false)
}

// RefreshProviderManifest re-fetches a provider's manifest, retaining
// the old one on failure, and invalidates its cached client and cache
// partition on success (the new manifest may have changed TTL-relevant
// shape).
func (e *Engine) RefreshProviderManifest(ctx context.Context, id string) (model.Provider, error) {
	p, err := e.registry.RefreshManifest(ctx, id)
	if err != nil {
		return model.Provider{}, err
	}
	e.cache.InvalidateProvider(id)
	e.clients.evict(id)
	return p, nil
}

// --- health & cache introspection ------------------------------------------------

// HealthSummaries returns the derived per-provider health view.
func (e *Engine) HealthSummaries() []model.HealthSummary {
	return e.health.Summaries()
}

// CacheStats summarises the response cache's occupancy and hit/miss
// counters.
func (e *Engine) CacheStats() model.CacheStats {
	return e.cache.Stats()
}

// ClearCache purges the entire response cache.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// ClearExpiredCache sweeps expired response cache entries and returns
// the count removed.
func (e *Engine) ClearExpiredCache() int {
	return e.cache.ClearExpired()
}
