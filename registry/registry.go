// Package registry implements the durable CRUD surface of SPEC_FULL.md
// §4.6: installed-provider storage, enable/priority mutation, manifest
// refresh and the catalog/resource indices the aggregator's eligibility
// filter reads. Grounded on tomtom215-cartographus's internal/library
// service-wraps-a-store layering: a read-mostly in-memory snapshot kept
// consistent with a pluggable Persistence backend.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/addonfed/core/model"
	"github.com/addonfed/core/validate"
)

// ManifestFetcher fetches and validates the manifest at a provider's
// base URL (implemented by a protocol.Client adapter in the engine).
type ManifestFetcher interface {
	Fetch(ctx context.Context, baseURL string) (model.Manifest, error)
}

// Persistence is the durable backing store for installed providers
// (SPEC_FULL.md §4.8/§6.3).
type Persistence interface {
	SaveProvider(model.Provider) error
	UpdateProvider(model.Provider) error
	DeleteProvider(id string) error
	ListProviders() ([]model.Provider, error)
}

// Registry is the engine's provider CRUD surface. Reads take a
// snapshot under RLock; writes are serialised under the same
// registry-wide lock (SPEC_FULL.md §5).
type Registry struct {
	mu             sync.RWMutex
	providers      map[string]model.Provider
	fetcher        ManifestFetcher
	urlcheck       *validate.URLValidator
	persist        Persistence
	defaultEnabled bool
}

// New builds an empty Registry. Call Load to hydrate it from persist
// at startup. defaultEnabled is the global install.default_enabled
// policy (SPEC_FULL.md §9 Open Question resolution, config.Config
// .InstallDefaultEnabled): the Enabled flag a newly installed provider
// starts with.
func New(fetcher ManifestFetcher, persist Persistence, restrictedURLs bool, defaultEnabled bool) *Registry {
	return &Registry{
		providers:      make(map[string]model.Provider),
		fetcher:        fetcher,
		urlcheck:       validate.NewURLValidator(restrictedURLs),
		persist:        persist,
		defaultEnabled: defaultEnabled,
	}
}

// Load replaces the in-memory snapshot with whatever persist has
// stored, for use at startup.
func (r *Registry) Load() error {
	if r.persist == nil {
		return nil
	}
	stored, err := r.persist.ListProviders()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]model.Provider, len(stored))
	for _, p := range stored {
		r.providers[p.ID] = p
	}
	return nil
}

// Install fetches and validates the manifest at baseURL and installs
// it as a new provider, starting with the registry's defaultEnabled
// policy (SPEC_FULL.md §9 Open Question resolution: a single global
// policy rather than a per-install choice).
func (r *Registry) Install(ctx context.Context, baseURL string) (model.Provider, error) {
	if !r.urlcheck.ValidateManifestURL(baseURL) {
		return model.Provider{}, &InvalidURLError{URL: baseURL}
	}

	manifest, err := r.fetcher.Fetch(ctx, baseURL)
	if err != nil {
		return model.Provider{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[manifest.ID]; exists {
		return model.Provider{}, &DuplicateError{ID: manifest.ID}
	}

	p := model.Provider{
		ID:          manifest.ID,
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Author:      manifest.Author,
		BaseURL:     baseURL,
		Enabled:     r.defaultEnabled,
		Priority:    0,
		Manifest:    manifest,
		InstalledAt: time.Now(),
	}
	if r.persist != nil {
		if serr := r.persist.SaveProvider(p); serr != nil {
			return model.Provider{}, serr
		}
	}
	r.providers[p.ID] = p
	return p, nil
}

// Uninstall removes a provider's row. Cache/health invalidation is the
// caller's (engine facade's) responsibility since Registry does not
// own those components.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return &NotFoundError{ID: id}
	}
	if r.persist != nil {
		if err := r.persist.DeleteProvider(id); err != nil {
			return err
		}
	}
	delete(r.providers, id)
	return nil
}

// SetEnabled toggles a provider's enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.mutate(id, func(p *model.Provider) { p.Enabled = enabled })
}

// SetPriority changes a provider's priority.
func (r *Registry) SetPriority(id string, priority int) error {
	return r.mutate(id, func(p *model.Provider) { p.Priority = priority })
}

func (r *Registry) mutate(id string, fn func(*model.Provider)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	fn(&p)
	if r.persist != nil {
		if err := r.persist.UpdateProvider(p); err != nil {
			return err
		}
	}
	r.providers[id] = p
	return nil
}

// RefreshManifest re-fetches and re-validates a provider's manifest.
// On failure the previously stored manifest is retained and the error
// is surfaced to the caller (SPEC_FULL.md §4.6).
func (r *Registry) RefreshManifest(ctx context.Context, id string) (model.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return model.Provider{}, &NotFoundError{ID: id}
	}

	manifest, err := r.fetcher.Fetch(ctx, p.BaseURL)
	if err != nil {
		return model.Provider{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok = r.providers[id]
	if !ok {
		return model.Provider{}, &NotFoundError{ID: id}
	}
	p.Manifest = manifest
	p.Name = manifest.Name
	p.Version = manifest.Version
	p.Description = manifest.Description
	p.Author = manifest.Author
	if r.persist != nil {
		if serr := r.persist.UpdateProvider(p); serr != nil {
			return model.Provider{}, serr
		}
	}
	r.providers[id] = p
	return p, nil
}

// Get returns one provider by id.
func (r *Registry) Get(id string) (model.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns providers ordered by (priority DESC, install-time ASC),
// optionally restricted to enabled providers (SPEC_FULL.md §4.6).
func (r *Registry) List(enabledOnly bool) []model.Provider {
	r.mu.RLock()
	out := make([]model.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].InstalledAt.Before(out[j].InstalledAt)
	})
	return out
}

// Providers implements aggregator.ProviderSource: every installed
// provider (enabled or not), in priority order. The aggregator's own
// eligibility filter drops disabled providers before dispatch.
func (r *Registry) Providers() []model.Provider {
	return r.List(false)
}

// FindCatalogProviders returns providers whose manifest declares a
// catalog descriptor matching (mediaType, catalogID).
func (r *Registry) FindCatalogProviders(mediaType model.MediaType, catalogID string) []model.Provider {
	var out []model.Provider
	for _, p := range r.List(true) {
		if _, ok := p.FindCatalog(mediaType, catalogID); ok {
			out = append(out, p)
		}
	}
	return out
}

// FindProvidersByResource returns enabled providers whose manifest
// declares support for the given resource kind.
func (r *Registry) FindProvidersByResource(kind model.ResourceKind) []model.Provider {
	var out []model.Provider
	for _, p := range r.List(true) {
		if p.SupportsResource(kind) {
			out = append(out, p)
		}
	}
	return out
}

// ListCatalogs returns the catalogs declared across every enabled
// provider's manifest, deduplicated by (type, id): where several
// providers declare the same pair, the descriptor of the first provider
// in priority order is kept.
func (r *Registry) ListCatalogs() []model.CatalogDescriptor {
	seen := make(map[string]bool)
	var out []model.CatalogDescriptor
	for _, p := range r.List(true) {
		for _, c := range p.Manifest.Catalogs {
			key := c.Type + "|" + c.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}
