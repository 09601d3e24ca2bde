// Package aggregator implements SPEC_FULL.md §4.5: fan-out of one
// logical query across every eligible provider, cache consultation,
// health recording, and the merge/dedup/ranking rules that turn N
// per-provider responses into one list. The concurrent fan-out is
// grounded on the teacher's scrapers/torrentio.go and scrapers/jackett.go
// WaitGroup-based goroutine-per-source pattern.
package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/addonfed/core/cachestore"
	"github.com/addonfed/core/health"
	"github.com/addonfed/core/model"
	"github.com/addonfed/core/protocol"
)

// DefaultAggregationTimeout is the per-aggregation deadline (SPEC_FULL.md
// §4.5), independent of the per-request timeout in protocol.Config.
const DefaultAggregationTimeout = 10 * time.Second

// ProviderSource supplies the provider list an aggregation fans out
// over. Implementations (the registry) MUST return providers ordered
// by (priority DESC, install-time ASC) per SPEC_FULL.md §4.6.
type ProviderSource interface {
	Providers() []model.Provider
}

// ClientFactory resolves the protocol.Client to use for one provider.
// The engine owns client construction/caching so that a BaseURL change
// on refresh_manifest invalidates the right client.
type ClientFactory interface {
	ClientFor(provider model.Provider) *protocol.Client
}

// Config tunes the aggregator's fan-out behavior.
type Config struct {
	AggregationTimeout time.Duration
}

// DefaultConfig returns SPEC_FULL.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{AggregationTimeout: DefaultAggregationTimeout}
}

// Aggregator fans a request out across providers and merges the result.
type Aggregator struct {
	sources ProviderSource
	clients ClientFactory
	cache   *cachestore.Store
	health  *health.Tracker
	cfg     Config
	log     zerolog.Logger
}

// New builds an Aggregator.
func New(sources ProviderSource, clients ClientFactory, cache *cachestore.Store, tracker *health.Tracker, cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.AggregationTimeout <= 0 {
		cfg.AggregationTimeout = DefaultAggregationTimeout
	}
	return &Aggregator{sources: sources, clients: clients, cache: cache, health: tracker, cfg: cfg, log: log}
}

// AggregatedCatalog is the result of AggregateCatalog.
type AggregatedCatalog struct {
	Metas       []model.MetaPreview
	Diagnostics model.AggregationDiagnostics
}

// AggregatedStreams is the result of AggregateStreams.
type AggregatedStreams struct {
	Streams       []model.Stream
	FilteredCount int
	Diagnostics   model.AggregationDiagnostics
}

// AggregatedMeta is the result of AggregateMeta.
type AggregatedMeta struct {
	Meta        model.MetaItem
	ProviderID  string
	Diagnostics model.AggregationDiagnostics
}

// AggregatedSubtitles is the result of AggregateSubtitles.
type AggregatedSubtitles struct {
	Subtitles   []model.Subtitle
	Diagnostics model.AggregationDiagnostics
}

// eligible applies the SPEC_FULL.md §4.5 eligibility filter. For
// catalog requests, catalogID must match a manifest-declared catalog
// descriptor for mediaType; for every other resource kind catalogID is
// ignored. Ineligible providers are silently skipped: not logged as
// errors, not recorded against health.
func (a *Aggregator) eligible(kind model.ResourceKind, mediaType model.MediaType, catalogID string) []model.Provider {
	var out []model.Provider
	for _, p := range a.sources.Providers() {
		if !p.Enabled || p.BaseURL == "" {
			continue
		}
		if !p.SupportsResource(kind) {
			continue
		}
		if kind == model.ResourceCatalog {
			if _, ok := p.FindCatalog(mediaType, catalogID); !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// classifyOutcome maps a protocol-layer error (or its absence) to a
// model.Outcome, distinguishing a legitimately empty success from
// failure (SPEC_FULL.md §4.4's health score treats them differently).
func classifyOutcome(err error, itemCount int) model.Outcome {
	if err == nil {
		if itemCount == 0 {
			return model.OutcomeEmpty
		}
		return model.OutcomeSuccess
	}
	if perr, ok := err.(*protocol.Error); ok {
		switch perr.Kind {
		case protocol.KindTimeout:
			return model.OutcomeTimeout
		case protocol.KindHTTPError:
			return model.OutcomeHTTPError
		case protocol.KindParseError, protocol.KindValidationErr:
			return model.OutcomeParseError
		default:
			return model.OutcomeNetworkError
		}
	}
	return model.OutcomeNetworkError
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func tagStreamProviders(streams []model.Stream, providerID string) {
	for i := range streams {
		streams[i].ProviderID = providerID
	}
}

// rankFor builds the (priority, health) rank merge/ranking compares
// providers by, reading the live health score off the tracker.
func (a *Aggregator) rankFor(p model.Provider) providerRank {
	return providerRank{Priority: p.Priority, Health: a.health.Summary(p.ID).Score}
}

// --- catalog ------------------------------------------------------

func (a *Aggregator) dispatchCatalog(ctx context.Context, p model.Provider, mediaType model.MediaType, catalogID string, extra map[string]string) ([]model.MetaPreview, model.Outcome, int64) {
	key := model.CacheKey{Kind: model.CacheCatalog, ProviderID: p.ID, MediaType: mediaType, ID: catalogID, Extras: cachestore.CanonicalExtras(extra)}
	if cached, ok := a.cache.Get(key); ok {
		var resp model.CatalogResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return resp.Metas, model.OutcomeSuccess, 0
		}
	}
	if a.health.CircuitState(p.ID) == model.CircuitOpen {
		return nil, model.OutcomeCircuitOpen, 0
	}

	cd, _ := p.FindCatalog(mediaType, catalogID)
	client := a.clients.ClientFor(p)
	start := time.Now()
	b, _, err := a.cache.GetOrFetch(key, func() ([]byte, error) {
		resp, ferr := client.GetCatalog(ctx, mediaType, catalogID, extra, cd.HasExtra("year"))
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(resp)
	})
	latency := time.Since(start).Milliseconds()

	var resp model.CatalogResponse
	if err == nil {
		err = json.Unmarshal(b, &resp)
	}
	outcome := classifyOutcome(err, len(resp.Metas))
	a.health.Record(model.HealthMetric{ProviderID: p.ID, Operation: model.ResourceCatalog, LatencyMS: latency, Outcome: outcome, ItemCount: len(resp.Metas), Detail: errDetail(err)})
	if err != nil {
		return nil, outcome, latency
	}
	return resp.Metas, outcome, latency
}

// AggregateCatalog fans a catalog page request out across every
// eligible provider and merges the result (SPEC_FULL.md §4.5).
func (a *Aggregator) AggregateCatalog(ctx context.Context, mediaType model.MediaType, catalogID string, extra map[string]string) (AggregatedCatalog, error) {
	providers := a.eligible(model.ResourceCatalog, mediaType, catalogID)
	if len(providers) == 0 {
		return AggregatedCatalog{}, &NoProvidersError{Resource: model.ResourceCatalog}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AggregationTimeout)
	defer cancel()

	type slot struct {
		metas   []model.MetaPreview
		outcome model.Outcome
		latency int64
	}
	slots := make([]slot, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p model.Provider) {
			defer wg.Done()
			metas, outcome, latency := a.dispatchCatalog(ctx, p, mediaType, catalogID, extra)
			slots[i] = slot{metas: metas, outcome: outcome, latency: latency}
		}(i, p)
	}
	wg.Wait()

	diag := model.NewAggregationDiagnostics()
	perProvider := make(map[string][]model.MetaPreview)
	ranks := make(map[string]providerRank)
	succeeded := 0
	for i, p := range providers {
		s := slots[i]
		diag.PerProvider[p.ID] = s.outcome
		diag.LatencyMS[p.ID] = s.latency
		if s.outcome == model.OutcomeSuccess || s.outcome == model.OutcomeEmpty {
			succeeded++
			perProvider[p.ID] = s.metas
			ranks[p.ID] = a.rankFor(p)
		}
	}
	if succeeded == 0 {
		return AggregatedCatalog{Diagnostics: diag}, &AllFailedError{Outcomes: diag.PerProvider}
	}

	return AggregatedCatalog{Metas: MergeCatalog(perProvider, ranks), Diagnostics: diag}, nil
}

// --- streams ------------------------------------------------------

func (a *Aggregator) dispatchStreams(ctx context.Context, p model.Provider, mediaType model.MediaType, mediaID string) ([]model.Stream, int, model.Outcome, int64) {
	key := model.CacheKey{Kind: model.CacheStream, ProviderID: p.ID, MediaType: mediaType, ID: mediaID}
	if cached, ok := a.cache.Get(key); ok {
		var resp model.StreamResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			tagStreamProviders(resp.Streams, p.ID)
			return resp.Streams, 0, model.OutcomeSuccess, 0
		}
	}
	if a.health.CircuitState(p.ID) == model.CircuitOpen {
		return nil, 0, model.OutcomeCircuitOpen, 0
	}

	client := a.clients.ClientFor(p)
	// filtered is only populated by whichever concurrent caller actually
	// runs the fetch closure; a single-flight waiter reports 0.
	var filtered int
	start := time.Now()
	b, _, err := a.cache.GetOrFetch(key, func() ([]byte, error) {
		resp, f, ferr := client.GetStreams(ctx, mediaType, mediaID)
		if ferr != nil {
			return nil, ferr
		}
		filtered = f
		return json.Marshal(resp)
	})
	latency := time.Since(start).Milliseconds()

	var resp model.StreamResponse
	if err == nil {
		err = json.Unmarshal(b, &resp)
	}
	outcome := classifyOutcome(err, len(resp.Streams))
	a.health.Record(model.HealthMetric{ProviderID: p.ID, Operation: model.ResourceStream, LatencyMS: latency, Outcome: outcome, ItemCount: len(resp.Streams), Detail: errDetail(err)})
	if err != nil {
		return nil, filtered, outcome, latency
	}

	tagStreamProviders(resp.Streams, p.ID)
	return resp.Streams, filtered, outcome, latency
}

// AggregateStreams fans a stream request out across every eligible
// provider, dedups by normalized URL and ranks the result (SPEC_FULL.md
// §4.5).
func (a *Aggregator) AggregateStreams(ctx context.Context, mediaType model.MediaType, mediaID string) (AggregatedStreams, error) {
	providers := a.eligible(model.ResourceStream, mediaType, "")
	if len(providers) == 0 {
		return AggregatedStreams{}, &NoProvidersError{Resource: model.ResourceStream}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AggregationTimeout)
	defer cancel()

	type slot struct {
		streams  []model.Stream
		filtered int
		outcome  model.Outcome
		latency  int64
	}
	slots := make([]slot, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p model.Provider) {
			defer wg.Done()
			streams, filtered, outcome, latency := a.dispatchStreams(ctx, p, mediaType, mediaID)
			slots[i] = slot{streams: streams, filtered: filtered, outcome: outcome, latency: latency}
		}(i, p)
	}
	wg.Wait()

	diag := model.NewAggregationDiagnostics()
	perProvider := make(map[string][]model.Stream)
	ranks := make(map[string]providerRank)
	succeeded := 0
	totalFiltered := 0
	for i, p := range providers {
		s := slots[i]
		diag.PerProvider[p.ID] = s.outcome
		diag.LatencyMS[p.ID] = s.latency
		totalFiltered += s.filtered
		if s.outcome == model.OutcomeSuccess || s.outcome == model.OutcomeEmpty {
			succeeded++
			perProvider[p.ID] = s.streams
			ranks[p.ID] = a.rankFor(p)
		}
	}
	if succeeded == 0 {
		return AggregatedStreams{Diagnostics: diag}, &AllFailedError{Outcomes: diag.PerProvider}
	}

	return AggregatedStreams{
		Streams:       MergeStreams(perProvider, ranks),
		FilteredCount: totalFiltered,
		Diagnostics:   diag,
	}, nil
}

// --- meta ------------------------------------------------------

func (a *Aggregator) dispatchMeta(ctx context.Context, p model.Provider, mediaType model.MediaType, mediaID string) (model.MetaItem, model.Outcome, int64) {
	key := model.CacheKey{Kind: model.CacheMeta, ProviderID: p.ID, MediaType: mediaType, ID: mediaID}
	if cached, ok := a.cache.Get(key); ok {
		var resp model.MetaResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return resp.Meta, model.OutcomeSuccess, 0
		}
	}
	if a.health.CircuitState(p.ID) == model.CircuitOpen {
		return model.MetaItem{}, model.OutcomeCircuitOpen, 0
	}

	client := a.clients.ClientFor(p)
	start := time.Now()
	b, _, err := a.cache.GetOrFetch(key, func() ([]byte, error) {
		resp, ferr := client.GetMeta(ctx, mediaType, mediaID)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(resp)
	})
	latency := time.Since(start).Milliseconds()

	var resp model.MetaResponse
	if err == nil {
		err = json.Unmarshal(b, &resp)
	}
	itemCount := 0
	if resp.Meta.ID != "" {
		itemCount = 1
	}
	outcome := classifyOutcome(err, itemCount)
	a.health.Record(model.HealthMetric{ProviderID: p.ID, Operation: model.ResourceMeta, LatencyMS: latency, Outcome: outcome, ItemCount: itemCount, Detail: errDetail(err)})
	if err != nil {
		return model.MetaItem{}, outcome, latency
	}
	return resp.Meta, outcome, latency
}

// AggregateMeta fans a meta request out across every eligible
// provider, picking the first non-error response ordered by
// (priority DESC, health DESC) and merging in episodes from other
// responses if the winner lacks them (SPEC_FULL.md §4.5).
func (a *Aggregator) AggregateMeta(ctx context.Context, mediaType model.MediaType, mediaID string) (AggregatedMeta, error) {
	providers := a.eligible(model.ResourceMeta, mediaType, "")
	if len(providers) == 0 {
		return AggregatedMeta{}, &NoProvidersError{Resource: model.ResourceMeta}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AggregationTimeout)
	defer cancel()

	type slot struct {
		meta    model.MetaItem
		outcome model.Outcome
		latency int64
	}
	slots := make([]slot, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p model.Provider) {
			defer wg.Done()
			meta, outcome, latency := a.dispatchMeta(ctx, p, mediaType, mediaID)
			slots[i] = slot{meta: meta, outcome: outcome, latency: latency}
		}(i, p)
	}
	wg.Wait()

	diag := model.NewAggregationDiagnostics()
	perProvider := make(map[string]model.MetaItem)
	ranks := make(map[string]providerRank)
	succeeded := 0
	for i, p := range providers {
		s := slots[i]
		diag.PerProvider[p.ID] = s.outcome
		diag.LatencyMS[p.ID] = s.latency
		if s.outcome == model.OutcomeSuccess {
			succeeded++
			perProvider[p.ID] = s.meta
			ranks[p.ID] = a.rankFor(p)
		}
	}
	if succeeded == 0 {
		return AggregatedMeta{Diagnostics: diag}, &AllFailedError{Outcomes: diag.PerProvider}
	}

	winner, winnerID, _ := MergeMeta(perProvider, ranks)
	return AggregatedMeta{Meta: winner, ProviderID: winnerID, Diagnostics: diag}, nil
}

// --- subtitles ------------------------------------------------------

func (a *Aggregator) dispatchSubtitles(ctx context.Context, p model.Provider, mediaType model.MediaType, mediaID string) ([]model.Subtitle, model.Outcome, int64) {
	key := model.CacheKey{Kind: model.CacheSubtitles, ProviderID: p.ID, MediaType: mediaType, ID: mediaID}
	if cached, ok := a.cache.Get(key); ok {
		var resp model.SubtitleResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return resp.Subtitles, model.OutcomeSuccess, 0
		}
	}
	if a.health.CircuitState(p.ID) == model.CircuitOpen {
		return nil, model.OutcomeCircuitOpen, 0
	}

	client := a.clients.ClientFor(p)
	start := time.Now()
	b, _, err := a.cache.GetOrFetch(key, func() ([]byte, error) {
		resp, ferr := client.GetSubtitles(ctx, mediaType, mediaID)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(resp)
	})
	latency := time.Since(start).Milliseconds()

	var resp model.SubtitleResponse
	if err == nil {
		err = json.Unmarshal(b, &resp)
	}
	outcome := classifyOutcome(err, len(resp.Subtitles))
	a.health.Record(model.HealthMetric{ProviderID: p.ID, Operation: model.ResourceSubtitles, LatencyMS: latency, Outcome: outcome, ItemCount: len(resp.Subtitles), Detail: errDetail(err)})
	if err != nil {
		return nil, outcome, latency
	}
	return resp.Subtitles, outcome, latency
}

// AggregateSubtitles fans a subtitle request out across every eligible
// provider and dedups by (lang, url) (SPEC_FULL.md §4.5).
func (a *Aggregator) AggregateSubtitles(ctx context.Context, mediaType model.MediaType, mediaID string) (AggregatedSubtitles, error) {
	providers := a.eligible(model.ResourceSubtitles, mediaType, "")
	if len(providers) == 0 {
		return AggregatedSubtitles{}, &NoProvidersError{Resource: model.ResourceSubtitles}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.AggregationTimeout)
	defer cancel()

	type slot struct {
		subs    []model.Subtitle
		outcome model.Outcome
		latency int64
	}
	slots := make([]slot, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p model.Provider) {
			defer wg.Done()
			subs, outcome, latency := a.dispatchSubtitles(ctx, p, mediaType, mediaID)
			slots[i] = slot{subs: subs, outcome: outcome, latency: latency}
		}(i, p)
	}
	wg.Wait()

	diag := model.NewAggregationDiagnostics()
	perProvider := make(map[string][]model.Subtitle)
	succeeded := 0
	for i, p := range providers {
		s := slots[i]
		diag.PerProvider[p.ID] = s.outcome
		diag.LatencyMS[p.ID] = s.latency
		if s.outcome == model.OutcomeSuccess || s.outcome == model.OutcomeEmpty {
			succeeded++
			perProvider[p.ID] = s.subs
		}
	}
	if succeeded == 0 {
		return AggregatedSubtitles{Diagnostics: diag}, &AllFailedError{Outcomes: diag.PerProvider}
	}

	return AggregatedSubtitles{Subtitles: MergeSubtitles(perProvider), Diagnostics: diag}, nil
}
