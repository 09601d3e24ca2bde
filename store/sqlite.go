// Package store is the concrete persistence adapter of SPEC_FULL.md
// §4.8: a SQLite-backed implementation of registry.Persistence,
// health.Persistence and cachestore.Persistence sharing one
// *sql.DB. Schema lifted verbatim from spec.md §6.3. Grounded on
// ManuGH-xg2g's internal/library.Store (WAL pragmas, db.Exec schema
// migration run at open, pure-Go driver import).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/addonfed/core/model"
)

// SQLiteStore is the engine's durable backing store. A host that
// wants in-memory-only operation simply never constructs one and
// passes a zero-valued engine.Persistence instead.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and runs
// the schema migration. WAL mode and a busy timeout are set for a
// read-heavy, single-process workload.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// schema is spec.md §6.3's persisted state layout, unchanged in
// shape: providers, addon_response_cache, metadata_cache,
// health_metric, health_summary.
const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	description TEXT,
	author TEXT,
	base_url TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	manifest BLOB NOT NULL,
	installed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS addon_response_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	provider_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	media_type TEXT NOT NULL,
	media_id TEXT NOT NULL,
	extras TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_addon_cache_expires ON addon_response_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_addon_cache_provider ON addon_response_cache(provider_id);

CREATE TABLE IF NOT EXISTS metadata_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	provider_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	media_type TEXT NOT NULL,
	media_id TEXT NOT NULL,
	extras TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metadata_cache_expires ON metadata_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_metadata_cache_provider ON metadata_cache(provider_id);

CREATE TABLE IF NOT EXISTS health_metric (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT,
	item_count INTEGER NOT NULL DEFAULT 0,
	observed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_metric_provider ON health_metric(provider_id, observed_at);

CREATE TABLE IF NOT EXISTS health_summary (
	provider_id TEXT PRIMARY KEY,
	total INTEGER NOT NULL,
	success INTEGER NOT NULL,
	fail INTEGER NOT NULL,
	mean_latency_ms REAL NOT NULL,
	last_error TEXT,
	score REAL NOT NULL,
	last_observed_at TIMESTAMP
);
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// --- registry.Persistence ------------------------------------------------

// SaveProvider inserts a newly installed provider row.
func (s *SQLiteStore) SaveProvider(p model.Provider) error {
	return s.upsertProvider(p)
}

// UpdateProvider rewrites an existing provider row (enable/priority
// toggles, manifest refresh).
func (s *SQLiteStore) UpdateProvider(p model.Provider) error {
	return s.upsertProvider(p)
}

func (s *SQLiteStore) upsertProvider(p model.Provider) error {
	manifestBlob, err := json.Marshal(p.Manifest)
	if err != nil {
		return fmt.Errorf("store: marshal manifest: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO providers (id, name, version, description, author, base_url, enabled, priority, manifest, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			description = excluded.description,
			author = excluded.author,
			base_url = excluded.base_url,
			enabled = excluded.enabled,
			priority = excluded.priority,
			manifest = excluded.manifest
	`, p.ID, p.Name, p.Version, p.Description, p.Author, p.BaseURL, p.Enabled, p.Priority, manifestBlob, p.InstalledAt)
	return err
}

// DeleteProvider removes a provider row on uninstall.
func (s *SQLiteStore) DeleteProvider(id string) error {
	_, err := s.db.Exec(`DELETE FROM providers WHERE id = ?`, id)
	return err
}

// ListProviders loads every stored provider row, for Registry.Load at
// startup.
func (s *SQLiteStore) ListProviders() ([]model.Provider, error) {
	rows, err := s.db.Query(`SELECT id, name, version, description, author, base_url, enabled, priority, manifest, installed_at FROM providers`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		var manifestBlob []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Description, &p.Author, &p.BaseURL, &p.Enabled, &p.Priority, &manifestBlob, &p.InstalledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(manifestBlob, &p.Manifest); err != nil {
			return nil, fmt.Errorf("store: unmarshal manifest for %q: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- health.Persistence ------------------------------------------------

// SaveMetric appends one health_metric row.
func (s *SQLiteStore) SaveMetric(m model.HealthMetric) error {
	_, err := s.db.Exec(`
		INSERT INTO health_metric (id, provider_id, operation, latency_ms, outcome, detail, item_count, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProviderID, string(m.Operation), m.LatencyMS, string(m.Outcome), m.Detail, m.ItemCount, m.ObservedAt)
	return err
}

// SaveSummary upserts the materialised health_summary row for one
// provider, refreshed whenever the tracker's derived view changes.
func (s *SQLiteStore) SaveSummary(h model.HealthSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO health_summary (provider_id, total, success, fail, mean_latency_ms, last_error, score, last_observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			total = excluded.total,
			success = excluded.success,
			fail = excluded.fail,
			mean_latency_ms = excluded.mean_latency_ms,
			last_error = excluded.last_error,
			score = excluded.score,
			last_observed_at = excluded.last_observed_at
	`, h.ProviderID, h.TotalCalls, h.SuccessCalls, h.FailedCalls, h.MeanLatencyMS, h.LastError, h.Score, h.LastObservedAt)
	return err
}

// DeleteProviderHistory removes every health_metric and
// health_summary row for a provider, on uninstall.
func (s *SQLiteStore) DeleteProviderHistory(providerID string) error {
	if _, err := s.db.Exec(`DELETE FROM health_metric WHERE provider_id = ?`, providerID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM health_summary WHERE provider_id = ?`, providerID)
	return err
}

// --- cachestore.Persistence ------------------------------------------------

func cacheRowKey(k model.CacheKey) string {
	return string(k.Kind) + "|" + k.ProviderID + "|" + string(k.MediaType) + "|" + k.ID + "|" + k.Extras
}

// SaveEntry upserts a response cache entry. Metadata-kind entries
// (catalog/meta previews) land in metadata_cache; everything else
// (manifest/stream/subtitles bodies) in addon_response_cache, mirroring
// spec.md §6.3's two parallel tables.
func (s *SQLiteStore) SaveEntry(e model.CacheEntry) error {
	if e.Key.Kind == model.CacheMeta || e.Key.Kind == model.CacheCatalog {
		_, err := s.db.Exec(`
			INSERT INTO metadata_cache (key, value, created_at, expires_at, provider_id, kind, media_type, media_id, extras)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at
		`, cacheRowKey(e.Key), e.Value, e.CreatedAt, e.ExpiresAt, e.Key.ProviderID, string(e.Key.Kind), string(e.Key.MediaType), e.Key.ID, e.Key.Extras)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO addon_response_cache (key, value, created_at, expires_at, provider_id, kind, media_type, media_id, extras)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at
	`, cacheRowKey(e.Key), e.Value, e.CreatedAt, e.ExpiresAt, e.Key.ProviderID, string(e.Key.Kind), string(e.Key.MediaType), e.Key.ID, e.Key.Extras)
	return err
}

// DeleteEntry removes one cache row from whichever table holds it.
func (s *SQLiteStore) DeleteEntry(key model.CacheKey) error {
	rk := cacheRowKey(key)
	if _, err := s.db.Exec(`DELETE FROM addon_response_cache WHERE key = ?`, rk); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM metadata_cache WHERE key = ?`, rk)
	return err
}

// DeleteProviderEntries purges a provider's rows from both cache
// tables, on uninstall.
func (s *SQLiteStore) DeleteProviderEntries(providerID string) error {
	if _, err := s.db.Exec(`DELETE FROM addon_response_cache WHERE provider_id = ?`, providerID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM metadata_cache WHERE provider_id = ?`, providerID)
	return err
}

// LoadEntries loads every non-expired row from both cache tables, for
// Store.Load at startup.
func (s *SQLiteStore) LoadEntries() ([]model.CacheEntry, error) {
	now := time.Now()
	var out []model.CacheEntry

	rows, err := s.db.Query(`SELECT value, created_at, expires_at, provider_id, kind, media_type, media_id, extras FROM addon_response_cache WHERE expires_at > ?`, now)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e model.CacheEntry
		var kind, mediaType string
		if err := rows.Scan(&e.Value, &e.CreatedAt, &e.ExpiresAt, &e.Key.ProviderID, &kind, &mediaType, &e.Key.ID, &e.Key.Extras); err != nil {
			_ = rows.Close()
			return nil, err
		}
		e.Key.Kind = model.CacheKind(kind)
		e.Key.MediaType = model.MediaType(mediaType)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	mrows, err := s.db.Query(`SELECT value, created_at, expires_at, provider_id, kind, media_type, media_id, extras FROM metadata_cache WHERE expires_at > ?`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mrows.Close() }()
	for mrows.Next() {
		var e model.CacheEntry
		var kind, mediaType string
		if err := mrows.Scan(&e.Value, &e.CreatedAt, &e.ExpiresAt, &e.Key.ProviderID, &kind, &mediaType, &e.Key.ID, &e.Key.Extras); err != nil {
			return nil, err
		}
		e.Key.Kind = model.CacheKind(kind)
		e.Key.MediaType = model.MediaType(mediaType)
		out = append(out, e)
	}
	return out, mrows.Err()
}
