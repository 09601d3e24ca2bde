package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/addonfed/core/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Config{RestrictedURLs: false}
	return New(cfg, Persistence{}, zerolog.Nop())
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestE2E1_InstallationHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"org.cinemeta","name":"Cinemeta","version":"1.0.0","description":"Cinemeta catalog addon","resources":["catalog","meta"],"types":["movie","series"],"catalogs":[{"type":"movie","id":"top","name":"Popular"}]}`))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	p, err := eng.InstallProvider(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, p.Enabled)
	require.Equal(t, 0, p.Priority)

	providers := eng.ListProviders()
	require.Len(t, providers, 1)
	require.Equal(t, "org.cinemeta", providers[0].ID)
}

func TestE2E2_InstallRejectsInvalidVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"org.bad","name":"Bad","version":"abc","description":"Bad addon","resources":["catalog"],"types":["movie"],"catalogs":[{"type":"movie","id":"top","name":"Top"}]}`))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), srv.URL)
	require.Error(t, err)
	require.Empty(t, eng.ListProviders())
}

func TestE2E3_StreamAggregationRespectsResourceFilter(t *testing.T) {
	catalogOnly := httptest.NewServer(jsonHandler(`{"id":"a","name":"A","version":"1.0.0","description":"catalog only","resources":["catalog"],"types":["movie"],"catalogs":[{"type":"movie","id":"top","name":"Top"}]}`))
	defer catalogOnly.Close()
	streamOnly := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"b","name":"B","version":"1.0.0","description":"stream only","resources":["stream"],"types":["movie"]}`))
			return
		}
		w.Write([]byte(`{"streams":[{"url":"http://cdn.example.com/x.mkv","name":"1080p"}]}`))
	}))
	defer streamOnly.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), catalogOnly.URL)
	require.NoError(t, err)
	_, err = eng.InstallProvider(context.Background(), streamOnly.URL)
	require.NoError(t, err)

	result, err := eng.GetStreamsWithDiagnostics(context.Background(), model.MediaMovie, "tt0111161")
	require.NoError(t, err)
	require.Len(t, result.Streams, 1)
	_, recordedA := result.Diagnostics.PerProvider["a"]
	require.False(t, recordedA)
	require.Equal(t, model.OutcomeSuccess, result.Diagnostics.PerProvider["b"])

	summaries := eng.HealthSummaries()
	var sawB bool
	for _, s := range summaries {
		if s.ProviderID == "b" {
			sawB = true
			require.Equal(t, 1, s.TotalCalls)
		}
		require.NotEqual(t, "a", s.ProviderID)
	}
	require.True(t, sawB)
}

func TestE2E4_PartialFailureReturnsPartialResult(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"good","name":"Good","version":"1.0.0","description":"good stream addon","resources":["stream"],"types":["movie"]}`))
			return
		}
		w.Write([]byte(`{"streams":[{"url":"http://cdn.example.com/ok.mkv","name":"1080p"}]}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"bad","name":"Bad","version":"1.0.0","description":"bad stream addon","resources":["stream"],"types":["movie"]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), good.URL)
	require.NoError(t, err)
	_, err = eng.InstallProvider(context.Background(), bad.URL)
	require.NoError(t, err)

	result, err := eng.GetStreamsWithDiagnostics(context.Background(), model.MediaMovie, "tt0111161")
	require.NoError(t, err)
	require.Len(t, result.Streams, 1)
	require.Equal(t, model.OutcomeSuccess, result.Diagnostics.PerProvider["good"])
	require.Equal(t, model.OutcomeHTTPError, result.Diagnostics.PerProvider["bad"])
}

func TestE2E5_CacheHitSkipsNetworkAndHealthRecord(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"cached","name":"Cached","version":"1.0.0","description":"cached catalog addon","resources":["catalog"],"types":["movie"],"catalogs":[{"type":"movie","id":"top","name":"Popular"}]}`))
			return
		}
		calls++
		w.Write([]byte(`{"metas":[{"id":"tt1","type":"movie","name":"A"}]}`))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), srv.URL)
	require.NoError(t, err)

	first, err := eng.AggregateCatalog(context.Background(), model.MediaMovie, "top", nil)
	require.NoError(t, err)
	second, err := eng.AggregateCatalog(context.Background(), model.MediaMovie, "top", nil)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, calls)

	summaries := eng.HealthSummaries()
	require.Len(t, summaries, 1)
	require.Equal(t, 1, summaries[0].TotalCalls)
}

func TestE2E6_EpisodeMetadataFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest.json":
			w.Write([]byte(`{"id":"series-addon","name":"Series","version":"1.0.0","description":"series meta/stream addon","resources":["meta","stream"],"types":["series"]}`))
		case "/meta/series/tt0944947.json":
			w.Write([]byte(`{"meta":{"id":"tt0944947","type":"series","name":"Breaking Bad","videos":[{"id":"tt0944947:1:1","season":1,"episode":1}]}}`))
		default:
			w.Write([]byte(`{"streams":[{"url":"http://cdn.example.com/ep.mkv","name":"1080p"}]}`))
		}
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), srv.URL)
	require.NoError(t, err)

	meta, err := eng.GetMeta(context.Background(), model.MediaType("series"), "tt0944947")
	require.NoError(t, err)
	require.Len(t, meta.Episodes, 1)
	require.Equal(t, "tt0944947:1:1", meta.Episodes[0].ID)

	streams, err := eng.GetStreams(context.Background(), model.MediaType("series"), "tt0944947:1:1")
	require.NoError(t, err)
	require.Len(t, streams, 1)
}

func TestE2E7_RestrictedURLRejected(t *testing.T) {
	cfg := Config{RestrictedURLs: true}
	eng := New(cfg, Persistence{}, zerolog.Nop())

	_, err := eng.InstallProvider(context.Background(), "http://192.168.0.10/manifest.json")
	require.Error(t, err)
	require.Empty(t, eng.ListProviders())
}

func TestUninstallProvider_ClearsCacheAndHealthHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"temp","name":"Temp","version":"1.0.0","description":"temp catalog addon","resources":["catalog"],"types":["movie"],"catalogs":[{"type":"movie","id":"top","name":"Popular"}]}`))
			return
		}
		w.Write([]byte(`{"metas":[{"id":"tt1","type":"movie","name":"A"}]}`))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = eng.AggregateCatalog(context.Background(), model.MediaMovie, "top", nil)
	require.NoError(t, err)

	require.NoError(t, eng.UninstallProvider("temp"))
	require.Empty(t, eng.ListProviders())
	require.Equal(t, 0, eng.CacheStats().EntriesTotal)
	require.Empty(t, eng.HealthSummaries())
}

func TestSetEnabled_InvalidatesCachePartition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			w.Write([]byte(`{"id":"temp","name":"Temp","version":"1.0.0","description":"temp catalog addon","resources":["catalog"],"types":["movie"],"catalogs":[{"type":"movie","id":"top","name":"Popular"}]}`))
			return
		}
		w.Write([]byte(`{"metas":[{"id":"tt1","type":"movie","name":"A"}]}`))
	}))
	defer srv.Close()

	eng := newTestEngine(t)
	_, err := eng.InstallProvider(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = eng.AggregateCatalog(context.Background(), model.MediaMovie, "top", nil)
	require.NoError(t, err)
	require.Equal(t, 1, eng.CacheStats().EntriesTotal)

	require.NoError(t, eng.SetEnabled("temp", false))
	require.Equal(t, 0, eng.CacheStats().EntriesTotal)
}
