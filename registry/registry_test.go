package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/addonfed/core/model"
)

type fakeFetcher struct {
	manifests map[string]model.Manifest
	err       error
}

func (f *fakeFetcher) Fetch(_ context.Context, baseURL string) (model.Manifest, error) {
	if f.err != nil {
		return model.Manifest{}, f.err
	}
	m, ok := f.manifests[baseURL]
	if !ok {
		return model.Manifest{}, &NotFoundError{ID: baseURL}
	}
	return m, nil
}

type memPersistence struct {
	rows map[string]model.Provider
}

func newMemPersistence() *memPersistence { return &memPersistence{rows: make(map[string]model.Provider)} }

func (m *memPersistence) SaveProvider(p model.Provider) error   { m.rows[p.ID] = p; return nil }
func (m *memPersistence) UpdateProvider(p model.Provider) error { m.rows[p.ID] = p; return nil }
func (m *memPersistence) DeleteProvider(id string) error        { delete(m.rows, id); return nil }
func (m *memPersistence) ListProviders() ([]model.Provider, error) {
	out := make([]model.Provider, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

func manifestFor(id string) model.Manifest {
	return model.Manifest{ID: id, Name: id, Version: "1.0.0", Resources: []string{"catalog"}, Types: []string{"movie"}}
}

func TestInstall_NewProviderEnabledByDefault(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": manifestFor("addon-a")}}
	reg := New(fetcher, newMemPersistence(), false, true)

	p, err := reg.Install(context.Background(), "http://a.example.com")
	require.NoError(t, err)
	require.True(t, p.Enabled)
	require.Equal(t, "addon-a", p.ID)
}

func TestInstall_RespectsDefaultEnabledFalse(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": manifestFor("addon-a")}}
	reg := New(fetcher, newMemPersistence(), false, false)

	p, err := reg.Install(context.Background(), "http://a.example.com")
	require.NoError(t, err)
	require.False(t, p.Enabled)
}

func TestInstall_RejectsDuplicateID(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{
		"http://a.example.com": manifestFor("addon-a"),
		"http://b.example.com": manifestFor("addon-a"),
	}}
	reg := New(fetcher, newMemPersistence(), false, true)

	_, err := reg.Install(context.Background(), "http://a.example.com")
	require.NoError(t, err)
	_, err = reg.Install(context.Background(), "http://b.example.com")
	require.Error(t, err)
	var derr *DuplicateError
	require.ErrorAs(t, err, &derr)
}

func TestInstall_RejectsInvalidBaseURL(t *testing.T) {
	reg := New(&fakeFetcher{}, newMemPersistence(), false, true)
	_, err := reg.Install(context.Background(), "not-a-url")
	require.Error(t, err)
	var uerr *InvalidURLError
	require.ErrorAs(t, err, &uerr)
}

func TestList_OrdersByPriorityThenInstallTime(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{
		"http://a.example.com": manifestFor("a"),
		"http://b.example.com": manifestFor("b"),
		"http://c.example.com": manifestFor("c"),
	}}
	reg := New(fetcher, newMemPersistence(), false, true)

	_, _ = reg.Install(context.Background(), "http://a.example.com")
	time.Sleep(time.Millisecond)
	_, _ = reg.Install(context.Background(), "http://b.example.com")
	time.Sleep(time.Millisecond)
	_, _ = reg.Install(context.Background(), "http://c.example.com")

	require.NoError(t, reg.SetPriority("c", 10))

	list := reg.List(false)
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestSetEnabled_FiltersFromEnabledOnlyList(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": manifestFor("a")}}
	reg := New(fetcher, newMemPersistence(), false, true)
	_, _ = reg.Install(context.Background(), "http://a.example.com")

	require.NoError(t, reg.SetEnabled("a", false))
	require.Empty(t, reg.List(true))
	require.Len(t, reg.List(false), 1)
}

func TestUninstall_RemovesProviderAndPersistsDeletion(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": manifestFor("a")}}
	persist := newMemPersistence()
	reg := New(fetcher, persist, false, true)
	_, _ = reg.Install(context.Background(), "http://a.example.com")

	require.NoError(t, reg.Uninstall("a"))
	_, ok := reg.Get("a")
	require.False(t, ok)
	_, persisted := persist.rows["a"]
	require.False(t, persisted)
}

func TestUninstall_UnknownIDReturnsNotFound(t *testing.T) {
	reg := New(&fakeFetcher{}, newMemPersistence(), false, true)
	err := reg.Uninstall("ghost")
	require.Error(t, err)
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestRefreshManifest_RetainsOldManifestOnFailure(t *testing.T) {
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": manifestFor("a")}}
	reg := New(fetcher, newMemPersistence(), false, true)
	_, _ = reg.Install(context.Background(), "http://a.example.com")

	fetcher.err = context.DeadlineExceeded
	_, err := reg.RefreshManifest(context.Background(), "a")
	require.Error(t, err)

	p, _ := reg.Get("a")
	require.Equal(t, "1.0.0", p.Manifest.Version)
}

func TestFindCatalogProviders_MatchesManifestDescriptor(t *testing.T) {
	m := manifestFor("a")
	m.Catalogs = []model.CatalogDescriptor{{Type: "movie", ID: "top"}}
	fetcher := &fakeFetcher{manifests: map[string]model.Manifest{"http://a.example.com": m}}
	reg := New(fetcher, newMemPersistence(), false, true)
	_, _ = reg.Install(context.Background(), "http://a.example.com")

	matches := reg.FindCatalogProviders(model.MediaMovie, "top")
	require.Len(t, matches, 1)
	require.Empty(t, reg.FindCatalogProviders(model.MediaMovie, "missing"))
}

func TestLoad_HydratesFromPersistence(t *testing.T) {
	persist := newMemPersistence()
	persist.rows["a"] = model.Provider{ID: "a", Enabled: true}
	reg := New(&fakeFetcher{}, persist, false, true)

	require.NoError(t, reg.Load())
	_, ok := reg.Get("a")
	require.True(t, ok)
}
