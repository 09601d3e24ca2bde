package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/addonfed/core/engine"
	"github.com/addonfed/core/model"
)

// api exposes the engine's operation surface (spec.md §6.2) as JSON
// HTTP, the thin local surface the UI layer (out of this spec's
// scope) is expected to consume.
type api struct {
	eng *engine.Engine
	log zerolog.Logger
}

func newAPI(eng *engine.Engine, log zerolog.Logger) http.Handler {
	a := &api{eng: eng, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /catalogs/{type}", a.listCatalogs)
	mux.HandleFunc("GET /catalog/{type}/{id}", a.aggregateCatalog)
	mux.HandleFunc("GET /stream/{type}/{id}", a.getStreams)
	mux.HandleFunc("GET /meta/{type}/{id}", a.getMeta)
	mux.HandleFunc("GET /subtitles/{type}/{id}", a.getSubtitles)
	mux.HandleFunc("GET /providers", a.listProviders)
	mux.HandleFunc("POST /providers", a.installProvider)
	mux.HandleFunc("DELETE /providers/{id}", a.uninstallProvider)
	mux.HandleFunc("POST /providers/{id}/enabled", a.setEnabled)
	mux.HandleFunc("POST /providers/{id}/priority", a.setPriority)
	mux.HandleFunc("POST /providers/{id}/refresh", a.refreshProvider)
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /cache/stats", a.cacheStats)
	mux.HandleFunc("POST /cache/clear", a.clearCache)
	return mux
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("encode response")
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func extrasFromQuery(q map[string][]string) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (a *api) listCatalogs(w http.ResponseWriter, r *http.Request) {
	mediaType := model.MediaType(r.PathValue("type"))
	a.writeJSON(w, http.StatusOK, a.eng.ListCatalogs(mediaType))
}

func (a *api) aggregateCatalog(w http.ResponseWriter, r *http.Request) {
	mediaType := model.MediaType(r.PathValue("type"))
	id := r.PathValue("id")
	result, err := a.eng.AggregateCatalogWithDiagnostics(r.Context(), mediaType, id, extrasFromQuery(r.URL.Query()))
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *api) getStreams(w http.ResponseWriter, r *http.Request) {
	mediaType := model.MediaType(r.PathValue("type"))
	id := r.PathValue("id")
	result, err := a.eng.GetStreamsWithDiagnostics(r.Context(), mediaType, id)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *api) getMeta(w http.ResponseWriter, r *http.Request) {
	mediaType := model.MediaType(r.PathValue("type"))
	id := r.PathValue("id")
	result, err := a.eng.GetMetaWithDiagnostics(r.Context(), mediaType, id)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *api) getSubtitles(w http.ResponseWriter, r *http.Request) {
	mediaType := model.MediaType(r.PathValue("type"))
	id := r.PathValue("id")
	result, err := a.eng.GetSubtitlesWithDiagnostics(r.Context(), mediaType, id)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *api) listProviders(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.eng.ListProviders())
}

func (a *api) installProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseURL string `json:"baseUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := a.eng.InstallProvider(r.Context(), body.BaseURL)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, p)
}

func (a *api) uninstallProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.eng.UninstallProvider(id); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.SetEnabled(id, body.Enabled); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setPriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.SetPriority(id, body.Priority); err != nil {
		a.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) refreshProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := a.eng.RefreshProviderManifest(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, p)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.eng.HealthSummaries())
}

func (a *api) cacheStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.eng.CacheStats())
}

func (a *api) clearCache(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.URL.Query().Get("expiredOnly"), "true") {
		n := a.eng.ClearExpiredCache()
		a.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
		return
	}
	a.eng.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}
