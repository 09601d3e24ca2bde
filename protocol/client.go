// Package protocol implements the HTTP surface of one provider:
// manifest, catalog, stream, meta and subtitle fetches, with retry,
// timeout, size caps and post-parse cleaning, grounded on the
// teacher's scrapers/torrentio.go and scrapers/jackett.go concurrent,
// context-aware HTTP fetch style.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/addonfed/core/model"
	"github.com/addonfed/core/validate"
)

const (
	// MaxResponseBytes caps a response body (SPEC_FULL.md §5).
	MaxResponseBytes = 10 * 1024 * 1024
	// MaxCatalogItems truncates (not errors on) oversized catalogs.
	MaxCatalogItems = 1000
	userAgent       = "addonfed-core/1.0 (+media federation engine)"
)

// recognisedExtras lists the catalog extras the protocol understands,
// in the order they are concatenated into the legacy path-embedded
// form (SPEC_FULL.md §4.2).
var recognisedExtras = []string{"skip", "genre", "search", "year"}

// Config configures one provider's Client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Retry          RetryPolicy
	RestrictedMode bool
	RateLimitRPS   float64
	RateBurst      int
	HTTPClient     *http.Client
}

// DefaultConfig returns a Config for baseURL with the SPEC_FULL.md
// §5/§6.4 defaults: 15s request timeout, DefaultRetryPolicy, restricted
// mode on, and a 5 req/s limiter with burst 5.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		RequestTimeout: 15 * time.Second,
		Retry:          DefaultRetryPolicy(),
		RestrictedMode: true,
		RateLimitRPS:   5,
		RateBurst:      5,
	}
}

// Client is one provider's HTTP surface.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *rate.Limiter
	urlcheck  *validate.URLValidator
}

// NewClient builds a Client for one provider's base URL.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst),
		urlcheck: validate.NewURLValidator(cfg.RestrictedMode),
	}
}

// FetchManifest fetches and validates the provider's manifest.json.
func (c *Client) FetchManifest(ctx context.Context) (model.Manifest, error) {
	body, err := c.doJSON(ctx, c.cfg.BaseURL+"/manifest.json")
	if err != nil {
		return model.Manifest{}, err
	}
	manifest, verr := validate.ValidateManifest(body)
	if verr != nil {
		return model.Manifest{}, newError(KindParseError, verr.Error(), verr)
	}
	return manifest, nil
}

// GetCatalog fetches one catalog page, applying the extras encoding
// rules of SPEC_FULL.md §4.2 (recognised extras concatenated in
// skip,genre,search,year order) and dropping malformed items.
func (c *Client) GetCatalog(ctx context.Context, mediaType model.MediaType, catalogID string, extra map[string]string, declaresYearExtra bool) (model.CatalogResponse, error) {
	path := fmt.Sprintf("/catalog/%s/%s", mediaType, url.PathEscape(catalogID))
	if seg := extraSegment(extra, declaresYearExtra); seg != "" {
		path += "/" + seg
	}
	path += ".json"

	body, err := c.doJSON(ctx, c.cfg.BaseURL+path)
	if err != nil {
		return model.CatalogResponse{}, err
	}

	var resp model.CatalogResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return model.CatalogResponse{}, newError(KindParseError, jerr.Error(), jerr)
	}

	cleaned := make([]model.MetaPreview, 0, len(resp.Metas))
	for _, m := range resp.Metas {
		if m.ID == "" || m.Type == "" || m.Name == "" {
			continue
		}
		cleaned = append(cleaned, m)
		if len(cleaned) >= MaxCatalogItems {
			break
		}
	}
	resp.Metas = cleaned
	return resp, nil
}

// extraSegment builds the "k1=v1&k2=v2" path segment for recognised
// extras, honoring the year->genre fallback mapping when the provider
// does not itself declare a year extra (Open Question resolution,
// SPEC_FULL.md §9).
func extraSegment(extra map[string]string, declaresYearExtra bool) string {
	if len(extra) == 0 {
		return ""
	}
	work := make(map[string]string, len(extra))
	for k, v := range extra {
		work[strings.ToLower(k)] = v
	}
	if !declaresYearExtra {
		if year, ok := work["year"]; ok {
			if _, hasGenre := work["genre"]; !hasGenre {
				work["genre"] = year
			}
			delete(work, "year")
		}
	}

	var pairs []string
	for _, key := range recognisedExtras {
		if v, ok := work[key]; ok && v != "" {
			pairs = append(pairs, key+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

// GetStreams fetches streams for a media or episode id, dropping any
// entry whose URL fails validation (SPEC_FULL.md §4.2).
func (c *Client) GetStreams(ctx context.Context, mediaType model.MediaType, mediaID string) (model.StreamResponse, int, error) {
	path := fmt.Sprintf("/stream/%s/%s.json", mediaType, mediaID)
	body, err := c.doJSON(ctx, c.cfg.BaseURL+path)
	if err != nil {
		return model.StreamResponse{}, 0, err
	}

	var resp model.StreamResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return model.StreamResponse{}, 0, newError(KindParseError, jerr.Error(), jerr)
	}

	filtered := 0
	cleaned := make([]model.Stream, 0, len(resp.Streams))
	for _, s := range resp.Streams {
		if s.URL == "" || !c.urlcheck.ValidateStreamURL(s.URL) {
			filtered++
			continue
		}
		cleaned = append(cleaned, s)
	}
	resp.Streams = cleaned
	return resp, filtered, nil
}

// GetMeta fetches full metadata for a media id, dropping episodes
// whose composite id is missing or inconsistent with their declared
// season/episode (SPEC_FULL.md §4.2).
func (c *Client) GetMeta(ctx context.Context, mediaType model.MediaType, mediaID string) (model.MetaResponse, error) {
	path := fmt.Sprintf("/meta/%s/%s.json", mediaType, mediaID)
	body, err := c.doJSON(ctx, c.cfg.BaseURL+path)
	if err != nil {
		return model.MetaResponse{}, err
	}

	var resp model.MetaResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return model.MetaResponse{}, newError(KindParseError, jerr.Error(), jerr)
	}

	cleaned := make([]model.Episode, 0, len(resp.Meta.Episodes))
	for _, ep := range resp.Meta.Episodes {
		series, season, episode, perr := validate.ParseEpisodeID(ep.ID)
		if perr != nil {
			continue
		}
		if series != mediaID || season != ep.Season || episode != ep.Episode {
			continue
		}
		cleaned = append(cleaned, ep)
	}
	resp.Meta.Episodes = cleaned
	return resp, nil
}

// GetSubtitles fetches subtitle tracks for a media id.
func (c *Client) GetSubtitles(ctx context.Context, mediaType model.MediaType, mediaID string) (model.SubtitleResponse, error) {
	path := fmt.Sprintf("/subtitles/%s/%s.json", mediaType, mediaID)
	body, err := c.doJSON(ctx, c.cfg.BaseURL+path)
	if err != nil {
		return model.SubtitleResponse{}, err
	}
	var resp model.SubtitleResponse
	if jerr := json.Unmarshal(body, &resp); jerr != nil {
		return model.SubtitleResponse{}, newError(KindParseError, jerr.Error(), jerr)
	}
	return resp, nil
}

// doJSON performs one GET request against fullURL, applying the
// per-request timeout, rate limiting, size cap and retry policy. The
// final attempt's response is the one returned, per SPEC_FULL.md §5's
// "retries preserve order" ordering guarantee.
func (c *Client) doJSON(ctx context.Context, fullURL string) ([]byte, error) {
	attempt := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, newError(KindTimeout, "rate limiter wait cancelled", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		body, err := c.doOnce(reqCtx, fullURL)
		cancel()

		if err == nil {
			return body, nil
		}

		perr, ok := err.(*Error)
		if !ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, "aggregation deadline exceeded", ctx.Err())
		}

		attempt++
		if !Retryable(perr.Kind, perr.Status) {
			return nil, perr
		}
		delay, retry := c.cfg.Retry.NextDelay(attempt)
		if !retry {
			return nil, perr
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(KindTimeout, "cancelled during backoff", ctx.Err())
		}
	}
}

func (c *Client) doOnce(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, newError(KindNetworkError, err.Error(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newError(KindTimeout, "request timed out", err)
		}
		return nil, newError(KindNetworkError, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, newError(KindNetworkError, err.Error(), err)
	}
	if len(body) > MaxResponseBytes {
		return nil, newError(KindSizeExceeded, fmt.Sprintf("body exceeds %d bytes", MaxResponseBytes), nil)
	}
	return body, nil
}
