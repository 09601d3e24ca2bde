package aggregator

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/addonfed/core/model"
)

// providerRank captures the two knobs merge/ranking compares
// providers by: priority (registry-level, static for the duration of
// one aggregation per SPEC_FULL.md §9) and health score (dynamic).
type providerRank struct {
	Priority int
	Health   float64
}

// --- streams -----------------------------------------------------

type rankedStream struct {
	model.Stream
	rank  providerRank
	order int // original appearance order, for stable tie-breaks
}

var qualityRank = map[string]int{"2160p": 4, "1080p": 3, "720p": 2, "480p": 1}

var qualityPattern = regexp.MustCompile(`(?i)\b(2160p|4k|1080p|720p|480p)\b`)

// qualityScore extracts a resolution-hint rank from a stream's
// name/title (SPEC_FULL.md §4.5 "quality-label heuristic").
func qualityScore(s model.Stream) int {
	hay := s.Name + " " + s.Title
	m := qualityPattern.FindString(hay)
	m = strings.ToLower(m)
	if m == "4k" {
		return qualityRank["2160p"]
	}
	if r, ok := qualityRank[m]; ok {
		return r
	}
	return 0
}

// normalizeStreamURL canonicalises a URL for dedup purposes: lowercase
// host, strip default ports, sort query parameters.
func normalizeStreamURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	var query string
	if u.RawQuery != "" {
		values := u.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			vs := append([]string(nil), values[k]...)
			sort.Strings(vs)
			for _, v := range vs {
				parts = append(parts, k+"="+v)
			}
		}
		query = strings.Join(parts, "&")
	}

	return strings.ToLower(u.Scheme) + "://" + host + u.Path + "?" + query
}

// dedupKeyForStream returns the dedup identity of a stream: its
// normalized URL, or the empty string for a stream without a URL.
// MergeStreams keeps every URL-less stream as is, without dedup.
func dedupKeyForStream(s model.Stream) string {
	if s.URL == "" {
		return ""
	}
	return normalizeStreamURL(s.URL)
}

// MergeStreams deduplicates and ranks streams gathered from multiple
// providers, per SPEC_FULL.md §4.5: dedup keeps the entry whose
// provider has the higher health score, ties broken by priority, then
// by appearance order; final order is
// (health DESC, priority DESC, quality DESC).
func MergeStreams(perProvider map[string][]model.Stream, ranks map[string]providerRank) []model.Stream {
	best := make(map[string]rankedStream)
	var order int
	var noKeyOrder []rankedStream

	// Deterministic provider iteration order: sort provider IDs so
	// that, for equal-rank entries, "appearance order" is reproducible
	// across repeated calls (Testable Property 7).
	providerIDs := make([]string, 0, len(perProvider))
	for id := range perProvider {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	for _, pid := range providerIDs {
		rank := ranks[pid]
		for _, s := range perProvider[pid] {
			rs := rankedStream{Stream: s, rank: rank, order: order}
			order++
			key := dedupKeyForStream(s)
			if key == "" {
				noKeyOrder = append(noKeyOrder, rs)
				continue
			}
			existing, ok := best[key]
			if !ok || betterStream(rs, existing) {
				best[key] = rs
			}
		}
	}

	all := make([]rankedStream, 0, len(best)+len(noKeyOrder))
	for _, v := range best {
		all = append(all, v)
	}
	all = append(all, noKeyOrder...)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rank.Health != all[j].rank.Health {
			return all[i].rank.Health > all[j].rank.Health
		}
		if all[i].rank.Priority != all[j].rank.Priority {
			return all[i].rank.Priority > all[j].rank.Priority
		}
		qi, qj := qualityScore(all[i].Stream), qualityScore(all[j].Stream)
		if qi != qj {
			return qi > qj
		}
		return all[i].order < all[j].order
	})

	out := make([]model.Stream, 0, len(all))
	for _, rs := range all {
		out = append(out, rs.Stream)
	}
	return out
}

// betterStream reports whether candidate should replace incumbent as
// the kept entry for a dedup key: higher health wins, then priority,
// then earlier appearance.
func betterStream(candidate, incumbent rankedStream) bool {
	if candidate.rank.Health != incumbent.rank.Health {
		return candidate.rank.Health > incumbent.rank.Health
	}
	if candidate.rank.Priority != incumbent.rank.Priority {
		return candidate.rank.Priority > incumbent.rank.Priority
	}
	return candidate.order < incumbent.order
}

// --- catalogs ------------------------------------------------------

// MergeCatalog concatenates, dedups (by id, keeping the highest
// -priority provider's entry and merging non-conflicting optional
// fields) and round-robin-interleaves catalog items across providers
// ordered by (priority DESC, health DESC), per SPEC_FULL.md §4.5.
func MergeCatalog(perProvider map[string][]model.MetaPreview, ranks map[string]providerRank) []model.MetaPreview {
	providerIDs := make([]string, 0, len(perProvider))
	for id := range perProvider {
		providerIDs = append(providerIDs, id)
	}
	sort.Slice(providerIDs, func(i, j int) bool {
		ri, rj := ranks[providerIDs[i]], ranks[providerIDs[j]]
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		if ri.Health != rj.Health {
			return ri.Health > rj.Health
		}
		return providerIDs[i] < providerIDs[j]
	})

	// Dedup by id, first-write-wins per provider iteration order
	// (highest priority/health first), merging non-empty optional
	// fields from later (lower-ranked) duplicates.
	merged := make(map[string]model.MetaPreview)
	var idOrder []string
	idFirstSeenByProvider := make(map[string]string) // id -> provider that owns the kept copy

	for _, pid := range providerIDs {
		for _, item := range perProvider[pid] {
			if existing, ok := merged[item.ID]; ok {
				merged[item.ID] = mergePreview(existing, item)
				continue
			}
			merged[item.ID] = item
			idOrder = append(idOrder, item.ID)
			idFirstSeenByProvider[item.ID] = pid
		}
	}

	// Round-robin interleave: walk providers in rank order repeatedly,
	// emitting each provider's next not-yet-emitted owned item.
	queues := make(map[string][]string) // provider -> ids it "owns" (first-seen), in original order
	for _, id := range idOrder {
		pid := idFirstSeenByProvider[id]
		queues[pid] = append(queues[pid], id)
	}

	out := make([]model.MetaPreview, 0, len(idOrder))
	for {
		emittedAny := false
		for _, pid := range providerIDs {
			q := queues[pid]
			if len(q) == 0 {
				continue
			}
			out = append(out, merged[q[0]])
			queues[pid] = q[1:]
			emittedAny = true
		}
		if !emittedAny {
			break
		}
	}
	return out
}

// mergePreview merges two MetaPreview records for the same id,
// preferring kept's fields but filling in any field kept left empty
// from other.
func mergePreview(kept, other model.MetaPreview) model.MetaPreview {
	if kept.Poster == "" {
		kept.Poster = other.Poster
	}
	if kept.PosterShape == "" {
		kept.PosterShape = other.PosterShape
	}
	if kept.Background == "" {
		kept.Background = other.Background
	}
	if kept.Logo == "" {
		kept.Logo = other.Logo
	}
	if kept.Description == "" {
		kept.Description = other.Description
	}
	if kept.ReleaseInfo == "" {
		kept.ReleaseInfo = other.ReleaseInfo
	}
	if kept.IMDbRating == "" {
		kept.IMDbRating = other.IMDbRating
	}
	return kept
}

// --- meta ------------------------------------------------------

// MergeMeta picks the first non-error response ordered by
// (priority DESC, health DESC); if the winner lacks episodes but
// another response for the same id has them, they are merged in.
func MergeMeta(perProvider map[string]model.MetaItem, ranks map[string]providerRank) (model.MetaItem, string, bool) {
	providerIDs := make([]string, 0, len(perProvider))
	for id := range perProvider {
		providerIDs = append(providerIDs, id)
	}
	if len(providerIDs) == 0 {
		return model.MetaItem{}, "", false
	}
	sort.Slice(providerIDs, func(i, j int) bool {
		ri, rj := ranks[providerIDs[i]], ranks[providerIDs[j]]
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		if ri.Health != rj.Health {
			return ri.Health > rj.Health
		}
		return providerIDs[i] < providerIDs[j]
	})

	winnerID := providerIDs[0]
	winner := perProvider[winnerID]
	if len(winner.Episodes) == 0 {
		for _, pid := range providerIDs[1:] {
			if len(perProvider[pid].Episodes) > 0 {
				winner.Episodes = perProvider[pid].Episodes
				break
			}
		}
	}
	return winner, winnerID, true
}

// --- subtitles ------------------------------------------------------

// MergeSubtitles dedups subtitles by (lang, url).
func MergeSubtitles(perProvider map[string][]model.Subtitle) []model.Subtitle {
	providerIDs := make([]string, 0, len(perProvider))
	for id := range perProvider {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	seen := make(map[string]bool)
	var out []model.Subtitle
	for _, pid := range providerIDs {
		for _, s := range perProvider[pid] {
			key := strings.ToLower(s.Language) + "|" + s.URL
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}
