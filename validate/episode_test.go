package validate

import "testing"

func TestEpisodeIDRoundTrip(t *testing.T) {
	cases := []struct {
		series  string
		season  int
		episode int
	}{
		{"tt0944947", 1, 1},
		{"tt0903747", 5, 16},
		{"tmdb:1399", 8, 6},
	}
	for _, c := range cases {
		id := BuildEpisodeID(c.series, c.season, c.episode)
		series, season, episode, err := ParseEpisodeID(id)
		if err != nil {
			t.Fatalf("ParseEpisodeID(%q) returned error: %v", id, err)
		}
		if series != c.series || season != c.season || episode != c.episode {
			t.Errorf("round trip mismatch: got (%s,%d,%d) want (%s,%d,%d)", series, season, episode, c.series, c.season, c.episode)
		}
		if !IsEpisodeID(id) {
			t.Errorf("IsEpisodeID(%q) = false, want true", id)
		}
	}
}

func TestIsEpisodeID_RejectsPlainIDs(t *testing.T) {
	for _, id := range []string{"tt0111161", "tmdb:550", ""} {
		if IsEpisodeID(id) {
			t.Errorf("IsEpisodeID(%q) = true, want false", id)
		}
	}
}

func TestGetSeriesID(t *testing.T) {
	if got := GetSeriesID("tt0944947:1:1"); got != "tt0944947" {
		t.Errorf("GetSeriesID = %q, want tt0944947", got)
	}
	if got := GetSeriesID("tt0111161"); got != "tt0111161" {
		t.Errorf("GetSeriesID = %q, want tt0111161 (passthrough)", got)
	}
}

func TestParseEpisodeID_RejectsNonPositive(t *testing.T) {
	for _, id := range []string{"tt1:0:1", "tt1:1:0", "tt1:-1:1"} {
		if _, _, _, err := ParseEpisodeID(id); err == nil {
			t.Errorf("ParseEpisodeID(%q) expected error", id)
		}
	}
}
