package models

import (
	"reflect"
	"testing"
)

func movieState(backend, imdb string, watched bool, updated int64) *State {
	return &State{
		Type:    ItemTypeMovie,
		Via:     backend,
		Title:   "Dune",
		Year:    2021,
		Watched: watched,
		Updated: updated,
		Guids:   GuidMap{"imdb": imdb},
		Metadata: MetadataMap{
			backend: {ID: "100", Watched: watched, PlayedAt: updated},
		},
	}
}

func TestMatchesByGuid(t *testing.T) {
	a := movieState("home_jellyfin", "tt1160419", true, 100)
	b := movieState("home_plex", "tt1160419", false, 50)
	b.Metadata = MetadataMap{"home_plex": {ID: "999"}}

	if !Matches(a, b) {
		t.Error("States sharing an imdb guid must match")
	}

	c := movieState("home_plex", "tt0133093", false, 50)
	if Matches(a, c) {
		t.Error("States with disjoint guids must not match")
	}
}

func TestMatchesByVirtualGuid(t *testing.T) {
	a := &State{
		Type: ItemTypeMovie, Via: "home_plex", Updated: 10,
		Metadata: MetadataMap{"home_plex": {ID: "42"}},
	}
	b := &State{
		Type: ItemTypeMovie, Via: "home_plex", Updated: 20,
		Metadata: MetadataMap{"home_plex": {ID: "42"}},
	}
	if !Matches(a, b) {
		t.Error("Same backend id must match through the virtual guid")
	}
}

func TestMatchesEpisodeByParent(t *testing.T) {
	a := &State{
		Type: ItemTypeEpisode, Via: "home_jellyfin", Season: 1, Episode: 3,
		Parent:   GuidMap{"tvdb": "121361"},
		Metadata: MetadataMap{"home_jellyfin": {ID: "e1"}},
	}
	b := &State{
		Type: ItemTypeEpisode, Via: "home_plex", Season: 1, Episode: 3,
		Parent:   GuidMap{"tvdb": "121361"},
		Metadata: MetadataMap{"home_plex": {ID: "e9"}},
	}
	if !Matches(a, b) {
		t.Error("Episodes sharing parent and position must match")
	}

	b.Episode = 4
	if Matches(a, b) {
		t.Error("Different episode position must not match")
	}
}

func TestMergeLatestWins(t *testing.T) {
	existing := movieState("home_jellyfin", "tt1160419", false, 100)
	incoming := movieState("home_plex", "tt1160419", true, 200)
	incoming.Progress = 5000

	merged := Merge(existing, incoming, testLogger())

	if !merged.Watched {
		t.Error("Newer incoming watched flag must win")
	}
	if merged.Via != "home_plex" {
		t.Errorf("via = %s, want home_plex", merged.Via)
	}
	if merged.Updated != 200 {
		t.Errorf("updated = %d, want 200", merged.Updated)
	}
	if merged.Progress != 5000 {
		t.Errorf("progress = %d, want 5000", merged.Progress)
	}
	if _, ok := merged.Metadata["home_jellyfin"]; !ok {
		t.Error("Existing backend metadata must be preserved")
	}
	if _, ok := merged.Metadata["home_plex"]; !ok {
		t.Error("Incoming backend metadata must be added")
	}
}

func TestMergeOlderIncomingKeepsState(t *testing.T) {
	existing := movieState("home_jellyfin", "tt1160419", true, 200)
	incoming := movieState("home_plex", "tt1160419", false, 100)

	merged := Merge(existing, incoming, testLogger())

	if !merged.Watched || merged.Via != "home_jellyfin" || merged.Updated != 200 {
		t.Errorf("Older incoming must not win: watched=%v via=%s updated=%d",
			merged.Watched, merged.Via, merged.Updated)
	}
	if _, ok := merged.Metadata["home_plex"]; !ok {
		t.Error("Metadata snapshot still lands even when the write loses")
	}
}

func TestMergeTieBreakPrefersWatched(t *testing.T) {
	existing := movieState("home_jellyfin", "tt1160419", false, 100)
	incoming := movieState("home_plex", "tt1160419", true, 100)

	merged := Merge(existing, incoming, testLogger())
	if !merged.Watched {
		t.Error("Equal timestamps must prefer watched=true")
	}

	// And the reverse direction keeps the existing watched flag.
	existing = movieState("home_jellyfin", "tt1160419", true, 100)
	incoming = movieState("home_plex", "tt1160419", false, 100)
	merged = Merge(existing, incoming, testLogger())
	if !merged.Watched {
		t.Error("Equal timestamps must not unwatch")
	}
}

func TestMergeIdempotent(t *testing.T) {
	state := movieState("home_jellyfin", "tt1160419", true, 100)
	copyOf := movieState("home_jellyfin", "tt1160419", true, 100)

	merged := Merge(state, copyOf, testLogger())

	if merged.Watched != copyOf.Watched || merged.Updated != copyOf.Updated || merged.Via != copyOf.Via {
		t.Error("merge(s, s) changed the state")
	}
	if !reflect.DeepEqual(merged.Guids, copyOf.Guids) {
		t.Error("merge(s, s) changed guids")
	}
}

func TestMergeMaxUpdatedWinsRegardlessOfOrder(t *testing.T) {
	build := func() []*State {
		return []*State{
			movieState("a", "tt1160419", false, 100),
			movieState("b", "tt1160419", true, 300),
			movieState("c", "tt1160419", false, 200),
		}
	}

	// Fold in two different orders; the final watched/via/updated must come
	// from the state with the maximum updated.
	first := build()
	one := Merge(Merge(first[0], first[1], testLogger()), first[2], testLogger())

	second := build()
	two := Merge(Merge(second[0], second[2], testLogger()), second[1], testLogger())

	if one.Updated != 300 || two.Updated != 300 {
		t.Fatalf("updated = %d/%d, want 300", one.Updated, two.Updated)
	}
	if !one.Watched || !two.Watched {
		t.Error("watched must come from the newest write in both orders")
	}
	if one.Via != "b" || two.Via != "b" {
		t.Errorf("via = %s/%s, want b", one.Via, two.Via)
	}
}

func TestMergeTaintedMovesProgressOnly(t *testing.T) {
	existing := movieState("home_jellyfin", "tt1160419", true, 200)
	incoming := movieState("home_plex", "tt1160419", false, 100)
	incoming.Tainted = true
	incoming.Progress = 90000

	merged := Merge(existing, incoming, testLogger())

	if !merged.Watched {
		t.Error("Tainted write must not flip watched")
	}
	if merged.Progress != 90000 {
		t.Errorf("Tainted write must move progress, got %d", merged.Progress)
	}
}

func TestMergeNewerTaintedKeepsWatched(t *testing.T) {
	// A user finished the movie, then hit play again: the play event is
	// newer but tainted, so the watched flag must survive.
	existing := movieState("home_plex", "tt1160419", true, 100)
	incoming := movieState("home_plex", "tt1160419", false, 200)
	incoming.Tainted = true
	incoming.Progress = 120000

	merged := Merge(existing, incoming, testLogger())

	if !merged.Watched {
		t.Error("Newer tainted write must not un-watch")
	}
	if merged.Updated != 200 {
		t.Errorf("updated = %d, want 200 (tainted still advances the clock)", merged.Updated)
	}
	if merged.Progress != 120000 {
		t.Errorf("progress = %d, want 120000", merged.Progress)
	}
}

func TestValidate(t *testing.T) {
	good := movieState("home_jellyfin", "tt1160419", true, 100)
	if err := good.Validate(); err != nil {
		t.Errorf("Valid state rejected: %v", err)
	}

	noVia := movieState("home_jellyfin", "tt1160419", true, 100)
	noVia.Via = "other"
	if err := noVia.Validate(); err == nil {
		t.Error("via outside metadata keys must be rejected")
	}

	badEpisode := &State{
		Type: ItemTypeEpisode, Via: "b", Season: 1, Episode: 0,
		Guids:    GuidMap{"imdb": "tt1"},
		Metadata: MetadataMap{"b": {ID: "1"}},
	}
	if err := badEpisode.Validate(); err == nil {
		t.Error("episode 0 must be rejected")
	}

	noIdentity := &State{
		Type:     ItemTypeMovie,
		Via:      "b",
		Metadata: MetadataMap{"b": {}},
	}
	if err := noIdentity.Validate(); err == nil {
		t.Error("state without any pointer must be rejected")
	}
}

func TestRelativePointers(t *testing.T) {
	episode := &State{
		Type: ItemTypeEpisode, Via: "b", Season: 2, Episode: 5,
		Parent:   GuidMap{"tvdb": "121361"},
		Metadata: MetadataMap{"b": {ID: "e1"}},
	}

	pointers := episode.RelativePointers()
	if len(pointers) != 1 || pointers[0] != "relative://tvdb://121361/2x5" {
		t.Errorf("Unexpected relative pointers: %v", pointers)
	}

	// Episodes lacking their own guids stay storable through the parent.
	if err := episode.Validate(); err != nil {
		t.Errorf("Episode with only relative identity rejected: %v", err)
	}
}
