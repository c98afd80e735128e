package models

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestFilterGuids(t *testing.T) {
	guids := FilterGuids(GuidMap{
		"imdb":    "tt1160419",
		"tmdb":    "438631",
		"tvdb":    "not-a-number",
		"myanime": "123",
	}, testLogger())

	if len(guids) != 2 {
		t.Fatalf("Expected 2 surviving guids, got %d: %v", len(guids), guids)
	}
	if guids["imdb"] != "tt1160419" {
		t.Errorf("imdb guid lost: %v", guids)
	}
	if guids["tmdb"] != "438631" {
		t.Errorf("tmdb guid lost: %v", guids)
	}
	if _, ok := guids["tvdb"]; ok {
		t.Error("Invalid tvdb id should have been discarded")
	}
	if _, ok := guids["myanime"]; ok {
		t.Error("Unknown source should have been discarded")
	}
}

func TestFilterGuidsAllInvalid(t *testing.T) {
	if got := FilterGuids(GuidMap{"imdb": "1234"}, testLogger()); got != nil {
		t.Errorf("Expected nil for all-invalid input, got %v", got)
	}
	if got := FilterGuids(nil, testLogger()); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
}

func TestVirtualGuid(t *testing.T) {
	if got := VirtualGuid("home_plex", "54321"); got != "backend://home_plex:54321" {
		t.Errorf("Unexpected virtual guid: %s", got)
	}
}

func TestValidateBackendName(t *testing.T) {
	for name, want := range map[string]bool{
		"home_plex":  true,
		"jellyfin2":  true,
		"Home-Plex":  false,
		"":           false,
		"with space": false,
	} {
		if got := ValidateBackendName(name); got != want {
			t.Errorf("ValidateBackendName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGuidPointers(t *testing.T) {
	pointers := GuidMap{"imdb": "tt1", "tvdb": "2"}.Pointers()
	if len(pointers) != 2 {
		t.Fatalf("Expected 2 pointers, got %v", pointers)
	}
	// Sorted output keeps pointer comparison deterministic.
	if pointers[0] != "imdb://tt1" || pointers[1] != "tvdb://2" {
		t.Errorf("Unexpected pointers: %v", pointers)
	}
}
