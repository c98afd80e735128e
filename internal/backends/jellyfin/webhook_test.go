package jellyfin

import (
	"net/http/httptest"
	"strings"
	"testing"
)

const stopPayload = `{
  "Event": "PlaybackStop",
  "Item": {
    "Id": "jf100", "Name": "Dune", "Type": "Movie", "ProductionYear": 2021,
    "ProviderIds": {"Imdb": "tt1160419"},
    "UserData": {"Played": true, "LastPlayedDate": "2024-05-01T12:00:00Z"}
  },
  "User": {"Id": "u1", "Name": "alice"},
  "Server": {"Id": "srv-uuid-1", "Name": "home", "Version": "10.9.2"},
  "Session": {"PositionTicks": 0}
}`

func TestInspectRequest(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook", strings.NewReader(stopPayload))
	attrs, err := client.InspectRequest(req)
	if err != nil {
		t.Fatalf("InspectRequest failed: %v", err)
	}
	if attrs.UserID != "u1" || attrs.BackendID != "srv-uuid-1" {
		t.Errorf("attrs = %+v", attrs)
	}

	// The body must still be parseable afterwards.
	state, err := client.ParseWebhook(req)
	if err != nil {
		t.Fatalf("ParseWebhook after InspectRequest failed: %v", err)
	}
	if state.Guids["imdb"] != "tt1160419" {
		t.Errorf("guids = %v", state.Guids)
	}
}

func TestParseWebhookTerminalEvent(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(stopPayload))
	state, err := client.ParseWebhook(req)
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if state.Tainted {
		t.Error("PlaybackStop must not be tainted")
	}
	if !state.Watched {
		t.Error("Played item must be watched")
	}
	if state.Extra["home_jellyfin"].Event != "PlaybackStop" {
		t.Errorf("extra = %+v", state.Extra)
	}
}

func TestParseWebhookTaintedEvent(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	payload := `{
	  "Event": "PlaybackProgress",
	  "Item": {
	    "Id": "jf100", "Name": "Dune", "Type": "Movie",
	    "ProviderIds": {"Imdb": "tt1160419"},
	    "UserData": {"Played": true}
	  },
	  "User": {"Id": "u1"},
	  "Server": {"Id": "srv-uuid-1"},
	  "Session": {"PositionTicks": 9000000000}
	}`
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(payload))
	state, err := client.ParseWebhook(req)
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if !state.Tainted {
		t.Error("PlaybackProgress must be tainted")
	}
	if state.Watched {
		t.Error("Tainted event must not flip watched on its own")
	}
	if state.Progress != 900000 {
		t.Errorf("progress = %d ms, want 900000", state.Progress)
	}
}

func TestParseWebhookUnknownEvent(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"Event":"SessionStarted","Item":{}}`))
	if _, err := client.ParseWebhook(req); err == nil {
		t.Error("Unknown event must be rejected")
	}
}

func TestParseWebhookEpisodeWithoutPosition(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	payload := `{
	  "Event": "PlaybackStop",
	  "Item": {
	    "Id": "e1", "Name": "Pilot", "Type": "Episode",
	    "SeriesName": "Show", "ParentIndexNumber": 1, "IndexNumber": 0,
	    "ProviderIds": {"Tvdb": "55555"}
	  },
	  "User": {"Id": "u1"},
	  "Server": {"Id": "srv-uuid-1"}
	}`
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(payload))
	if _, err := client.ParseWebhook(req); err == nil {
		t.Error("Episode 0 must be rejected")
	}
}

func TestParseWebhookNoIdentity(t *testing.T) {
	client := testClient(t, "http://jellyfin.local")

	payload := `{
	  "Event": "PlaybackStop",
	  "Item": {"Name": "Mystery", "Type": "Movie"},
	  "User": {"Id": "u1"},
	  "Server": {"Id": "srv-uuid-1"}
	}`
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(payload))
	state, err := client.ParseWebhook(req)
	if err == nil {
		t.Errorf("Item without any identity must be rejected, got %+v", state)
	}
}
