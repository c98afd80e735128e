package plex

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(backends.Context{
		Name:    "home_plex",
		BaseURL: baseURL,
		Token:   "secret",
		UserID:  "1",
		Logger:  testLogger(),
		Options: backends.Options{ImportEnabled: true, ExportEnabled: true},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestGuidExtraction(t *testing.T) {
	item := &Metadata{
		Type:  "movie",
		Title: "Dune",
		Guid: []GuidEntry{
			{ID: "imdb://tt1160419"},
			{ID: "tmdb://438631"},
			{ID: "plex://movie/5d77683f6f4521001ea9dc53"},
		},
	}

	guids := item.guids(testLogger())
	if len(guids) != 2 {
		t.Fatalf("Expected imdb+tmdb, got %v", guids)
	}
	if guids["imdb"] != "tt1160419" || guids["tmdb"] != "438631" {
		t.Errorf("guids = %v", guids)
	}
}

func TestLegacyGuidExtraction(t *testing.T) {
	item := &Metadata{
		Type:       "movie",
		LegacyGuid: "com.plexapp.agents.imdb://tt0133093?lang=en",
	}
	guids := item.guids(testLogger())
	if guids["imdb"] != "tt0133093" {
		t.Errorf("legacy guid not extracted: %v", guids)
	}

	episode := &Metadata{
		Type:       "episode",
		LegacyGuid: "com.plexapp.agents.thetvdb://121361/1/3?lang=en",
	}
	guids = episode.guids(testLogger())
	if guids["tvdb"] != "121361" {
		t.Errorf("legacy tvdb guid not extracted: %v", guids)
	}
}

func TestScrobbleURL(t *testing.T) {
	client := testClient(t, "http://plex.local:32400")

	rawURL := client.scrobbleURL("4242", true)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("Bad scrobble URL: %v", err)
	}
	if parsed.Path != "/:/scrobble" {
		t.Errorf("path = %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("identifier") != "com.plexapp.plugins.library" {
		t.Errorf("identifier = %s", query.Get("identifier"))
	}
	if query.Get("key") != "4242" {
		t.Errorf("key = %s", query.Get("key"))
	}

	if !strings.Contains(client.scrobbleURL("4242", false), "/:/unscrobble") {
		t.Error("unwatch must use /:/unscrobble")
	}
}

// TestPushScrobbles verifies an export action turns into exactly one
// scrobble POST carrying the token.
func TestPushScrobbles(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "secret" {
			t.Error("Missing X-Plex-Token header")
		}
		mu.Lock()
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(t, server.URL)

	state := &models.State{
		ID: 7, Type: models.ItemTypeMovie, Via: "home_plex",
		Title: "Dune", Watched: true, Updated: 1714640400,
		Guids:    models.GuidMap{"imdb": "tt1160419"},
		Metadata: models.MetadataMap{"home_plex": {ID: "4242"}},
	}

	q := queue.New(context.Background(), 2, testLogger())
	defer q.Stop()
	report := &backends.PushReport{}
	if err := client.Push(context.Background(), q, []backends.PushAction{{State: state, Watched: true}}, report); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	q.Wait()

	queued, succeeded, failed := report.Counts()
	if queued != 1 || succeeded != 1 || failed != 0 {
		t.Errorf("report = %d/%d/%d", queued, succeeded, failed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || !strings.HasPrefix(paths[0], "/:/scrobble?") {
		t.Errorf("paths = %v", paths)
	}
	if !strings.Contains(paths[0], "key=4242") {
		t.Errorf("scrobble key missing: %s", paths[0])
	}
}

func TestStreamItemsPlexContainer(t *testing.T) {
	client := testClient(t, "http://plex.local")

	body := `{"MediaContainer":{"size":2,"totalSize":2,"identifier":"com.plexapp.plugins.library","Metadata":[
	  {"ratingKey":"10","type":"movie","title":"Dune","year":2021,"addedAt":1713606000,
	   "viewCount":1,"lastViewedAt":1714564800,"Guid":[{"id":"imdb://tt1160419"}]},
	  {"ratingKey":"11","type":"movie","title":"Arrival","year":2016,"addedAt":1713600000,
	   "Guid":[{"id":"imdb://tt2543164"}]}
	]}}`

	var collected []*models.State
	h := &backends.PageHandler{OnItem: func(s *models.State) { collected = append(collected, s) }}
	if err := client.streamItems(bytes.NewReader([]byte(body)), backends.Library{ID: "1", Type: "movie"}, h); err != nil {
		t.Fatalf("streamItems failed: %v", err)
	}

	if len(collected) != 2 {
		t.Fatalf("Expected 2 states, got %d", len(collected))
	}
	if !collected[0].Watched || collected[0].Updated != 1714564800 {
		t.Errorf("watched item mishandled: %+v", collected[0])
	}
	if collected[1].Watched {
		t.Error("unwatched item marked watched")
	}
}

func TestCountLibrary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("X-Plex-Container-Size") != "0" {
			t.Errorf("count probe must use container size 0, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"MediaContainer":{"size":0,"totalSize":1234}}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	count, err := client.CountLibrary(context.Background(), backends.Library{ID: "1", Type: "movie"})
	if err != nil {
		t.Fatalf("CountLibrary failed: %v", err)
	}
	if count != 1234 {
		t.Errorf("count = %d, want 1234", count)
	}
}
