package api

import (
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/backends/jellyfin"
	"github.com/amaumene/watchstate/internal/cache"
	"github.com/amaumene/watchstate/internal/config"
	"github.com/amaumene/watchstate/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testServer(t *testing.T, opts backends.Options) (*Server, *cache.Buckets) {
	t.Helper()

	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client, err := jellyfin.NewClient(backends.Context{
		Name:      "home_jellyfin",
		BaseURL:   "http://jellyfin.local",
		Token:     "secret",
		UserID:    "u1",
		BackendID: "srv-uuid-1",
		Logger:    testLogger(),
		Options:   opts,
	}, jellyfin.FlavorJellyfin)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	buckets := cache.New()
	cfg := &config.Config{ServerPort: "7878"}
	server := NewServer(cfg, db, []backends.Client{client}, buckets, testLogger())
	return server, buckets
}

func webhookBody(event, serverID string) string {
	return fmt.Sprintf(`{
	  "Event": %q,
	  "Item": {
	    "Id": "jf100", "Name": "Dune", "Type": "Movie",
	    "ProviderIds": {"Imdb": "tt1160419"},
	    "UserData": {"Played": true, "LastPlayedDate": "2024-05-01T12:00:00Z"}
	  },
	  "User": {"Id": "u1"},
	  "Server": {"Id": %q}
	}`, event, serverID)
}

func TestWebhookUnknownBackend(t *testing.T) {
	server, _ := testServer(t, backends.Options{ImportEnabled: true})

	req := httptest.NewRequest("POST", "/v1/api/backends/nope/webhook",
		strings.NewReader(webhookBody("PlaybackStop", "srv-uuid-1")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookUUIDMismatch(t *testing.T) {
	server, buckets := testServer(t, backends.Options{ImportEnabled: true, WebhookMatchUUID: true})

	req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook",
		strings.NewReader(webhookBody("PlaybackStop", "some-other-uuid")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "does not match backend uuid") {
		t.Errorf("body = %s", body)
	}
	if requests, _ := buckets.Counts(); requests != 0 {
		t.Errorf("No cache entry may be created on rejection, got %d", requests)
	}
}

func TestWebhookUserMismatch(t *testing.T) {
	server, _ := testServer(t, backends.Options{ImportEnabled: true, WebhookMatchUser: true})

	payload := strings.Replace(webhookBody("PlaybackStop", "srv-uuid-1"), `"u1"`, `"intruder"`, 1)
	req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookImportDisabled(t *testing.T) {
	server, _ := testServer(t, backends.Options{})

	req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook",
		strings.NewReader(webhookBody("PlaybackStop", "srv-uuid-1")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 406 {
		t.Errorf("status = %d, want 406", resp.StatusCode)
	}
}

func TestWebhookIgnoredEvent(t *testing.T) {
	server, buckets := testServer(t, backends.Options{ImportEnabled: true})

	req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook",
		strings.NewReader(webhookBody("SessionStarted", "srv-uuid-1")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 304 {
		t.Errorf("status = %d, want 304", resp.StatusCode)
	}
	if requests, _ := buckets.Counts(); requests != 0 {
		t.Errorf("Ignored events must not be queued, got %d", requests)
	}
}

func TestWebhookQueuedAndDeduplicated(t *testing.T) {
	server, buckets := testServer(t, backends.Options{ImportEnabled: true})

	send := func() int {
		req := httptest.NewRequest("POST", "/v1/api/backends/home_jellyfin/webhook",
			strings.NewReader(webhookBody("PlaybackStop", "srv-uuid-1")))
		req.Header.Set("Content-Type", "application/json")
		resp, err := server.App().Test(req)
		if err != nil {
			t.Fatalf("Test failed: %v", err)
		}
		if got := resp.Header.Get("X-Log-Response"); got != "0" {
			t.Errorf("X-Log-Response = %q, want 0", got)
		}
		return resp.StatusCode
	}

	if status := send(); status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	// Same delivery again refreshes the same itemId entry.
	if status := send(); status != 200 {
		t.Fatalf("repeat status = %d, want 200", status)
	}

	requests, _ := buckets.Counts()
	if requests != 1 {
		t.Errorf("Duplicate webhook must collapse to one entry, got %d", requests)
	}
}

func TestWebhookPutAccepted(t *testing.T) {
	server, _ := testServer(t, backends.Options{ImportEnabled: true})

	req := httptest.NewRequest("PUT", "/v1/api/backends/home_jellyfin/webhook",
		strings.NewReader(webhookBody("PlaybackStop", "srv-uuid-1")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.App().Test(req)
	if err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
