package controllers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/backends/jellyfin"
	"github.com/amaumene/watchstate/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testDB(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeJellyfin serves a one-movie library.
func fakeJellyfin(t *testing.T, imdb string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/Users/u1/Views":
			w.Write([]byte(`{"Items":[{"Id":"lib1","Name":"Movies","CollectionType":"movies"}]}`))
		case "/Users/u1/Items":
			if r.URL.Query().Get("limit") == "0" {
				w.Write([]byte(`{"TotalRecordCount":1,"Items":[]}`))
				return
			}
			fmt.Fprintf(w, `{"TotalRecordCount":1,"Items":[{
			  "Id":"m1","Name":"Dune","Type":"Movie","ProductionYear":2021,
			  "ProviderIds":{"Imdb":"%s"},
			  "UserData":{"Played":true,"LastPlayedDate":"2024-05-01T12:00:00Z"}
			}]}`, imdb)
		default:
			http.NotFound(w, r)
		}
	}))
}

func jellyfinClient(t *testing.T, name, baseURL string) backends.Client {
	t.Helper()
	client, err := jellyfin.NewClient(backends.Context{
		Name:    name,
		BaseURL: baseURL,
		Token:   "secret",
		UserID:  "u1",
		Logger:  testLogger(),
		Options: backends.Options{ImportEnabled: true},
	}, jellyfin.FlavorJellyfin)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

// TestImportPartialFailure runs an import with one unreachable backend
// among three: the healthy two land their states, the dead one is reported
// and contributes nothing.
func TestImportPartialFailure(t *testing.T) {
	one := fakeJellyfin(t, "tt1160419")
	defer one.Close()
	two := fakeJellyfin(t, "tt2543164")
	defer two.Close()

	clients := []backends.Client{
		jellyfinClient(t, "backend_one", one.URL),
		jellyfinClient(t, "backend_two", two.URL),
		jellyfinClient(t, "unreachable", "http://127.0.0.1:1"),
	}

	db := testDB(t)
	ctrl := NewImportController(db, clients, 4, testLogger())

	report, err := ctrl.Run(context.Background(), ImportOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	backendsReport := report.Backends()
	if !backendsReport["unreachable"].HasErrors {
		t.Error("Unreachable backend must be marked has_errors")
	}
	if backendsReport["backend_one"] != nil && backendsReport["backend_one"].HasErrors {
		t.Errorf("backend_one must not error: %+v", backendsReport["backend_one"])
	}
	if !report.HasErrors() {
		t.Error("Report must surface the partial failure")
	}

	total, err := db.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("Expected 2 states from healthy backends, got %d", total)
	}

	if err := db.EachSince(0, func(state *models.State) error {
		if state.Via == "unreachable" {
			t.Errorf("No state may come via the unreachable backend: %+v", state)
		}
		return nil
	}); err != nil {
		t.Fatalf("EachSince failed: %v", err)
	}
}

// TestImportMergesSharedIdentity points two backends at the same movie and
// expects a single stored state carrying both snapshots.
func TestImportMergesSharedIdentity(t *testing.T) {
	one := fakeJellyfin(t, "tt1160419")
	defer one.Close()
	two := fakeJellyfin(t, "tt1160419")
	defer two.Close()

	clients := []backends.Client{
		jellyfinClient(t, "backend_one", one.URL),
		jellyfinClient(t, "backend_two", two.URL),
	}

	db := testDB(t)
	ctrl := NewImportController(db, clients, 4, testLogger())
	if _, err := ctrl.Run(context.Background(), ImportOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	total, err := db.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("Expected one merged state, got %d", total)
	}

	found, err := db.FindByPointers([]string{"imdb://tt1160419"})
	if err != nil || len(found) != 1 {
		t.Fatalf("Lookup failed: %v %v", found, err)
	}
	if len(found[0].Metadata) != 2 {
		t.Errorf("Merged state must carry both backends: %v", found[0].Metadata)
	}
}

// TestImportSelectBackend limits the run to one backend.
func TestImportSelectBackend(t *testing.T) {
	one := fakeJellyfin(t, "tt1160419")
	defer one.Close()
	two := fakeJellyfin(t, "tt2543164")
	defer two.Close()

	clients := []backends.Client{
		jellyfinClient(t, "backend_one", one.URL),
		jellyfinClient(t, "backend_two", two.URL),
	}

	db := testDB(t)
	ctrl := NewImportController(db, clients, 4, testLogger())
	report, err := ctrl.Run(context.Background(), ImportOptions{SelectBackends: []string{"backend_two"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.HasErrors() {
		t.Errorf("Unexpected errors: %v", report.Summary())
	}

	total, err := db.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 1 {
		t.Fatalf("Expected 1 state, got %d", total)
	}
}
