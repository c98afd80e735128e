package models

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "db.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGet(t *testing.T) {
	db := testDB(t)

	state := movieState("home_jellyfin", "tt1160419", true, 100)
	id, created, err := db.UpsertState(state)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !created || id == 0 {
		t.Fatalf("Expected creation, got id=%d created=%v", id, created)
	}

	loaded, err := db.GetState(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Title != "Dune" || !loaded.Watched || loaded.Guids["imdb"] != "tt1160419" {
		t.Errorf("Loaded state mismatch: %+v", loaded)
	}
	if loaded.Metadata["home_jellyfin"].ID != "100" {
		t.Errorf("JSON metadata column did not round-trip: %+v", loaded.Metadata)
	}

	// Second upsert of the same row must update, not create.
	loaded.Watched = false
	_, created, err = db.UpsertState(loaded)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if created {
		t.Error("Update reported as creation")
	}
}

func TestFindByPointers(t *testing.T) {
	db := testDB(t)

	state := movieState("home_jellyfin", "tt1160419", true, 100)
	if _, _, err := db.UpsertState(state); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Lookup by external id.
	found, err := db.FindByPointers([]string{"imdb://tt1160419"})
	if err != nil {
		t.Fatalf("FindByPointers failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Expected 1 state, got %d", len(found))
	}

	// Lookup by virtual guid.
	found, err = db.FindByPointers([]string{"backend://home_jellyfin:100"})
	if err != nil {
		t.Fatalf("Virtual pointer lookup failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Expected 1 state via virtual guid, got %d", len(found))
	}

	// Two pointers onto the same row yield the row once.
	found, err = db.FindByPointers([]string{"imdb://tt1160419", "backend://home_jellyfin:100"})
	if err != nil {
		t.Fatalf("Multi-pointer lookup failed: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Expected deduplicated result, got %d", len(found))
	}

	found, err = db.FindByPointers([]string{"imdb://tt9999999"})
	if err != nil {
		t.Fatalf("Miss lookup failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Expected no results, got %d", len(found))
	}
}

func TestDeleteState(t *testing.T) {
	db := testDB(t)

	state := movieState("home_jellyfin", "tt1160419", true, 100)
	id, _, err := db.UpsertState(state)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := db.DeleteState(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := db.GetState(id); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	found, err := db.FindByPointers([]string{"imdb://tt1160419"})
	if err != nil || len(found) != 0 {
		t.Errorf("Pointer rows must go with the state: %v %v", found, err)
	}
}

func TestPageAndParity(t *testing.T) {
	db := testDB(t)

	for i, imdb := range []string{"tt0000001", "tt0000002", "tt0000003"} {
		state := movieState("home_jellyfin", imdb, i%2 == 0, int64(100+i))
		state.Metadata["home_jellyfin"] = ItemMetadata{ID: imdb}
		if i == 0 {
			// One state known to two backends.
			state.Metadata["home_plex"] = ItemMetadata{ID: "p1"}
		}
		if _, _, err := db.UpsertState(state); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	states, total, err := db.Page(PageFilter{Type: ItemTypeMovie}, "", 2, 0)
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(states) != 2 {
		t.Errorf("page size = %d, want 2", len(states))
	}

	watched := true
	_, total, err = db.Page(PageFilter{Watched: &watched}, "", 10, 0)
	if err != nil {
		t.Fatalf("Filtered page failed: %v", err)
	}
	if total != 2 {
		t.Errorf("watched total = %d, want 2", total)
	}

	below, err := db.Parity(2)
	if err != nil {
		t.Fatalf("Parity failed: %v", err)
	}
	if len(below) != 2 {
		t.Errorf("Expected 2 states below parity, got %d", len(below))
	}
}

func TestEachSince(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		state := movieState("home_jellyfin", "tt000000"+string(rune('1'+i)), false, int64(100*(i+1)))
		if _, _, err := db.UpsertState(state); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	var seen int
	if err := db.EachSince(100, func(state *State) error {
		seen++
		if state.Updated <= 100 {
			t.Errorf("EachSince leaked updated=%d", state.Updated)
		}
		return nil
	}); err != nil {
		t.Fatalf("EachSince failed: %v", err)
	}
	if seen != 2 {
		t.Errorf("Expected 2 states, saw %d", seen)
	}
}
