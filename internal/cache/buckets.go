// Package cache holds the TTL buckets webhook ingestion writes into before
// the background drainer folds them into the store.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/amaumene/watchstate/internal/models"
)

const (
	// RequestTTL is how long an ingested webhook event stays queued.
	RequestTTL = 72 * time.Hour
	// ProgressTTL bounds retries of play-position pushes.
	ProgressTTL = 24 * time.Hour

	sweepInterval = 10 * time.Minute
)

// Buckets is the pair of last-writer-wins KV buckets keyed by itemId.
type Buckets struct {
	requests *gocache.Cache
	progress *gocache.Cache
}

// New creates the buckets.
func New() *Buckets {
	return &Buckets{
		requests: gocache.New(RequestTTL, sweepInterval),
		progress: gocache.New(ProgressTTL, sweepInterval),
	}
}

// AddRequest upserts a webhook event under its itemId, refreshing the TTL.
func (b *Buckets) AddRequest(itemID string, state *models.State) {
	b.requests.Set(itemID, state, RequestTTL)
}

// AddProgress upserts a play-progress event under its itemId.
func (b *Buckets) AddProgress(itemID string, state *models.State) {
	b.progress.Set(itemID, state, ProgressTTL)
}

// DrainRequests removes and returns every pending request event.
func (b *Buckets) DrainRequests() map[string]*models.State {
	items := b.requests.Items()
	out := make(map[string]*models.State, len(items))
	for key, item := range items {
		state, ok := item.Object.(*models.State)
		if !ok {
			b.requests.Delete(key)
			continue
		}
		out[key] = state
		b.requests.Delete(key)
	}
	return out
}

// SnapshotProgress returns pending progress events without removing them:
// a failed push retries next tick until the TTL expires the entry.
func (b *Buckets) SnapshotProgress() map[string]*models.State {
	items := b.progress.Items()
	out := make(map[string]*models.State, len(items))
	for key, item := range items {
		if state, ok := item.Object.(*models.State); ok {
			out[key] = state
		}
	}
	return out
}

// Counts returns the pending sizes of both buckets.
func (b *Buckets) Counts() (int, int) {
	return b.requests.ItemCount(), b.progress.ItemCount()
}
