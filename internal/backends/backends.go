// Package backends defines the capability set every media-server adapter
// implements, plus the immutable Context value adapters are bound to.
package backends

import (
	"context"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
)

// DefaultSegmentSize is the page size for segmented library fetches.
const DefaultSegmentSize = 1000

// Library is one library (section) on a backend.
type Library struct {
	ID    string
	Title string
	Type  string // "movie" or "show"
}

// User is a backend account.
type User struct {
	ID   string
	Name string
}

// SearchResult is one hit from a backend search.
type SearchResult struct {
	ID    string
	Title string
	Year  int
	Type  models.ItemType
}

// RequestAttributes is what InspectRequest extracts from an incoming webhook.
type RequestAttributes struct {
	UserID    string
	BackendID string
}

// PageHandler receives the items of one fetched segment. OnItem may be
// called from any queue worker; callers serialize if they need to.
type PageHandler struct {
	OnItem func(*models.State)
	OnError func(error)

	// After drops items whose authoritative timestamp is not newer.
	After time.Time
	// SeriesGuids lets episodes without their own external ids attach a
	// parent pointer, keyed by series remote id.
	SeriesGuids map[string]models.GuidMap
}

// PushAction is one watched-flag change to apply on a backend.
type PushAction struct {
	State   *models.State
	Watched bool
}

// Options are the per-backend tunables.
type Options struct {
	SegmentSize      int
	IgnoreLibraries  []string
	Workers          int
	Timeout          time.Duration
	ImportEnabled    bool
	ExportEnabled    bool
	MetadataOnly     bool
	WebhookMatchUser bool
	WebhookMatchUUID bool
}

// Context carries everything an adapter needs to talk to its backend. It is
// immutable; With* helpers return modified copies, adapters hold it by value.
type Context struct {
	Name      string
	BaseURL   string
	Token     string
	UserID    string
	BackendID string
	Options   Options
	Cache     *gocache.Cache
	Logger    *logrus.Logger
}

// WithBackendID returns a copy with the backend UUID set.
func (c Context) WithBackendID(id string) Context {
	c.BackendID = id
	return c
}

// WithUserID returns a copy bound to another backend user.
func (c Context) WithUserID(id string) Context {
	c.UserID = id
	return c
}

// SegmentSize returns the configured page size or the default.
func (c Context) SegmentSize() int {
	if c.Options.SegmentSize > 0 {
		return c.Options.SegmentSize
	}
	return DefaultSegmentSize
}

// IgnoresLibrary reports whether the library is on the ignore list.
func (c Context) IgnoresLibrary(id string) bool {
	for _, ignored := range c.Options.IgnoreLibraries {
		if ignored == id {
			return true
		}
	}
	return false
}

// Client is the capability set every backend adapter satisfies.
type Client interface {
	// Name returns the configured backend name (the metadata key).
	Name() string
	// Context returns the bound context value.
	Context() Context
	// WithContext returns a clone of the adapter bound to ctx.
	WithContext(ctx Context) Client

	// GetIdentifier returns the backend's stable UUID, refreshing it from
	// the server when forceRefresh is set or none is cached.
	GetIdentifier(ctx context.Context, forceRefresh bool) (string, error)
	// GetVersion returns the server version string.
	GetVersion(ctx context.Context) (string, error)
	// ListUsers enumerates the backend accounts.
	ListUsers(ctx context.Context) ([]User, error)

	// ListLibraries enumerates libraries, unsupported types included
	// (callers filter on Type).
	ListLibraries(ctx context.Context) ([]Library, error)
	// CountLibrary issues the page-of-size-zero probe and returns the
	// total item count.
	CountLibrary(ctx context.Context, lib Library) (int, error)
	// SeriesGuids prefetches external ids of every series in a TV library,
	// keyed by series remote id.
	SeriesGuids(ctx context.Context, lib Library) (map[string]models.GuidMap, error)
	// FetchSegment builds the queue request for one page of a library.
	// The response is stream-parsed; each admitted item reaches h.OnItem.
	FetchSegment(lib Library, start, size int, h *PageHandler) *queue.Request

	// GetMetadata fetches a single item by remote id.
	GetMetadata(ctx context.Context, remoteID string) (*models.State, error)
	// SearchByGuid resolves external ids to a remote id, "" when unknown.
	SearchByGuid(ctx context.Context, guids models.GuidMap) (string, error)
	// Search queries the backend by title.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	// SearchByID looks a remote id up, returning it in search-result form.
	SearchByID(ctx context.Context, remoteID string) ([]SearchResult, error)

	// InspectRequest annotates an incoming webhook request with the user
	// and backend identity it claims.
	InspectRequest(r *http.Request) (RequestAttributes, error)
	// ParseWebhook turns a webhook delivery into a State.
	ParseWebhook(r *http.Request) (*models.State, error)

	// Push enqueues the HTTP actions flipping watched flags remotely.
	Push(ctx context.Context, q *queue.Queue, actions []PushAction, report *PushReport) error
	// Progress enqueues play-position updates for the given states.
	Progress(ctx context.Context, q *queue.Queue, states []*models.State, report *PushReport) error
}
