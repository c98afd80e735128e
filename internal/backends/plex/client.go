// Package plex implements the Plex Media Server adapter.
package plex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/metrics"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
	"github.com/amaumene/watchstate/internal/utils"
)

// Client talks to one Plex server for one account.
type Client struct {
	ctx        backends.Context
	httpClient *http.Client
	version    string
}

// NewClient creates a Plex adapter bound to ctx.
func NewClient(ctx backends.Context) (*Client, error) {
	if ctx.BaseURL == "" {
		return nil, fmt.Errorf("backend %s: base URL is required", ctx.Name)
	}
	if ctx.Token == "" {
		return nil, fmt.Errorf("backend %s: token is required", ctx.Name)
	}
	if !models.ValidateBackendName(ctx.Name) {
		return nil, fmt.Errorf("backend name %q must match [a-z0-9_]+", ctx.Name)
	}

	return &Client{
		ctx:        ctx,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the configured backend name.
func (c *Client) Name() string { return c.ctx.Name }

// Context returns the bound context value.
func (c *Client) Context() backends.Context { return c.ctx }

// WithContext returns a clone bound to ctx.
func (c *Client) WithContext(ctx backends.Context) backends.Client {
	clone := *c
	clone.ctx = ctx
	return &clone
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Accept":       "application/json",
		"X-Plex-Token": c.ctx.Token,
	}
}

func (c *Client) url(path string, params url.Values) string {
	base := strings.TrimRight(c.ctx.BaseURL, "/")
	if len(params) == 0 {
		return base + path
	}
	return base + path + "?" + params.Encode()
}

func (c *Client) get(ctx context.Context, rawURL string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d from %s", backends.ErrAuth, resp.StatusCode, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return backends.NewError(backends.LevelError,
			"unexpected status %(status) from %(backend)",
			map[string]any{"status": resp.StatusCode, "backend": c.ctx.Name, "body": string(body)}, nil)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// GetIdentifier returns the machine identifier from /identity.
func (c *Client) GetIdentifier(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh && c.ctx.BackendID != "" {
		return c.ctx.BackendID, nil
	}
	var identity identityResponse
	if err := c.get(ctx, c.url("/identity", nil), &identity); err != nil {
		return "", err
	}
	c.ctx.BackendID = identity.MediaContainer.MachineIdentifier
	c.version = identity.MediaContainer.Version
	return c.ctx.BackendID, nil
}

// GetVersion returns the server version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	var identity identityResponse
	if err := c.get(ctx, c.url("/identity", nil), &identity); err != nil {
		return "", err
	}
	c.version = identity.MediaContainer.Version
	return c.version, nil
}

// ListUsers enumerates the server accounts.
func (c *Client) ListUsers(ctx context.Context) ([]backends.User, error) {
	var accounts accountsResponse
	if err := c.get(ctx, c.url("/accounts", nil), &accounts); err != nil {
		return nil, err
	}
	users := make([]backends.User, 0, len(accounts.MediaContainer.Account))
	for _, account := range accounts.MediaContainer.Account {
		users = append(users, backends.User{ID: strconv.Itoa(account.ID), Name: account.Name})
	}
	return users, nil
}

// ListLibraries enumerates library sections.
func (c *Client) ListLibraries(ctx context.Context) ([]backends.Library, error) {
	var sections sectionsResponse
	if err := c.get(ctx, c.url("/library/sections", nil), &sections); err != nil {
		return nil, err
	}

	libraries := make([]backends.Library, 0, len(sections.MediaContainer.Directory))
	for _, dir := range sections.MediaContainer.Directory {
		lib := backends.Library{ID: dir.Key, Title: dir.Title}
		switch dir.Type {
		case "movie":
			lib.Type = "movie"
		case "show":
			lib.Type = "show"
		}
		libraries = append(libraries, lib)
	}
	return libraries, nil
}

// itemKind returns the Plex type filter for listing a library's leaf items:
// movies for movie sections, episodes for show sections.
func itemKind(lib backends.Library) string {
	if lib.Type == "show" {
		return "4"
	}
	return "1"
}

func (c *Client) sectionParams(lib backends.Library, start, size int) url.Values {
	params := url.Values{}
	params.Set("type", itemKind(lib))
	params.Set("includeGuids", "1")
	params.Set("X-Plex-Container-Start", strconv.Itoa(start))
	params.Set("X-Plex-Container-Size", strconv.Itoa(size))
	return params
}

// CountLibrary issues the page-of-size-zero probe and reads totalSize.
func (c *Client) CountLibrary(ctx context.Context, lib backends.Library) (int, error) {
	var page container
	rawURL := c.url(fmt.Sprintf("/library/sections/%s/all", lib.ID), c.sectionParams(lib, 0, 0))
	if err := c.get(ctx, rawURL, &page); err != nil {
		return 0, err
	}
	if page.MediaContainer.TotalSize > 0 {
		return page.MediaContainer.TotalSize, nil
	}
	return page.MediaContainer.Size, nil
}

// SeriesGuids prefetches the show-level external ids of a TV section keyed
// by show rating key.
func (c *Client) SeriesGuids(ctx context.Context, lib backends.Library) (map[string]models.GuidMap, error) {
	params := url.Values{}
	params.Set("type", "2")
	params.Set("includeGuids", "1")

	var page container
	rawURL := c.url(fmt.Sprintf("/library/sections/%s/all", lib.ID), params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return nil, err
	}

	cache := make(map[string]models.GuidMap, len(page.MediaContainer.Metadata))
	for i := range page.MediaContainer.Metadata {
		item := &page.MediaContainer.Metadata[i]
		if guids := item.guids(c.ctx.Logger); len(guids) > 0 {
			cache[item.RatingKey] = guids
		}
	}
	return cache, nil
}

// FetchSegment builds the queue request for one page of a section. The
// response is stream-parsed down the MediaContainer.Metadata array.
func (c *Client) FetchSegment(lib backends.Library, start, size int, h *backends.PageHandler) *queue.Request {
	rawURL := c.url(fmt.Sprintf("/library/sections/%s/all", lib.ID), c.sectionParams(lib, start, size))

	return &queue.Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: c.headers(),
		Tag:     c.ctx.Name,
		Timeout: c.ctx.Options.Timeout,
		OnSuccess: func(resp *http.Response) error {
			defer resp.Body.Close()
			counter := &countingReader{reader: resp.Body}
			err := c.streamItems(counter, lib, h)
			metrics.ResponseSize.WithLabelValues(c.ctx.Name).Add(float64(counter.read))
			return err
		},
		OnError: func(err error) {
			if h.OnError != nil {
				h.OnError(err)
			}
		},
	}
}

type countingReader struct {
	reader io.Reader
	read   int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)
	return n, err
}

// streamItems walks the decoder into MediaContainer.Metadata and yields
// entries one at a time; malformed entries are logged and skipped.
func (c *Client) streamItems(body io.Reader, lib backends.Library, h *backends.PageHandler) error {
	dec := json.NewDecoder(body)

	if _, err := dec.Token(); err != nil { // opening brace
		return fmt.Errorf("failed to read page: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read page key: %w", err)
		}
		if key, _ := tok.(string); key != "MediaContainer" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("failed to skip key: %w", err)
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // container opening brace
			return fmt.Errorf("failed to enter container: %w", err)
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("failed to read container key: %w", err)
			}
			key, _ := tok.(string)
			if key != "Metadata" {
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return fmt.Errorf("failed to skip %s: %w", key, err)
				}
				continue
			}

			if _, err := dec.Token(); err != nil { // opening bracket
				return fmt.Errorf("failed to enter metadata array: %w", err)
			}
			for dec.More() {
				var raw json.RawMessage
				if err := dec.Decode(&raw); err != nil {
					return fmt.Errorf("metadata stream broke: %w", err)
				}
				var item Metadata
				if err := json.Unmarshal(raw, &item); err != nil {
					c.ctx.Logger.WithFields(logrus.Fields{
						"backend": c.ctx.Name,
						"library": lib.Title,
					}).WithError(err).Warn("Skipping malformed library entry")
					continue
				}
				c.emit(&item, lib, h)
			}
			if _, err := dec.Token(); err != nil { // closing bracket
				return fmt.Errorf("failed to leave metadata array: %w", err)
			}
		}
		if _, err := dec.Token(); err != nil { // container closing brace
			return fmt.Errorf("failed to leave container: %w", err)
		}
	}
	return nil
}

func (c *Client) emit(item *Metadata, lib backends.Library, h *backends.PageHandler) {
	if !h.After.IsZero() {
		authoritative := item.AddedAt
		if item.ViewCount > 0 && item.LastViewedAt > 0 {
			authoritative = item.LastViewedAt
		}
		if authoritative > 0 && authoritative <= h.After.Unix() {
			return
		}
	}

	state, err := c.toState(item, lib.ID, h.SeriesGuids)
	if err != nil {
		c.ctx.Logger.WithFields(logrus.Fields{
			"backend": c.ctx.Name,
			"item":    item.RatingKey,
			"title":   item.Title,
		}).WithError(err).Debug("Dropping library entry")
		return
	}
	h.OnItem(state)
}

func (c *Client) toState(item *Metadata, libraryID string, seriesGuids map[string]models.GuidMap) (*models.State, error) {
	itemType := item.itemType()
	if itemType == "" {
		return nil, fmt.Errorf("unsupported item type %q", item.Type)
	}

	state := &models.State{
		Type:    itemType,
		Via:     c.ctx.Name,
		Title:   item.Title,
		Year:    item.Year,
		Watched: item.ViewCount > 0,
		Updated: item.AddedAt,
		Guids:   item.guids(c.ctx.Logger),
	}

	meta := models.ItemMetadata{
		ID:        item.RatingKey,
		LibraryID: libraryID,
		Path:      item.file(),
		AddedAt:   item.AddedAt,
		Watched:   state.Watched,
	}
	if item.LastViewedAt > 0 {
		meta.PlayedAt = item.LastViewedAt
		if state.Watched {
			state.Updated = item.LastViewedAt
		}
	}
	if item.ViewOffset > 0 {
		state.Progress = item.ViewOffset
		meta.Progress = item.ViewOffset
	}

	if itemType == models.ItemTypeEpisode {
		state.Season = item.ParentIndex
		state.Episode = item.Index
		if item.GrandparentTitle != "" {
			state.Title = fmt.Sprintf("%s %dx%02d", item.GrandparentTitle, state.Season, state.Episode)
		}
		if parent, ok := seriesGuids[item.GrandparentRatingKey]; ok {
			state.Parent = parent.Clone()
		}
	}

	state.Metadata = models.MetadataMap{c.ctx.Name: meta}

	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

// GetMetadata fetches one item by rating key.
func (c *Client) GetMetadata(ctx context.Context, remoteID string) (*models.State, error) {
	params := url.Values{}
	params.Set("includeGuids", "1")

	var page container
	rawURL := c.url("/library/metadata/"+remoteID, params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return nil, err
	}
	if len(page.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("item %s not found on %s", remoteID, c.ctx.Name)
	}
	return c.toState(&page.MediaContainer.Metadata[0], "", nil)
}

// SearchByGuid resolves external ids to a rating key via the library guid
// filter, "" when unknown.
func (c *Client) SearchByGuid(ctx context.Context, guids models.GuidMap) (string, error) {
	for _, pointer := range guids.Pointers() {
		params := url.Values{}
		params.Set("guid", pointer)

		var page container
		if err := c.get(ctx, c.url("/library/all", params), &page); err != nil {
			return "", err
		}
		if len(page.MediaContainer.Metadata) > 0 {
			return page.MediaContainer.Metadata[0].RatingKey, nil
		}
	}
	return "", nil
}

// Search queries the server by title, closest matches first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]backends.SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))

	var page container
	if err := c.get(ctx, c.url("/search", params), &page); err != nil {
		return nil, err
	}

	results := make([]backends.SearchResult, 0, len(page.MediaContainer.Metadata))
	for _, item := range page.MediaContainer.Metadata {
		if item.itemType() == "" {
			continue
		}
		results = append(results, backends.SearchResult{
			ID:    item.RatingKey,
			Title: item.Title,
			Year:  item.Year,
			Type:  item.itemType(),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return utils.TitleDistance(results[i].Title, query) < utils.TitleDistance(results[j].Title, query)
	})
	return results, nil
}

// SearchByID looks one rating key up in search-result form.
func (c *Client) SearchByID(ctx context.Context, remoteID string) ([]backends.SearchResult, error) {
	state, err := c.GetMetadata(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	meta := state.Metadata[c.ctx.Name]
	return []backends.SearchResult{{
		ID:    meta.ID,
		Title: state.Title,
		Year:  state.Year,
		Type:  state.Type,
	}}, nil
}

// scrobbleURL builds the watched-flag endpoints. Plex flips the flag via
// POST /:/scrobble and /:/unscrobble with the library identifier.
func (c *Client) scrobbleURL(ratingKey string, watched bool) string {
	endpoint := "/:/scrobble"
	if !watched {
		endpoint = "/:/unscrobble"
	}
	params := url.Values{}
	params.Set("identifier", plexIdentifier)
	params.Set("key", ratingKey)
	return c.url(endpoint, params)
}

// Push enqueues scrobble/unscrobble calls for the given actions.
func (c *Client) Push(ctx context.Context, q *queue.Queue, actions []backends.PushAction, report *backends.PushReport) error {
	for _, action := range actions {
		meta, ok := action.State.Metadata[c.ctx.Name]
		if !ok || meta.ID == "" {
			continue
		}

		stateID := action.State.ID
		ok = q.Submit(&queue.Request{
			Method:  http.MethodPost,
			URL:     c.scrobbleURL(meta.ID, action.Watched),
			Headers: c.headers(),
			Tag:     c.ctx.Name,
			Timeout: c.ctx.Options.Timeout,
			OnSuccess: func(resp *http.Response) error {
				resp.Body.Close()
				report.Succeed()
				return nil
			},
			OnError: func(err error) {
				report.Fail()
				c.ctx.Logger.WithFields(logrus.Fields{
					"backend": c.ctx.Name,
					"state":   stateID,
				}).WithError(err).Warn("Failed to push watched state")
			},
		})
		if !ok {
			return ctx.Err()
		}
		report.Queue()
	}
	return nil
}

// Progress enqueues play-position updates via the timeline progress call.
func (c *Client) Progress(ctx context.Context, q *queue.Queue, states []*models.State, report *backends.PushReport) error {
	for _, state := range states {
		meta, ok := state.Metadata[c.ctx.Name]
		if !ok || meta.ID == "" || state.Progress <= 0 {
			continue
		}

		params := url.Values{}
		params.Set("identifier", plexIdentifier)
		params.Set("key", meta.ID)
		params.Set("time", strconv.FormatInt(state.Progress, 10))
		params.Set("state", "stopped")

		stateID := state.ID
		ok = q.Submit(&queue.Request{
			Method:  http.MethodGet,
			URL:     c.url("/:/progress", params),
			Headers: c.headers(),
			Tag:     c.ctx.Name,
			Timeout: c.ctx.Options.Timeout,
			OnSuccess: func(resp *http.Response) error {
				resp.Body.Close()
				report.Succeed()
				return nil
			},
			OnError: func(err error) {
				report.Fail()
				c.ctx.Logger.WithFields(logrus.Fields{
					"backend": c.ctx.Name,
					"state":   stateID,
				}).WithError(err).Warn("Failed to push play progress")
			},
		})
		if !ok {
			return ctx.Err()
		}
		report.Queue()
	}
	return nil
}
