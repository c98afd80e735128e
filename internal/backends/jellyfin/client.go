// Package jellyfin implements the MediaBrowser adapter used for both
// Jellyfin and Emby servers; the two differ only in auth headers and a few
// endpoint capabilities, expressed as the Flavor.
package jellyfin

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

// Flavor selects the MediaBrowser dialect.
type Flavor string

const (
	FlavorJellyfin Flavor = "jellyfin"
	FlavorEmby     Flavor = "emby"
)

// progressMinVersion is the first Jellyfin release whose UserData endpoint
// accepts play-position writes.
var progressMinVersion = [2]int{10, 9}

// Client talks to one Jellyfin or Emby server for one user.
type Client struct {
	ctx        backends.Context
	flavor     Flavor
	httpClient *http.Client
	version    string
}

// NewClient creates a MediaBrowser adapter bound to ctx.
func NewClient(ctx backends.Context, flavor Flavor) (*Client, error) {
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
		flavor:     flavor,
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
	headers := map[string]string{
		"Accept": "application/json",
	}
	if c.flavor == FlavorEmby {
		headers["X-Emby-Token"] = c.ctx.Token
	} else {
		headers["Authorization"] = fmt.Sprintf(
			`MediaBrowser Token="%s", Client="WatchState", Device="WatchState", DeviceId="%s", Version="1.0"`,
			c.ctx.Token, c.ctx.Name)
	}
	return headers
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

// GetIdentifier returns the server UUID from /System/Info.
func (c *Client) GetIdentifier(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh && c.ctx.BackendID != "" {
		return c.ctx.BackendID, nil
	}
	var info SystemInfo
	if err := c.get(ctx, c.url("/System/Info", nil), &info); err != nil {
		return "", err
	}
	c.ctx.BackendID = info.ID
	c.version = info.Version
	return info.ID, nil
}

// GetVersion returns the server version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	var info SystemInfo
	if err := c.get(ctx, c.url("/System/Info", nil), &info); err != nil {
		return "", err
	}
	c.version = info.Version
	return info.Version, nil
}

// ListUsers enumerates server accounts.
func (c *Client) ListUsers(ctx context.Context) ([]backends.User, error) {
	var accounts []Account
	if err := c.get(ctx, c.url("/Users", nil), &accounts); err != nil {
		return nil, err
	}
	users := make([]backends.User, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, backends.User{ID: account.ID, Name: account.Name})
	}
	return users, nil
}

// ListLibraries enumerates the user's views. Collection types other than
// movies/tvshows are surfaced with an empty Type so callers can skip them.
func (c *Client) ListLibraries(ctx context.Context) ([]backends.Library, error) {
	var page ViewsPage
	if err := c.get(ctx, c.url(fmt.Sprintf("/Users/%s/Views", c.ctx.UserID), nil), &page); err != nil {
		return nil, err
	}

	libraries := make([]backends.Library, 0, len(page.Items))
	for _, view := range page.Items {
		lib := backends.Library{ID: view.ID, Title: view.Name}
		switch view.CollectionType {
		case "movies":
			lib.Type = "movie"
		case "tvshows":
			lib.Type = "show"
		}
		libraries = append(libraries, lib)
	}
	return libraries, nil
}

func (c *Client) itemsParams(lib backends.Library, start, size int) url.Values {
	params := url.Values{}
	params.Set("parentId", lib.ID)
	params.Set("recursive", "true")
	params.Set("includeItemTypes", "Movie,Episode")
	params.Set("fields", "ProviderIds,Path,DateCreated,ParentIndexNumber,IndexNumber,IndexNumberEnd")
	params.Set("enableUserData", "true")
	params.Set("enableImages", "false")
	params.Set("enableTotalRecordCount", "true")
	params.Set("startIndex", strconv.Itoa(start))
	params.Set("limit", strconv.Itoa(size))
	return params
}

// CountLibrary issues the page-of-size-zero probe.
func (c *Client) CountLibrary(ctx context.Context, lib backends.Library) (int, error) {
	var page ItemsPage
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), c.itemsParams(lib, 0, 0))
	if err := c.get(ctx, rawURL, &page); err != nil {
		return 0, err
	}
	return page.TotalRecordCount, nil
}

// SeriesGuids prefetches external ids for every series in a TV library so
// episodes without their own ids can attach a parent pointer.
func (c *Client) SeriesGuids(ctx context.Context, lib backends.Library) (map[string]models.GuidMap, error) {
	params := url.Values{}
	params.Set("parentId", lib.ID)
	params.Set("recursive", "true")
	params.Set("includeItemTypes", "Series")
	params.Set("fields", "ProviderIds")
	params.Set("enableImages", "false")

	var page ItemsPage
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return nil, err
	}

	cache := make(map[string]models.GuidMap, len(page.Items))
	for _, item := range page.Items {
		if guids := item.guids(c.ctx.Logger); len(guids) > 0 {
			cache[item.ID] = guids
		}
	}
	return cache, nil
}

// FetchSegment builds the queue request for one page. The body is streamed:
// the decoder walks to the Items array and yields entries one at a time, so
// a malformed entry is logged and skipped without aborting the page.
func (c *Client) FetchSegment(lib backends.Library, start, size int, h *backends.PageHandler) *queue.Request {
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), c.itemsParams(lib, start, size))

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

func (c *Client) streamItems(body io.Reader, lib backends.Library, h *backends.PageHandler) error {
	dec := json.NewDecoder(body)

	// Walk top-level keys until the Items array.
	if _, err := dec.Token(); err != nil { // opening brace
		return fmt.Errorf("failed to read page: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read page key: %w", err)
		}
		key, _ := tok.(string)
		if key != "Items" {
			// Skip the value of any other key.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("failed to skip %s: %w", key, err)
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // opening bracket
			return fmt.Errorf("failed to enter items array: %w", err)
		}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("items stream broke: %w", err)
			}
			var item Item
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
			return fmt.Errorf("failed to leave items array: %w", err)
		}
	}
	return nil
}

// emit converts one vendor item and hands the resulting states to OnItem.
// Multi-episode files (IndexNumberEnd range) fan out into one state per
// episode index.
func (c *Client) emit(item *Item, lib backends.Library, h *backends.PageHandler) {
	if !h.After.IsZero() {
		if ts := item.authoritativeTime(); !ts.IsZero() && !ts.After(h.After) {
			return
		}
	}

	state, err := c.toState(item, lib.ID, h.SeriesGuids)
	if err != nil {
		c.ctx.Logger.WithFields(logrus.Fields{
			"backend": c.ctx.Name,
			"item":    item.ID,
			"title":   item.Name,
		}).WithError(err).Debug("Dropping library entry")
		return
	}

	if state.IsEpisode() && item.IndexNumberEnd > item.IndexNumber {
		meta := state.Metadata[c.ctx.Name]
		for index := item.IndexNumber; index <= item.IndexNumberEnd; index++ {
			clone := *state
			clone.Episode = index
			clone.Parent = state.Parent.Clone()

			// Every clone needs its own identity or the shared virtual
			// pointer collapses the whole range back into one state. The
			// first episode keeps the file's id and external ids; the
			// rest get an index-suffixed remote id and identify through
			// the parent-relative pointer only.
			episodeMeta := meta
			if index == item.IndexNumber {
				clone.Guids = state.Guids.Clone()
			} else {
				clone.Guids = nil
				episodeMeta.ID = fmt.Sprintf("%s/%d", meta.ID, index)
			}
			clone.Metadata = models.MetadataMap{c.ctx.Name: episodeMeta}

			if item.SeriesName != "" {
				clone.Title = fmt.Sprintf("%s %dx%02d", item.SeriesName, clone.Season, index)
			}

			if err := clone.Validate(); err != nil {
				c.ctx.Logger.WithFields(logrus.Fields{
					"backend": c.ctx.Name,
					"item":    episodeMeta.ID,
					"title":   clone.Title,
				}).WithError(err).Debug("Dropping fanned-out episode")
				continue
			}
			h.OnItem(&clone)
		}
		return
	}
	h.OnItem(state)
}

func (c *Client) toState(item *Item, libraryID string, seriesGuids map[string]models.GuidMap) (*models.State, error) {
	itemType := item.itemType()
	if itemType == "" {
		return nil, fmt.Errorf("unsupported item type %q", item.Type)
	}

	state := &models.State{
		Type:  itemType,
		Via:   c.ctx.Name,
		Title: item.Name,
		Year:  item.ProductionYear,
		Guids: item.guids(c.ctx.Logger),
	}

	meta := models.ItemMetadata{
		ID:        item.ID,
		LibraryID: libraryID,
		Path:      item.Path,
	}
	if ts := parseDate(item.DateCreated); !ts.IsZero() {
		meta.AddedAt = ts.Unix()
		state.Updated = ts.Unix()
	}

	if item.UserData != nil {
		state.Watched = item.UserData.Played
		meta.Watched = item.UserData.Played
		if ts := parseDate(item.UserData.LastPlayedDate); !ts.IsZero() {
			meta.PlayedAt = ts.Unix()
			if state.Watched {
				state.Updated = ts.Unix()
			}
		}
		if item.UserData.PlaybackPositionTicks > 0 {
			state.Progress = item.UserData.PlaybackPositionTicks / ticksPerMillisecond
			meta.Progress = state.Progress
		}
	}

	if itemType == models.ItemTypeEpisode {
		state.Season = item.ParentIndexNumber
		state.Episode = item.IndexNumber
		state.Title = strings.TrimSpace(fmt.Sprintf("%s %dx%02d", item.SeriesName, state.Season, state.Episode))
		if parent, ok := seriesGuids[item.SeriesID]; ok {
			state.Parent = parent.Clone()
		}
	}

	state.Metadata = models.MetadataMap{c.ctx.Name: meta}

	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

// GetMetadata fetches one item by remote id.
func (c *Client) GetMetadata(ctx context.Context, remoteID string) (*models.State, error) {
	params := url.Values{}
	params.Set("ids", remoteID)
	params.Set("fields", "ProviderIds,Path,DateCreated,ParentIndexNumber,IndexNumber,IndexNumberEnd")
	params.Set("enableUserData", "true")

	var page ItemsPage
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("item %s not found on %s", remoteID, c.ctx.Name)
	}
	return c.toState(&page.Items[0], "", nil)
}

// SearchByGuid resolves external ids to a remote id via the provider-id
// lookup, "" when the backend does not know the item.
func (c *Client) SearchByGuid(ctx context.Context, guids models.GuidMap) (string, error) {
	if len(guids) == 0 {
		return "", nil
	}

	pairs := make([]string, 0, len(guids))
	for source, id := range guids {
		pairs = append(pairs, fmt.Sprintf("%s.%s", source, id))
	}
	sort.Strings(pairs)

	params := url.Values{}
	params.Set("recursive", "true")
	params.Set("anyProviderIdEquals", strings.Join(pairs, ","))
	params.Set("limit", "1")

	var page ItemsPage
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return "", err
	}
	if len(page.Items) == 0 {
		return "", nil
	}
	return page.Items[0].ID, nil
}

// Search queries the backend by title, closest matches first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]backends.SearchResult, error) {
	params := url.Values{}
	params.Set("searchTerm", query)
	params.Set("recursive", "true")
	params.Set("includeItemTypes", "Movie,Series,Episode")
	params.Set("limit", strconv.Itoa(limit))

	var page ItemsPage
	rawURL := c.url(fmt.Sprintf("/Users/%s/Items", c.ctx.UserID), params)
	if err := c.get(ctx, rawURL, &page); err != nil {
		return nil, err
	}

	results := make([]backends.SearchResult, 0, len(page.Items))
	for _, item := range page.Items {
		results = append(results, backends.SearchResult{
			ID:    item.ID,
			Title: item.Name,
			Year:  item.ProductionYear,
			Type:  item.itemType(),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return utils.TitleDistance(results[i].Title, query) < utils.TitleDistance(results[j].Title, query)
	})
	return results, nil
}

// SearchByID looks one remote id up in search-result form.
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

// Push enqueues watched-flag changes: POST marks played, DELETE unmarks.
func (c *Client) Push(ctx context.Context, q *queue.Queue, actions []backends.PushAction, report *backends.PushReport) error {
	for _, action := range actions {
		meta, ok := action.State.Metadata[c.ctx.Name]
		if !ok || meta.ID == "" {
			continue
		}

		method := http.MethodPost
		if !action.Watched {
			method = http.MethodDelete
		}
		rawURL := c.url(fmt.Sprintf("/Users/%s/PlayedItems/%s", c.ctx.UserID, meta.ID), nil)

		stateID := action.State.ID
		ok = q.Submit(&queue.Request{
			Method:  method,
			URL:     rawURL,
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

// Progress enqueues play-position updates. Jellyfin requires server 10.9 or
// newer for the UserData write; older servers get the feature disabled.
func (c *Client) Progress(ctx context.Context, q *queue.Queue, states []*models.State, report *backends.PushReport) error {
	if c.flavor == FlavorJellyfin {
		version, err := c.GetVersion(ctx)
		if err != nil {
			return err
		}
		if !versionAtLeast(version, progressMinVersion) {
			return fmt.Errorf("%w: jellyfin %s cannot accept progress writes", backends.ErrVersion, version)
		}
	}

	for _, state := range states {
		meta, ok := state.Metadata[c.ctx.Name]
		if !ok || meta.ID == "" || state.Progress <= 0 {
			continue
		}

		body, err := json.Marshal(map[string]int64{
			"PlaybackPositionTicks": state.Progress * ticksPerMillisecond,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal progress body: %w", err)
		}

		headers := c.headers()
		headers["Content-Type"] = "application/json"
		stateID := state.ID

		ok = q.Submit(&queue.Request{
			Method:  http.MethodPost,
			URL:     c.url(fmt.Sprintf("/Users/%s/Items/%s/UserData", c.ctx.UserID, meta.ID), nil),
			Headers: headers,
			Body:    body,
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

func versionAtLeast(version string, min [2]int) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(strings.SplitN(parts[1], "-", 2)[0])
	if err != nil {
		return false
	}
	if major != min[0] {
		return major > min[0]
	}
	return minor >= min[1]
}
