package plex

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
)

const maxWebhookMemory = 4 << 20

// payloadFromRequest extracts the JSON payload part from the multipart
// webhook form. ParseMultipartForm caches the parsed form on the request,
// so InspectRequest and ParseWebhook can both call this.
func payloadFromRequest(r *http.Request) (*WebhookPayload, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return nil, fmt.Errorf("expected multipart webhook, got %q", contentType)
	}
	if err := r.ParseMultipartForm(maxWebhookMemory); err != nil {
		return nil, fmt.Errorf("failed to parse multipart webhook: %w", err)
	}

	raw := r.FormValue("payload")
	if raw == "" {
		return nil, fmt.Errorf("webhook payload part is missing")
	}

	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &payload, nil
}

// InspectRequest extracts the claimed account and server identity.
func (c *Client) InspectRequest(r *http.Request) (backends.RequestAttributes, error) {
	payload, err := payloadFromRequest(r)
	if err != nil {
		return backends.RequestAttributes{}, err
	}
	return backends.RequestAttributes{
		UserID:    strconv.Itoa(payload.Account.ID),
		BackendID: payload.Server.UUID,
	}, nil
}

// ParseWebhook turns a Plex delivery into a State. Play/pause/resume are
// tainted transitions; scrobble and stop are terminal.
func (c *Client) ParseWebhook(r *http.Request) (*models.State, error) {
	payload, err := payloadFromRequest(r)
	if err != nil {
		return nil, err
	}

	if !KnownEvent(payload.Event) {
		return nil, backends.NewError(backends.LevelNotice,
			"ignoring webhook event %(event)",
			map[string]any{"event": payload.Event, "backend": c.ctx.Name}, nil)
	}

	item := payload.Metadata
	// A scrobble is a watched transition even before the server updates
	// its view count.
	if payload.Event == "media.scrobble" {
		item.ViewCount++
		if item.LastViewedAt == 0 {
			item.LastViewedAt = time.Now().Unix()
		}
	}

	state, err := c.toState(&item, "", nil)
	if err != nil {
		return nil, err
	}

	state.Tainted = taintedEvents[payload.Event]
	state.Updated = time.Now().Unix()
	if item.LastViewedAt > 0 && state.Watched {
		state.Updated = item.LastViewedAt
	}

	if state.Extra == nil {
		state.Extra = make(models.ExtraMap)
	}
	state.Extra[c.ctx.Name] = models.ItemExtra{
		Event:   payload.Event,
		EventAt: time.Now().Unix(),
	}

	// Tainted transitions must not flip watched on their own.
	if state.Tainted {
		state.Watched = false
	}

	return state, nil
}
