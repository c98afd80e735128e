package jellyfin

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
)

const maxWebhookBody = 4 << 20

// readBody consumes the request body and puts a rewound copy back so that
// InspectRequest and ParseWebhook can both run on the same request.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// InspectRequest extracts the claimed user and server identity from the
// webhook payload without fully ingesting it.
func (c *Client) InspectRequest(r *http.Request) (backends.RequestAttributes, error) {
	data, err := readBody(r)
	if err != nil {
		return backends.RequestAttributes{}, err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return backends.RequestAttributes{}, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	return backends.RequestAttributes{
		UserID:    payload.User.ID,
		BackendID: payload.Server.ID,
	}, nil
}

// ParseWebhook turns a plugin delivery into a State. Tainted events
// (PlaybackStart/PlaybackProgress) may carry a play position but never flip
// watched by themselves.
func (c *Client) ParseWebhook(r *http.Request) (*models.State, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}

	var payload WebhookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	if !KnownEvent(payload.Event) {
		return nil, backends.NewError(backends.LevelNotice,
			"ignoring webhook event %(event)",
			map[string]any{"event": payload.Event, "backend": c.ctx.Name}, nil)
	}

	state, err := c.toState(&payload.Item, "", nil)
	if err != nil {
		return nil, err
	}

	state.Tainted = taintedEvents[payload.Event]
	if payload.Session.PositionTicks > 0 {
		state.Progress = payload.Session.PositionTicks / ticksPerMillisecond
	}
	if state.Updated == 0 || !state.Watched {
		state.Updated = time.Now().Unix()
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
