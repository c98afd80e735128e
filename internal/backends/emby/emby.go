// Package emby adapts Emby servers. Emby speaks the same MediaBrowser API
// Jellyfin does; the jellyfin package carries the shared machinery and this
// one only selects the flavor (X-Emby-Token auth, no progress version gate).
package emby

import (
	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/backends/jellyfin"
)

// NewClient creates an Emby adapter bound to ctx.
func NewClient(ctx backends.Context) (backends.Client, error) {
	client, err := jellyfin.NewClient(ctx, jellyfin.FlavorEmby)
	if err != nil {
		return nil, err
	}
	return client, nil
}
