// Package registry wires backend configurations to concrete adapters.
package registry

import (
	"fmt"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/backends/emby"
	"github.com/amaumene/watchstate/internal/backends/jellyfin"
	"github.com/amaumene/watchstate/internal/backends/plex"
	"github.com/amaumene/watchstate/internal/config"
)

// Build creates the adapter for one backend definition.
func Build(cfg config.BackendConfig, store *gocache.Cache, logger *logrus.Logger) (backends.Client, error) {
	ctx := backends.Context{
		Name:      cfg.Name,
		BaseURL:   cfg.URL,
		Token:     cfg.Token,
		UserID:    cfg.User,
		BackendID: cfg.UUID,
		Cache:     store,
		Logger:    logger,
		Options: backends.Options{
			SegmentSize:      cfg.Options.SegmentSize,
			IgnoreLibraries:  cfg.Options.IgnoreLibraries,
			Workers:          cfg.Options.Workers,
			Timeout:          cfg.Timeout(),
			ImportEnabled:    cfg.Import.Enabled,
			ExportEnabled:    cfg.Export.Enabled,
			MetadataOnly:     cfg.Import.MetadataOnly,
			WebhookMatchUser: cfg.Webhook.MatchUser,
			WebhookMatchUUID: cfg.Webhook.MatchUUID,
		},
	}

	switch cfg.Type {
	case config.TypePlex:
		client, err := plex.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.TypeJellyfin:
		client, err := jellyfin.NewClient(ctx, jellyfin.FlavorJellyfin)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.TypeEmby:
		return emby.NewClient(ctx)
	}
	return nil, fmt.Errorf("%w: unknown backend type %q", config.ErrConfig, cfg.Type)
}

// BuildAll creates adapters for every configured backend. They are handed
// one shared in-process cache (Context.Cache), which no adapter reads.
func BuildAll(definitions []config.BackendConfig, logger *logrus.Logger) ([]backends.Client, error) {
	store := gocache.New(gocache.NoExpiration, 0)
	clients := make([]backends.Client, 0, len(definitions))
	for _, backend := range definitions {
		client, err := Build(backend, store, logger)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}
