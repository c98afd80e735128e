package plex

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/models"
)

// plexIdentifier is the client identifier Plex expects on scrobble calls.
const plexIdentifier = "com.plexapp.plugins.library"

// sectionsResponse is /library/sections.
type sectionsResponse struct {
	MediaContainer struct {
		Directory []Directory `json:"Directory"`
	} `json:"MediaContainer"`
}

// Directory is one library section. Location is the multi-URL path list a
// section can span.
type Directory struct {
	Key      string `json:"key"`
	Type     string `json:"type"` // movie, show, artist, photo
	Title    string `json:"title"`
	UUID     string `json:"uuid"`
	Agent    string `json:"agent"`
	Location []struct {
		ID   int    `json:"id"`
		Path string `json:"path"`
	} `json:"Location"`
}

// container is the generic MediaContainer wrapper around item listings.
type container struct {
	MediaContainer struct {
		Size      int        `json:"size"`
		TotalSize int        `json:"totalSize"`
		Metadata  []Metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

// identityResponse is /identity.
type identityResponse struct {
	MediaContainer struct {
		MachineIdentifier string `json:"machineIdentifier"`
		Version           string `json:"version"`
	} `json:"MediaContainer"`
}

// accountsResponse is /accounts.
type accountsResponse struct {
	MediaContainer struct {
		Account []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"Account"`
	} `json:"MediaContainer"`
}

// GuidEntry is one external id of a Plex item, formatted source://id.
type GuidEntry struct {
	ID string `json:"id"`
}

// Metadata is a Plex library item or webhook metadata block.
type Metadata struct {
	RatingKey            string      `json:"ratingKey"`
	Key                  string      `json:"key"`
	Type                 string      `json:"type"` // movie, episode, show
	Title                string      `json:"title"`
	GrandparentTitle     string      `json:"grandparentTitle"`
	GrandparentRatingKey string      `json:"grandparentRatingKey"`
	ParentIndex          int         `json:"parentIndex"`
	Index                int         `json:"index"`
	Year                 int         `json:"year"`
	AddedAt              int64       `json:"addedAt"`
	UpdatedAt            int64       `json:"updatedAt"`
	LastViewedAt         int64       `json:"lastViewedAt"`
	ViewCount            int         `json:"viewCount"`
	ViewOffset           int64       `json:"viewOffset"` // milliseconds
	LegacyGuid           string      `json:"guid"`
	Guid                 []GuidEntry `json:"Guid"`
	Media                []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
}

// WebhookPayload is the JSON part of a Plex multipart webhook.
type WebhookPayload struct {
	Event   string `json:"event"`
	User    bool   `json:"user"`
	Owner   bool   `json:"owner"`
	Account struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	} `json:"Account"`
	Server struct {
		Title string `json:"title"`
		UUID  string `json:"uuid"`
	} `json:"Server"`
	Metadata Metadata `json:"Metadata"`
}

// taintedEvents marks in-progress transitions; scrobble and stop are the
// terminal ones.
var taintedEvents = map[string]bool{
	"media.play":     true,
	"media.pause":    true,
	"media.resume":   true,
	"media.stop":     false,
	"media.scrobble": false,
}

// KnownEvent reports whether the webhook event is one we ingest.
func KnownEvent(event string) bool {
	_, ok := taintedEvents[event]
	return ok
}

// guids extracts the canonical GUID map from the Guid entries, falling back
// to the legacy agent guid string when the list is absent.
func (m *Metadata) guids(logger *logrus.Logger) models.GuidMap {
	raw := make(models.GuidMap, len(m.Guid)+1)
	for _, entry := range m.Guid {
		if source, id, ok := splitGuid(entry.ID); ok {
			raw[source] = id
		}
	}
	if len(raw) == 0 && m.LegacyGuid != "" {
		if source, id, ok := splitLegacyGuid(m.LegacyGuid); ok {
			raw[source] = id
		}
	}
	return models.FilterGuids(raw, logger)
}

// splitGuid parses "imdb://tt1160419" into (imdb, tt1160419).
func splitGuid(value string) (string, string, bool) {
	parts := strings.SplitN(value, "://", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// splitLegacyGuid parses "com.plexapp.agents.imdb://tt0133093?lang=en".
func splitLegacyGuid(value string) (string, string, bool) {
	source, id, ok := splitGuid(value)
	if !ok || !strings.HasPrefix(source, "com.plexapp.agents.") {
		return "", "", false
	}
	source = strings.TrimPrefix(source, "com.plexapp.agents.")
	if idx := strings.IndexByte(id, '?'); idx >= 0 {
		id = id[:idx]
	}
	if source == "thetvdb" {
		source = "tvdb"
	}
	// Legacy episode guids carry /season/episode suffixes.
	if idx := strings.IndexByte(id, '/'); idx >= 0 {
		id = id[:idx]
	}
	return source, id, true
}

// itemType maps Plex type names onto the canonical enum.
func (m *Metadata) itemType() models.ItemType {
	switch m.Type {
	case "movie":
		return models.ItemTypeMovie
	case "episode":
		return models.ItemTypeEpisode
	case "show":
		return models.ItemTypeShow
	}
	return ""
}

func (m *Metadata) file() string {
	for _, media := range m.Media {
		for _, part := range media.Part {
			if part.File != "" {
				return part.File
			}
		}
	}
	return ""
}
