package jellyfin

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/models"
)

// ticksPerMillisecond converts the 100ns ticks MediaBrowser servers use.
const ticksPerMillisecond = 10_000

// ItemsPage is one page of /Users/{uid}/Items.
type ItemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// Item is a library item as returned by the Items endpoints.
type Item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"` // Movie, Episode, Series
	ProductionYear    int               `json:"ProductionYear"`
	IndexNumber       int               `json:"IndexNumber"`
	IndexNumberEnd    int               `json:"IndexNumberEnd"`
	ParentIndexNumber int               `json:"ParentIndexNumber"`
	SeriesID          string            `json:"SeriesId"`
	SeriesName        string            `json:"SeriesName"`
	Path              string            `json:"Path"`
	DateCreated       string            `json:"DateCreated"`
	ProviderIDs       map[string]string `json:"ProviderIds"`
	RunTimeTicks      int64             `json:"RunTimeTicks"`
	UserData          *UserData         `json:"UserData"`
}

// UserData is the per-user play state attached to an item.
type UserData struct {
	Played                bool   `json:"Played"`
	PlayCount             int    `json:"PlayCount"`
	LastPlayedDate        string `json:"LastPlayedDate"`
	PlaybackPositionTicks int64  `json:"PlaybackPositionTicks"`
}

// View is one entry of /Users/{uid}/Views.
type View struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType"` // movies, tvshows, music, ...
}

// ViewsPage wraps the Views listing.
type ViewsPage struct {
	Items []View `json:"Items"`
}

// SystemInfo is /System/Info.
type SystemInfo struct {
	ID      string `json:"Id"`
	Name    string `json:"ServerName"`
	Version string `json:"Version"`
}

// Account is one entry of /Users.
type Account struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// WebhookPayload is the JSON plugin payload both Jellyfin and Emby post.
type WebhookPayload struct {
	Event string `json:"Event"`
	Item  Item   `json:"Item"`
	User  struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"User"`
	Server struct {
		ID      string `json:"Id"`
		Name    string `json:"Name"`
		Version string `json:"Version"`
	} `json:"Server"`
	Session struct {
		PositionTicks int64 `json:"PositionTicks"`
	} `json:"Session"`
}

// taintedEvents are in-progress transitions: they may move the play position
// but never flip watched by themselves.
var taintedEvents = map[string]bool{
	"PlaybackStart":    true,
	"PlaybackProgress": true,
	"PlaybackStop":     false,
	"UserDataSaved":    false,
	"ItemAdded":        false,
}

// KnownEvent reports whether the webhook event is one we ingest.
func KnownEvent(event string) bool {
	_, ok := taintedEvents[event]
	return ok
}

// guids converts ProviderIds into the canonical lowercase GUID map.
func (i *Item) guids(logger *logrus.Logger) models.GuidMap {
	if len(i.ProviderIDs) == 0 {
		return nil
	}
	raw := make(models.GuidMap, len(i.ProviderIDs))
	for source, id := range i.ProviderIDs {
		raw[strings.ToLower(source)] = id
	}
	return models.FilterGuids(raw, logger)
}

// itemType maps the vendor type names onto the canonical enum.
func (i *Item) itemType() models.ItemType {
	switch i.Type {
	case "Movie":
		return models.ItemTypeMovie
	case "Episode":
		return models.ItemTypeEpisode
	case "Series":
		return models.ItemTypeShow
	}
	return ""
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// authoritativeTime is LastPlayedDate when the item is watched, otherwise
// DateCreated. This is what the import cutoff compares against.
func (i *Item) authoritativeTime() time.Time {
	if i.UserData != nil && i.UserData.Played {
		if ts := parseDate(i.UserData.LastPlayedDate); !ts.IsZero() {
			return ts
		}
	}
	return parseDate(i.DateCreated)
}
