package models

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/sirupsen/logrus"
)

// GuidMap maps an external source tag to its id (e.g. "imdb" -> "tt1160419").
type GuidMap map[string]string

// Supported external sources and the shape their ids must have. Anything not
// listed here is discarded at ingest.
var guidPatterns = map[string]*regexp.Regexp{
	"imdb":   regexp.MustCompile(`^tt\d+$`),
	"tvdb":   regexp.MustCompile(`^\d+$`),
	"tmdb":   regexp.MustCompile(`^\d+$`),
	"tvmaze": regexp.MustCompile(`^\d+$`),
	"tvrage": regexp.MustCompile(`^\d+$`),
	"anidb":  regexp.MustCompile(`^\d+$`),
}

var backendNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidateBackendName reports whether name is usable in a virtual GUID.
func ValidateBackendName(name string) bool {
	return backendNamePattern.MatchString(name)
}

// FilterGuids drops unknown sources and ids that do not match the source's
// pattern. Rejected entries are logged, never stored.
func FilterGuids(guids GuidMap, logger *logrus.Logger) GuidMap {
	if len(guids) == 0 {
		return nil
	}

	filtered := make(GuidMap, len(guids))
	for source, id := range guids {
		pattern, ok := guidPatterns[source]
		if !ok {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"source": source,
					"id":     id,
				}).Warn("Unknown GUID source, discarding")
			}
			continue
		}
		if !pattern.MatchString(id) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"source": source,
					"id":     id,
				}).Warn("GUID id does not match source pattern, discarding")
			}
			continue
		}
		filtered[source] = id
	}

	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

// VirtualGuid builds the backend://<name>:<remote_id> identifier that locates
// an item on return visits when it has no third-party ids.
func VirtualGuid(backend, remoteID string) string {
	return fmt.Sprintf("backend://%s:%s", backend, remoteID)
}

// Pointers renders the map as sorted "source://id" strings.
func (g GuidMap) Pointers() []string {
	if len(g) == 0 {
		return nil
	}
	pointers := make([]string, 0, len(g))
	for source, id := range g {
		pointers = append(pointers, fmt.Sprintf("%s://%s", source, id))
	}
	sort.Strings(pointers)
	return pointers
}

// Clone returns a copy of the map.
func (g GuidMap) Clone() GuidMap {
	if g == nil {
		return nil
	}
	out := make(GuidMap, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}
