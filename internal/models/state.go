package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// State is the canonical play-state record synchronized across backends.
// Identity is the set of GUID pointers (real, virtual and relative); any
// overlap between two states means they are the same entity.
type State struct {
	ID      uint64   `gorm:"primaryKey" json:"id"`
	Type    ItemType `gorm:"index" json:"type"`
	Via     string   `json:"via"`
	Title   string   `json:"title"`
	Year    int      `json:"year,omitempty"`
	Season  int      `json:"season,omitempty"`
	Episode int      `json:"episode,omitempty"`
	Watched bool     `gorm:"index" json:"watched"`
	Updated int64    `gorm:"index" json:"updated"`

	Guids    GuidMap     `gorm:"type:json" json:"guids"`
	Parent   GuidMap     `gorm:"type:json;column:parent" json:"parent,omitempty"`
	Metadata MetadataMap `gorm:"type:json" json:"metadata"`
	Extra    ExtraMap    `gorm:"type:json" json:"extra,omitempty"`

	// Progress is the play position in milliseconds, when known.
	Progress int64 `json:"progress,omitempty"`

	// Tainted marks a state derived from an in-progress transition
	// (play/pause/resume). Tainted writes may move progress but never flip
	// watched on their own. Not persisted.
	Tainted bool `gorm:"-" json:"-"`
}

// TableName keeps the table name singular ("state") and stable.
func (State) TableName() string { return "state" }

// MetadataMap maps a backend name to its per-backend snapshot.
type MetadataMap map[string]ItemMetadata

// ExtraMap maps a backend name to auxiliary event info.
type ExtraMap map[string]ItemExtra

func jsonValue(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func jsonScan(dest any, value any) error {
	switch data := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(data, dest)
	case string:
		return json.Unmarshal([]byte(data), dest)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}

func (m GuidMap) Value() (driver.Value, error)      { return jsonValue(m) }
func (m *GuidMap) Scan(value any) error             { return jsonScan(m, value) }
func (m MetadataMap) Value() (driver.Value, error)  { return jsonValue(m) }
func (m *MetadataMap) Scan(value any) error         { return jsonScan(m, value) }
func (m ExtraMap) Value() (driver.Value, error)     { return jsonValue(m) }
func (m *ExtraMap) Scan(value any) error            { return jsonScan(m, value) }

// IsEpisode reports whether the state is an episode record.
func (s *State) IsEpisode() bool { return s.Type == ItemTypeEpisode }

// HasPlayProgress reports whether the record carries a usable play position.
func (s *State) HasPlayProgress() bool { return s.Progress > 0 && !s.Watched }

// Pointers returns every identity pointer of the state: real GUIDs as
// source://id, one virtual backend://name:id per backend snapshot, and for
// episodes the relative pointers derived from the parent GUIDs.
func (s *State) Pointers() []string {
	pointers := s.Guids.Pointers()

	for backend, meta := range s.Metadata {
		if meta.ID == "" {
			continue
		}
		pointers = append(pointers, VirtualGuid(backend, meta.ID))
	}

	pointers = append(pointers, s.RelativePointers()...)
	return pointers
}

// RelativePointers identifies an episode by its parent GUIDs plus position.
// Episodes without their own external ids stay findable through these.
func (s *State) RelativePointers() []string {
	if !s.IsEpisode() || len(s.Parent) == 0 {
		return nil
	}
	pointers := make([]string, 0, len(s.Parent))
	for _, parent := range s.Parent.Pointers() {
		pointers = append(pointers, fmt.Sprintf("relative://%s/%dx%d", parent, s.Season, s.Episode))
	}
	return pointers
}

// Matches reports whether a and b identify the same entity: any overlapping
// pointer, or for episodes a shared parent pointer with the same position.
func Matches(a, b *State) bool {
	seen := make(map[string]struct{})
	for _, p := range a.Pointers() {
		seen[p] = struct{}{}
	}
	for _, p := range b.Pointers() {
		if _, ok := seen[p]; ok {
			return true
		}
	}

	if a.IsEpisode() && b.IsEpisode() && a.Season == b.Season && a.Episode == b.Episode {
		parents := make(map[string]struct{})
		for _, p := range a.Parent.Pointers() {
			parents[p] = struct{}{}
		}
		for _, p := range b.Parent.Pointers() {
			if _, ok := parents[p]; ok {
				return true
			}
		}
	}

	return false
}

// Validate enforces the ingest invariants. A state that fails validation is
// dropped, never stored.
func (s *State) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown item type %q", s.Type)
	}
	if s.Via == "" {
		return fmt.Errorf("missing contributing backend")
	}
	if _, ok := s.Metadata[s.Via]; !ok {
		return fmt.Errorf("via %q has no metadata entry", s.Via)
	}
	if s.IsEpisode() {
		if s.Season < 0 || s.Episode < 1 {
			return fmt.Errorf("episode needs season >= 0 and episode >= 1, got S%dE%d", s.Season, s.Episode)
		}
	}
	if len(s.Pointers()) == 0 {
		return fmt.Errorf("state has no identity pointers")
	}
	return nil
}

// Merge folds incoming into existing per the latest-wins rules and returns
// existing. A strictly newer incoming wins via/updated and a positive
// progress, and also watched unless it is tainted. An older tainted incoming
// carrying progress moves only progress and via. Equal timestamps prefer
// watched=true, then the existing record.
func Merge(existing, incoming *State, logger *logrus.Logger) *State {
	newer := incoming.Updated > existing.Updated
	taintedMove := incoming.Tainted && incoming.Progress > 0

	if newer {
		// A tainted write advances the clock and the position but never
		// the watched flag, however fresh it is: a re-play of a finished
		// item must not silently un-watch it.
		if !incoming.Tainted {
			existing.Watched = incoming.Watched
		}
		existing.Via = incoming.Via
		existing.Updated = incoming.Updated
		if incoming.Progress > 0 {
			existing.Progress = incoming.Progress
		}
	} else if incoming.Updated == existing.Updated && incoming.Watched && !existing.Watched {
		// Watched state is monotonic by policy on a timestamp tie.
		existing.Watched = true
		existing.Via = incoming.Via
	} else if taintedMove {
		// In-progress transitions move the play position but never flip
		// watched on their own.
		existing.Progress = incoming.Progress
		existing.Via = incoming.Via
	}

	existing.Guids = mergeGuids(existing.Guids, incoming.Guids, newer, "guids", logger)
	existing.Parent = mergeGuids(existing.Parent, incoming.Parent, newer, "parent", logger)

	if existing.Metadata == nil {
		existing.Metadata = make(MetadataMap)
	}
	if existing.Extra == nil {
		existing.Extra = make(ExtraMap)
	}
	// Per-backend snapshots are replaced wholesale for the contributing
	// backend, other keys are preserved.
	for backend, meta := range incoming.Metadata {
		existing.Metadata[backend] = meta
	}
	for backend, extra := range incoming.Extra {
		existing.Extra[backend] = extra
	}

	if existing.Title == "" {
		existing.Title = incoming.Title
	}
	if existing.Year == 0 {
		existing.Year = incoming.Year
	}
	if existing.Season == 0 && existing.Episode == 0 && incoming.IsEpisode() {
		existing.Season = incoming.Season
		existing.Episode = incoming.Episode
	}

	return existing
}

func mergeGuids(existing, incoming GuidMap, incomingNewer bool, field string, logger *logrus.Logger) GuidMap {
	if len(incoming) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(GuidMap, len(incoming))
	}
	for source, id := range incoming {
		current, ok := existing[source]
		if ok && current != id {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":    field,
					"source":   source,
					"existing": current,
					"incoming": id,
				}).Warn("GUID conflict between backends")
			}
			if !incomingNewer {
				continue
			}
		}
		existing[source] = id
	}
	return existing
}
