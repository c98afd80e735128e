// Package mapper holds the in-memory identity index that deduplicates and
// merges incoming states before they are committed to the store.
package mapper

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/models"
)

// Feeder is what pipelines feed parsed states into.
type Feeder interface {
	Add(state *models.State) error
}

// Stats counts what a mapper has seen.
type Stats struct {
	Added     int
	Merged    int
	Dropped   int
	Committed int
}

// Mapper indexes every identity pointer to a slot in an append-only state
// array. It is owned by a single orchestrator run and is not safe for
// concurrent use; callers serialize Add.
type Mapper struct {
	db     *models.Database
	logger *logrus.Logger

	index map[string]int
	slots []*models.State
	dirty map[int]bool
	stats Stats
}

// New creates a mapper flushing into db.
func New(db *models.Database, logger *logrus.Logger) *Mapper {
	return &Mapper{
		db:     db,
		logger: logger,
		index:  make(map[string]int),
		dirty:  make(map[int]bool),
	}
}

// Add ingests one state: validates it, finds the slot any of its pointers
// collide with (consulting the store on a cold miss), merges per the
// latest-wins rules and marks the slot dirty.
func (m *Mapper) Add(state *models.State) error {
	if err := state.Validate(); err != nil {
		m.stats.Dropped++
		m.logger.WithFields(logrus.Fields{
			"title": state.Title,
			"via":   state.Via,
		}).WithError(err).Debug("Dropping invalid state")
		return nil
	}

	pointers := state.Pointers()
	slot, ok := m.findSlot(pointers)
	if !ok {
		// Cold miss: the entity may already exist in the store from a
		// previous run.
		stored, err := m.db.FindByPointers(pointers)
		if err != nil {
			return fmt.Errorf("pointer lookup failed: %w", err)
		}
		if len(stored) > 0 {
			slot = m.seed(stored[0])
			ok = true
		}
	}

	if !ok {
		slot = len(m.slots)
		m.slots = append(m.slots, state)
		m.stats.Added++
	} else {
		models.Merge(m.slots[slot], state, m.logger)
		m.stats.Merged++
	}

	m.dirty[slot] = true
	m.reindex(slot)
	return nil
}

func (m *Mapper) findSlot(pointers []string) (int, bool) {
	for _, pointer := range pointers {
		if slot, ok := m.index[pointer]; ok {
			return slot, true
		}
	}
	return 0, false
}

func (m *Mapper) seed(state *models.State) int {
	slot := len(m.slots)
	m.slots = append(m.slots, state)
	m.reindex(slot)
	return slot
}

// reindex records every pointer of the slot's current state. Pointers only
// accumulate, so entries are never removed within a run.
func (m *Mapper) reindex(slot int) {
	for _, pointer := range m.slots[slot].Pointers() {
		m.index[pointer] = slot
	}
}

// Commit flushes dirty slots to the store in one transaction and clears the
// dirty set.
func (m *Mapper) Commit() (Stats, error) {
	if len(m.dirty) == 0 {
		return m.stats, nil
	}

	err := m.db.Transaction(func(upsert func(*models.State) (uint64, bool, error)) error {
		for slot := range m.dirty {
			id, _, err := upsert(m.slots[slot])
			if err != nil {
				return err
			}
			m.slots[slot].ID = id
			m.stats.Committed++
		}
		return nil
	})
	if err != nil {
		return m.stats, fmt.Errorf("commit failed: %w", err)
	}

	m.dirty = make(map[int]bool)
	return m.stats, nil
}

// Iter walks the current slots.
func (m *Mapper) Iter(fn func(*models.State) error) error {
	for _, state := range m.slots {
		if err := fn(state); err != nil {
			return err
		}
	}
	return nil
}

// Metrics returns the counters so far.
func (m *Mapper) Metrics() Stats { return m.stats }

// DirectMapper bypasses the in-memory index and upserts straight through
// the store. Webhook ingestion uses it when latency matters more than
// cross-batch dedup.
type DirectMapper struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewDirect creates a DirectMapper over db.
func NewDirect(db *models.Database, logger *logrus.Logger) *DirectMapper {
	return &DirectMapper{db: db, logger: logger}
}

// Add merges the state with its stored counterpart (if any) and upserts.
func (d *DirectMapper) Add(state *models.State) error {
	if err := state.Validate(); err != nil {
		d.logger.WithError(err).Debug("Dropping invalid state")
		return nil
	}

	stored, err := d.db.FindByPointers(state.Pointers())
	if err != nil {
		return fmt.Errorf("pointer lookup failed: %w", err)
	}

	target := state
	if len(stored) > 0 {
		target = models.Merge(stored[0], state, d.logger)
	}

	if _, _, err := d.db.UpsertState(target); err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}
