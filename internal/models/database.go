package models

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a state cannot be located.
var ErrNotFound = errors.New("state not found")

// StatePointer is the identity index: one row per pointer string, resolving
// to the owning state. Kept in sync on every upsert so FindByPointers is a
// single indexed query instead of a JSON scan.
type StatePointer struct {
	Pointer string `gorm:"primaryKey"`
	StateID uint64 `gorm:"index"`
}

func (StatePointer) TableName() string { return "state_pointers" }

// Database wraps the gorm store. Writes are serialized through a single
// writer lane; reads run concurrently.
type Database struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewDatabase opens (or creates) the sqlite store and migrates the schema.
func NewDatabase(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&State{}, &StatePointer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetState retrieves a state by its local id.
func (d *Database) GetState(id uint64) (*State, error) {
	var state State
	if err := d.db.First(&state, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

// FindByPointers resolves identity pointers to stored states. Multiple
// pointers landing on the same row yield that row once.
func (d *Database) FindByPointers(pointers []string) ([]*State, error) {
	if len(pointers) == 0 {
		return nil, nil
	}

	var rows []StatePointer
	if err := d.db.Where("pointer IN ?", pointers).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uint64, 0, len(rows))
	seen := make(map[uint64]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.StateID]; ok {
			continue
		}
		seen[row.StateID] = struct{}{}
		ids = append(ids, row.StateID)
	}

	var states []*State
	if err := d.db.Where("id IN ?", ids).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// UpsertState inserts or updates a state and refreshes its pointer rows.
// Returns the local id and whether a new row was created.
func (d *Database) UpsertState(state *State) (uint64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(d.db, state)
}

func (d *Database) upsertLocked(tx *gorm.DB, state *State) (uint64, bool, error) {
	created := state.ID == 0

	if created {
		if err := tx.Create(state).Error; err != nil {
			return 0, false, fmt.Errorf("failed to insert state: %w", err)
		}
	} else {
		if err := tx.Save(state).Error; err != nil {
			return 0, false, fmt.Errorf("failed to update state: %w", err)
		}
	}

	// Refresh the pointer index. Pointers only ever accumulate (normal sync
	// never removes identity), so stale rows are deleted first to stay safe
	// on administrative rewrites.
	if err := tx.Where("state_id = ?", state.ID).Delete(&StatePointer{}).Error; err != nil {
		return 0, false, fmt.Errorf("failed to clear pointers: %w", err)
	}
	for _, pointer := range state.Pointers() {
		row := StatePointer{Pointer: pointer, StateID: state.ID}
		if err := tx.Where("pointer = ?", pointer).FirstOrCreate(&row).Error; err != nil {
			return 0, false, fmt.Errorf("failed to index pointer %s: %w", pointer, err)
		}
	}

	return state.ID, created, nil
}

// DeleteState removes a state and its pointer rows.
func (d *Database) DeleteState(id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state_id = ?", id).Delete(&StatePointer{}).Error; err != nil {
			return err
		}
		return tx.Delete(&State{}, id).Error
	})
}

// PageFilter narrows a Page query.
type PageFilter struct {
	Type    ItemType
	Backend string // only states with a metadata snapshot for this backend
	Watched *bool
	Since   int64 // updated strictly greater than
}

// Page returns a window of states plus the total row count for the filter.
func (d *Database) Page(filter PageFilter, sort string, limit, offset int) ([]*State, int64, error) {
	query := d.db.Model(&State{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Watched != nil {
		query = query.Where("watched = ?", *filter.Watched)
	}
	if filter.Since > 0 {
		query = query.Where("updated > ?", filter.Since)
	}
	if filter.Backend != "" {
		// json column probe: snapshot key present for the backend
		query = query.Where("json_extract(metadata, '$.' || ?) IS NOT NULL", filter.Backend)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if sort == "" {
		sort = "updated DESC"
	}
	var states []*State
	err := query.Order(sort).Limit(limit).Offset(offset).Find(&states).Error
	return states, total, err
}

// EachSince streams states with updated > since in batches.
func (d *Database) EachSince(since int64, fn func(*State) error) error {
	var batch []*State
	result := d.db.Where("updated > ?", since).Order("id").FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
		for _, state := range batch {
			if err := fn(state); err != nil {
				return err
			}
		}
		return nil
	})
	return result.Error
}

// Parity lists states whose metadata has fewer than minMetadata backend
// entries, the diagnostic view behind db:parity.
func (d *Database) Parity(minMetadata int) ([]*State, error) {
	var out []*State
	var batch []*State
	result := d.db.Order("id").FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
		for _, state := range batch {
			if len(state.Metadata) < minMetadata {
				out = append(out, state)
			}
		}
		return nil
	})
	return out, result.Error
}

// Transaction runs fn with upserts batched into one store transaction,
// still under the single-writer lane.
func (d *Database) Transaction(fn func(upsert func(*State) (uint64, bool, error)) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(func(state *State) (uint64, bool, error) {
			return d.upsertLocked(tx, state)
		})
	})
}

// Count returns the number of stored states.
func (d *Database) Count() (int64, error) {
	var total int64
	err := d.db.Model(&State{}).Count(&total).Error
	return total, err
}
