package controllers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
)

// BackupController dumps the states each backend knows about into dated
// JSON files under the backup directory.
type BackupController struct {
	db      *models.Database
	clients []backends.Client
	dir     string
	logger  *logrus.Logger
}

// NewBackupController creates a new backup controller.
func NewBackupController(db *models.Database, clients []backends.Client, dir string, logger *logrus.Logger) *BackupController {
	return &BackupController{
		db:      db,
		clients: clients,
		dir:     dir,
		logger:  logger,
	}
}

// Run writes one backup file per backend, or a single combined file when
// file is non-empty.
func (c *BackupController) Run(ctx context.Context, file string) error {
	if file != "" {
		var all []*models.State
		if err := c.db.EachSince(0, func(state *models.State) error {
			all = append(all, state)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read states: %w", err)
		}
		return c.write(file, all)
	}

	date := time.Now().Format("20060102")
	for _, client := range c.clients {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		name := client.Name()
		var states []*models.State
		if err := c.db.EachSince(0, func(state *models.State) error {
			if _, ok := state.Metadata[name]; ok {
				states = append(states, state)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read states for %s: %w", name, err)
		}

		target := filepath.Join(c.dir, fmt.Sprintf("%s.%s.json", name, date))
		if err := c.write(target, states); err != nil {
			return err
		}

		c.logger.WithFields(logrus.Fields{
			"backend": name,
			"file":    target,
			"states":  len(states),
		}).Info("Backup written")
	}
	return nil
}

func (c *BackupController) write(path string, states []*models.State) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
