package controllers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/mapper"
	"github.com/amaumene/watchstate/internal/metrics"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
	"github.com/amaumene/watchstate/internal/telemetry"
)

// ImportRunTimeout bounds a whole import run.
const ImportRunTimeout = 24 * time.Hour

// ImportController pulls play state from every import-enabled backend into
// the store.
type ImportController struct {
	db      *models.Database
	clients []backends.Client
	workers int
	logger  *logrus.Logger
}

// NewImportController creates a new import controller.
func NewImportController(db *models.Database, clients []backends.Client, workers int, logger *logrus.Logger) *ImportController {
	return &ImportController{
		db:      db,
		clients: clients,
		workers: workers,
		logger:  logger,
	}
}

// ImportOptions narrows an import run.
type ImportOptions struct {
	After          time.Time
	Libraries      []string
	SelectBackends []string
}

func selected(name string, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

// Run executes the import pipeline and returns the per-backend report.
func (c *ImportController) Run(ctx context.Context, opts ImportOptions) (*RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, ImportRunTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.import")
	defer span.End()

	report := NewRunReport()
	m := mapper.New(c.db, c.logger)
	q := queue.New(ctx, c.workers, c.logger)
	defer q.Stop()

	// The mapper is owned by this run; queue workers serialize through feed.
	var feedMu sync.Mutex
	feed := func(state *models.State) {
		feedMu.Lock()
		defer feedMu.Unlock()
		backend := state.Via
		if err := m.Add(state); err != nil {
			report.AddError(backend, err)
			return
		}
		report.AddItems(backend, 1)
		metrics.ItemsImported.WithLabelValues(backend).Inc()
	}

	var wg sync.WaitGroup
	for _, client := range c.clients {
		if !selected(client.Name(), opts.SelectBackends) {
			continue
		}
		if !client.Context().Options.ImportEnabled {
			c.logger.WithField("backend", client.Name()).Debug("Import disabled, skipping")
			continue
		}

		wg.Add(1)
		go func(client backends.Client) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					report.AddError(client.Name(), fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
				}
			}()
			c.importBackend(ctx, client, q, feed, opts, report)
		}(client)
	}
	wg.Wait()

	// All segments submitted; wait for the fetch fan-out to drain.
	q.Wait()

	stats, err := m.Commit()
	if err != nil {
		return report, fmt.Errorf("failed to commit import: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"added":     stats.Added,
		"merged":    stats.Merged,
		"dropped":   stats.Dropped,
		"committed": stats.Committed,
	}).Info("Import completed")

	return report, nil
}

func (c *ImportController) importBackend(
	ctx context.Context,
	client backends.Client,
	q *queue.Queue,
	feed func(*models.State),
	opts ImportOptions,
	report *RunReport,
) {
	name := client.Name()
	log := c.logger.WithField("backend", name)

	// Step 1: enumerate libraries. A failure here aborts this backend only.
	libraries, err := client.ListLibraries(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list libraries")
		report.AddError(name, err)
		return
	}

	segmentSize := client.Context().SegmentSize()

	for _, lib := range libraries {
		// Step 2: filter ignored and unsupported libraries.
		if lib.Type == "" {
			log.WithField("library", lib.Title).Debug("Unsupported library type, skipping")
			continue
		}
		if client.Context().IgnoresLibrary(lib.ID) {
			log.WithField("library", lib.Title).Debug("Library ignored by config")
			continue
		}
		if len(opts.Libraries) > 0 && !selected(lib.ID, opts.Libraries) {
			continue
		}

		// Step 3: count probe to learn the total.
		total, err := client.CountLibrary(ctx, lib)
		if err != nil {
			log.WithField("library", lib.Title).WithError(err).Error("Failed to count library")
			report.AddError(name, err)
			if backends.IsAuthError(err) {
				return
			}
			continue
		}
		report.Backend(name).Libraries++
		if total == 0 {
			continue
		}

		// Step 4: TV libraries get the parent-GUID cache so episodes
		// without their own external ids stay identifiable.
		handler := &backends.PageHandler{
			After:  opts.After,
			OnItem: feed,
			OnError: func(err error) {
				log.WithField("library", lib.Title).WithError(err).Error("Segment fetch failed")
				report.AddError(name, err)
			},
		}
		if lib.Type == "show" {
			seriesGuids, err := client.SeriesGuids(ctx, lib)
			if err != nil {
				log.WithField("library", lib.Title).WithError(err).Warn("Failed to prefetch series ids")
			} else {
				handler.SeriesGuids = seriesGuids
			}
		}

		// Step 5: one paginated request per segment. Segments complete in
		// request-completion order; the merge rules are commutative for
		// non-tainted writes so ordering does not matter.
		segments := 0
		for start := 0; start < total; start += segmentSize {
			if !q.Submit(client.FetchSegment(lib, start, segmentSize, handler)) {
				report.AddError(name, ctx.Err())
				return
			}
			segments++
		}

		log.WithFields(logrus.Fields{
			"library":  lib.Title,
			"total":    total,
			"segments": segments,
		}).Info("Library fetch scheduled")
	}
}
