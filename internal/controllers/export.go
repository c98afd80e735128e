package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
	"github.com/amaumene/watchstate/internal/telemetry"
)

// ExportRunTimeout bounds a whole export run.
const ExportRunTimeout = 12 * time.Hour

// PushDecision is the outcome of the latest-wins comparison for one state
// against one backend.
type PushDecision int

const (
	// DecisionSkip means nothing should be sent.
	DecisionSkip PushDecision = iota
	// DecisionWatch marks the item watched remotely.
	DecisionWatch
	// DecisionUnwatch clears the watched flag remotely.
	DecisionUnwatch
)

// Decide applies the canonical latest-wins table: the local state only wins
// when it is strictly newer than the backend snapshot, and tainted states
// never push.
func Decide(state *models.State, backend string) PushDecision {
	if state.Tainted {
		return DecisionSkip
	}
	meta, ok := state.Metadata[backend]
	if !ok {
		return DecisionSkip
	}
	if state.Watched == meta.Watched {
		return DecisionSkip
	}

	remoteUpdated := meta.PlayedAt
	if remoteUpdated == 0 {
		remoteUpdated = meta.AddedAt
	}
	if state.Updated <= remoteUpdated {
		// Canonical state is older; the remote difference will be picked
		// up by the next import instead.
		return DecisionSkip
	}

	if state.Watched {
		return DecisionWatch
	}
	return DecisionUnwatch
}

// ExportController pushes canonical state out to export-enabled backends.
type ExportController struct {
	db      *models.Database
	clients []backends.Client
	workers int
	logger  *logrus.Logger
}

// NewExportController creates a new export controller.
func NewExportController(db *models.Database, clients []backends.Client, workers int, logger *logrus.Logger) *ExportController {
	return &ExportController{
		db:      db,
		clients: clients,
		workers: workers,
		logger:  logger,
	}
}

// ExportOptions narrows an export run.
type ExportOptions struct {
	Since          int64
	Force          bool
	SelectBackends []string
}

// Run executes the export pipeline: decide per backend per state, enqueue
// the HTTP actions, wait for drain and report counts.
func (c *ExportController) Run(ctx context.Context, opts ExportOptions) (*RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, ExportRunTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.export")
	defer span.End()

	report := NewRunReport()

	since := opts.Since
	if opts.Force {
		since = 0
	}

	// Step 1: group push actions per backend.
	actions := make(map[string][]backends.PushAction)
	targets := make(map[string]backends.Client)
	for _, client := range c.clients {
		if !selected(client.Name(), opts.SelectBackends) {
			continue
		}
		if !client.Context().Options.ExportEnabled {
			c.logger.WithField("backend", client.Name()).Debug("Export disabled, skipping")
			continue
		}
		targets[client.Name()] = client
	}
	if len(targets) == 0 {
		return report, nil
	}

	err := c.db.EachSince(since, func(state *models.State) error {
		for name, client := range targets {
			if _, ok := state.Metadata[name]; !ok {
				// Unknown on this backend: resolve the remote identity
				// through its external ids before deciding.
				remoteID, err := client.SearchByGuid(ctx, state.Guids)
				if err != nil {
					report.AddError(name, err)
					continue
				}
				if remoteID == "" {
					continue
				}
				if state.Metadata == nil {
					state.Metadata = make(models.MetadataMap)
				}
				state.Metadata[name] = models.ItemMetadata{ID: remoteID}
			}

			switch Decide(state, name) {
			case DecisionWatch:
				actions[name] = append(actions[name], backends.PushAction{State: state, Watched: true})
			case DecisionUnwatch:
				actions[name] = append(actions[name], backends.PushAction{State: state, Watched: false})
			}
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to iterate states: %w", err)
	}

	// Step 2: enqueue the actions and wait for the queue to drain.
	q := queue.New(ctx, c.workers, c.logger)
	defer q.Stop()

	pushReports := make(map[string]*backends.PushReport)
	for name, client := range targets {
		pending := actions[name]
		if len(pending) == 0 {
			continue
		}
		pushReport := &backends.PushReport{}
		pushReports[name] = pushReport
		if err := client.Push(ctx, q, pending, pushReport); err != nil {
			report.AddError(name, err)
		}
	}
	q.Wait()

	for name, pushReport := range pushReports {
		queued, succeeded, failed := pushReport.Counts()
		backend := report.Backend(name)
		backend.Queued = queued
		backend.Succeeded = succeeded
		backend.Failed = failed
		if failed > 0 {
			backend.HasErrors = true
		}

		c.logger.WithFields(logrus.Fields{
			"backend":   name,
			"queued":    queued,
			"succeeded": succeeded,
			"failed":    failed,
		}).Info("Export completed for backend")
	}

	return report, nil
}
