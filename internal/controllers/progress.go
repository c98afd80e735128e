package controllers

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/queue"
	"github.com/amaumene/watchstate/internal/telemetry"
)

// ProgressController pushes play positions to backends that support them.
type ProgressController struct {
	clients []backends.Client
	workers int
	logger  *logrus.Logger
}

// NewProgressController creates a new progress controller.
func NewProgressController(clients []backends.Client, workers int, logger *logrus.Logger) *ProgressController {
	return &ProgressController{
		clients: clients,
		workers: workers,
		logger:  logger,
	}
}

// Run pushes the play positions of the given states to every export-enabled
// backend. Version errors disable the feature for that backend only.
func (c *ProgressController) Run(ctx context.Context, states []*models.State) (*RunReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.progress")
	defer span.End()

	report := NewRunReport()
	if len(states) == 0 {
		return report, nil
	}

	pending := make([]*models.State, 0, len(states))
	for _, state := range states {
		if state.HasPlayProgress() {
			pending = append(pending, state)
		}
	}
	if len(pending) == 0 {
		return report, nil
	}

	q := queue.New(ctx, c.workers, c.logger)
	defer q.Stop()

	pushReports := make(map[string]*backends.PushReport)
	for _, client := range c.clients {
		if !client.Context().Options.ExportEnabled {
			continue
		}
		pushReport := &backends.PushReport{}
		pushReports[client.Name()] = pushReport

		if err := client.Progress(ctx, q, pending, pushReport); err != nil {
			if errors.Is(err, backends.ErrVersion) {
				c.logger.WithField("backend", client.Name()).WithError(err).Error("Progress disabled for backend")
			} else {
				report.AddError(client.Name(), err)
			}
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
	}

	return report, nil
}
