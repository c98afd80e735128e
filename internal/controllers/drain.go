package controllers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/cache"
	"github.com/amaumene/watchstate/internal/mapper"
	"github.com/amaumene/watchstate/internal/models"
)

// DrainController folds the webhook buckets into the store: the requests
// bucket goes straight through a DirectMapper, the progress bucket feeds a
// progress run. Progress entries are retried every tick until their TTL
// expires, whatever the push outcome.
type DrainController struct {
	buckets      *cache.Buckets
	direct       *mapper.DirectMapper
	progressCtrl *ProgressController
	logger       *logrus.Logger
}

// NewDrainController creates a new drain controller.
func NewDrainController(buckets *cache.Buckets, db *models.Database, progressCtrl *ProgressController, logger *logrus.Logger) *DrainController {
	return &DrainController{
		buckets:      buckets,
		direct:       mapper.NewDirect(db, logger),
		progressCtrl: progressCtrl,
		logger:       logger,
	}
}

// Run drains both buckets once.
func (c *DrainController) Run(ctx context.Context) error {
	if err := c.DrainRequests(ctx); err != nil {
		return err
	}
	return c.PushProgress(ctx)
}

// DrainRequests empties the requests bucket into the store.
func (c *DrainController) DrainRequests(_ context.Context) error {
	requests := c.buckets.DrainRequests()
	for itemID, state := range requests {
		if err := c.direct.Add(state); err != nil {
			c.logger.WithField("item", itemID).WithError(err).Error("Failed to ingest webhook event")
			// Put it back so the next tick retries; the TTL still bounds it.
			c.buckets.AddRequest(itemID, state)
		}
	}
	if len(requests) > 0 {
		c.logger.WithField("count", len(requests)).Info("Webhook requests drained")
	}
	return nil
}

// PushProgress runs the progress pipeline over the pending bucket entries.
// Entries stay in the bucket whatever the outcome; the TTL bounds retries.
func (c *DrainController) PushProgress(ctx context.Context) error {
	progress := c.buckets.SnapshotProgress()
	if len(progress) == 0 {
		return nil
	}
	states := make([]*models.State, 0, len(progress))
	for _, state := range progress {
		states = append(states, state)
	}
	_, err := c.progressCtrl.Run(ctx, states)
	return err
}
