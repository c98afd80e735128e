package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/config"
	"github.com/amaumene/watchstate/internal/controllers"
)

// drainSchedule empties the webhook requests bucket every minute; the
// progress bucket is pushed on the progress schedule.
const drainSchedule = "* * * * *"

// Scheduler manages the recurring pipeline runs.
type Scheduler struct {
	cron         *cron.Cron
	cfg          *config.Config
	importCtrl   *controllers.ImportController
	exportCtrl   *controllers.ExportController
	backupCtrl   *controllers.BackupController
	progressCtrl *controllers.ProgressController
	drainCtrl    *controllers.DrainController
	logger       *logrus.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(
	cfg *config.Config,
	importCtrl *controllers.ImportController,
	exportCtrl *controllers.ExportController,
	backupCtrl *controllers.BackupController,
	progressCtrl *controllers.ProgressController,
	drainCtrl *controllers.DrainController,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cron:         cron.New(),
		cfg:          cfg,
		importCtrl:   importCtrl,
		exportCtrl:   exportCtrl,
		backupCtrl:   backupCtrl,
		progressCtrl: progressCtrl,
		drainCtrl:    drainCtrl,
		logger:       logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler")

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"import", s.cfg.CronImport, s.runImport},
		{"export", s.cfg.CronExport, s.runExport},
		{"backup", s.cfg.CronBackup, s.runBackup},
		{"progress", s.cfg.CronProgress, s.runProgress},
		{"drain", drainSchedule, s.runDrain},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			s.logger.WithField("job", job.name).Info("Job disabled, no schedule")
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return fmt.Errorf("failed to add %s job: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cron.Stop()
}

func (s *Scheduler) runImport() {
	s.logger.Info("Running scheduled import")
	report, err := s.importCtrl.Run(context.Background(), controllers.ImportOptions{})
	if err != nil {
		s.logger.WithError(err).Error("Import job failed")
		return
	}
	for _, line := range report.Summary() {
		s.logger.Info(line)
	}
}

func (s *Scheduler) runExport() {
	s.logger.Info("Running scheduled export")
	report, err := s.exportCtrl.Run(context.Background(), controllers.ExportOptions{})
	if err != nil {
		s.logger.WithError(err).Error("Export job failed")
		return
	}
	for _, line := range report.Summary() {
		s.logger.Info(line)
	}
}

func (s *Scheduler) runBackup() {
	s.logger.Info("Running scheduled backup")
	if err := s.backupCtrl.Run(context.Background(), ""); err != nil {
		s.logger.WithError(err).Error("Backup job failed")
	}
}

func (s *Scheduler) runProgress() {
	if err := s.drainCtrl.PushProgress(context.Background()); err != nil {
		s.logger.WithError(err).Error("Progress job failed")
	}
}

func (s *Scheduler) runDrain() {
	if err := s.drainCtrl.DrainRequests(context.Background()); err != nil {
		s.logger.WithError(err).Error("Webhook drain failed")
	}
}
