package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amaumene/watchstate/internal/api"
	"github.com/amaumene/watchstate/internal/cache"
	"github.com/amaumene/watchstate/internal/controllers"
	"github.com/amaumene/watchstate/internal/scheduler"
	"github.com/amaumene/watchstate/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener and scheduled sync jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("Starting WatchState")

	shutdownTracing := telemetry.Setup()
	defer shutdownTracing(context.Background())

	buckets := cache.New()

	importCtrl := controllers.NewImportController(a.db, a.clients, a.cfg.Workers, a.logger)
	exportCtrl := controllers.NewExportController(a.db, a.clients, a.cfg.Workers, a.logger)
	backupCtrl := controllers.NewBackupController(a.db, a.clients, a.cfg.BackupDir, a.logger)
	progressCtrl := controllers.NewProgressController(a.clients, a.cfg.Workers, a.logger)
	drainCtrl := controllers.NewDrainController(buckets, a.db, progressCtrl, a.logger)
	a.logger.Info("Controllers initialized")

	sched := scheduler.NewScheduler(a.cfg, importCtrl, exportCtrl, backupCtrl, progressCtrl, drainCtrl, a.logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	server := api.NewServer(a.cfg, a.db, a.clients, buckets, a.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.logger.Info("WatchState is running")

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		a.logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := server.Shutdown(); err != nil {
			a.logger.WithError(err).Error("Error during server shutdown")
		}
	}

	a.logger.Info("WatchState stopped")
	return nil
}
