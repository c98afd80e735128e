package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amaumene/watchstate/internal/cache"
	"github.com/amaumene/watchstate/internal/controllers"
	"github.com/amaumene/watchstate/internal/models"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Import, export, backup and progress operations",
	}
	cmd.AddCommand(
		newStateImportCommand(),
		newStateExportCommand(),
		newStateBackupCommand(),
		newStateProgressCommand(),
	)
	return cmd
}

func newStateImportCommand() *cobra.Command {
	var selectBackends []string
	var libraries []string
	var after string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Pull play state from backends into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			opts := controllers.ImportOptions{
				SelectBackends: selectBackends,
				Libraries:      libraries,
			}
			if after != "" {
				cutoff, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return fmt.Errorf("invalid --after value: %w", err)
				}
				opts.After = cutoff
			}

			ctrl := controllers.NewImportController(a.db, a.clients, a.cfg.Workers, a.logger)
			report, err := ctrl.Run(context.Background(), opts)
			if err != nil {
				return err
			}
			for _, line := range report.Summary() {
				fmt.Println(line)
			}
			if report.HasErrors() {
				return errPartial
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&selectBackends, "select-backend", nil, "only these backends")
	cmd.Flags().StringSliceVar(&libraries, "library", nil, "only these library ids")
	cmd.Flags().StringVar(&after, "after", "", "only items newer than this RFC3339 timestamp")
	return cmd
}

func newStateExportCommand() *cobra.Command {
	var selectBackends []string
	var force bool
	var since string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Push local play state out to backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			opts := controllers.ExportOptions{
				SelectBackends: selectBackends,
				Force:          force,
			}
			if since != "" {
				cutoff, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since value: %w", err)
				}
				opts.Since = cutoff.Unix()
			}

			ctrl := controllers.NewExportController(a.db, a.clients, a.cfg.Workers, a.logger)
			report, err := ctrl.Run(context.Background(), opts)
			if err != nil {
				return err
			}
			for _, line := range report.Summary() {
				fmt.Println(line)
			}
			if report.HasErrors() {
				return errPartial
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&selectBackends, "select-backend", nil, "only these backends")
	cmd.Flags().BoolVar(&force, "force-full", false, "re-export everything")
	cmd.Flags().StringVar(&since, "since", "", "only states updated after this RFC3339 timestamp")
	return cmd
}

func newStateBackupCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Dump states to JSON backup files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := controllers.NewBackupController(a.db, a.clients, a.cfg.BackupDir, a.logger)
			return ctrl.Run(context.Background(), file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "write one combined backup to this path")
	return cmd
}

func newStateProgressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Push pending play positions to backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// The daemon drains the webhook progress bucket; the one-shot
			// command pushes in-flight positions recorded in the store.
			var states []*models.State
			cutoff := time.Now().Add(-cache.ProgressTTL).Unix()
			if err := a.db.EachSince(cutoff, func(state *models.State) error {
				if state.HasPlayProgress() {
					states = append(states, state)
				}
				return nil
			}); err != nil {
				return err
			}

			ctrl := controllers.NewProgressController(a.clients, a.cfg.Workers, a.logger)
			report, err := ctrl.Run(context.Background(), states)
			if err != nil {
				return err
			}
			for _, line := range report.Summary() {
				fmt.Println(line)
			}
			if report.HasErrors() {
				return errPartial
			}
			return nil
		},
	}
}
