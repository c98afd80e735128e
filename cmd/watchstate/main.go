package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/backends/registry"
	"github.com/amaumene/watchstate/internal/config"
	"github.com/amaumene/watchstate/internal/models"
	"github.com/amaumene/watchstate/internal/utils"
)

// Exit codes: 0 success, 1 generic failure, 2 config error, 3 backend error.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitBackend = 3
)

// errPartial marks runs that completed with per-backend failures.
var errPartial = errors.New("completed with errors")

// errBackend marks failures talking to an external backend.
var errBackend = errors.New("backend error")

// app bundles what every command needs.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	db      *models.Database
	clients []backends.Client
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := utils.NewFileLogger(cfg.LogLevel, cfg.ConfigDir)
	if err != nil {
		return nil, err
	}

	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return nil, err
	}

	clients, err := registry.BuildAll(cfg.Backends, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, db: db, clients: clients}, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func main() {
	root := &cobra.Command{
		Use:           "watchstate",
		Short:         "Synchronize play state across Plex, Jellyfin and Emby",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newStateCommand(),
		newDBCommand(),
		newBackendCommand(),
		newSystemCommand(),
		newConfigCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, config.ErrConfig):
		return exitConfig
	case errors.Is(err, backends.ErrAuth), errors.Is(err, errBackend):
		return exitBackend
	case errors.Is(err, errPartial):
		return exitFailure
	default:
		return exitFailure
	}
}
