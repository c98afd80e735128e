package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/models"
)

func newBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Backend library diagnostics",
	}
	cmd.AddCommand(
		newBackendListCommand(),
		newBackendMismatchCommand(),
		newBackendUnmatchedCommand(),
	)
	return cmd
}

func resolveClient(a *app, name string) (backends.Client, error) {
	for _, client := range a.clients {
		if client.Name() == name {
			return client, nil
		}
	}
	return nil, fmt.Errorf("backend %q is not configured", name)
}

func newBackendListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <backend>",
		Short: "List a backend's libraries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := resolveClient(a, args[0])
			if err != nil {
				return err
			}

			libraries, err := client.ListLibraries(context.Background())
			if err != nil {
				return fmt.Errorf("%w: %v", backends.ErrAuth, err)
			}
			for _, lib := range libraries {
				supported := lib.Type
				if supported == "" {
					supported = "unsupported"
				}
				ignored := ""
				if client.Context().IgnoresLibrary(lib.ID) {
					ignored = " (ignored)"
				}
				fmt.Printf("%-8s %-12s %s%s\n", lib.ID, supported, lib.Title, ignored)
			}
			return nil
		},
	}
}

// newBackendMismatchCommand reports states whose type conflicts with the
// type of the library they were imported from.
func newBackendMismatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mismatch <backend>",
		Short: "List items filed in a library of the wrong type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := resolveClient(a, args[0])
			if err != nil {
				return err
			}

			libraries, err := client.ListLibraries(context.Background())
			if err != nil {
				return err
			}
			libType := make(map[string]string, len(libraries))
			for _, lib := range libraries {
				libType[lib.ID] = lib.Type
			}

			name := client.Name()
			count := 0
			err = a.db.EachSince(0, func(state *models.State) error {
				meta, ok := state.Metadata[name]
				if !ok || meta.LibraryID == "" {
					return nil
				}
				expected := libType[meta.LibraryID]
				if expected == "" {
					return nil
				}
				actual := "movie"
				if state.Type != models.ItemTypeMovie {
					actual = "show"
				}
				if actual != expected {
					printState(state)
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%d mismatched states\n", count)
			return nil
		},
	}
}

// newBackendUnmatchedCommand reports states a backend only knows by their
// virtual GUID, meaning the server could not match them to any agent.
func newBackendUnmatchedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unmatched <backend>",
		Short: "List items without any external ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := resolveClient(a, args[0])
			if err != nil {
				return err
			}

			name := client.Name()
			count := 0
			err = a.db.EachSince(0, func(state *models.State) error {
				if _, ok := state.Metadata[name]; !ok {
					return nil
				}
				if len(state.Guids) == 0 && len(state.Parent) == 0 {
					printState(state)
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("%d unmatched states\n", count)
			return nil
		},
	}
}
