package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amaumene/watchstate/internal/models"
)

func newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the local state store",
	}
	cmd.AddCommand(newDBListCommand(), newDBParityCommand(), newDBPruneCommand())
	return cmd
}

func printState(state *models.State) {
	watched := " "
	if state.Watched {
		watched = "w"
	}
	title := state.Title
	if state.IsEpisode() {
		title = fmt.Sprintf("%s (S%02dE%02d)", title, state.Season, state.Episode)
	}
	fmt.Printf("%6d [%s] %-7s %-40s via=%s updated=%d backends=%d\n",
		state.ID, watched, state.Type, title, state.Via, state.Updated, len(state.Metadata))
}

func newDBListCommand() *cobra.Command {
	var limit, offset int
	var itemType, backend string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored states",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			filter := models.PageFilter{Backend: backend}
			if itemType != "" {
				filter.Type = models.ItemType(itemType)
			}

			states, total, err := a.db.Page(filter, "", limit, offset)
			if err != nil {
				return err
			}
			for _, state := range states {
				printState(state)
			}
			fmt.Printf("%d of %d states\n", len(states), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().StringVar(&itemType, "type", "", "filter by type (movie, episode, show)")
	cmd.Flags().StringVar(&backend, "backend", "", "only states known to this backend")
	return cmd
}

func newDBParityCommand() *cobra.Command {
	var minBackends int

	cmd := &cobra.Command{
		Use:   "parity",
		Short: "List states acknowledged by fewer than N backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.db.Parity(minBackends)
			if err != nil {
				return err
			}
			for _, state := range states {
				printState(state)
			}
			fmt.Printf("%d states below parity %d\n", len(states), minBackends)
			return nil
		},
	}
	cmd.Flags().IntVar(&minBackends, "min", 2, "minimum backend count")
	return cmd
}

func newDBPruneCommand() *cobra.Command {
	var minBackends int
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete states below the parity threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to prune without --yes")
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.db.Parity(minBackends)
			if err != nil {
				return err
			}
			for _, state := range states {
				if err := a.db.DeleteState(state.ID); err != nil {
					return err
				}
			}
			fmt.Printf("pruned %d states\n", len(states))
			return nil
		},
	}
	cmd.Flags().IntVar(&minBackends, "min", 1, "prune states known to fewer than this many backends")
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm deletion")
	return cmd
}
