package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newSystemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "System utilities",
	}
	cmd.AddCommand(newSystemAPIKeyCommand(), newSystemHealthcheckCommand())
	return cmd
}

func newSystemAPIKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apikey",
		Short: "Generate an API key for the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := uuid.NewString()
			fmt.Println(key)
			fmt.Println("Set WS_API_KEY to this value to require it on API requests.")
			return nil
		},
	}
}

func newSystemHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Verify the store opens and every backend answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			total, err := a.db.Count()
			if err != nil {
				return fmt.Errorf("store unhealthy: %w", err)
			}
			fmt.Printf("store: ok (%d states)\n", total)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var failed bool
			for _, client := range a.clients {
				id, err := client.GetIdentifier(ctx, true)
				if err != nil {
					fmt.Printf("%s: FAILED (%v)\n", client.Name(), err)
					failed = true
					continue
				}
				version, _ := client.GetVersion(ctx)
				fmt.Printf("%s: ok uuid=%s version=%s\n", client.Name(), id, version)
			}
			if failed {
				return fmt.Errorf("%w: one or more backends unreachable", errBackend)
			}
			return nil
		},
	}
}
