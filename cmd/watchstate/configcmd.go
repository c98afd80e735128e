package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amaumene/watchstate/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage backend definitions",
	}
	cmd.AddCommand(newConfigListCommand(), newConfigAddCommand(), newConfigDeleteCommand())
	return cmd
}

func newConfigListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, backend := range cfg.Backends {
				flags := ""
				if backend.Import.Enabled {
					flags += " import"
				}
				if backend.Export.Enabled {
					flags += " export"
				}
				fmt.Printf("%-20s %-9s %s%s\n", backend.Name, backend.Type, backend.URL, flags)
			}
			return nil
		},
	}
}

// serversFileEdit loads servers.yaml, applies fn to the backends map and
// writes the file back.
func serversFileEdit(path string, fn func(map[string]any) error) error {
	servers := viper.New()
	servers.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := servers.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: failed to read %s: %v", config.ErrConfig, path, err)
		}
	}

	parsed := servers.GetStringMap("backends")
	if parsed == nil {
		parsed = make(map[string]any)
	}
	if err := fn(parsed); err != nil {
		return err
	}

	servers.Set("backends", parsed)
	if err := servers.WriteConfigAs(path); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", config.ErrConfig, path, err)
	}
	return nil
}

func newConfigAddCommand() *cobra.Command {
	var backendType, url, token, user string
	var importEnabled, exportEnabled bool

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a backend definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			name := args[0]
			return serversFileEdit(cfg.ServersFile, func(backends map[string]any) error {
				backends[name] = map[string]any{
					"type":  backendType,
					"url":   url,
					"token": token,
					"user":  user,
					"import": map[string]any{
						"enabled": importEnabled,
					},
					"export": map[string]any{
						"enabled": exportEnabled,
					},
				}
				fmt.Printf("backend %s saved\n", name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&backendType, "type", "", "plex, jellyfin or emby")
	cmd.Flags().StringVar(&url, "url", "", "base URL")
	cmd.Flags().StringVar(&token, "token", "", "API token")
	cmd.Flags().StringVar(&user, "user", "", "backend user id")
	cmd.Flags().BoolVar(&importEnabled, "import", true, "enable import")
	cmd.Flags().BoolVar(&exportEnabled, "export", false, "enable export")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newConfigDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a backend definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			name := args[0]
			return serversFileEdit(cfg.ServersFile, func(backends map[string]any) error {
				if _, ok := backends[name]; !ok {
					return fmt.Errorf("%w: backend %q is not configured", config.ErrConfig, name)
				}
				delete(backends, name)
				fmt.Printf("backend %s removed\n", name)
				return nil
			})
		},
	}
}
