package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/scanstream/backend/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scanstream",
	Short: "Camera page scanning server",
	Long: `scanstream drives a camera from a websocket client, reads the text of
every captured page, cleans it up with a local language model and indexes it
for search. Observers follow a scan run live over a second websocket.

Run without a subcommand to start the server.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	addServeFlags(rootCmd)
}

// loadConfig reads --config. When the flag was not given and the default
// file does not exist, the built-in defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if f := cmd.Flag("config"); f == nil || !f.Changed {
			return config.Default(), nil
		}
	}
	return nil, fmt.Errorf("load config: %w", err)
}
