// Package cli implements the casegraph commands.
package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meikuraledutech/casegraph/config"
)

var configPath string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "casegraph",
	Short:        "Asynchronous diagnosis-graph engine",
	Long:         "Runs the case graph API, the background workers that fill analysis nodes, and their maintenance tasks.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables override it)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
