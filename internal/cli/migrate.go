package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meikuraledutech/casegraph/postgres"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE:  runMigrate,
	}
	cmd.Flags().Bool("drop", false, "Drop every table first (destroys data)")

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	drop, _ := cmd.Flags().GetBool("drop")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("migrate: database.url is not set")
	}

	pool, err := postgres.Connect(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.New(pool)
	if drop {
		if err := store.DropSchema(cmd.Context()); err != nil {
			return err
		}
	}
	if err := store.CreateSchema(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), `{"ok":true}`)
	return nil
}
