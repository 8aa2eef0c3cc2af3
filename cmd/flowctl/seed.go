package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/OnboardPipe/internal/app"
	"github.com/BTreeMap/OnboardPipe/internal/store"
)

func newSeedCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "seed <flows-dir>",
		Short: "Store new or changed flow files as flow versions",
		Long: `Seed writes a new version of every flow in the directory whose content differs
from the latest stored version. Unchanged flows are skipped.

Example:
  flowctl seed flows/ --db-dsn postgres://onboard@localhost/onboard
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("a database is required: set --db-dsn or DATABASE_URL")
			}
			if store.DetectDSNType(dsn) == store.BackendMemory {
				return errors.New("seeding an in-memory store has no effect")
			}
			st, err := store.Open(dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := app.SeedFlows(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d flow versions written\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "db-dsn", os.Getenv("DATABASE_URL"), "store DSN (defaults to $DATABASE_URL)")
	return cmd
}
