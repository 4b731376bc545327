package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.Status()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Database:  %s\n", st.Path())
			fmt.Fprintf(w, "Schema:    v%d (latest v%d)\n", status.CurrentVersion, status.LatestVersion)
			for _, m := range status.Applied {
				fmt.Fprintf(w, "  applied  v%d  %s  %s\n", m.Version, m.AppliedAt.Local().Format("2006-01-02 15:04"), m.Description)
			}
			for _, m := range status.Pending {
				fmt.Fprintf(w, "  pending  v%d  %s\n", m.Version, m.Description)
			}

			if err := st.Validate(); err != nil {
				return fmt.Errorf("schema check: %w", err)
			}
			fmt.Fprintln(w, "Schema check: ok")
			return nil
		},
	})
	return cmd
}
