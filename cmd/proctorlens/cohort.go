package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proctorlens/internal/report"
	"proctorlens/internal/store"
)

func newCohortCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cohort",
		Short: "Build and inspect stored cohort baselines",
	}
	cmd.AddCommand(
		newCohortBuildCmd(a),
		newCohortListCmd(a),
		newCohortShowCmd(a),
		newCohortDeleteCmd(a),
	)
	return cmd
}

func newCohortBuildCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "build <batch.json>",
		Short: "Compute per-question baselines from a batch and store them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := loadBatch(cmd, args[0])
			if err != nil {
				return err
			}
			res, err := a.processor().Run(cmd.Context(), batch)
			if err != nil {
				return err
			}
			if err := res.Stats.Check(); err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			c := &store.Cohort{
				Name:            name,
				BatchID:         res.BatchID,
				BankFingerprint: res.BankFingerprint,
				Sessions:        res.CohortSessions,
				Stats:           res.Stats,
			}
			if err := st.SaveCohort(c); err != nil {
				return err
			}
			a.audit.LogCohortCreated(cmd.Context(), c.ID, map[string]any{"name": c.Name, "source": args[0]})

			fmt.Fprintf(cmd.OutOrStdout(), "Stored cohort %s (%s): %d sessions, %d questions\n",
				c.Name, c.ID, c.Sessions, c.Questions)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "cohort name (default: batch file name)")
	return cmd
}

func newCohortListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored cohorts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cohorts, err := st.ListCohorts()
			if err != nil {
				return err
			}
			if len(cohorts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cohorts stored.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSESSIONS\tQUESTIONS\tCREATED")
			for _, c := range cohorts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					c.ID, c.Name, c.Sessions, c.Questions, c.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newCohortShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Print the per-question baselines of a cohort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := lookupCohort(st, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cohort:      %s\n", c.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Batch:       %s\n", c.BatchID)
			fmt.Fprintf(cmd.OutOrStdout(), "Bank:        %s\n", c.BankFingerprint)
			fmt.Fprintf(cmd.OutOrStdout(), "Sessions:    %d\n", c.Sessions)
			report.PrintCohort(cmd.OutOrStdout(), c.Name, c.Stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newCohortDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a stored cohort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := lookupCohort(st, args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteCohort(c.ID); err != nil {
				return err
			}
			a.audit.LogCohortDeleted(cmd.Context(), c.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted cohort %s\n", c.ID)
			return nil
		},
	}
}
