package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"proctorlens/internal/grading"
)

func newScoreCmd(a *app) *cobra.Command {
	var (
		out       vectorOutput
		cohortRef string
	)
	cmd := &cobra.Command{
		Use:   "score --cohort <id|name> <batch.json>",
		Short: "Score a batch against a stored cohort baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cohortRef == "" {
				return fmt.Errorf("--cohort is required")
			}
			batch, err := loadBatch(cmd, args[0])
			if err != nil {
				return err
			}
			bank, err := grading.NewBank(batch.Questions)
			if err != nil {
				return err
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			c, err := lookupCohort(st, cohortRef)
			st.Close()
			if err != nil {
				return err
			}
			if err := c.CheckBank(bank.Fingerprint()); err != nil {
				return fmt.Errorf("cohort %s: %w", c.Name, err)
			}

			res, err := a.processor().ScoreBatch(cmd.Context(), batch, bank, c.Stats)
			if err != nil {
				return err
			}
			for _, s := range res.Sessions {
				a.audit.LogSessionScored(cmd.Context(), c.ID, s.SessionID)
			}
			return out.write(cmd, a, res)
		},
	}
	out.register(cmd)
	cmd.Flags().StringVarP(&cohortRef, "cohort", "c", "", "stored cohort id or name")
	return cmd
}
