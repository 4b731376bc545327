package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"proctorlens/internal/grading"
	"proctorlens/internal/pipeline"
	"proctorlens/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		sessionID string
		cohortRef string
	)
	cmd := &cobra.Command{
		Use:   "report <batch.json>",
		Short: "Print a reviewer report for each session of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := loadBatch(cmd, args[0])
			if err != nil {
				return err
			}

			var (
				res  *pipeline.Result
				name = batch.BatchID
			)
			if cohortRef != "" {
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
				name = c.Name
				if res, err = a.processor().ScoreBatch(cmd.Context(), batch, bank, c.Stats); err != nil {
					return err
				}
			} else if res, err = a.processor().Run(cmd.Context(), batch); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if sessionID == "" {
				report.PrintCohort(w, name, res.Stats)
			}
			found := false
			for i := range res.Sessions {
				s := &res.Sessions[i]
				if sessionID != "" && s.SessionID != sessionID {
					continue
				}
				found = true
				report.PrintSession(w, s)
				fmt.Fprintln(w)
			}
			if sessionID != "" && !found {
				return fmt.Errorf("session %s not in batch", sessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only report this session")
	cmd.Flags().StringVarP(&cohortRef, "cohort", "c", "", "score against a stored cohort instead of the batch's own")
	return cmd
}
