package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proctorlens/internal/flagging"
	"proctorlens/internal/report"
	"proctorlens/internal/schemavalidation"
)

func newFlagCmd(a *app) *cobra.Command {
	var (
		batchPath string
		batchID   string
		threshold float64
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "flag <predictions.json>",
		Short: "Flag centers whose share of anomalous sessions reaches the threshold",
		Long: "Reads classifier predictions and tallies them per center. Centers come from " +
			"--batch, or from vectors stored under --batch-id. The summary is stored when a batch id is known.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read predictions: %w", err)
			}
			if err := schemavalidation.ValidatePredictions(data); err != nil {
				return err
			}
			var preds []flagging.Prediction
			if err := json.Unmarshal(data, &preds); err != nil {
				return fmt.Errorf("decode predictions: %w", err)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			centers := map[string]string{}
			switch {
			case batchPath != "":
				batch, err := loadBatch(cmd, batchPath)
				if err != nil {
					return err
				}
				centers = batch.Centers()
				if batchID == "" {
					batchID = batch.BatchID
				}
			case batchID != "":
				recs, err := st.ListVectors(batchID)
				if err != nil {
					return err
				}
				for _, r := range recs {
					if r.CenterID != "" {
						centers[r.SessionID] = r.CenterID
					}
				}
			}

			if threshold == 0 {
				threshold = a.cfg.Flagging.Threshold
			}
			sum, err := flagging.Evaluate(preds, centers, threshold)
			if err != nil {
				return err
			}
			sum.BatchID = batchID
			if batchID != "" {
				if err := st.SaveFlagSummary(sum); err != nil {
					return err
				}
			}
			a.audit.LogFlagEvaluation(cmd.Context(), batchID, map[string]any{
				"threshold":       sum.Threshold,
				"flagged_centers": len(sum.FlaggedCenters),
			})

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			report.PrintFlags(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&batchPath, "batch", "b", "", "batch file supplying session centers")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id of stored vectors supplying session centers")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "flag threshold in (0, 1] (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}
