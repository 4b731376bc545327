package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"proctorlens/internal/features"
	"proctorlens/internal/pipeline"
)

// vectorOutput is shared by the commands that emit feature vectors.
type vectorOutput struct {
	path    string
	format  string
	persist bool
}

func (o *vectorOutput) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.path, "out", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVarP(&o.format, "format", "f", "csv", "output format: csv or jsonl")
	cmd.Flags().BoolVar(&o.persist, "persist", false, "store the vectors in the database")
}

// write emits the successful sessions of res. Failed sessions are reported
// on stderr.
func (o *vectorOutput) write(cmd *cobra.Command, a *app, res *pipeline.Result) error {
	for _, s := range res.Sessions {
		if s.Failed() {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped session %s: %s\n", s.SessionID, s.Error)
		}
	}
	rows := res.Rows()

	if o.persist {
		st, err := a.openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SaveVectors(res.BatchID, rows); err != nil {
			return err
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if o.path != "" {
		f, err := os.Create(o.path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch o.format {
	case "csv":
		withLabel := false
		for _, r := range rows {
			if r.Label != nil {
				withLabel = true
				break
			}
		}
		return features.WriteCSV(w, rows, withLabel)
	case "jsonl":
		return features.WriteJSONLines(w, rows)
	default:
		return fmt.Errorf("unknown output format %q", o.format)
	}
}

func newFeaturesCmd(a *app) *cobra.Command {
	var (
		out       vectorOutput
		listNames bool
	)
	cmd := &cobra.Command{
		Use:   "features [batch.json]",
		Short: "Compute feature vectors for every session of a batch",
		Long: "Runs a batch through the pipeline with a cohort built from the batch itself " +
			"and writes one feature vector per session. Use - to read the batch from stdin.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if listNames {
				for i, name := range features.Names {
					fmt.Fprintf(cmd.OutOrStdout(), "%2d  %s\n", i, name)
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a batch file is required")
			}

			batch, err := loadBatch(cmd, args[0])
			if err != nil {
				return err
			}
			res, err := a.processor().Run(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return out.write(cmd, a, res)
		},
	}
	out.register(cmd)
	cmd.Flags().BoolVar(&listNames, "names", false, "list feature names in column order and exit")
	return cmd
}
