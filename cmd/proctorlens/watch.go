package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"proctorlens/internal/pipeline"
	"proctorlens/internal/store"
	"proctorlens/internal/watcher"
)

// inbox builds the watcher and processor for the configured inbox. st may be
// nil, and is ignored unless inbox.persist is set.
func (a *app) inbox(proc *pipeline.Processor, st *store.Store) (*watcher.Watcher, *watcher.Inbox, error) {
	cfg := a.cfg.Inbox
	w, err := watcher.New(cfg.Dir, watcher.DefaultPattern, cfg.Debounce())
	if err != nil {
		return nil, nil, err
	}

	icfg := watcher.InboxConfig{
		OutputDir: cfg.OutputDir,
		Processor: proc,
		Logger:    a.log,
		Audit:     a.audit,
	}
	if cfg.Persist && st != nil {
		icfg.Sink = st
	}
	in, err := watcher.NewInbox(icfg)
	if err != nil {
		return nil, nil, err
	}
	return w, in, nil
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		dir     string
		out     string
		once    bool
		persist bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Process batch files dropped into the inbox directory",
		Long: "Watches the inbox for *.json batches. Once a file is unchanged for the debounce " +
			"interval it is validated and run, and its vectors are written as CSV to the output directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				a.cfg.Inbox.Dir = dir
			}
			if out != "" {
				a.cfg.Inbox.OutputDir = out
			}
			if persist {
				a.cfg.Inbox.Persist = true
			}
			if a.cfg.Inbox.Dir == "" {
				return fmt.Errorf("no inbox directory configured")
			}
			for _, d := range []string{a.cfg.Inbox.Dir, a.cfg.Inbox.OutputDir} {
				if err := os.MkdirAll(d, 0750); err != nil {
					return err
				}
			}

			var st *store.Store
			if a.cfg.Inbox.Persist {
				var err error
				if st, err = a.openStore(); err != nil {
					return err
				}
				defer st.Close()
			}

			w, in, err := a.inbox(a.processor(), st)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if once {
				outcomes, err := in.ProcessExisting(ctx, a.cfg.Inbox.Dir, watcher.DefaultPattern)
				for _, o := range outcomes {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d sessions, %d failed)\n",
						o.Path, o.OutputPath, o.Sessions, o.Failed)
				}
				return err
			}

			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()
			a.log.Info("watching inbox", "dir", w.Dir(), "output", a.cfg.Inbox.OutputDir, "debounce", a.cfg.Inbox.Debounce())

			if err := in.Run(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "inbox directory (default from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "process files already in the inbox and exit")
	cmd.Flags().BoolVar(&persist, "persist", false, "store cohort and vectors of each batch")
	return cmd
}
