package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"proctorlens/internal/config"
	"proctorlens/internal/health"
	"proctorlens/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen    string
		withInbox bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if listen == "" {
				listen = cfg.Server.Listen
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			if cfg.Server.Mode != "" {
				gin.SetMode(cfg.Server.Mode)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Crash.RetainDays > 0 {
				if err := a.crash.CleanupOldCrashReports(time.Duration(cfg.Crash.RetainDays) * 24 * time.Hour); err != nil {
					a.log.Warn("crash report cleanup failed", "error", err)
				}
			}

			checker := health.NewChecker(version)
			proc := a.processor()
			srv, err := httpapi.New(httpapi.Options{
				Store:           st,
				Processor:       proc,
				Metrics:         a.metrics,
				Health:          checker,
				Logger:          a.log,
				Audit:           a.audit,
				Threshold:       cfg.Flagging.Threshold,
				MaxBody:         int64(cfg.Server.MaxBodyMB) << 20,
				ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
				WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
				ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if path := configFile(a); path != "" {
				loader := config.NewLoader(path)
				if _, err := loader.Load(); err == nil {
					loader.OnChange(func(next *config.Config) {
						a.log.Info("configuration reloaded", "path", path, "flag_threshold", next.Flagging.Threshold)
						a.audit.LogConfigChange(context.Background(), path)
						srv.SetThreshold(next.Flagging.Threshold)
					})
					if err := loader.Watch(); err != nil {
						a.log.Warn("config watch disabled", "error", err)
					}
					defer loader.Close()
					go func() {
						for err := range loader.Errors() {
							a.log.Warn("config reload rejected", "error", err)
						}
					}()
				}
			}

			g, gctx := errgroup.WithContext(ctx)

			if withInbox {
				for _, dir := range []string{cfg.Inbox.Dir, cfg.Inbox.OutputDir} {
					if err := os.MkdirAll(dir, 0750); err != nil {
						return err
					}
				}
				checker.RegisterFunc("inbox", false, health.WritableDirCheck(cfg.Inbox.Dir))
				checker.RegisterFunc("outbox", false, health.WritableDirCheck(cfg.Inbox.OutputDir))

				w, in, err := a.inbox(proc, st)
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
				g.Go(func() error {
					if err := in.Run(gctx, w); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}

			a.audit.LogStartup(ctx, version, map[string]any{"listen": listen, "inbox": withInbox})
			defer a.audit.LogShutdown(context.Background(), "signal")

			g.Go(func() error {
				return srv.ListenAndServe(gctx, listen)
			})

			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "address to listen on (default from config)")
	cmd.Flags().BoolVar(&withInbox, "inbox", false, "also process batches dropped in the inbox directory")
	return cmd
}

// configFile returns the file the configuration was loaded from, if any.
func configFile(a *app) string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.FindConfigFile()
}
