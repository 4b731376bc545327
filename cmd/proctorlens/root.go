package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"proctorlens/internal/config"
	"proctorlens/internal/logging"
	"proctorlens/internal/metrics"
	"proctorlens/internal/pipeline"
	"proctorlens/internal/schemavalidation"
	"proctorlens/internal/store"
)

// version is set via -ldflags at build time.
var version = "(devel)"

// app holds what every command shares once flags are parsed.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg     *config.Config
	log     *logging.Logger
	audit   *logging.AuditLogger
	crash   *logging.CrashHandler
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "proctorlens",
		Short:         "Behavioral features from online test sessions",
		Long:          "proctorlens turns raw test-session event logs into per-session feature vectors scored against a cohort baseline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to config file (toml, json or yaml)")
	flags.StringVar(&a.dbPath, "db", "", "path to SQLite database file (overrides PROCTORLENS_DB)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newCohortCmd(a),
		newFeaturesCmd(a),
		newScoreCmd(a),
		newReportCmd(a),
		newFlagCmd(a),
		newWatchCmd(a),
		newServeCmd(a),
		newDBCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration and builds the logger, audit trail and crash
// handler. Flags take precedence over the environment and the file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	lc, err := cfg.Logging.LoggerConfig(cmd.Name())
	if err != nil {
		return err
	}
	if a.log, err = logging.New(lc); err != nil {
		return err
	}
	logging.SetDefault(a.log)

	if cfg.Audit.Enabled {
		if a.audit, err = logging.NewAuditLogger(cfg.Audit.AuditLoggerConfig(cfg.Logging)); err != nil {
			return err
		}
	}

	a.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Crash.Dir,
		Version:   version,
		Component: cmd.Name(),
		Logger:    a.log,
	})
	a.metrics = metrics.New()
	return nil
}

func (a *app) close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

func (a *app) processor() *pipeline.Processor {
	return pipeline.NewProcessor(pipeline.Options{
		Workers:  a.cfg.Pipeline.EffectiveWorkers(),
		Logger:   a.log,
		Recorder: a.metrics,
		Crash:    a.crash,
		Audit:    a.audit,
	})
}

func (a *app) openStore() (*store.Store, error) {
	path := a.cfg.Storage.Path
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return store.OpenWithTimeout(path, a.cfg.Storage.BusyTimeout())
}

// loadBatch reads, validates and decodes a batch document. "-" reads stdin.
func loadBatch(cmd *cobra.Command, path string) (*pipeline.Batch, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	if err := schemavalidation.ValidateBatch(data); err != nil {
		return nil, err
	}
	return pipeline.ParseBatch(data)
}

// lookupCohort resolves a cohort by id, then by name.
func lookupCohort(st *store.Store, ref string) (*store.Cohort, error) {
	c, err := st.GetCohort(ref)
	if err != nil {
		return nil, err
	}
	if c == nil {
		if c, err = st.GetCohortByName(ref); err != nil {
			return nil, err
		}
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrCohortNotFound, ref)
	}
	return c, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "proctorlens", version)
		},
	}
}
