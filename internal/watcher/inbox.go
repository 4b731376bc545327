package watcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proctorlens/internal/features"
	"proctorlens/internal/logging"
	"proctorlens/internal/pipeline"
	"proctorlens/internal/schemavalidation"
	"proctorlens/internal/store"
)

// Sink persists processed batches. *store.Store implements it.
type Sink interface {
	SaveCohort(c *store.Cohort) error
	SaveVectors(batchID string, rows []features.Row) error
}

// InboxConfig configures an Inbox.
type InboxConfig struct {
	OutputDir string
	Processor *pipeline.Processor

	// Sink, when set, receives the cohort and vectors of every batch.
	Sink   Sink
	Logger *logging.Logger
	Audit  *logging.AuditLogger
}

// Outcome describes one processed file.
type Outcome struct {
	Path       string
	BatchID    string
	OutputPath string
	CohortID   string
	Sessions   int
	Failed     int
}

// Inbox turns stable batch files into feature CSVs.
type Inbox struct {
	outDir string
	proc   *pipeline.Processor
	sink   Sink
	log    *logging.Logger
	audit  *logging.AuditLogger
}

// NewInbox creates an Inbox.
func NewInbox(cfg InboxConfig) (*Inbox, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("inbox: output dir is required")
	}
	if cfg.Processor == nil {
		cfg.Processor = pipeline.NewProcessor(pipeline.Options{Logger: cfg.Logger})
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Inbox{
		outDir: cfg.OutputDir,
		proc:   cfg.Processor,
		sink:   cfg.Sink,
		log:    log.WithComponent("inbox"),
		audit:  cfg.Audit,
	}, nil
}

// Run processes events from w until ctx is done or w stops. A failed file is
// logged and the loop continues.
func (in *Inbox) Run(ctx context.Context, w *Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			in.log.Debug("batch file ready", "path", ev.Path, "size", ev.Size, "hash", ev.HashHex())
			if _, err := in.ProcessFile(ctx, ev.Path); err != nil {
				in.log.Error("batch file failed", "path", ev.Path, "error", err)
				in.audit.LogError(ctx, "inbox_process", err, map[string]any{"path": ev.Path})
			}

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			in.log.Warn("watch error", "error", err)
		}
	}
}

// ProcessFile validates and runs one batch file, writes its vectors to the
// output dir and persists the results when a sink is configured.
func (in *Inbox) ProcessFile(ctx context.Context, path string) (*Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	if err := schemavalidation.ValidateBatch(data); err != nil {
		return nil, err
	}
	batch, err := pipeline.ParseBatch(data)
	if err != nil {
		return nil, err
	}

	res, err := in.proc.Run(ctx, batch)
	if err != nil {
		return nil, err
	}

	rows := res.Rows()
	withLabel := false
	for _, r := range rows {
		if r.Label != nil {
			withLabel = true
			break
		}
	}

	var buf bytes.Buffer
	if err := features.WriteCSV(&buf, rows, withLabel); err != nil {
		return nil, fmt.Errorf("encode vectors: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(in.outDir, base+".csv")
	if err := writeAtomic(outPath, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write vectors: %w", err)
	}

	out := &Outcome{
		Path:       path,
		BatchID:    res.BatchID,
		OutputPath: outPath,
		Sessions:   len(res.Sessions),
		Failed:     res.Failed(),
	}

	if in.sink != nil && res.Stats.Check() != nil {
		in.log.Warn("cohort has no samples, storing vectors only", "path", path, "batch_id", res.BatchID)
		if err := in.sink.SaveVectors(res.BatchID, rows); err != nil {
			return nil, fmt.Errorf("persist vectors: %w", err)
		}
	} else if in.sink != nil {
		c := &store.Cohort{
			Name:            base,
			BatchID:         res.BatchID,
			BankFingerprint: res.BankFingerprint,
			Sessions:        res.CohortSessions,
			Stats:           res.Stats,
		}
		if err := in.sink.SaveCohort(c); err != nil {
			return nil, fmt.Errorf("persist cohort: %w", err)
		}
		if err := in.sink.SaveVectors(res.BatchID, rows); err != nil {
			return nil, fmt.Errorf("persist vectors: %w", err)
		}
		out.CohortID = c.ID
		in.audit.LogCohortCreated(ctx, c.ID, map[string]any{"name": c.Name, "source": path})
	}

	in.log.Info("batch file processed",
		"path", path,
		"batch_id", out.BatchID,
		"output", outPath,
		"sessions", out.Sessions,
		"failed", out.Failed,
	)
	return out, nil
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ProcessExisting runs every matching file already in dir. It is used for
// one-shot runs without a watch loop.
func (in *Inbox) ProcessExisting(ctx context.Context, dir, pattern string) ([]Outcome, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		start := time.Now()
		out, err := in.ProcessFile(ctx, path)
		if err != nil {
			in.log.Error("batch file failed", "path", path, "error", err)
			continue
		}
		in.log.Debug("batch file timing", "path", path, "duration", time.Since(start))
		outcomes = append(outcomes, *out)
	}
	return outcomes, nil
}
