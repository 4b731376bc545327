// Package pipeline runs batches of test sessions through the full feature
// pipeline: stream building, interval replay, grading, the cohort fold,
// scoring and aggregation.
//
// A batch is processed in two passes. The first pass prepares every session
// on a bounded worker pool and folds resolved metrics into one cohort
// accumulator per worker. The partials are merged once, then the second pass
// scores every session against the shared cohort. One cohort per batch, never
// one per session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"proctorlens/internal/cohort"
	"proctorlens/internal/eventlog"
	"proctorlens/internal/features"
	"proctorlens/internal/grading"
	"proctorlens/internal/logging"
	"proctorlens/internal/metrics"
	"proctorlens/internal/replay"
	"proctorlens/internal/scoring"
)

var (
	// ErrEmptyEventStream notes a session with no usable events. It is
	// reported in Quality, never returned.
	ErrEmptyEventStream = errors.New("empty event stream")

	// ErrSessionPanic wraps a recovered panic while processing one session.
	ErrSessionPanic = errors.New("session processing panicked")
)

// Recorder receives pipeline instrumentation. *metrics.Metrics implements it.
type Recorder interface {
	RecordDropped(reason string, n int)
	RecordSession(status string)
	RecordBatch(d time.Duration, questions int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDropped(string, int)      {}
func (nopRecorder) RecordSession(string)           {}
func (nopRecorder) RecordBatch(time.Duration, int) {}

// Options configures a Processor. Zero values pick defaults.
type Options struct {
	// Workers bounds concurrent session processing. Defaults to GOMAXPROCS.
	Workers int

	Logger   *logging.Logger
	Recorder Recorder

	// Crash, when set, writes a crash dump for every recovered panic.
	Crash *logging.CrashHandler

	Audit *logging.AuditLogger
}

// Processor runs batches. It is safe for concurrent use.
type Processor struct {
	workers  int
	log      *logging.Logger
	recorder Recorder
	crash    *logging.CrashHandler
	audit    *logging.AuditLogger
}

// NewProcessor creates a Processor.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		workers:  opts.Workers,
		log:      opts.Logger,
		recorder: opts.Recorder,
		crash:    opts.Crash,
		audit:    opts.Audit,
	}
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	if p.log == nil {
		p.log = logging.Default()
	}
	p.log = p.log.WithComponent("pipeline")
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	return p
}

// Quality carries the data-quality signals gathered for one session.
type Quality struct {
	Events              int      `json:"events"`
	InvalidTimestamps   int      `json:"invalid_timestamps"`
	MalformedActivities int      `json:"malformed_activities"`
	Unattributed        int      `json:"unattributed_events"`
	UnknownQuestions    []string `json:"unknown_questions,omitempty"`
	Empty               bool     `json:"empty"`
}

// SessionResult is the outcome for one session. Err is set when the session
// failed; the batch still completes.
type SessionResult struct {
	SessionID string           `json:"session_id"`
	CenterID  string           `json:"center_id,omitempty"`
	Label     *int             `json:"label,omitempty"`
	Vector    features.Vector  `json:"features"`
	Metrics   []scoring.Scored `json:"metrics,omitempty"`
	Quality   Quality          `json:"quality"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// Failed reports whether the session could not be processed.
func (r SessionResult) Failed() bool {
	return r.Err != nil
}

// Row converts the result for export.
func (r SessionResult) Row() features.Row {
	return features.Row{
		SessionID: r.SessionID,
		CenterID:  r.CenterID,
		Label:     r.Label,
		Vector:    r.Vector,
	}
}

// Result is the outcome of one batch.
type Result struct {
	BatchID         string          `json:"batch_id"`
	BankFingerprint string          `json:"bank_fingerprint"`
	Stats           cohort.Stats    `json:"cohort"`
	Sessions        []SessionResult `json:"sessions"`
	CohortSessions  int             `json:"cohort_sessions"`
	Duration        time.Duration   `json:"-"`
}

// Failed returns the number of failed sessions.
func (r *Result) Failed() int {
	n := 0
	for _, s := range r.Sessions {
		if s.Failed() {
			n++
		}
	}
	return n
}

// Rows returns export rows for every successful session, in input order.
func (r *Result) Rows() []features.Row {
	rows := make([]features.Row, 0, len(r.Sessions))
	for _, s := range r.Sessions {
		if !s.Failed() {
			rows = append(rows, s.Row())
		}
	}
	return rows
}

// prepared is a session after the first pass.
type prepared struct {
	stream  eventlog.Stream
	metrics []replay.QuestionMetric
	quality Quality
	err     error
}

// Run processes a batch. It fails fast when the batch has no usable question
// set, and returns no result at all if ctx is cancelled before completion.
// Per-session failures are reported in the result.
func (p *Processor) Run(ctx context.Context, batch *Batch) (*Result, error) {
	if batch == nil {
		return nil, fmt.Errorf("run batch: %w", grading.ErrMissingQuestionSet)
	}
	bank, err := grading.NewBank(batch.Questions)
	if err != nil {
		return nil, fmt.Errorf("run batch %s: %w", batch.BatchID, err)
	}

	start := time.Now()
	log := p.log.With("batch_id", batch.BatchID)
	log.Info("batch started", "sessions", len(batch.Sessions), "questions", bank.Len())

	res, err := p.run(ctx, batch, bank)
	if err != nil {
		log.Warn("batch aborted", "error", err)
		p.audit.LogBatchRun(ctx, batch.BatchID, err, nil)
		return nil, err
	}

	res.Duration = time.Since(start)
	p.recorder.RecordBatch(res.Duration, bank.Len())
	log.Info("batch finished",
		"sessions", len(res.Sessions),
		"failed", res.Failed(),
		"cohort_samples", res.Stats.Samples(),
		"duration", res.Duration,
	)
	p.audit.LogBatchRun(ctx, batch.BatchID, nil, map[string]any{
		"sessions":         len(res.Sessions),
		"failed":           res.Failed(),
		"questions":        bank.Len(),
		"bank_fingerprint": res.BankFingerprint,
	})
	return res, nil
}

func (p *Processor) run(ctx context.Context, batch *Batch, bank *grading.Bank) (*Result, error) {
	sessions := batch.Sessions
	preps := make([]prepared, len(sessions))

	// Pass 1: prepare sessions and fold per worker.
	workers := min(p.workers, max(len(sessions), 1))
	partials := make([]*cohort.Accumulator, workers)
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	for w := range partials {
		acc := cohort.New()
		partials[w] = acc
		g.Go(func() error {
			for i := range jobs {
				preps[i] = p.prepare(batch.BatchID, sessions[i], bank)
				if preps[i].err == nil {
					acc.Add(preps[i].metrics)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for i := range sessions {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("prepare sessions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("prepare sessions: %w", err)
	}

	total := cohort.New()
	for _, acc := range partials {
		total.Merge(acc)
	}
	stats := total.Finalize(bank.IDs())
	if err := stats.Check(); err != nil {
		p.log.Warn("cohort has no samples", "batch_id", batch.BatchID)
	}

	// Pass 2: score against the shared cohort.
	results := make([]SessionResult, len(sessions))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range sessions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = p.finish(batch.BatchID, sessions[i], preps[i], stats)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score sessions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("score sessions: %w", err)
	}

	return &Result{
		BatchID:         batch.BatchID,
		BankFingerprint: bank.Fingerprint(),
		Stats:           stats,
		Sessions:        results,
		CohortSessions:  total.Sessions(),
	}, nil
}

// ScoreSession processes one session against precomputed cohort statistics.
// A question absent from stats gets no z-score.
func (p *Processor) ScoreSession(batchID string, s Session, bank *grading.Bank, stats cohort.Stats) SessionResult {
	return p.finish(batchID, s, p.prepare(batchID, s, bank), stats)
}

// ScoreBatch scores every session of batch against stored cohort statistics
// instead of building a fresh cohort. bank must come from batch.Questions.
func (p *Processor) ScoreBatch(ctx context.Context, batch *Batch, bank *grading.Bank, stats cohort.Stats) (*Result, error) {
	if batch == nil || bank == nil {
		return nil, fmt.Errorf("score batch: %w", grading.ErrMissingQuestionSet)
	}

	start := time.Now()
	results := make([]SessionResult, len(batch.Sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range batch.Sessions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = p.ScoreSession(batch.BatchID, batch.Sessions[i], bank, stats)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score sessions: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("score sessions: %w", err)
	}

	res := &Result{
		BatchID:         batch.BatchID,
		BankFingerprint: bank.Fingerprint(),
		Stats:           stats,
		Sessions:        results,
		CohortSessions:  stats.Samples(),
		Duration:        time.Since(start),
	}
	p.log.Info("batch scored against stored cohort",
		"batch_id", batch.BatchID,
		"sessions", len(results),
		"failed", res.Failed(),
	)
	return res, nil
}

// prepare runs the per-session steps that precede the cohort fold.
func (p *Processor) prepare(batchID string, s Session, bank *grading.Bank) prepared {
	var out prepared
	out.err = p.guard(batchID, s.ID, func() {
		stream, built := eventlog.Build(s.Events)
		out.stream = stream
		out.quality = Quality{
			Events:              built.Total,
			InvalidTimestamps:   built.InvalidTimestamps,
			MalformedActivities: built.MalformedActivities,
			Empty:               stream.Empty(),
		}

		rep := replay.Replay(stream)
		out.quality.Unattributed = rep.Unattributed

		resolved := grading.Resolve(rep.Metrics, bank)
		out.metrics = resolved.Metrics
		out.quality.UnknownQuestions = resolved.Unknown
	})
	if out.err == nil {
		p.reportQuality(batchID, s.ID, out.quality)
	}
	return out
}

// finish scores a prepared session and aggregates its vector.
func (p *Processor) finish(batchID string, s Session, prep prepared, stats cohort.Stats) SessionResult {
	res := SessionResult{
		SessionID: s.ID,
		CenterID:  s.CenterID,
		Label:     s.Label,
		Quality:   prep.quality,
	}

	err := prep.err
	if err == nil {
		err = p.guard(batchID, s.ID, func() {
			res.Metrics = scoring.Score(prep.metrics, stats)
			res.Vector = features.Aggregate(prep.stream, res.Metrics, stats)
		})
	}

	switch {
	case err != nil:
		res.Err = err
		res.Error = err.Error()
		res.Metrics = nil
		res.Vector = features.Vector{}
		p.recorder.RecordSession(metrics.StatusFailed)
	case prep.quality.Empty:
		p.recorder.RecordSession(metrics.StatusEmpty)
	default:
		p.recorder.RecordSession(metrics.StatusOK)
	}
	return res
}

// guard converts a panic in fn into ErrSessionPanic.
func (p *Processor) guard(batchID, sessionID string, fn func()) (err error) {
	if p.crash != nil {
		if report, panicked := p.crash.Recover(sessionID, batchID, fn); panicked {
			return fmt.Errorf("%w: %s", ErrSessionPanic, report.PanicValue)
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered panic", "batch_id", batchID, "session_id", sessionID, "panic", r)
			err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
		}
	}()
	fn()
	return nil
}

func (p *Processor) reportQuality(batchID, sessionID string, q Quality) {
	p.recorder.RecordDropped(metrics.ReasonInvalidTimestamp, q.InvalidTimestamps)
	p.recorder.RecordDropped(metrics.ReasonMalformed, q.MalformedActivities)
	p.recorder.RecordDropped(metrics.ReasonUnknownQuestion, len(q.UnknownQuestions))

	if q.Empty {
		p.log.Warn("session skipped",
			"batch_id", batchID,
			"session_id", sessionID,
			"reason", ErrEmptyEventStream,
			"events", q.Events,
		)
		return
	}
	if q.InvalidTimestamps > 0 || q.MalformedActivities > 0 || len(q.UnknownQuestions) > 0 {
		p.log.Warn("session data quality",
			"batch_id", batchID,
			"session_id", sessionID,
			"events", q.Events,
			"invalid_timestamps", q.InvalidTimestamps,
			"malformed_activities", q.MalformedActivities,
			"unknown_questions", len(q.UnknownQuestions),
		)
	}
}
