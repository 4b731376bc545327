package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventCohortCreated  AuditEventType = "cohort_created"
	AuditEventCohortDeleted  AuditEventType = "cohort_deleted"
	AuditEventBatchRun       AuditEventType = "batch_run"
	AuditEventSessionScored  AuditEventType = "session_scored"
	AuditEventFlagEvaluation AuditEventType = "flag_evaluation"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventError          AuditEventType = "error"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"` // "success" or "failure"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "proctorlens",
	}
}

func defaultAuditLogPath() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "audit.log")
}

// AuditLogger appends JSON audit events. A nil *AuditLogger discards events.
type AuditLogger struct {
	config *AuditLoggerConfig
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// NewAuditLogger creates an AuditLogger writing to a rotated file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	return &AuditLogger{config: cfg, w: file, closer: file}, nil
}

// NewAuditLoggerWriter creates an AuditLogger writing to w.
func NewAuditLoggerWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{
		config: &AuditLoggerConfig{Component: component},
		w:      w,
	}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.Result == "" {
		event.Result = "success"
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogCohortCreated records a stored cohort.
func (a *AuditLogger) LogCohortCreated(ctx context.Context, cohortID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCohortCreated,
		Action:    "cohort_created",
		Resource:  cohortID,
		Details:   details,
	})
}

// LogCohortDeleted records a deleted cohort.
func (a *AuditLogger) LogCohortDeleted(ctx context.Context, cohortID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCohortDeleted,
		Action:    "cohort_deleted",
		Resource:  cohortID,
	})
}

// LogBatchRun records one batch run.
func (a *AuditLogger) LogBatchRun(ctx context.Context, batchID string, err error, details map[string]any) error {
	event := AuditEvent{
		EventType: AuditEventBatchRun,
		Action:    "batch_processed",
		Resource:  batchID,
		Details:   details,
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogSessionScored records a single-session score against a stored cohort.
func (a *AuditLogger) LogSessionScored(ctx context.Context, cohortID, sessionID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionScored,
		Action:    "session_scored",
		Resource:  cohortID,
		Details:   map[string]any{"session_id": sessionID},
	})
}

// LogFlagEvaluation records a center flagging run.
func (a *AuditLogger) LogFlagEvaluation(ctx context.Context, batchID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventFlagEvaluation,
		Action:    "centers_evaluated",
		Resource:  batchID,
		Details:   details,
	})
}

// LogConfigChange logs a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, path string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_reloaded",
		Resource:  path,
	})
}

// LogError logs a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a server startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "server_started",
		Details:   details,
	})
}

// LogShutdown logs a server shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "server_stopped",
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
