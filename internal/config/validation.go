package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidConfig is matched by every error ValidateConfig returns.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// ValidateConfig checks every section and returns ValidationErrors when any
// field is invalid. Warning-level issues alone do not fail validation.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validatePipeline(&c.Pipeline)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateInbox(&c.Inbox)...)
	errs = append(errs, validateFlagging(&c.Flagging)...)
	errs = append(errs, validateCrash(&c.Crash)...)
	errs = append(errs, validateAudit(&c.Audit)...)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validatePipeline(p *PipelineConfig) ValidationErrors {
	var errs ValidationErrors
	if p.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "pipeline.workers",
			Message: "workers cannot be negative",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.Listen, err),
		})
	}

	switch s.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, ValidationError{
			Field:   "server.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: debug, release, test)", s.Mode),
		})
	}

	timeouts := []struct {
		field string
		value int
	}{
		{"server.read_timeout_sec", s.ReadTimeoutSec},
		{"server.write_timeout_sec", s.WriteTimeoutSec},
		{"server.shutdown_timeout_sec", s.ShutdownTimeoutSec},
	}
	for _, t := range timeouts {
		if t.value < 0 {
			errs = append(errs, ValidationError{Field: t.field, Message: "timeout cannot be negative"})
		}
	}

	if s.MaxBodyMB < 1 || s.MaxBodyMB > 1024 {
		errs = append(errs, *RangeError("server.max_body_mb", 1, 1024))
	}
	return errs
}

func validateInbox(i *InboxConfig) ValidationErrors {
	var errs ValidationErrors
	if i.Dir == "" {
		errs = append(errs, *RequiredFieldError("inbox.dir"))
	}
	if i.OutputDir != "" && i.OutputDir == i.Dir {
		errs = append(errs, ValidationError{
			Field:   "inbox.output_dir",
			Message: "output directory must differ from the watched directory",
		})
	}
	if i.DebounceMs < 50 || i.DebounceMs > 60000 {
		errs = append(errs, *RangeError("inbox.debounce_ms", 50, 60000))
	}
	return errs
}

func validateFlagging(f *FlaggingConfig) ValidationErrors {
	var errs ValidationErrors
	if !(f.Threshold > 0 && f.Threshold <= 1) {
		errs = append(errs, ValidationError{
			Field:   "flagging.threshold",
			Message: fmt.Sprintf("threshold must be in (0, 1], got %v", f.Threshold),
		})
	}
	return errs
}

func validateCrash(c *CrashConfig) ValidationErrors {
	var errs ValidationErrors
	if c.Dir == "" {
		errs = append(errs, *RequiredFieldError("crash.dir"))
	}
	if c.RetainDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "crash.retain_days",
			Message: "retention cannot be negative",
		})
	}
	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors
	if a.Enabled && a.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.path",
			Message: "path is required when audit is enabled",
		})
	}
	return errs
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// The watched inbox may be created later by the operator.
	warningFields := []string{
		"inbox.dir",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for i := range e {
		if e[i].IsWarning() {
			warnings = append(warnings, e[i])
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for i := range e {
		if !e[i].IsWarning() {
			errs = append(errs, e[i])
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
