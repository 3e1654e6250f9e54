package logging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"dossier/internal/services"
)

// Structured keys shared by every dossier component.
const (
	FieldComponent      = "component"
	FieldCaseID         = "case_id"
	FieldSection        = "section"
	FieldStage          = "stage"
	FieldEvidenceID     = "evidence_id"
	FieldSignalID       = "signal_id"
	FieldTopic          = "topic"
	FieldSender         = "sender"
	FieldCorrelationID  = "correlation_id"
	FieldEventType      = "event_type"
	FieldErrorHint      = "error_hint"
	FieldErrorKind      = "error_kind"
	FieldErrorOperation = "error_operation"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)

type Attr = slog.Attr

func Any(key string, value any) Attr { return slog.Any(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Float64(key string, value float64) Attr { return slog.Float64(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

// Strings joins values with commas so lists stay on one console line.
func Strings(key string, values []string) Attr { return slog.String(key, strings.Join(values, ",")) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// errorAttrs adds error_kind and error_operation for the first error attr
// that carries a classified error and lacks them.
func errorAttrs(attrs []Attr) []Attr {
	if HasAttrKey(attrs, FieldErrorKind) {
		return attrs
	}
	for _, attr := range attrs {
		if attr.Key != "error" {
			continue
		}
		err, ok := attr.Value.Any().(error)
		if !ok || err == nil {
			return attrs
		}
		details := services.Details(err)
		attrs = append(attrs, String(FieldErrorKind, details.Kind))
		if details.Operation != "" && !HasAttrKey(attrs, FieldErrorOperation) {
			attrs = append(attrs, String(FieldErrorOperation, details.Operation))
		}
		return attrs
	}
	return attrs
}

func Args(attrs ...Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger tags logger with a component name. A nil logger yields a
// no-op logger.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

func HasAttrKey(attrs []Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// WarnWithContext logs a warning carrying event_type, error_hint, and impact,
// filling defaults for any that are missing. An error attr also contributes
// its classification.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs, eventType)
	if !HasAttrKey(attrs, FieldImpact) {
		attrs = append(attrs, String(FieldImpact, "operation completed with warnings"))
	}
	logger.Warn(msg, Args(attrs...)...)
}

// ErrorWithContext is WarnWithContext at error level, without impact.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	logger.Error(msg, Args(withDefaults(attrs, eventType)...)...)
}

func withDefaults(attrs []Attr, eventType string) []Attr {
	if !HasAttrKey(attrs, FieldEventType) {
		attrs = append(attrs, String(FieldEventType, eventType))
	}
	if !HasAttrKey(attrs, FieldErrorHint) {
		attrs = append(attrs, String(FieldErrorHint, "check logs for details"))
	}
	return errorAttrs(attrs)
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }
