package services

import "context"

type contextKey string

const (
	caseIDKey    contextKey = "case_id"
	sectionKey   contextKey = "section"
	stageKey     contextKey = "stage"
	requestIDKey contextKey = "request_id"
)

// WithCaseID annotates context with the case identifier.
func WithCaseID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, caseIDKey, id)
}

// CaseIDFromContext extracts the case identifier if present.
func CaseIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, caseIDKey)
}

// WithSection annotates context with the section identifier.
func WithSection(ctx context.Context, section string) context.Context {
	if section == "" {
		return ctx
	}
	return context.WithValue(ctx, sectionKey, section)
}

// SectionFromContext returns the section identifier if present.
func SectionFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, sectionKey)
}

// WithStage annotates context with the section stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, stageKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
