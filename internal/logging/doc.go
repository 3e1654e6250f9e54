// Package logging assembles structured slog loggers and formatting helpers used
// across dossier components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so bus handlers and section stages can tag
// log lines with case IDs, section IDs, stages, and correlation IDs. A no-op
// logger is provided for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits records with the same shape.
package logging
