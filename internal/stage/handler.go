package stage

import (
	"context"
	"log/slog"

	"dossier/internal/casestore"
)

// Input is the working set handed to an extractor.
type Input struct {
	CaseID    string
	SectionID string
	Evidence  []casestore.EvidenceRecord
}

// EvidenceIDs returns the ids of the working set in order.
func (in Input) EvidenceIDs() []string {
	ids := make([]string, 0, len(in.Evidence))
	for _, rec := range in.Evidence {
		ids = append(ids, rec.ID)
	}
	return ids
}

// Output is an extractor result. Confidence is in [0, 1].
type Output struct {
	Payload    map[string]any
	Confidence float64
}

// Extractor describes the contract the section orchestrator needs from each
// extraction tool.
type Extractor interface {
	Name() string
	Extract(context.Context, Input) (Output, error)
	HealthCheck(context.Context) Health
}

// LoggerAware is implemented by extractors that accept a per-run logger.
type LoggerAware interface {
	SetLogger(*slog.Logger)
}

// Func adapts a function into an always-healthy Extractor.
type Func struct {
	ToolName string
	Fn       func(context.Context, Input) (Output, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Extract(ctx context.Context, in Input) (Output, error) { return f.Fn(ctx, in) }

func (f Func) HealthCheck(context.Context) Health { return Healthy(f.ToolName) }
