package stage

import (
	"context"
	"path/filepath"
	"sort"
	"time"
)

// MetadataTool is the name of the built-in extractor.
const MetadataTool = "metadata"

// Metadata builds a section payload from evidence metadata alone: one entry
// per record plus a per-type count. An empty working set yields a low
// confidence so stronger tools or a rerun can take over.
type Metadata struct{}

// NewMetadata returns the built-in metadata extractor.
func NewMetadata() Metadata { return Metadata{} }

func (Metadata) Name() string { return MetadataTool }

func (Metadata) HealthCheck(context.Context) Health { return Healthy(MetadataTool) }

func (Metadata) Extract(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	entries := make([]any, 0, len(in.Evidence))
	counts := make(map[string]any)
	for _, rec := range in.Evidence {
		name := filepath.Base(rec.Source)
		if rec.Source == "" {
			name = rec.ID
		}
		entries = append(entries, map[string]any{
			"evidence_id": rec.ID,
			"type":        rec.Type,
			"name":        name,
			"recorded_at": rec.IngestedAt.Format(time.RFC3339Nano),
		})
		n, _ := counts[rec.Type].(int)
		counts[rec.Type] = n + 1
	}
	ids := in.EvidenceIDs()
	sort.Strings(ids)
	evidence := make([]any, len(ids))
	for i, id := range ids {
		evidence[i] = id
	}
	payload := map[string]any{
		"section_id": in.SectionID,
		"case_id":    in.CaseID,
		"evidence":   evidence,
		"entries":    entries,
		"summary": map[string]any{
			"count": len(in.Evidence),
			"types": counts,
		},
	}
	return Output{Payload: payload, Confidence: metadataConfidence(in)}, nil
}

func metadataConfidence(in Input) float64 {
	if len(in.Evidence) == 0 {
		return 0.5
	}
	return 0.9
}
