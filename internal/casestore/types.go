package casestore

import (
	"slices"
	"time"
)

// ManifestFormatVersion is the on-disk manifest layout version.
const ManifestFormatVersion = 1

// Enrichment is one append-only history entry on an evidence record.
type Enrichment struct {
	Actor string         `json:"actor"`
	At    time.Time      `json:"at"`
	Delta map[string]any `json:"delta,omitempty"`
}

// EvidenceRecord is one ingested artifact. Type, Sections, and Tags are
// derived from the enrichment history and only change by appending to it.
type EvidenceRecord struct {
	ID          string       `json:"evidence_id"`
	Source      string       `json:"source"`
	ContentHash string       `json:"content_hash"`
	Type        string       `json:"classified_type"`
	Sections    []string     `json:"assigned_sections,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	History     []Enrichment `json:"enrichment_history"`
	IngestedAt  time.Time    `json:"ingested_at"`
}

// LastEnriched returns the timestamp of the newest history entry.
func (r EvidenceRecord) LastEnriched() time.Time {
	if len(r.History) == 0 {
		return r.IngestedAt
	}
	return r.History[len(r.History)-1].At
}

// HasSection reports whether the record is assigned to section.
func (r EvidenceRecord) HasSection(section string) bool {
	return slices.Contains(r.Sections, section)
}

func (r EvidenceRecord) clone() EvidenceRecord {
	r.Sections = slices.Clone(r.Sections)
	r.Tags = slices.Clone(r.Tags)
	history := make([]Enrichment, len(r.History))
	for i, entry := range r.History {
		entry.Delta = cloneMap(entry.Delta)
		history[i] = entry
	}
	r.History = history
	return r
}

// apply folds the well-known delta keys into the derived fields.
func (r *EvidenceRecord) apply(delta map[string]any) {
	if value, ok := delta["type"].(string); ok && value != "" {
		r.Type = value
	}
	r.Tags = mergeSet(r.Tags, stringsFrom(delta["tags"]))
	r.Sections = mergeSet(r.Sections, stringsFrom(delta["sections"]))
}

// ProvenanceEntry records one stage attempt on a section.
type ProvenanceEntry struct {
	At                time.Time `json:"at"`
	Tool              string    `json:"tool,omitempty"`
	Stage             string    `json:"stage"`
	Confidence        float64   `json:"confidence"`
	Fallback          bool      `json:"fallback"`
	TriggerConfidence float64   `json:"trigger_confidence,omitempty"`
	Err               string    `json:"error,omitempty"`
	Note              string    `json:"note,omitempty"`
}

// SectionState is the orchestrator's view of one section within a case.
type SectionState struct {
	ID            string            `json:"section_id"`
	Stage         string            `json:"stage"`
	RevisionDepth int               `json:"revision_depth"`
	MaxReruns     int               `json:"max_reruns"`
	Payload       map[string]any    `json:"payload,omitempty"`
	PayloadHash   string            `json:"payload_hash,omitempty"`
	Approved      bool              `json:"approved"`
	Version       int               `json:"version"`
	Provenance    []ProvenanceEntry `json:"provenance,omitempty"`
	WorkingSet    []string          `json:"working_set,omitempty"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (s SectionState) clone() SectionState {
	s.Payload = cloneMap(s.Payload)
	s.Provenance = slices.Clone(s.Provenance)
	s.WorkingSet = slices.Clone(s.WorkingSet)
	return s
}

// Manifest is the persisted view of a case.
type Manifest struct {
	FormatVersion   int              `json:"format_version"`
	ManifestVersion int              `json:"manifest_version"`
	CaseID          string           `json:"case_id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Frozen          bool             `json:"frozen,omitempty"`
	EvidenceCount   int              `json:"evidence_count"`
	Entries         []EvidenceRecord `json:"entries"`
	Sections        []SectionState   `json:"sections,omitempty"`
	// Identities maps identity keys to the canonical spelling the case's
	// sections share.
	Identities map[string]string `json:"identities,omitempty"`
}

func mergeSet(existing []string, additions []string) []string {
	for _, value := range additions {
		if value == "" || slices.Contains(existing, value) {
			continue
		}
		existing = append(existing, value)
	}
	return existing
}

func stringsFrom(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// cloneMap deep-copies a JSON-shaped map so callers never share nested
// values with stored records.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = cloneMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
