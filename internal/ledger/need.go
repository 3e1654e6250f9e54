package ledger

import (
	"slices"
	"strings"

	"dossier/internal/casestore"
)

// NeedFilter narrows a section's evidence request. Empty Types and Tags match
// every classified record.
type NeedFilter struct {
	Types []string
	Tags  []string
	Limit int
}

func (f NeedFilter) matches(sectionID string, rec casestore.EvidenceRecord) bool {
	if rec.Type == Unclassified && !slices.Contains(f.Types, Unclassified) {
		return false
	}
	if rec.HasSection(sectionID) {
		return true
	}
	if len(f.Types) == 0 && len(f.Tags) == 0 {
		return true
	}
	if slices.Contains(f.Types, rec.Type) {
		return true
	}
	for _, tag := range f.Tags {
		if slices.Contains(rec.Tags, tag) {
			return true
		}
	}
	return false
}

// NeedPayload renders a section.needs request payload.
func NeedPayload(caseID, sectionID string, filter NeedFilter) map[string]any {
	return map[string]any{
		"case_id":    caseID,
		"section_id": sectionID,
		"types":      slices.Clone(filter.Types),
		"tags":       slices.Clone(filter.Tags),
		"limit":      filter.Limit,
	}
}

// NeedFromPayload parses a section.needs payload.
func NeedFromPayload(payload map[string]any) (string, string, NeedFilter) {
	caseID, _ := payload["case_id"].(string)
	sectionID, _ := payload["section_id"].(string)
	filter := NeedFilter{
		Types: lowerStrings(payload["types"]),
		Tags:  lowerStrings(payload["tags"]),
	}
	switch limit := payload["limit"].(type) {
	case int:
		filter.Limit = limit
	case float64:
		filter.Limit = int(limit)
	}
	return caseID, sectionID, filter
}

// EvidenceFromReply extracts the records from a section.needs reply.
func EvidenceFromReply(payload map[string]any) []casestore.EvidenceRecord {
	records, _ := payload["evidence"].([]casestore.EvidenceRecord)
	return records
}

func lowerStrings(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
