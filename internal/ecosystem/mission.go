package ecosystem

import (
	"slices"
	"time"
)

// SectionStatus is the controller's view of one section.
type SectionStatus struct {
	ID        string    `json:"section_id" yaml:"section_id"`
	Required  bool      `json:"required" yaml:"required"`
	Stage     string    `json:"stage" yaml:"stage"`
	Approved  bool      `json:"approved" yaml:"approved"`
	Hash      string    `json:"payload_hash,omitempty" yaml:"payload_hash,omitempty"`
	Version   int       `json:"version,omitempty" yaml:"version,omitempty"`
	Reason    string    `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// MissionSnapshot aggregates the signals seen for one case.
type MissionSnapshot struct {
	CaseID            string          `json:"case_id" yaml:"case_id"`
	Frozen            bool            `json:"frozen" yaml:"frozen"`
	Complete          bool            `json:"complete" yaml:"complete"`
	EvidenceCount     int             `json:"evidence_count" yaml:"evidence_count"`
	Sections          []SectionStatus `json:"sections" yaml:"sections"`
	OutstandingBlocks []string        `json:"outstanding_blocks,omitempty" yaml:"outstanding_blocks,omitempty"`
	Faults            int             `json:"faults" yaml:"faults"`
	LastFault         string          `json:"last_fault,omitempty" yaml:"last_fault,omitempty"`
	ManifestVersion   int             `json:"manifest_version" yaml:"manifest_version"`
	LastUpdate        time.Time       `json:"last_update,omitzero" yaml:"last_update,omitempty"`
}

type mission struct {
	caseID          string
	frozen          bool
	evidence        map[string]struct{}
	sections        map[string]*SectionStatus
	order           []string
	faults          int
	lastFault       string
	manifestVersion int
	lastUpdate      time.Time
}

func (m *mission) section(id string) *SectionStatus {
	status, ok := m.sections[id]
	if !ok {
		status = &SectionStatus{ID: id, Stage: "pending"}
		m.sections[id] = status
		m.order = append(m.order, id)
	}
	return status
}

func (m *mission) requiredApproved() bool {
	required := 0
	for _, status := range m.sections {
		if !status.Required {
			continue
		}
		required++
		if !status.Approved {
			return false
		}
	}
	return required > 0
}

func (m *mission) snapshot() MissionSnapshot {
	snap := MissionSnapshot{
		CaseID:          m.caseID,
		Frozen:          m.frozen,
		Complete:        m.requiredApproved(),
		EvidenceCount:   len(m.evidence),
		Faults:          m.faults,
		LastFault:       m.lastFault,
		ManifestVersion: m.manifestVersion,
		LastUpdate:      m.lastUpdate,
	}
	for _, id := range m.order {
		status := *m.sections[id]
		snap.Sections = append(snap.Sections, status)
		if status.Stage == "blocked" {
			snap.OutstandingBlocks = append(snap.OutstandingBlocks, id)
		}
	}
	slices.Sort(snap.OutstandingBlocks)
	return snap
}
