package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SectionVersion is an approved section payload archived when the section
// was reopened.
type SectionVersion struct {
	CaseID      string         `json:"case_id"`
	SectionID   string         `json:"section_id"`
	Version     int            `json:"version"`
	PayloadHash string         `json:"payload_hash"`
	Payload     map[string]any `json:"payload"`
	Reason      string         `json:"reason,omitempty"`
	ArchivedAt  time.Time      `json:"archived_at"`
}

// ArchiveSectionVersion stores an approved payload, adding a registry row
// for a case not registered yet (archived when another case is active). Archiving the same version
// twice keeps the first copy.
func (s *Store) ArchiveSectionVersion(ctx context.Context, v SectionVersion) error {
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("encode section payload: %w", err)
	}
	if v.ArchivedAt.IsZero() {
		v.ArchivedAt = time.Now()
	}
	// Orchestrators can run without the controller registering the case.
	now := formatTime(time.Now())
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO cases (case_id, status, operator, manifest_version, created_at, updated_at)
		VALUES (?, CASE WHEN EXISTS (SELECT 1 FROM cases WHERE status = ?) THEN ? ELSE ? END, '', 0, ?, ?)
		ON CONFLICT(case_id) DO NOTHING`,
		v.CaseID, CaseActive, CaseArchived, CaseActive, now, now,
	); err != nil {
		return fmt.Errorf("ensure case %s: %w", v.CaseID, err)
	}
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO section_versions (case_id, section_id, version, payload_hash, payload, reason, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, section_id, version) DO NOTHING`,
		v.CaseID, v.SectionID, v.Version, v.PayloadHash, string(payload), v.Reason, formatTime(v.ArchivedAt),
	); err != nil {
		return fmt.Errorf("archive %s/%s v%d: %w", v.CaseID, v.SectionID, v.Version, err)
	}
	return nil
}

// SectionVersions lists archived versions of a section, oldest first.
func (s *Store) SectionVersions(ctx context.Context, caseID, sectionID string) ([]SectionVersion, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `
		SELECT case_id, section_id, version, payload_hash, payload, reason, archived_at
		FROM section_versions WHERE case_id = ? AND section_id = ? ORDER BY version`,
		caseID, sectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list section versions: %w", err)
	}
	defer rows.Close()
	var out []SectionVersion
	for rows.Next() {
		var (
			v          SectionVersion
			payload    string
			archivedAt string
		)
		if err := rows.Scan(&v.CaseID, &v.SectionID, &v.Version, &v.PayloadHash, &payload, &v.Reason, &archivedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &v.Payload); err != nil {
			return nil, fmt.Errorf("decode section payload: %w", err)
		}
		v.ArchivedAt = parseTime(archivedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}
