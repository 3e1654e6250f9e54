package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dossier/internal/services"
)

// CaseStatus is the registry lifecycle of a case.
type CaseStatus string

const (
	CaseActive   CaseStatus = "active"
	CaseFrozen   CaseStatus = "frozen"
	CaseArchived CaseStatus = "archived"
)

// CaseRecord is one case registry row.
type CaseRecord struct {
	CaseID          string     `json:"case_id"`
	Status          CaseStatus `json:"status"`
	Operator        string     `json:"operator,omitempty"`
	ManifestVersion int        `json:"manifest_version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RegisterCase records caseID as active, resetting an existing row. Other
// active cases are archived so at most one case is active.
func (s *Store) RegisterCase(ctx context.Context, caseID, operator string) error {
	ctx = ensureContext(ctx)
	now := formatTime(time.Now())
	if _, err := s.execWithRetry(ctx,
		`UPDATE cases SET status = ?, updated_at = ? WHERE status = ? AND case_id <> ?`,
		CaseArchived, now, CaseActive, caseID,
	); err != nil {
		return fmt.Errorf("archive previous cases: %w", err)
	}
	if _, err := s.execWithRetry(ctx, `
		INSERT INTO cases (case_id, status, operator, manifest_version, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			status = excluded.status,
			operator = excluded.operator,
			updated_at = excluded.updated_at`,
		caseID, CaseActive, strings.TrimSpace(operator), now, now,
	); err != nil {
		return fmt.Errorf("register case %s: %w", caseID, err)
	}
	return nil
}

// SetCaseStatus updates the lifecycle status and manifest version of a case.
func (s *Store) SetCaseStatus(ctx context.Context, caseID string, status CaseStatus, manifestVersion int) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE cases SET status = ?, manifest_version = MAX(manifest_version, ?), updated_at = ? WHERE case_id = ?`,
		status, manifestVersion, formatTime(time.Now()), caseID,
	)
	if err != nil {
		return fmt.Errorf("update case %s: %w", caseID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return services.Wrap(services.ErrNotFound, "journal", "set_case_status", "unknown case "+caseID, nil)
	}
	return nil
}

// Case returns one registry row.
func (s *Store) Case(ctx context.Context, caseID string) (CaseRecord, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT case_id, status, operator, manifest_version, created_at, updated_at FROM cases WHERE case_id = ?`,
		caseID,
	)
	rec, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CaseRecord{}, services.Wrap(services.ErrNotFound, "journal", "case", "unknown case "+caseID, nil)
	}
	return rec, err
}

// ListCases returns every registered case, newest first.
func (s *Store) ListCases(ctx context.Context) ([]CaseRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT case_id, status, operator, manifest_version, created_at, updated_at FROM cases ORDER BY updated_at DESC, case_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()
	var out []CaseRecord
	for rows.Next() {
		rec, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (CaseRecord, error) {
	var (
		rec       CaseRecord
		status    string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&rec.CaseID, &status, &rec.Operator, &rec.ManifestVersion, &createdAt, &updatedAt); err != nil {
		return CaseRecord{}, err
	}
	rec.Status = CaseStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
