package section

import (
	"context"
	"errors"
	"sync"

	"dossier/internal/casestore"
	"dossier/internal/logging"
	"dossier/internal/services"
)

// Report summarizes one RunCase pass.
type Report struct {
	CaseID   string                   `json:"case_id"`
	Sections []casestore.SectionState `json:"sections"`
	Blocked  []string                 `json:"blocked,omitempty"`
	Skipped  []string                 `json:"skipped,omitempty"`
}

// RunCase drives every configured section: the first section alone, then the
// middle sections concurrently, then the final section once the locks allow.
// Blocked and lock-skipped sections are reported, not returned as errors.
func (o *Orchestrator) RunCase(ctx context.Context, caseID string) (Report, error) {
	if _, err := o.store.Case(caseID); err != nil {
		return Report{}, err
	}
	report := Report{CaseID: caseID}
	var mu sync.Mutex
	record := func(sectionID string, err error) error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, services.ErrSectionBlocked):
			report.Blocked = append(report.Blocked, sectionID)
			return nil
		case errors.Is(err, services.ErrOrderingLock):
			report.Skipped = append(report.Skipped, sectionID)
			return nil
		default:
			return err
		}
	}

	var errs []error
	if o.first != "" {
		_, err := o.Run(ctx, caseID, o.first)
		if err := record(o.first, err); err != nil {
			return report, err
		}
	}

	var middle []string
	for _, id := range o.order {
		if id != o.first && id != o.final {
			middle = append(middle, id)
		}
	}
	var wg sync.WaitGroup
	results := make([]error, len(middle))
	for i, id := range middle {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Run(ctx, caseID, id)
			results[i] = record(id, err)
		}()
	}
	wg.Wait()
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if o.final != "" && o.final != o.first {
		_, err := o.Run(ctx, caseID, o.final)
		if err := record(o.final, err); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range o.order {
		state, err := o.State(caseID, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Sections = append(report.Sections, state)
	}
	logging.WithContext(services.WithCaseID(ctx, caseID), o.logger).Info("case pass finished",
		logging.String(logging.FieldEventType, "case_pass_complete"),
		logging.Int("sections", len(report.Sections)),
		logging.Strings("blocked", report.Blocked),
		logging.Strings("skipped", report.Skipped),
	)
	return report, errors.Join(errs...)
}

// Approved reports whether every required section in the report is approved.
func (o *Orchestrator) Approved(report Report) bool {
	for _, state := range report.Sections {
		if spec, ok := o.sections[state.ID]; ok && spec.Required && !state.Approved {
			return false
		}
	}
	return len(report.Sections) > 0
}
