package section

import (
	"context"
	"fmt"
	"strings"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/journal"
	"dossier/internal/logging"
	"dossier/internal/services"
)

// RequestRevision reopens an approved section on behalf of an operator
// authorized for section.revise. The approved version is archived, a frozen
// case is reopened, the revision depth and version advance, and the pipeline
// re-enters Extract with the section's working set. Unauthorized requests and
// requests past the section's rerun budget change nothing.
func (o *Orchestrator) RequestRevision(ctx context.Context, caseID, sectionID, requester, reason string) (casestore.SectionState, error) {
	spec, ok := o.sections[sectionID]
	if !ok {
		return casestore.SectionState{}, services.Wrap(services.ErrNotFound, component, "request_revision", "unknown section "+sectionID, nil)
	}
	if err := o.authorize(config.OpSectionRevise, requester); err != nil {
		return casestore.SectionState{}, err
	}
	release, err := o.claim(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	defer release()

	ctx = services.WithSection(services.WithCaseID(ctx, caseID), sectionID)
	logger := logging.WithContext(ctx, o.logger)

	current, err := o.State(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	if ParseStage(current.Stage) != StageMonitor || !current.Approved {
		return current, services.Wrap(services.ErrValidation, component, "request_revision",
			fmt.Sprintf("section %s is %s, only approved sections can be revised", sectionID, current.Stage), nil)
	}
	if current.RevisionDepth >= spec.MaxReruns {
		logging.WarnWithContext(logger, "revision rejected", "revision_limit",
			logging.String(logging.FieldErrorHint, "reset the case to start over"),
			logging.Int("revision_depth", current.RevisionDepth),
			logging.Int("max_reruns", spec.MaxReruns),
			logging.String("requester", requester),
		)
		return current, services.Wrap(services.ErrRevisionLimit, component, "request_revision",
			fmt.Sprintf("section %s already revised %d of %d times", sectionID, current.RevisionDepth, spec.MaxReruns), nil)
	}

	if o.archive != nil {
		if err := o.archive.ArchiveSectionVersion(ctx, journal.SectionVersion{
			CaseID:      caseID,
			SectionID:   sectionID,
			Version:     current.Version,
			PayloadHash: current.PayloadHash,
			Payload:     current.Payload,
			Reason:      reason,
		}); err != nil {
			return current, services.Wrap(services.ErrTransient, component, "request_revision", "archive approved version", err)
		}
	}

	if err := o.reopen(ctx, caseID, sectionID, requester); err != nil {
		return current, err
	}

	note := "revision requested"
	if requester = strings.TrimSpace(requester); requester != "" {
		note += " by " + requester
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	if _, err := o.advance(caseID, sectionID, StageExtract, func(s *casestore.SectionState) {
		s.Approved = false
		s.Payload = nil
		s.PayloadHash = ""
		s.RevisionDepth++
		s.Version++
		s.Provenance = append(s.Provenance, casestore.ProvenanceEntry{At: o.clock().UTC(), Stage: string(StageMonitor), Note: note})
	}); err != nil {
		return current, err
	}
	logger.Info("revision accepted",
		logging.String(logging.FieldEventType, "revision_accepted"),
		logging.Int("version", current.Version+1),
		logging.Int("revision_depth", current.RevisionDepth+1),
	)

	working := make([]casestore.EvidenceRecord, 0, len(current.WorkingSet))
	for _, id := range current.WorkingSet {
		rec, err := o.store.Evidence(caseID, id)
		if err != nil {
			return current, err
		}
		working = append(working, rec)
	}
	return o.process(ctx, caseID, spec, working)
}

// reopen unfreezes the case so the revised section can be written again. The
// controller freezes it once more when the section is re-approved.
func (o *Orchestrator) reopen(ctx context.Context, caseID, sectionID, requester string) error {
	manifest, reopened, err := o.store.Reopen(ctx, caseID)
	if err != nil {
		return err
	}
	if !reopened {
		return nil
	}
	logging.WithContext(ctx, o.logger).Info("case reopened for revision",
		logging.String(logging.FieldEventType, "case_reopened"),
		logging.Int("manifest_version", manifest.ManifestVersion),
		logging.String("requester", requester),
	)
	o.publishSignal(ctx, bus.Signal{
		Topic:     bus.TopicCaseReopened,
		Sender:    component,
		RadioCode: bus.RadioACK,
		Message:   "section " + sectionID + " revision",
		Payload: map[string]any{
			"case_id":          caseID,
			"section_id":       sectionID,
			"requester":        requester,
			"manifest_version": manifest.ManifestVersion,
		},
	})
	return nil
}

func (o *Orchestrator) handleRevision(ctx context.Context, sig bus.Signal) (map[string]any, error) {
	caseID := sig.String("case_id")
	sectionID := sig.String("section_id")
	if caseID == "" || sectionID == "" {
		return nil, services.Wrap(services.ErrValidation, component, "request_revision", "case_id and section_id are required", nil)
	}
	state, err := o.RequestRevision(ctx, caseID, sectionID, sig.String("requester"), sig.String("reason"))
	reply := map[string]any{
		"case_id":        caseID,
		"section_id":     sectionID,
		"accepted":       err == nil,
		"stage":          state.Stage,
		"version":        state.Version,
		"revision_depth": state.RevisionDepth,
	}
	if err != nil {
		details := services.Details(err)
		reply["error_kind"] = details.Kind
		reply["error"] = err.Error()
	}
	return reply, nil
}
