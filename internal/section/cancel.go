package section

import (
	"context"
	"fmt"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/services"
)

func (o *Orchestrator) authorize(operation, operator string) error {
	if o.auth == nil {
		return services.Wrap(services.ErrUnauthorized, component, operation, "no authorizer configured", nil)
	}
	return o.auth.Check(operation, operator)
}

// Cancel moves a blocked section to the terminal cancelled stage on behalf of
// an authorized operator and releases its acquire claim.
func (o *Orchestrator) Cancel(ctx context.Context, caseID, sectionID, operator string) (casestore.SectionState, error) {
	spec, ok := o.sections[sectionID]
	if !ok {
		return casestore.SectionState{}, services.Wrap(services.ErrNotFound, component, "cancel", "unknown section "+sectionID, nil)
	}
	if err := o.authorize(config.OpSectionCancel, operator); err != nil {
		return casestore.SectionState{}, err
	}
	ctx = services.WithSection(services.WithCaseID(ctx, caseID), sectionID)

	state, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		from := ParseStage(s.Stage)
		if from != StageBlocked {
			return services.Wrap(services.ErrValidation, component, "cancel",
				fmt.Sprintf("section %s is %s, only blocked sections can be cancelled", sectionID, from), nil)
		}
		s.Stage = string(StageCancelled)
		s.Provenance = append(s.Provenance, casestore.ProvenanceEntry{
			At:    o.clock().UTC(),
			Stage: string(StageCancelled),
			Note:  "cancelled by " + operator,
		})
		return nil
	})
	if err != nil {
		return casestore.SectionState{}, err
	}
	o.releaseClaim(caseID, sectionID)
	if _, err := o.store.Snapshot(ctx, caseID); err != nil {
		return state, err
	}
	logging.WithContext(ctx, o.logger).Info("section cancelled",
		logging.String(logging.FieldEventType, "section_cancelled"),
		logging.String("operator", operator),
		logging.String("blocked_reason", state.BlockedReason),
	)
	o.publishSignal(ctx, bus.Signal{
		Topic:     bus.TopicSectionBlocked,
		Sender:    "section:" + sectionID,
		RadioCode: bus.RadioComplete,
		Message:   "section cancelled",
		Payload: map[string]any{
			"case_id":    caseID,
			"section_id": sectionID,
			"required":   spec.Required,
			"stage":      string(StageCancelled),
			"reason":     state.BlockedReason,
			"cancelled":  true,
			"operator":   operator,
		},
	})
	return state, nil
}

// Override approves a blocked section with an operator-supplied payload. The
// payload still goes through Normalize and Validate.
func (o *Orchestrator) Override(ctx context.Context, caseID, sectionID, operator string, payload map[string]any) (casestore.SectionState, error) {
	spec, ok := o.sections[sectionID]
	if !ok {
		return casestore.SectionState{}, services.Wrap(services.ErrNotFound, component, "override", "unknown section "+sectionID, nil)
	}
	if err := o.authorize(config.OpSectionOverride, operator); err != nil {
		return casestore.SectionState{}, err
	}
	release, err := o.claim(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	defer release()
	ctx = services.WithSection(services.WithCaseID(ctx, caseID), sectionID)

	current, err := o.State(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	if ParseStage(current.Stage) != StageBlocked {
		return current, services.Wrap(services.ErrValidation, component, "override",
			fmt.Sprintf("section %s is %s, only blocked sections can be overridden", sectionID, current.Stage), nil)
	}
	normalized, err := o.normalizer.Normalize(ctx, caseID, payload)
	if err != nil {
		return current, services.Wrap(services.ErrValidation, component, "override", "normalize override payload", err)
	}
	if err := o.validate(caseID, spec, normalized); err != nil {
		return current, err
	}
	if _, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		s.Provenance = append(s.Provenance, casestore.ProvenanceEntry{
			At:         o.clock().UTC(),
			Tool:       "override",
			Stage:      string(StagePublish),
			Confidence: 1,
			Note:       "payload supplied by " + operator,
		})
		return nil
	}); err != nil {
		return current, err
	}
	return o.publish(ctx, caseID, spec, normalized)
}
