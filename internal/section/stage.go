package section

import (
	"fmt"
	"slices"

	"dossier/internal/services"
)

// Stage is a section pipeline state.
type Stage string

const (
	StagePending   Stage = "pending"
	StageAcquire   Stage = "acquire"
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageValidate  Stage = "validate"
	StagePublish   Stage = "publish"
	StageBlocked   Stage = "blocked"
	StageMonitor   Stage = "monitor"
	StageCancelled Stage = "cancelled"
)

var transitions = map[Stage][]Stage{
	StagePending:   {StageAcquire},
	StageAcquire:   {StageExtract, StageBlocked},
	StageExtract:   {StageNormalize, StageBlocked},
	StageNormalize: {StageValidate, StageBlocked},
	StageValidate:  {StagePublish, StageExtract, StageBlocked},
	StagePublish:   {StageMonitor},
	StageMonitor:   {StageExtract},
	StageBlocked:   {StageAcquire, StageCancelled, StagePublish},
	StageCancelled: nil,
}

// ParseStage maps a stored stage label; empty means pending.
func ParseStage(label string) Stage {
	if label == "" {
		return StagePending
	}
	return Stage(label)
}

// CanTransition reports whether the pipeline may move from one stage to
// another.
func CanTransition(from, to Stage) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return len(transitions[s]) == 0
}

func checkTransition(sectionID string, from, to Stage) error {
	if CanTransition(from, to) {
		return nil
	}
	return services.Wrap(services.ErrValidation, component, "transition",
		fmt.Sprintf("section %s cannot move from %s to %s", sectionID, from, to), nil)
}
