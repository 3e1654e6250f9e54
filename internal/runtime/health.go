package runtime

import (
	"context"
	"errors"
	"slices"

	"dossier/internal/bus"
	"dossier/internal/preflight"
	"dossier/internal/services"
	"dossier/internal/stage"
)

// Names components answer rollcall requests under.
var rollcallResponders = []string{
	"evidence-ledger",
	"section-orchestrator",
	"ecosystem-controller",
	"repair-queue",
}

// Health summarizes readiness of a runtime.
type Health struct {
	Ready         bool               `json:"ready"`
	Preflight     []preflight.Result `json:"preflight"`
	Tools         []stage.Health     `json:"tools"`
	Responders    []string           `json:"responders,omitempty"`
	Throttled     bool               `json:"rollcall_throttled,omitempty"`
	RepairBacklog int                `json:"repair_backlog"`
	RepairEvicted int                `json:"repair_evicted"`
}

func (r *Runtime) attachRollcall() error {
	for _, name := range rollcallResponders {
		responder := name
		if _, err := r.Bus.Subscribe(bus.TopicStatusRollcall, responder, func(_ context.Context, _ bus.Signal) (map[string]any, error) {
			return map[string]any{"component": responder, "status": "ok"}, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Health runs preflight checks, extractor health checks, and a rollcall
// across every component.
func (r *Runtime) Health(ctx context.Context) Health {
	health := Health{
		Preflight:     preflight.RunAll(ctx, r.Config),
		Tools:         r.Tools.Health(ctx),
		RepairBacklog: r.Repair.Len(),
		RepairEvicted: r.Repair.Evicted(),
	}
	result, err := r.Bus.Rollcall(ctx, "*", component)
	switch {
	case errors.Is(err, services.ErrThrottled):
		health.Throttled = true
	case err == nil:
		for _, reply := range result.Replies {
			health.Responders = append(health.Responders, reply.Responder)
		}
		slices.Sort(health.Responders)
	}

	health.Ready = len(preflight.Failed(health.Preflight)) == 0
	for _, tool := range health.Tools {
		if !tool.Ready {
			health.Ready = false
		}
	}
	return health
}
