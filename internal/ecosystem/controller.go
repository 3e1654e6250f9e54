package ecosystem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/journal"
	"dossier/internal/logging"
	"dossier/internal/services"
)

const component = "ecosystem-controller"

// Bus is the slice of the signal bus the controller uses.
type Bus interface {
	Publish(ctx context.Context, sig bus.Signal) (bus.DeliveryResult, error)
	Subscribe(topic bus.Topic, name string, handler bus.Handler) (bus.Subscription, error)
}

// Registry is the durable case registry.
type Registry interface {
	RegisterCase(ctx context.Context, caseID, operator string) error
	SetCaseStatus(ctx context.Context, caseID string, status journal.CaseStatus, manifestVersion int) error
}

// Options configures a Controller.
type Options struct {
	Config   *config.Config
	Store    *casestore.Store
	Registry Registry
	Bus      Bus
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Controller owns case lifecycle and the mission view.
type Controller struct {
	store     *casestore.Store
	registry  Registry
	bus       Bus
	logger    *slog.Logger
	clock     func() time.Time
	sections  []config.Section
	operators map[string][]string

	mu       sync.Mutex
	missions map[string]*mission
}

// New constructs a controller.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil || opts.Store == nil || opts.Bus == nil {
		return nil, services.Wrap(services.ErrValidation, component, "new", "config, store, and bus are required", nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	operators := make(map[string][]string, len(opts.Config.Authorization.Operators))
	for op, names := range opts.Config.Authorization.Operators {
		for _, name := range names {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				operators[op] = append(operators[op], name)
			}
		}
		if _, ok := operators[op]; !ok {
			operators[op] = nil
		}
	}
	return &Controller{
		store:     opts.Store,
		registry:  opts.Registry,
		bus:       opts.Bus,
		logger:    logging.NewComponentLogger(opts.Logger, component),
		clock:     clock,
		sections:  opts.Config.Sections,
		operators: operators,
		missions:  make(map[string]*mission),
	}, nil
}

// Attach subscribes the controller to the signals it aggregates.
func (c *Controller) Attach() error {
	handlers := map[bus.Topic]bus.Handler{
		bus.TopicSectionCompleted: c.onSectionCompleted,
		bus.TopicSectionBlocked:   c.onSectionBlocked,
		bus.TopicEvidenceUpdated:  c.onEvidenceUpdated,
		bus.TopicFaultRaised:      c.onFaultRaised,
		bus.TopicCaseReopened:     c.onCaseReopened,
	}
	for _, topic := range bus.Topics() {
		handler, ok := handlers[topic]
		if !ok {
			continue
		}
		if _, err := c.bus.Subscribe(topic, component, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// StartCase allocates a fresh arena for caseID. Starting over an existing
// case is a reset and needs case.reset authorization as well.
func (c *Controller) StartCase(ctx context.Context, caseID, requester string) (*casestore.Case, error) {
	if err := c.Check(config.OpCaseStart, requester); err != nil {
		return nil, err
	}
	exists, err := c.store.Exists(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if exists {
		return c.ResetCase(ctx, caseID, requester)
	}
	arena, err := c.store.CreateCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return arena, c.started(ctx, arena, requester, "created")
}

// ResetCase discards a case's evidence and sections by installing a new
// arena at the next manifest version.
func (c *Controller) ResetCase(ctx context.Context, caseID, requester string) (*casestore.Case, error) {
	if err := c.Check(config.OpCaseReset, requester); err != nil {
		return nil, err
	}
	arena, err := c.store.ResetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return arena, c.started(ctx, arena, requester, "reset")
}

// ResumeCase reloads a persisted case and rebuilds its mission view from the
// stored sections.
func (c *Controller) ResumeCase(ctx context.Context, caseID, requester string) (*casestore.Case, error) {
	if err := c.Check(config.OpCaseStart, requester); err != nil {
		return nil, err
	}
	arena, err := c.store.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if arena.Frozen() {
		c.seed(caseID, arena)
		return arena, nil
	}
	return arena, c.started(ctx, arena, requester, "resumed")
}

func (c *Controller) started(ctx context.Context, arena *casestore.Case, requester, mode string) error {
	caseID := arena.ID()
	if c.registry != nil {
		if err := c.registry.RegisterCase(ctx, caseID, requester); err != nil {
			return services.Wrap(services.ErrTransient, component, "start_case", "register case", err)
		}
	}
	c.seed(caseID, arena)
	logging.WithContext(services.WithCaseID(ctx, caseID), c.logger).Info("case started",
		logging.String(logging.FieldEventType, "case_started"),
		logging.String("mode", mode),
		logging.String("requester", requester),
		logging.Int("manifest_version", arena.ManifestVersion()),
	)
	c.publish(ctx, bus.Signal{
		Topic:     bus.TopicCaseStarted,
		Sender:    component,
		RadioCode: bus.RadioACK,
		Message:   "case " + mode,
		Payload: map[string]any{
			"case_id":          caseID,
			"requester":        requester,
			"mode":             mode,
			"manifest_version": arena.ManifestVersion(),
		},
	})
	return nil
}

// Refresh rebuilds the mission view for a case already held by the store.
func (c *Controller) Refresh(caseID string) {
	arena, err := c.store.Case(caseID)
	if err != nil {
		return
	}
	c.seed(caseID, arena)
}

// seed replaces the mission for a case with one built from the store.
func (c *Controller) seed(caseID string, arena *casestore.Case) {
	m := c.newMission(caseID)
	m.frozen = arena.Frozen()
	m.manifestVersion = arena.ManifestVersion()
	m.lastUpdate = c.clock().UTC()
	if records, err := c.store.ListEvidence(caseID); err == nil {
		for _, rec := range records {
			m.evidence[rec.ID] = struct{}{}
		}
	}
	if states, err := c.store.Sections(caseID); err == nil {
		for _, state := range states {
			status := m.section(state.ID)
			status.Stage = state.Stage
			status.Approved = state.Approved
			status.Hash = state.PayloadHash
			status.Version = state.Version
			status.Reason = state.BlockedReason
			status.UpdatedAt = state.UpdatedAt
		}
	}
	c.mu.Lock()
	c.missions[caseID] = m
	c.mu.Unlock()
}

func (c *Controller) newMission(caseID string) *mission {
	m := &mission{
		caseID:   caseID,
		evidence: make(map[string]struct{}),
		sections: make(map[string]*SectionStatus, len(c.sections)),
	}
	for _, sec := range c.sections {
		m.section(sec.ID).Required = sec.Required
	}
	return m
}

// Status returns the mission snapshot for caseID.
func (c *Controller) Status(caseID string) MissionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.missions[caseID]
	if !ok {
		m = c.newMission(caseID)
	}
	return m.snapshot()
}

// mutate applies fn to the case mission under the controller lock.
func (c *Controller) mutate(caseID string, fn func(*mission)) MissionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.missions[caseID]
	if !ok {
		m = c.newMission(caseID)
		c.missions[caseID] = m
	}
	fn(m)
	m.lastUpdate = c.clock().UTC()
	return m.snapshot()
}

func (c *Controller) onSectionCompleted(ctx context.Context, sig bus.Signal) (map[string]any, error) {
	caseID, sectionID := sig.String("case_id"), sig.String("section_id")
	if caseID == "" || sectionID == "" {
		return nil, services.Wrap(services.ErrValidation, component, "section_completed", "case_id and section_id are required", nil)
	}
	var freeze bool
	snap := c.mutate(caseID, func(m *mission) {
		status := m.section(sectionID)
		status.Stage = "monitor"
		status.Approved = true
		status.Hash = sig.String("hash")
		status.Version = intValue(sig.Payload["version"])
		status.Reason = ""
		status.UpdatedAt = sig.CreatedAt
		if v := intValue(sig.Payload["manifest_version"]); v > m.manifestVersion {
			m.manifestVersion = v
		}
		freeze = !m.frozen && m.requiredApproved()
	})
	if freeze {
		if err := c.freeze(ctx, caseID); err != nil {
			return nil, err
		}
	}
	return map[string]any{"complete": snap.Complete}, nil
}

func (c *Controller) onSectionBlocked(_ context.Context, sig bus.Signal) (map[string]any, error) {
	caseID, sectionID := sig.String("case_id"), sig.String("section_id")
	if caseID == "" || sectionID == "" {
		return nil, services.Wrap(services.ErrValidation, component, "section_blocked", "case_id and section_id are required", nil)
	}
	c.mutate(caseID, func(m *mission) {
		status := m.section(sectionID)
		status.Stage = "blocked"
		if stage := sig.String("stage"); stage == "cancelled" {
			status.Stage = stage
		}
		status.Approved = false
		status.Reason = sig.String("reason")
		status.UpdatedAt = sig.CreatedAt
	})
	return nil, nil
}

func (c *Controller) onEvidenceUpdated(_ context.Context, sig bus.Signal) (map[string]any, error) {
	caseID, evidenceID := sig.String("case_id"), sig.String("evidence_id")
	if caseID == "" || evidenceID == "" {
		return nil, nil
	}
	c.mutate(caseID, func(m *mission) {
		m.evidence[evidenceID] = struct{}{}
	})
	return nil, nil
}

func (c *Controller) onFaultRaised(_ context.Context, sig bus.Signal) (map[string]any, error) {
	caseID := sig.String("case_id")
	if caseID == "" {
		return nil, nil
	}
	c.mutate(caseID, func(m *mission) {
		m.faults++
		m.lastFault = sig.String("key")
	})
	return nil, nil
}

// onCaseReopened returns a frozen case to active while one of its sections is
// revised.
func (c *Controller) onCaseReopened(ctx context.Context, sig bus.Signal) (map[string]any, error) {
	caseID, sectionID := sig.String("case_id"), sig.String("section_id")
	if caseID == "" {
		return nil, services.Wrap(services.ErrValidation, component, "case_reopened", "case_id is required", nil)
	}
	version := intValue(sig.Payload["manifest_version"])
	if c.registry != nil {
		if err := c.registry.SetCaseStatus(ctx, caseID, journal.CaseActive, version); err != nil {
			return nil, services.Wrap(services.ErrTransient, component, "case_reopened", "record active status", err)
		}
	}
	c.mutate(caseID, func(m *mission) {
		m.frozen = false
		if version > m.manifestVersion {
			m.manifestVersion = version
		}
		if sectionID != "" {
			status := m.section(sectionID)
			status.Stage = "extract"
			status.Approved = false
			status.UpdatedAt = sig.CreatedAt
		}
	})
	logging.WithContext(services.WithCaseID(ctx, caseID), c.logger).Info("case reopened",
		logging.String(logging.FieldEventType, "case_reopened"),
		logging.String("section", sectionID),
		logging.String("requester", sig.String("requester")),
	)
	return nil, nil
}

// freeze locks the case in the store and the registry and announces it.
func (c *Controller) freeze(ctx context.Context, caseID string) error {
	manifest, err := c.store.Freeze(ctx, caseID)
	if err != nil {
		return err
	}
	if c.registry != nil {
		if err := c.registry.SetCaseStatus(ctx, caseID, journal.CaseFrozen, manifest.ManifestVersion); err != nil {
			return services.Wrap(services.ErrTransient, component, "freeze", "record frozen status", err)
		}
	}
	c.mutate(caseID, func(m *mission) {
		m.frozen = true
		m.manifestVersion = manifest.ManifestVersion
	})
	logging.WithContext(services.WithCaseID(ctx, caseID), c.logger).Info("case frozen",
		logging.String(logging.FieldEventType, "case_frozen"),
		logging.Int("manifest_version", manifest.ManifestVersion),
		logging.Int("evidence_count", manifest.EvidenceCount),
	)
	c.publish(ctx, bus.Signal{
		Topic:     bus.TopicCaseFrozen,
		Sender:    component,
		RadioCode: bus.RadioComplete,
		Message:   "all required sections approved",
		Payload: map[string]any{
			"case_id":          caseID,
			"manifest_version": manifest.ManifestVersion,
			"evidence_count":   manifest.EvidenceCount,
		},
	})
	return nil
}

func (c *Controller) publish(ctx context.Context, sig bus.Signal) {
	if _, err := c.bus.Publish(ctx, sig); err != nil {
		c.logger.Warn("signal publish failed",
			logging.String(logging.FieldEventType, "publish_failed"),
			logging.String(logging.FieldErrorHint, "check topic registration"),
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.Error(err),
		)
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
