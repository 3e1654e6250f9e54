package section

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/journal"
	"dossier/internal/ledger"
	"dossier/internal/logging"
	"dossier/internal/repair"
	"dossier/internal/services"
	"dossier/internal/stage"
)

const component = "section-orchestrator"

// Bus is the slice of the signal bus the orchestrator uses.
type Bus interface {
	Publish(ctx context.Context, sig bus.Signal) (bus.DeliveryResult, error)
	Request(ctx context.Context, sig bus.Signal) (bus.Reply, error)
	Subscribe(topic bus.Topic, name string, handler bus.Handler) (bus.Subscription, error)
}

// Archiver keeps approved payloads that a revision replaces.
type Archiver interface {
	ArchiveSectionVersion(ctx context.Context, v journal.SectionVersion) error
}

// Authorizer gates operator actions.
type Authorizer interface {
	Check(operation, requester string) error
}

// Options configures an Orchestrator.
type Options struct {
	Config     *config.Config
	Store      *casestore.Store
	Bus        Bus
	Archive    Archiver
	Tools      *stage.Registry
	Authorizer Authorizer
	Normalizer Normalizer
	Logger     *slog.Logger
	Clock      func() time.Time
}

type sectionSpec struct {
	config.Section
	tools  []stage.Extractor
	schema *jsonschema.Schema
}

// Orchestrator drives section pipelines for every case in the store.
type Orchestrator struct {
	store      *casestore.Store
	bus        Bus
	archive    Archiver
	tools      *stage.Registry
	auth       Authorizer
	normalizer Normalizer
	logger     *slog.Logger
	clock      func() time.Time

	order       []string
	sections    map[string]sectionSpec
	first       string
	final       string
	needTimeout time.Duration

	claimsMu sync.Mutex
	claims   map[string]struct{}
}

// New resolves every configured section's tools and schema.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Store == nil || opts.Bus == nil {
		return nil, services.Wrap(services.ErrValidation, component, "new", "config, store, and bus are required", nil)
	}
	tools := opts.Tools
	if tools == nil {
		tools = stage.NewRegistry()
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = CanonicalNormalizer{Identities: opts.Store}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	o := &Orchestrator{
		store:       opts.Store,
		bus:         opts.Bus,
		archive:     opts.Archive,
		tools:       tools,
		auth:        opts.Authorizer,
		normalizer:  normalizer,
		logger:      logging.NewComponentLogger(opts.Logger, component),
		clock:       clock,
		sections:    make(map[string]sectionSpec, len(opts.Config.Sections)),
		first:       opts.Config.Orchestrator.FirstSection,
		final:       opts.Config.Orchestrator.FinalSection,
		needTimeout: opts.Config.NeedTimeout(),
		claims:      make(map[string]struct{}),
	}
	for _, sec := range opts.Config.Sections {
		resolved, err := tools.Resolve(sec.Tools)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", sec.ID, err)
		}
		schema, err := compileSchema(sec.ID, sec.Schema)
		if err != nil {
			return nil, err
		}
		o.sections[sec.ID] = sectionSpec{Section: sec, tools: resolved, schema: schema}
		o.order = append(o.order, sec.ID)
	}
	return o, nil
}

// Attach subscribes the orchestrator to revision requests.
func (o *Orchestrator) Attach() error {
	_, err := o.bus.Subscribe(bus.TopicSectionRequestRevision, component, o.handleRevision)
	return err
}

// Sections returns the configured section ids in configuration order.
func (o *Orchestrator) Sections() []string {
	return slices.Clone(o.order)
}

// State returns the current state of a section, pending when untouched.
func (o *Orchestrator) State(caseID, sectionID string) (casestore.SectionState, error) {
	state, ok, err := o.store.Section(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	if !ok {
		state = casestore.SectionState{ID: sectionID, Stage: string(StagePending)}
		if spec, known := o.sections[sectionID]; known {
			state.MaxReruns = spec.MaxReruns
		}
	}
	return state, nil
}

// Run drives one section from Acquire to Monitor or Blocked. An approved
// section is returned unchanged. A blocked outcome returns the state together
// with an ErrSectionBlocked error.
func (o *Orchestrator) Run(ctx context.Context, caseID, sectionID string) (casestore.SectionState, error) {
	spec, ok := o.sections[sectionID]
	if !ok {
		return casestore.SectionState{}, services.Wrap(services.ErrNotFound, component, "run", "unknown section "+sectionID, nil)
	}
	if err := o.checkOrdering(caseID, sectionID); err != nil {
		current, _ := o.State(caseID, sectionID)
		return current, err
	}
	release, err := o.claim(caseID, sectionID)
	if err != nil {
		current, _ := o.State(caseID, sectionID)
		return current, err
	}
	defer release()

	current, err := o.State(caseID, sectionID)
	if err != nil {
		return casestore.SectionState{}, err
	}
	switch from := ParseStage(current.Stage); from {
	case StageMonitor:
		return current, nil
	case StageCancelled:
		return current, services.Wrap(services.ErrSectionBlocked, component, "run", "section "+sectionID+" was cancelled", nil)
	case StagePending, StageBlocked:
	default:
		// Left mid-pipeline by an interrupted run; nothing else holds the claim.
		if _, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
			s.Stage = string(StageBlocked)
			s.BlockedReason = "interrupted during " + string(from)
			return nil
		}); err != nil {
			return current, err
		}
	}

	ctx = services.WithSection(services.WithCaseID(ctx, caseID), sectionID)
	logger := logging.WithContext(ctx, o.logger)
	logger.Info("section started",
		logging.String(logging.FieldEventType, "section_start"),
		logging.String("from_stage", current.Stage),
	)

	state, err := o.advance(caseID, sectionID, StageAcquire, func(s *casestore.SectionState) {
		s.MaxReruns = spec.MaxReruns
		s.BlockedReason = ""
	})
	if err != nil {
		return current, err
	}
	working, reason, err := o.acquire(ctx, spec)
	if err != nil {
		return state, err
	}
	if reason != "" {
		return o.block(ctx, caseID, spec, StageAcquire, reason, nil)
	}
	if _, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		s.WorkingSet = evidenceIDs(working)
		return nil
	}); err != nil {
		return state, err
	}
	return o.process(ctx, caseID, spec, working)
}

// process runs Extract through Publish, looping back to Extract while the
// revision budget allows.
func (o *Orchestrator) process(ctx context.Context, caseID string, spec sectionSpec, working []casestore.EvidenceRecord) (casestore.SectionState, error) {
	sectionID := spec.ID
	for {
		if _, err := o.enter(caseID, sectionID, StageExtract); err != nil {
			return casestore.SectionState{}, err
		}
		payload, attempted, ok, err := o.extract(ctx, caseID, spec, working)
		if err != nil {
			return casestore.SectionState{}, err
		}
		if !ok {
			return o.block(ctx, caseID, spec, StageExtract, "extraction tools exhausted", attempted)
		}

		if _, err := o.advance(caseID, sectionID, StageNormalize, nil); err != nil {
			return casestore.SectionState{}, err
		}
		normalized, err := o.normalizer.Normalize(ctx, caseID, payload)
		if err != nil {
			o.note(caseID, sectionID, StageNormalize, "", err)
			return o.block(ctx, caseID, spec, StageNormalize, "normalization failed: "+err.Error(), attempted)
		}

		if _, err := o.advance(caseID, sectionID, StageValidate, nil); err != nil {
			return casestore.SectionState{}, err
		}
		verr := o.validate(caseID, spec, normalized)
		if verr == nil {
			return o.publish(ctx, caseID, spec, normalized)
		}
		o.note(caseID, sectionID, StageValidate, "", verr)
		state, err := o.State(caseID, sectionID)
		if err != nil {
			return casestore.SectionState{}, err
		}
		if state.RevisionDepth >= spec.MaxReruns {
			return o.block(ctx, caseID, spec, StageValidate, "validation failed after reruns: "+verr.Error(), attempted)
		}
		logging.WarnWithContext(logging.WithContext(ctx, o.logger), "validation failed, rerunning extraction", "validation_rerun",
			logging.String(logging.FieldErrorHint, "check extractor output against the section schema"),
			logging.Int("revision_depth", state.RevisionDepth+1),
			logging.Int("max_reruns", spec.MaxReruns),
			logging.Error(verr),
		)
		if _, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
			if s.RevisionDepth >= s.MaxReruns {
				return services.Wrap(services.ErrRevisionLimit, component, "rerun", "section "+sectionID, nil)
			}
			s.RevisionDepth++
			return nil
		}); err != nil {
			return casestore.SectionState{}, err
		}
	}
}

func (o *Orchestrator) acquire(ctx context.Context, spec sectionSpec) ([]casestore.EvidenceRecord, string, error) {
	caseID, _ := services.CaseIDFromContext(ctx)
	filter := ledger.NeedFilter{Types: spec.Types, Tags: spec.Tags}
	reply, err := o.bus.Request(ctx, bus.Signal{
		Topic:     bus.TopicSectionNeeds,
		Sender:    "section:" + spec.ID,
		RadioCode: bus.RadioStatusRequest,
		Message:   "evidence needed",
		Payload:   ledger.NeedPayload(caseID, spec.ID, filter),
		Timeout:   o.needTimeout,
	})
	switch {
	case err == nil:
	case errors.Is(err, services.ErrTimeout):
		o.raise(ctx, repair.PriorityHigh, services.NewFault(component, services.FaultTimeout, "acquire",
			fmt.Sprintf("evidence wait for %s exceeded %s", spec.ID, o.needTimeout),
			map[string]any{"case_id": caseID, "section_id": spec.ID, "timeout_seconds": o.needTimeout.Seconds()}), spec.ID)
		return nil, "evidence wait timed out", nil
	case errors.Is(err, services.ErrNotFound):
		o.raise(ctx, repair.PriorityMedium, services.NewFault(component, services.FaultHandler, "acquire",
			"no evidence responder answered "+spec.ID, map[string]any{"case_id": caseID, "section_id": spec.ID, "error": err.Error()}), spec.ID)
		return nil, "no evidence responder", nil
	default:
		return nil, "", err
	}

	working := ledger.EvidenceFromReply(reply.Payload)
	present := make(map[string]bool, len(working))
	for _, rec := range working {
		present[rec.Type] = true
	}
	var missing []string
	for _, typ := range spec.MandatoryTypes {
		if !present[typ] {
			missing = append(missing, typ)
		}
	}
	if len(missing) > 0 {
		return working, "missing mandatory evidence types: " + strings.Join(missing, ", "), nil
	}
	logging.WithContext(ctx, o.logger).Info("evidence acquired",
		logging.String(logging.FieldEventType, "section_acquired"),
		logging.Int("evidence_count", len(working)),
	)
	return working, "", nil
}

// extract walks the tool chain strongest first. Every attempt lands in
// provenance; the first result at or above the threshold wins.
func (o *Orchestrator) extract(ctx context.Context, caseID string, spec sectionSpec, working []casestore.EvidenceRecord) (map[string]any, []string, bool, error) {
	logger := logging.WithContext(services.WithStage(ctx, string(StageExtract)), o.logger)
	input := stage.Input{CaseID: caseID, SectionID: spec.ID, Evidence: working}
	attempted := make([]string, 0, len(spec.tools))
	var (
		previous    float64
		hasPrevious bool
	)
	for i, tool := range spec.tools {
		if err := ctx.Err(); err != nil {
			return nil, attempted, false, err
		}
		if aware, ok := tool.(stage.LoggerAware); ok {
			aware.SetLogger(logger)
		}
		attempted = append(attempted, tool.Name())
		out, err := tool.Extract(ctx, input)
		entry := casestore.ProvenanceEntry{
			At:         o.clock().UTC(),
			Tool:       tool.Name(),
			Stage:      string(StageExtract),
			Confidence: out.Confidence,
			Fallback:   i > 0,
		}
		if hasPrevious {
			entry.TriggerConfidence = previous
		}
		if err != nil {
			entry.Confidence = 0
			entry.Err = err.Error()
		}
		accepted := err == nil && out.Confidence >= spec.ConfidenceThreshold
		if !accepted && err == nil {
			entry.Note = fmt.Sprintf("confidence %.2f below threshold %.2f", out.Confidence, spec.ConfidenceThreshold)
		}
		if _, uerr := o.store.UpdateSection(caseID, spec.ID, func(s *casestore.SectionState) error {
			s.Provenance = append(s.Provenance, entry)
			return nil
		}); uerr != nil {
			return nil, attempted, false, uerr
		}
		if accepted {
			logger.Info("extraction accepted",
				logging.String(logging.FieldEventType, "extraction_accepted"),
				logging.String("tool", tool.Name()),
				logging.Float64("confidence", out.Confidence),
				logging.Bool("fallback", i > 0),
			)
			return out.Payload, attempted, true, nil
		}
		logger.Info("extraction fell short, trying next tool",
			logging.String(logging.FieldEventType, "extraction_fallback"),
			logging.String("tool", tool.Name()),
			logging.Float64("confidence", entry.Confidence),
			logging.Float64("threshold", spec.ConfidenceThreshold),
			logging.String("error", entry.Err),
		)
		previous, hasPrevious = entry.Confidence, true
	}
	o.raise(ctx, repair.PriorityMedium, services.NewFault(component, services.FaultExtraction, "extract",
		"extraction tools exhausted for "+spec.ID,
		map[string]any{"case_id": caseID, "section_id": spec.ID, "attempted": strings.Join(attempted, ",")}), spec.ID)
	return nil, attempted, false, nil
}

func (o *Orchestrator) validate(caseID string, spec sectionSpec, payload map[string]any) error {
	doc, err := jsonDocument(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, component, "validate", "payload is not JSON encodable", err)
	}
	if err := spec.schema.Validate(doc); err != nil {
		return services.Wrap(services.ErrValidation, component, "validate", "schema completeness", err)
	}
	for _, id := range referencedEvidence(payload) {
		if _, err := o.store.Evidence(caseID, id); err != nil {
			return services.Wrap(services.ErrValidation, component, "validate", "payload references unknown evidence "+id, err)
		}
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, caseID string, spec sectionSpec, payload map[string]any) (casestore.SectionState, error) {
	hash, err := PayloadHash(payload)
	if err != nil {
		return o.block(ctx, caseID, spec, StageValidate, "payload hash failed: "+err.Error(), nil)
	}
	if _, err := o.advance(caseID, spec.ID, StagePublish, func(s *casestore.SectionState) {
		s.Payload = payload
		s.PayloadHash = hash
		s.Approved = true
		s.BlockedReason = ""
		if s.Version == 0 {
			s.Version = 1
		}
	}); err != nil {
		return casestore.SectionState{}, err
	}
	state, err := o.advance(caseID, spec.ID, StageMonitor, nil)
	if err != nil {
		return casestore.SectionState{}, err
	}
	manifest, err := o.store.Snapshot(ctx, caseID)
	if err != nil {
		return state, err
	}
	logging.WithContext(ctx, o.logger).Info("section approved",
		logging.String(logging.FieldEventType, "section_complete"),
		logging.String("payload_hash", hash),
		logging.Int("version", state.Version),
		logging.Int("manifest_version", manifest.ManifestVersion),
	)
	o.publishSignal(ctx, bus.Signal{
		Topic:     bus.TopicSectionCompleted,
		Sender:    "section:" + spec.ID,
		RadioCode: bus.RadioComplete,
		Message:   "section approved",
		Payload: map[string]any{
			"case_id":          caseID,
			"section_id":       spec.ID,
			"required":         spec.Required,
			"hash":             hash,
			"version":          state.Version,
			"revision_depth":   state.RevisionDepth,
			"manifest_version": manifest.ManifestVersion,
		},
	})
	return state, nil
}

func (o *Orchestrator) block(ctx context.Context, caseID string, spec sectionSpec, at Stage, reason string, attempted []string) (casestore.SectionState, error) {
	state, err := o.advance(caseID, spec.ID, StageBlocked, func(s *casestore.SectionState) {
		s.BlockedReason = reason
	})
	if err != nil {
		return casestore.SectionState{}, err
	}
	if _, err := o.store.Snapshot(ctx, caseID); err != nil {
		o.logger.Debug("snapshot after block failed", logging.Error(err))
	}
	logging.WarnWithContext(logging.WithContext(ctx, o.logger), "section blocked", "section_blocked",
		logging.String(logging.FieldErrorHint, "resolve the cause, then rerun or cancel the section"),
		logging.String("blocked_stage", string(at)),
		logging.String("reason", reason),
		logging.Strings("attempted_tools", attempted),
	)
	tools := make([]any, len(attempted))
	for i, name := range attempted {
		tools[i] = name
	}
	o.publishSignal(ctx, bus.Signal{
		Topic:     bus.TopicSectionBlocked,
		Sender:    "section:" + spec.ID,
		RadioCode: bus.RadioStandby,
		Message:   reason,
		Payload: map[string]any{
			"case_id":         caseID,
			"section_id":      spec.ID,
			"required":        spec.Required,
			"stage":           string(at),
			"reason":          reason,
			"attempted_tools": tools,
		},
	})
	return state, services.Wrap(services.ErrSectionBlocked, component, string(at), fmt.Sprintf("section %s: %s", spec.ID, reason), nil)
}

// advance moves a section to the next stage after checking the transition
// table, applying mutate under the case lock.
func (o *Orchestrator) advance(caseID, sectionID string, to Stage, mutate func(*casestore.SectionState)) (casestore.SectionState, error) {
	return o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		from := ParseStage(s.Stage)
		if err := checkTransition(sectionID, from, to); err != nil {
			return err
		}
		s.Stage = string(to)
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
}

// enter is advance without a mutation that accepts already being in to.
func (o *Orchestrator) enter(caseID, sectionID string, to Stage) (casestore.SectionState, error) {
	return o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		from := ParseStage(s.Stage)
		if from == to {
			return nil
		}
		if err := checkTransition(sectionID, from, to); err != nil {
			return err
		}
		s.Stage = string(to)
		return nil
	})
}

func (o *Orchestrator) note(caseID, sectionID string, at Stage, note string, cause error) {
	entry := casestore.ProvenanceEntry{At: o.clock().UTC(), Stage: string(at), Note: note}
	if cause != nil {
		entry.Err = cause.Error()
	}
	if _, err := o.store.UpdateSection(caseID, sectionID, func(s *casestore.SectionState) error {
		s.Provenance = append(s.Provenance, entry)
		return nil
	}); err != nil {
		o.logger.Debug("provenance append failed", logging.Error(err))
	}
}

func (o *Orchestrator) raise(ctx context.Context, priority repair.Priority, fault services.Fault, sectionID string) {
	caseID, _ := services.CaseIDFromContext(ctx)
	payload := fault.Payload()
	payload["priority"] = priority.String()
	payload["case_id"] = caseID
	payload["section_id"] = sectionID
	o.publishSignal(ctx, bus.Signal{
		Topic:     bus.TopicFaultRaised,
		Sender:    component,
		RadioCode: bus.RadioFault,
		Message:   fault.Description,
		Payload:   payload,
	})
}

func (o *Orchestrator) publishSignal(ctx context.Context, sig bus.Signal) {
	result, err := o.bus.Publish(ctx, sig)
	if err != nil {
		o.logger.Warn("signal publish failed",
			logging.String(logging.FieldEventType, "publish_failed"),
			logging.String(logging.FieldErrorHint, "check topic registration"),
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.Error(err),
		)
		return
	}
	if result.Failed() > 0 {
		o.logger.Debug("signal handlers failed",
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.Int("failures", result.Failed()),
		)
	}
}

// checkOrdering enforces the first and final section locks.
func (o *Orchestrator) checkOrdering(caseID, sectionID string) error {
	if sectionID != o.first && o.first != "" {
		first, err := o.State(caseID, o.first)
		if err != nil {
			return err
		}
		if !first.Approved {
			return services.Wrap(services.ErrOrderingLock, component, "acquire",
				fmt.Sprintf("section %s waits for %s to be approved", sectionID, o.first), nil)
		}
	}
	if sectionID == o.final {
		var pending []string
		for _, id := range o.order {
			if id == o.final || !o.sections[id].Required {
				continue
			}
			state, err := o.State(caseID, id)
			if err != nil {
				return err
			}
			if !state.Approved {
				pending = append(pending, id)
			}
		}
		if len(pending) > 0 {
			return services.Wrap(services.ErrOrderingLock, component, "acquire",
				fmt.Sprintf("final section %s waits for %s", sectionID, strings.Join(pending, ", ")), nil)
		}
	}
	return nil
}

// claim marks a section as running within a case. Concurrent runs of the
// same section are rejected.
func (o *Orchestrator) claim(caseID, sectionID string) (func(), error) {
	key := caseID + "/" + sectionID
	o.claimsMu.Lock()
	defer o.claimsMu.Unlock()
	if _, held := o.claims[key]; held {
		return nil, services.Wrap(services.ErrOrderingLock, component, "acquire", "section "+sectionID+" is already running", nil)
	}
	o.claims[key] = struct{}{}
	return func() { o.releaseClaim(caseID, sectionID) }, nil
}

func (o *Orchestrator) releaseClaim(caseID, sectionID string) {
	o.claimsMu.Lock()
	defer o.claimsMu.Unlock()
	delete(o.claims, caseID+"/"+sectionID)
}

// PayloadHash is the sha256 of the payload's RFC 8785 canonical JSON.
func PayloadHash(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func evidenceIDs(records []casestore.EvidenceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}

// referencedEvidence collects evidence ids named in the payload's evidence
// list and its entries.
func referencedEvidence(payload map[string]any) []string {
	var ids []string
	add := func(value any) {
		if id, ok := value.(string); ok && id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	switch list := payload["evidence"].(type) {
	case []any:
		for _, v := range list {
			add(v)
		}
	case []string:
		for _, v := range list {
			add(v)
		}
	}
	if entries, ok := payload["entries"].([]any); ok {
		for _, entry := range entries {
			if m, ok := entry.(map[string]any); ok {
				add(m["evidence_id"])
			}
		}
	}
	return ids
}
