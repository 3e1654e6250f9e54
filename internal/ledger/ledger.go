package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/fileutil"
	"dossier/internal/logging"
	"dossier/internal/services"
)

const (
	component = "evidence-ledger"
	headBytes = 512
)

// ArtifactDescriptor describes an artifact offered for ingestion. Content,
// when set, is used instead of reading Source from disk.
type ArtifactDescriptor struct {
	Source   string
	Content  []byte
	Hint     string
	Tags     []string
	Metadata map[string]string
	Actor    string
}

// ExternalClassifier resolves artifacts the rule set could not. An empty type
// means unresolved.
type ExternalClassifier interface {
	Classify(ctx context.Context, artifact Artifact) (string, error)
}

// Publisher is the slice of the bus the ledger publishes through.
type Publisher interface {
	Publish(ctx context.Context, sig bus.Signal) (bus.DeliveryResult, error)
}

// Options configures a Ledger.
type Options struct {
	Store      *casestore.Store
	Bus        Publisher
	Rules      *RuleSet
	Classifier ExternalClassifier
	Dedupe     bool
	Logger     *slog.Logger
}

// Ledger indexes evidence for each case.
type Ledger struct {
	store      *casestore.Store
	bus        Publisher
	rules      *RuleSet
	classifier ExternalClassifier
	dedupe     bool
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*caseLocks
}

// New constructs a ledger. A nil rule set selects the built-in rules.
func New(opts Options) (*Ledger, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, services.Wrap(services.ErrValidation, component, "new", "store and bus are required", nil)
	}
	rules := opts.Rules
	if rules == nil {
		var err error
		if rules, err = DefaultRules(); err != nil {
			return nil, err
		}
	}
	return &Ledger{
		store:      opts.Store,
		bus:        opts.Bus,
		rules:      rules,
		classifier: opts.Classifier,
		dedupe:     opts.Dedupe,
		logger:     logging.NewComponentLogger(opts.Logger, component),
		locks:      make(map[string]*caseLocks),
	}, nil
}

// Ingest validates, hashes, classifies, and stores an artifact, then publishes
// evidence.updated. Re-ingesting identical content returns the existing id.
func (l *Ledger) Ingest(ctx context.Context, caseID string, desc ArtifactDescriptor) (string, error) {
	locks, err := l.locksFor(caseID)
	if err != nil {
		return "", err
	}
	artifact, hash, err := l.describe(desc)
	if err != nil {
		return "", err
	}
	logger := logging.WithContext(services.WithCaseID(ctx, caseID), l.logger)

	typ, classifiedBy := l.classify(ctx, artifact, logger)
	actor := strings.TrimSpace(desc.Actor)
	if actor == "" {
		actor = component
	}
	delta := map[string]any{
		"type":          typ,
		"classified_by": classifiedBy,
		"event":         "ingested",
	}
	if len(artifact.Tags) > 0 {
		delta["tags"] = slices.Clone(artifact.Tags)
	}
	locks.gate.Lock()
	rec, existing, err := l.store.AddEvidence(caseID, casestore.EvidenceRecord{
		Source:      desc.Source,
		ContentHash: hash,
		History:     []casestore.Enrichment{{Actor: actor, Delta: delta}},
	}, l.dedupe)
	if err != nil || existing {
		locks.gate.Unlock()
	}
	if err != nil {
		return "", err
	}
	if existing {
		logger.Info("duplicate artifact, returning existing evidence",
			logging.String(logging.FieldEvidenceID, rec.ID),
			logging.String("source", desc.Source),
			logging.String("content_hash", hash),
		)
		return rec.ID, nil
	}
	lock := locks.record(rec.ID)
	lock.Lock()
	locks.gate.Unlock()
	defer lock.Unlock()

	if _, err := l.store.Snapshot(ctx, caseID); err != nil {
		return "", err
	}
	logger.Info("evidence ingested",
		logging.String(logging.FieldEventType, "evidence_ingested"),
		logging.String(logging.FieldEvidenceID, rec.ID),
		logging.String("type", rec.Type),
		logging.String("classified_by", classifiedBy),
		logging.String("source", desc.Source),
	)
	if rec.Type == Unclassified {
		logging.WarnWithContext(logger, "evidence queued for manual classification", "manual_classification",
			logging.String(logging.FieldEvidenceID, rec.ID),
			logging.String(logging.FieldErrorHint, "resolve with an operator classification"),
			logging.String(logging.FieldImpact, "evidence is excluded from section needs until resolved"),
		)
	}
	l.publishUpdated(ctx, caseID, rec, "ingested")
	return rec.ID, nil
}

// Classify re-runs classification for stored evidence and records a changed
// type as an enrichment.
func (l *Ledger) Classify(ctx context.Context, caseID, evidenceID string) (string, error) {
	rec, err := l.store.Evidence(caseID, evidenceID)
	if err != nil {
		return "", err
	}
	artifact := artifactFromRecord(rec)
	logger := logging.WithContext(services.WithCaseID(ctx, caseID), l.logger)
	typ, classifiedBy := l.classify(ctx, artifact, logger)
	if typ == rec.Type || (typ == Unclassified && rec.Type != "") {
		return rec.Type, nil
	}
	updated, err := l.Enrich(ctx, caseID, evidenceID, component, map[string]any{"type": typ, "classified_by": classifiedBy})
	if err != nil {
		return "", err
	}
	return updated.Type, nil
}

// ResolveManual records an operator classification for unclassified evidence.
func (l *Ledger) ResolveManual(ctx context.Context, caseID, evidenceID, typ, actor string) (casestore.EvidenceRecord, error) {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" || typ == Unclassified {
		return casestore.EvidenceRecord{}, services.Wrap(services.ErrValidation, component, "resolve_manual", "a concrete type is required", nil)
	}
	if strings.TrimSpace(actor) == "" {
		return casestore.EvidenceRecord{}, services.Wrap(services.ErrValidation, component, "resolve_manual", "actor is required", nil)
	}
	rec, err := l.store.Evidence(caseID, evidenceID)
	if err != nil {
		return casestore.EvidenceRecord{}, err
	}
	if rec.Type != Unclassified {
		return casestore.EvidenceRecord{}, services.Wrap(services.ErrValidation, component, "resolve_manual",
			fmt.Sprintf("evidence %s is already classified as %s", evidenceID, rec.Type), nil)
	}
	return l.Enrich(ctx, caseID, evidenceID, actor, map[string]any{"type": typ, "classified_by": "manual"})
}

// PendingManual lists the case's unclassified evidence.
func (l *Ledger) PendingManual(caseID string) ([]casestore.EvidenceRecord, error) {
	records, err := l.store.ListEvidence(caseID)
	if err != nil {
		return nil, err
	}
	var out []casestore.EvidenceRecord
	for _, rec := range records {
		if rec.Type == Unclassified {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Enrich appends a history entry and publishes evidence.updated. Publishes
// for the same record are delivered in append order.
func (l *Ledger) Enrich(ctx context.Context, caseID, evidenceID, actor string, delta map[string]any) (casestore.EvidenceRecord, error) {
	rec, err := l.enrich(ctx, caseID, evidenceID, actor, delta)
	if err != nil {
		return casestore.EvidenceRecord{}, err
	}
	if _, err := l.store.Snapshot(ctx, caseID); err != nil {
		return casestore.EvidenceRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) enrich(ctx context.Context, caseID, evidenceID, actor string, delta map[string]any) (casestore.EvidenceRecord, error) {
	if strings.TrimSpace(actor) == "" {
		actor = component
	}
	locks, err := l.locksFor(caseID)
	if err != nil {
		return casestore.EvidenceRecord{}, err
	}
	locks.gate.RLock()
	if _, err := l.store.Evidence(caseID, evidenceID); err != nil {
		locks.gate.RUnlock()
		return casestore.EvidenceRecord{}, err
	}
	lock := locks.record(evidenceID)
	lock.Lock()
	locks.gate.RUnlock()
	defer lock.Unlock()

	rec, err := l.store.AppendEnrichment(caseID, evidenceID, casestore.Enrichment{Actor: actor, Delta: delta})
	if err != nil {
		return casestore.EvidenceRecord{}, err
	}
	l.publishUpdated(ctx, caseID, rec, "enriched")
	return rec, nil
}

// RespondToNeed returns the case evidence matching filter, most recently
// enriched first, and assigns the section to each returned record.
func (l *Ledger) RespondToNeed(ctx context.Context, caseID, sectionID string, filter NeedFilter) ([]casestore.EvidenceRecord, error) {
	records, err := l.store.ListEvidence(caseID)
	if err != nil {
		return nil, err
	}
	matched := make([]casestore.EvidenceRecord, 0, len(records))
	for _, rec := range records {
		if filter.matches(sectionID, rec) {
			matched = append(matched, rec)
		}
	}
	sortNewestFirst(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	// Assign oldest first so the stamps keep the reply order stable.
	assigned := 0
	for i := len(matched) - 1; i >= 0; i-- {
		rec := matched[i]
		if rec.HasSection(sectionID) {
			continue
		}
		updated, err := l.enrich(ctx, caseID, rec.ID, "section:"+sectionID, map[string]any{"sections": []string{sectionID}})
		if err != nil {
			if errors.Is(err, services.ErrCaseFrozen) {
				break
			}
			return nil, err
		}
		matched[i] = updated
		assigned++
	}
	if assigned > 0 {
		sortNewestFirst(matched)
		if _, err := l.store.Snapshot(ctx, caseID); err != nil {
			return nil, err
		}
	}
	return matched, nil
}

func sortNewestFirst(records []casestore.EvidenceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].LastEnriched(), records[j].LastEnriched()
		if !a.Equal(b) {
			return a.After(b)
		}
		return records[i].ID > records[j].ID
	})
}

// Attach subscribes the ledger to section.needs.
func (l *Ledger) Attach(b interface {
	Subscribe(topic bus.Topic, name string, handler bus.Handler) (bus.Subscription, error)
}) error {
	_, err := b.Subscribe(bus.TopicSectionNeeds, component, l.handleNeed)
	return err
}

func (l *Ledger) handleNeed(ctx context.Context, sig bus.Signal) (map[string]any, error) {
	caseID, sectionID, filter := NeedFromPayload(sig.Payload)
	if caseID == "" || sectionID == "" {
		return nil, services.Wrap(services.ErrValidation, component, "section_needs", "case_id and section_id are required", nil)
	}
	records, err := l.RespondToNeed(ctx, caseID, sectionID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"case_id":    caseID,
		"section_id": sectionID,
		"evidence":   records,
		"count":      len(records),
	}, nil
}

func (l *Ledger) publishUpdated(ctx context.Context, caseID string, rec casestore.EvidenceRecord, event string) {
	if _, err := l.bus.Publish(ctx, bus.Signal{
		Topic:     bus.TopicEvidenceUpdated,
		Sender:    component,
		RadioCode: bus.RadioReceived,
		Message:   event,
		Payload: map[string]any{
			"case_id":      caseID,
			"evidence_id":  rec.ID,
			"type":         rec.Type,
			"source":       rec.Source,
			"content_hash": rec.ContentHash,
			"sections":     slices.Clone(rec.Sections),
			"event":        event,
			"history_len":  len(rec.History),
		},
	}); err != nil {
		l.logger.Debug("evidence.updated publish failed", logging.Error(err))
	}
}

func (l *Ledger) classify(ctx context.Context, artifact Artifact, logger *slog.Logger) (string, string) {
	if typ, rule, ok := l.rules.Classify(artifact); ok {
		return typ, "rule:" + rule
	}
	if l.classifier != nil {
		typ, err := l.classifier.Classify(ctx, artifact)
		if err != nil {
			logging.WarnWithContext(logger, "external classifier failed", "classifier_failed",
				logging.String("source", artifact.Source),
				logging.String(logging.FieldErrorHint, "check the external classifier"),
				logging.Error(err),
			)
		} else if typ = strings.ToLower(strings.TrimSpace(typ)); typ != "" {
			return typ, "external"
		}
	}
	return Unclassified, "none"
}

func (l *Ledger) describe(desc ArtifactDescriptor) (Artifact, string, error) {
	source := strings.TrimSpace(desc.Source)
	if source == "" && desc.Content == nil {
		return Artifact{}, "", services.Wrap(services.ErrValidation, component, "ingest", "artifact needs a source or inline content", nil)
	}
	artifact := Artifact{
		Source:   source,
		Hint:     strings.ToLower(strings.TrimSpace(desc.Hint)),
		Tags:     normalizeTags(desc.Tags),
		Metadata: desc.Metadata,
	}
	artifact.Name, artifact.Ext = nameParts(source)

	if desc.Content != nil {
		artifact.Size = int64(len(desc.Content))
		artifact.Head = headText(desc.Content)
		return artifact, fileutil.HashBytes(desc.Content), nil
	}

	info, err := os.Stat(source)
	if err != nil {
		return Artifact{}, "", services.Wrap(services.ErrValidation, component, "ingest", "artifact source unreadable", err)
	}
	if info.IsDir() {
		return Artifact{}, "", services.Wrap(services.ErrValidation, component, "ingest", source+" is a directory", nil)
	}
	hash, size, err := fileutil.HashFile(source)
	if err != nil {
		return Artifact{}, "", services.Wrap(services.ErrTransient, component, "ingest", "hash artifact", err)
	}
	artifact.Size = size
	artifact.Head = readHead(source)
	return artifact, hash, nil
}

func artifactFromRecord(rec casestore.EvidenceRecord) Artifact {
	artifact := Artifact{Source: rec.Source, Tags: rec.Tags}
	artifact.Name, artifact.Ext = nameParts(rec.Source)
	if rec.Source != "" {
		artifact.Head = readHead(rec.Source)
	}
	return artifact
}

func nameParts(source string) (string, string) {
	if source == "" {
		return "", ""
	}
	name := filepath.Base(source)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return name, ext
}

func readHead(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	buf := make([]byte, headBytes)
	n, _ := io.ReadFull(file, buf)
	return headText(buf[:n])
}

func headText(data []byte) string {
	if len(data) > headBytes {
		data = data[:headBytes]
	}
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}
