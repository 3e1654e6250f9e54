package casestore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"dossier/internal/logging"
	"dossier/internal/services"
)

const component = "case-store"

var caseIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Case is an owned arena. All access goes through Store, which takes the
// arena lock.
type Case struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	frozen          bool
	evidence        map[string]*EvidenceRecord
	order           []string
	byHash          map[string]string
	nextEvidence    int
	sections        map[string]*SectionState
	identities      map[string]string
	manifestVersion int
	snapshots       []Manifest
}

func newCase(id string, createdAt time.Time, manifestVersion int) *Case {
	return &Case{
		id:              id,
		createdAt:       createdAt,
		evidence:        make(map[string]*EvidenceRecord),
		byHash:          make(map[string]string),
		sections:        make(map[string]*SectionState),
		identities:      make(map[string]string),
		manifestVersion: manifestVersion,
	}
}

// ID returns the case identifier.
func (c *Case) ID() string { return c.id }

// CreatedAt returns when the arena was allocated.
func (c *Case) CreatedAt() time.Time { return c.createdAt }

// Frozen reports whether the case accepts writes.
func (c *Case) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// EvidenceCount returns the number of evidence records.
func (c *Case) EvidenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evidence)
}

// ManifestVersion returns the last persisted manifest version.
func (c *Case) ManifestVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifestVersion
}

// Snapshots returns the manifest history of this arena, oldest first.
func (c *Case) Snapshots() []Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.snapshots)
}

// Store is the registry of case arenas.
type Store struct {
	persist Persistence
	logger  *slog.Logger
	clock   func() time.Time

	mu     sync.RWMutex
	cases  map[string]*Case
	active string
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.NewComponentLogger(logger, component) }
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open constructs a store. When persistence reports an active case, only
// that case's manifest is reloaded; every other case stays on disk until
// Load is called for it.
func Open(ctx context.Context, persist Persistence, opts ...Option) (*Store, error) {
	if persist == nil {
		return nil, services.Wrap(services.ErrValidation, component, "open", "persistence is nil", nil)
	}
	s := &Store{
		persist: persist,
		logger:  logging.NewNop(),
		clock:   time.Now,
		cases:   make(map[string]*Case),
	}
	for _, opt := range opts {
		opt(s)
	}

	activeID, ok, err := persist.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("open case store: %w", err)
	}
	if !ok {
		return s, nil
	}
	if _, err := s.Load(ctx, activeID); err != nil {
		return nil, fmt.Errorf("reload active case %s: %w", activeID, err)
	}
	s.active = activeID
	s.logger.Info("reloaded active case", logging.String(logging.FieldCaseID, activeID))
	return s, nil
}

// Active returns the active case id.
func (s *Store) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.active != ""
}

// CaseIDs lists the cases currently held in memory.
func (s *Store) CaseIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cases))
	for id := range s.cases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Exists reports whether caseID is held in memory or persisted.
func (s *Store) Exists(ctx context.Context, caseID string) (bool, error) {
	if err := validateCaseID(caseID); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, inMemory := s.cases[caseID]
	s.mu.RUnlock()
	if inMemory {
		return true, nil
	}
	_, exists, err := s.persist.ReadManifest(ctx, caseID)
	return exists, err
}

// CreateCase allocates a new arena, persists its empty manifest, and marks it
// active. An id already held in memory or on disk is rejected; use ResetCase
// to start over.
func (s *Store) CreateCase(ctx context.Context, caseID string) (*Case, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	if _, exists, err := s.persist.ReadManifest(ctx, caseID); err != nil {
		return nil, err
	} else if exists {
		return nil, services.Wrap(services.ErrValidation, component, "create_case", "case "+caseID+" already exists", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[caseID]; exists {
		return nil, services.Wrap(services.ErrValidation, component, "create_case", "case "+caseID+" already exists", nil)
	}
	arena := newCase(caseID, s.clock().UTC(), 0)
	if err := s.install(ctx, arena); err != nil {
		return nil, err
	}
	s.logger.Info("case created", logging.String(logging.FieldCaseID, caseID))
	return arena, nil
}

// ResetCase replaces the arena for caseID with an empty one and rewrites its
// manifest as an empty, next-version manifest. Calling it repeatedly leaves the
// case empty each time.
func (s *Store) ResetCase(ctx context.Context, caseID string) (*Case, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 0
	if existing, ok := s.cases[caseID]; ok {
		version = existing.ManifestVersion()
	} else {
		manifest, exists, err := s.persist.ReadManifest(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if exists {
			version = manifest.ManifestVersion
		}
	}
	arena := newCase(caseID, s.clock().UTC(), version)
	if err := s.install(ctx, arena); err != nil {
		return nil, err
	}
	s.logger.Info("case reset",
		logging.String(logging.FieldCaseID, caseID),
		logging.Int("manifest_version", arena.manifestVersion),
	)
	return arena, nil
}

// install persists the empty manifest for arena and swaps it in. Caller holds s.mu.
func (s *Store) install(ctx context.Context, arena *Case) error {
	arena.mu.Lock()
	_, err := s.snapshotLocked(ctx, arena)
	arena.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.persist.SetActive(ctx, arena.id); err != nil {
		return err
	}
	s.cases[arena.id] = arena
	s.active = arena.id
	return nil
}

// Load brings a persisted case into memory, replacing any in-memory arena.
func (s *Store) Load(ctx context.Context, caseID string) (*Case, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	manifest, exists, err := s.persist.ReadManifest(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, services.Wrap(services.ErrNotFound, component, "load", "no manifest for case "+caseID, nil)
	}
	arena := newCase(caseID, manifest.CreatedAt, manifest.ManifestVersion)
	arena.frozen = manifest.Frozen
	for _, entry := range manifest.Entries {
		rec := entry.clone()
		arena.evidence[rec.ID] = &rec
		arena.order = append(arena.order, rec.ID)
		if rec.ContentHash != "" {
			arena.byHash[rec.ContentHash] = rec.ID
		}
		arena.nextEvidence++
	}
	for _, section := range manifest.Sections {
		state := section.clone()
		arena.sections[state.ID] = &state
	}
	maps.Copy(arena.identities, manifest.Identities)
	arena.snapshots = append(arena.snapshots, manifest)

	s.mu.Lock()
	s.cases[caseID] = arena
	s.mu.Unlock()
	return arena, nil
}

// Case returns the arena for caseID.
func (s *Store) Case(caseID string) (*Case, error) {
	s.mu.RLock()
	arena, ok := s.cases[caseID]
	s.mu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, component, "get_case", "unknown case "+caseID, nil)
	}
	return arena, nil
}

// Snapshot builds and persists the next manifest version for caseID.
func (s *Store) Snapshot(ctx context.Context, caseID string) (Manifest, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return Manifest{}, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	return s.snapshotLocked(ctx, arena)
}

func (s *Store) snapshotLocked(ctx context.Context, arena *Case) (Manifest, error) {
	manifest := Manifest{
		FormatVersion:   ManifestFormatVersion,
		ManifestVersion: arena.manifestVersion + 1,
		CaseID:          arena.id,
		CreatedAt:       arena.createdAt,
		UpdatedAt:       s.clock().UTC(),
		Frozen:          arena.frozen,
		EvidenceCount:   len(arena.evidence),
		Entries:         make([]EvidenceRecord, 0, len(arena.order)),
	}
	for _, id := range arena.order {
		manifest.Entries = append(manifest.Entries, arena.evidence[id].clone())
	}
	sectionIDs := make([]string, 0, len(arena.sections))
	for id := range arena.sections {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)
	for _, id := range sectionIDs {
		manifest.Sections = append(manifest.Sections, arena.sections[id].clone())
	}
	if len(arena.identities) > 0 {
		manifest.Identities = maps.Clone(arena.identities)
	}
	if err := s.persist.WriteManifest(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	arena.manifestVersion = manifest.ManifestVersion
	arena.snapshots = append(arena.snapshots, manifest)
	return manifest, nil
}

// Freeze stops further evidence and section writes and persists the frozen
// manifest.
func (s *Store) Freeze(ctx context.Context, caseID string) (Manifest, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return Manifest{}, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	arena.frozen = true
	return s.snapshotLocked(ctx, arena)
}

// Reopen clears the frozen flag and persists the reopened manifest. It
// reports false without writing when the case was not frozen.
func (s *Store) Reopen(ctx context.Context, caseID string) (Manifest, bool, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return Manifest{}, false, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if !arena.frozen {
		return Manifest{}, false, nil
	}
	arena.frozen = false
	manifest, err := s.snapshotLocked(ctx, arena)
	if err != nil {
		arena.frozen = true
		return Manifest{}, false, err
	}
	return manifest, true, nil
}

// AddEvidence stores rec under a new case-scoped id. When dedupe is set and a
// record with the same content hash exists, that record is returned with
// existing=true instead.
func (s *Store) AddEvidence(caseID string, rec EvidenceRecord, dedupe bool) (stored EvidenceRecord, existing bool, err error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return EvidenceRecord{}, false, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.frozen {
		return EvidenceRecord{}, false, frozenError("add_evidence", caseID)
	}
	if dedupe && rec.ContentHash != "" {
		if id, ok := arena.byHash[rec.ContentHash]; ok {
			return arena.evidence[id].clone(), true, nil
		}
	}
	arena.nextEvidence++
	rec = rec.clone()
	rec.ID = fmt.Sprintf("ev-%04d", arena.nextEvidence)
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.clock().UTC()
	}
	for i, entry := range rec.History {
		if entry.At.IsZero() {
			rec.History[i].At = rec.IngestedAt
		}
		rec.apply(entry.Delta)
	}
	arena.evidence[rec.ID] = &rec
	arena.order = append(arena.order, rec.ID)
	if rec.ContentHash != "" {
		if _, taken := arena.byHash[rec.ContentHash]; !taken {
			arena.byHash[rec.ContentHash] = rec.ID
		}
	}
	return rec.clone(), false, nil
}

// AppendEnrichment appends entry to the record's history and folds its delta
// into the derived fields.
func (s *Store) AppendEnrichment(caseID, evidenceID string, entry Enrichment) (EvidenceRecord, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return EvidenceRecord{}, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.frozen {
		return EvidenceRecord{}, frozenError("append_enrichment", caseID)
	}
	rec, ok := arena.evidence[evidenceID]
	if !ok {
		return EvidenceRecord{}, services.Wrap(services.ErrNotFound, component, "append_enrichment", "unknown evidence "+evidenceID, nil)
	}
	if entry.At.IsZero() {
		entry.At = s.clock().UTC()
	}
	rec.History = append(rec.History, Enrichment{Actor: entry.Actor, At: entry.At, Delta: cloneMap(entry.Delta)})
	rec.apply(entry.Delta)
	return rec.clone(), nil
}

// Evidence returns one record.
func (s *Store) Evidence(caseID, evidenceID string) (EvidenceRecord, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return EvidenceRecord{}, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	rec, ok := arena.evidence[evidenceID]
	if !ok {
		return EvidenceRecord{}, services.Wrap(services.ErrNotFound, component, "evidence", "unknown evidence "+evidenceID, nil)
	}
	return rec.clone(), nil
}

// ListEvidence returns every record in ingestion order.
func (s *Store) ListEvidence(caseID string) ([]EvidenceRecord, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	out := make([]EvidenceRecord, 0, len(arena.order))
	for _, id := range arena.order {
		out = append(out, arena.evidence[id].clone())
	}
	return out, nil
}

// Section returns the state for sectionID, and false when it has not been
// touched in this case yet.
func (s *Store) Section(caseID, sectionID string) (SectionState, bool, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return SectionState{}, false, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	state, ok := arena.sections[sectionID]
	if !ok {
		return SectionState{}, false, nil
	}
	return state.clone(), true, nil
}

// Sections returns every section state in id order.
func (s *Store) Sections(caseID string) ([]SectionState, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return nil, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	ids := make([]string, 0, len(arena.sections))
	for id := range arena.sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]SectionState, 0, len(ids))
	for _, id := range ids {
		out = append(out, arena.sections[id].clone())
	}
	return out, nil
}

// UpdateSection applies mutate to a copy of the section state under the case
// lock and stores it when mutate succeeds.
func (s *Store) UpdateSection(caseID, sectionID string, mutate func(*SectionState) error) (SectionState, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return SectionState{}, err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.frozen {
		return SectionState{}, frozenError("update_section", caseID)
	}
	var working SectionState
	if current, ok := arena.sections[sectionID]; ok {
		working = current.clone()
	} else {
		working = SectionState{ID: sectionID}
	}
	if err := mutate(&working); err != nil {
		return SectionState{}, err
	}
	working.ID = sectionID
	working.UpdatedAt = s.clock().UTC()
	stored := working.clone()
	arena.sections[sectionID] = &stored
	return working.clone(), nil
}

// ResolveIdentity returns the canonical form registered for key within the
// case, registering candidate when key is new. Sections normalizing the same
// name therefore agree on one spelling.
func (s *Store) ResolveIdentity(caseID, key, candidate string) (string, error) {
	arena, err := s.Case(caseID)
	if err != nil {
		return "", err
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if canonical, ok := arena.identities[key]; ok {
		return canonical, nil
	}
	arena.identities[key] = candidate
	return candidate, nil
}

func validateCaseID(caseID string) error {
	if !caseIDPattern.MatchString(caseID) {
		return services.Wrap(services.ErrValidation, component, "validate_case_id", fmt.Sprintf("invalid case id %q", caseID), nil)
	}
	return nil
}

func frozenError(op, caseID string) error {
	return services.Wrap(services.ErrCaseFrozen, component, op, "case "+caseID+" is frozen", nil)
}
