package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/ecosystem"
	"dossier/internal/journal"
	"dossier/internal/ledger"
	"dossier/internal/logging"
	"dossier/internal/notifications"
	"dossier/internal/repair"
	"dossier/internal/section"
	"dossier/internal/services"
	"dossier/internal/stage"
)

const component = "runtime"

// Option customizes runtime construction.
type Option func(*settings)

type settings struct {
	extractors []stage.Extractor
	classifier ledger.ExternalClassifier
	notifier   notifications.Service
	clock      func() time.Time
}

// WithExtractors registers additional extraction tools. Sections reference
// them by name in their tools list.
func WithExtractors(tools ...stage.Extractor) Option {
	return func(s *settings) {
		s.extractors = append(s.extractors, tools...)
	}
}

// WithClassifier installs the external classifier consulted after the rules.
func WithClassifier(classifier ledger.ExternalClassifier) Option {
	return func(s *settings) {
		s.classifier = classifier
	}
}

// WithNotifier replaces the ntfy service built from config.
func WithNotifier(service notifications.Service) Option {
	return func(s *settings) {
		s.notifier = service
	}
}

// WithClock overrides the time source for every component.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		s.clock = clock
	}
}

// Runtime holds the wired components of one dossier instance.
type Runtime struct {
	Config       *config.Config
	Logger       *slog.Logger
	Bus          *bus.Bus
	Store        *casestore.Store
	Journal      *journal.Store
	Ledger       *ledger.Ledger
	Repair       *repair.Queue
	Tools        *stage.Registry
	Orchestrator *section.Orchestrator
	Controller   *ecosystem.Controller
	Notifier     *notifications.Forwarder
}

// New builds and attaches every component. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrValidation, component, "new", "config is required", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	set := settings{clock: time.Now}
	for _, opt := range opts {
		opt(&set)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrValidation, component, "new", "prepare directories", err)
	}

	rules, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}

	journalStore, err := journal.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, Journal: journalStore}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	rt.Bus = bus.New(bus.Options{
		Logger:          logger,
		JournalCapacity: cfg.Bus.DeliveryLogCapacity,
		RequestTimeout:  cfg.RequestTimeout(),
		RollcallWindow:  cfg.RollcallWindow(),
		Clock:           set.clock,
		Sink:            journalStore,
	})

	rt.Store, err = casestore.Open(ctx, casestore.NewFileManifests(cfg.CasesDir()),
		casestore.WithLogger(logger), casestore.WithClock(set.clock))
	if err != nil {
		return nil, err
	}

	rt.Ledger, err = ledger.New(ledger.Options{
		Store:      rt.Store,
		Bus:        rt.Bus,
		Rules:      rules,
		Classifier: set.classifier,
		Dedupe:     cfg.Evidence.Dedupe,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	rt.Repair = repair.New(repair.Options{
		MaxItems:  cfg.Repair.MaxItems,
		SoftCap:   cfg.Repair.SoftCap,
		Retention: cfg.RepairRetention(),
		Publisher: rt.Bus,
		Logger:    logger,
		Clock:     set.clock,
	})

	rt.Controller, err = ecosystem.New(ecosystem.Options{
		Config:   cfg,
		Store:    rt.Store,
		Registry: journalStore,
		Bus:      rt.Bus,
		Logger:   logger,
		Clock:    set.clock,
	})
	if err != nil {
		return nil, err
	}

	rt.Tools = stage.NewRegistry(set.extractors...)
	rt.Orchestrator, err = section.New(section.Options{
		Config:     cfg,
		Store:      rt.Store,
		Bus:        rt.Bus,
		Archive:    journalStore,
		Tools:      rt.Tools,
		Authorizer: rt.Controller,
		Logger:     logger,
		Clock:      set.clock,
	})
	if err != nil {
		return nil, err
	}

	notifier := set.notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	rt.Notifier = notifications.NewForwarder(notifier, logger)

	if err := rt.attach(); err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func loadRules(cfg *config.Config) (*ledger.RuleSet, error) {
	if cfg.Evidence.RulesPath == "" {
		return ledger.DefaultRules()
	}
	rules, err := ledger.LoadRules(cfg.Evidence.RulesPath)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, component, "load_rules", cfg.Evidence.RulesPath, err)
	}
	return rules, nil
}

func (r *Runtime) attach() error {
	if err := r.Ledger.Attach(r.Bus); err != nil {
		return fmt.Errorf("attach ledger: %w", err)
	}
	if err := r.Repair.Attach(r.Bus); err != nil {
		return fmt.Errorf("attach repair queue: %w", err)
	}
	if err := r.Orchestrator.Attach(); err != nil {
		return fmt.Errorf("attach orchestrator: %w", err)
	}
	if err := r.Controller.Attach(); err != nil {
		return fmt.Errorf("attach controller: %w", err)
	}
	if err := r.Notifier.Attach(r.Bus); err != nil {
		return fmt.Errorf("attach notifier: %w", err)
	}
	return r.attachRollcall()
}

// Close releases the journal.
func (r *Runtime) Close() error {
	if r == nil || r.Journal == nil {
		return nil
	}
	err := r.Journal.Close()
	r.Journal = nil
	return err
}

// Result is the outcome of Process.
type Result struct {
	CaseID   string                    `json:"case_id"`
	Evidence []string                  `json:"evidence"`
	Report   section.Report            `json:"report"`
	Approved bool                      `json:"approved"`
	Mission  ecosystem.MissionSnapshot `json:"mission"`
}

// Process starts caseID, or resumes it when a manifest already exists,
// ingests every artifact, and runs all sections.
func (r *Runtime) Process(ctx context.Context, caseID, operator string, artifacts []ledger.ArtifactDescriptor) (Result, error) {
	result := Result{CaseID: caseID}
	ctx = services.WithCaseID(ctx, caseID)
	logger := logging.WithContext(ctx, r.Logger)

	exists, err := r.Store.Exists(ctx, caseID)
	if err != nil {
		return result, err
	}
	if exists {
		_, err = r.Controller.ResumeCase(ctx, caseID, operator)
	} else {
		_, err = r.Controller.StartCase(ctx, caseID, operator)
	}
	if err != nil {
		return result, err
	}

	for _, artifact := range artifacts {
		if artifact.Actor == "" {
			artifact.Actor = operator
		}
		id, err := r.Ledger.Ingest(ctx, caseID, artifact)
		if err != nil {
			return result, fmt.Errorf("ingest %s: %w", artifact.Source, err)
		}
		result.Evidence = append(result.Evidence, id)
	}

	report, err := r.Orchestrator.RunCase(ctx, caseID)
	result.Report = report
	result.Approved = r.Orchestrator.Approved(report)
	result.Mission = r.Controller.Status(caseID)
	if err != nil {
		return result, err
	}
	logger.Info("case processed",
		logging.String(logging.FieldEventType, "case_processed"),
		logging.Int("evidence", len(result.Evidence)),
		logging.Int("blocked", len(report.Blocked)),
		logging.Bool("approved", result.Approved),
		logging.Bool("frozen", result.Mission.Frozen),
	)
	return result, nil
}

// Load brings a persisted case into memory and rebuilds its mission view
// without registering a new run.
func (r *Runtime) Load(ctx context.Context, caseID string) (ecosystem.MissionSnapshot, error) {
	if _, err := r.Store.Case(caseID); err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			return ecosystem.MissionSnapshot{}, err
		}
		if _, err := r.Store.Load(ctx, caseID); err != nil {
			return ecosystem.MissionSnapshot{}, err
		}
	}
	r.Controller.Refresh(caseID)
	return r.Controller.Status(caseID), nil
}
