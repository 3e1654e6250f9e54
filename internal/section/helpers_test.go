package section_test

import (
	"context"
	"sync"
	"testing"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/config"
	"dossier/internal/journal"
	"dossier/internal/ledger"
	"dossier/internal/repair"
	"dossier/internal/section"
	"dossier/internal/services"
	"dossier/internal/stage"
	"dossier/internal/testsupport"
)

const caseID = "case-1"

type operators map[string]bool

func (o operators) Check(operation, requester string) error {
	if o[requester] {
		return nil
	}
	return services.Wrap(services.ErrUnauthorized, "test", operation, requester+" not allowed", nil)
}

type recorder struct {
	mu      sync.Mutex
	signals []bus.Signal
}

func (r *recorder) handler(_ context.Context, sig bus.Signal) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
	return nil, nil
}

func (r *recorder) on(topic bus.Topic) []bus.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Signal
	for _, sig := range r.signals {
		if sig.Topic == topic {
			out = append(out, sig)
		}
	}
	return out
}

type env struct {
	cfg      *config.Config
	store    *casestore.Store
	bus      *bus.Bus
	ledger   *ledger.Ledger
	repair   *repair.Queue
	journal  *journal.Store
	orch     *section.Orchestrator
	recorder *recorder
}

type envOptions struct {
	config   []testsupport.ConfigOption
	tools    []stage.Extractor
	noLedger bool
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	ctx := context.Background()
	cfg := testsupport.NewConfig(t, opts.config...)
	store, err := casestore.Open(ctx, casestore.NewFileManifests(cfg.CasesDir()))
	if err != nil {
		t.Fatalf("casestore.Open: %v", err)
	}
	if _, err := store.CreateCase(ctx, caseID); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	b := bus.New(bus.Options{})
	e := &env{cfg: cfg, store: store, bus: b, recorder: &recorder{}}
	for _, topic := range []bus.Topic{bus.TopicSectionCompleted, bus.TopicSectionBlocked, bus.TopicFaultRaised, bus.TopicCaseReopened} {
		if _, err := b.Subscribe(topic, "recorder", e.recorder.handler); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	e.repair = repair.New(repair.Options{Publisher: b})
	if err := e.repair.Attach(b); err != nil {
		t.Fatalf("repair.Attach: %v", err)
	}
	if !opts.noLedger {
		e.ledger, err = ledger.New(ledger.Options{Store: store, Bus: b, Dedupe: true})
		if err != nil {
			t.Fatalf("ledger.New: %v", err)
		}
		if err := e.ledger.Attach(b); err != nil {
			t.Fatalf("ledger.Attach: %v", err)
		}
	}
	e.journal = testsupport.MustOpenJournal(t, cfg)
	e.orch, err = section.New(section.Options{
		Config:     cfg,
		Store:      store,
		Bus:        b,
		Archive:    e.journal,
		Tools:      stage.NewRegistry(opts.tools...),
		Authorizer: operators{"admin": true},
	})
	if err != nil {
		t.Fatalf("section.New: %v", err)
	}
	if err := e.orch.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return e
}

func (e *env) ingest(t *testing.T, source, content string) string {
	t.Helper()
	id, err := e.ledger.Ingest(context.Background(), caseID, ledger.ArtifactDescriptor{Source: source, Content: []byte(content)})
	if err != nil {
		t.Fatalf("Ingest %s: %v", source, err)
	}
	return id
}

func fixedTool(name string, confidence float64) stage.Extractor {
	return stage.Func{ToolName: name, Fn: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		out, err := stage.NewMetadata().Extract(ctx, in)
		out.Confidence = confidence
		return out, err
	}}
}

func sectionCfg(id string, required bool, types []string, tools ...string) config.Section {
	return config.Section{
		ID:                  id,
		Required:            required,
		Types:               types,
		MaxReruns:           2,
		ConfidenceThreshold: 0.80,
		Tools:               tools,
	}
}
