package section_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"dossier/internal/bus"
	"dossier/internal/repair"
	"dossier/internal/section"
	"dossier/internal/services"
	"dossier/internal/stage"
	"dossier/internal/testsupport"
)

func TestContractIngestFlowsIntoPartiesAcquire(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	contract := e.ingest(t, "supply_agreement.pdf", "This Agreement is entered into by the parties")
	e.ingest(t, "server.log", "boot ok")

	if _, err := e.orch.Run(ctx, caseID, "intake"); err != nil {
		t.Fatalf("Run intake: %v", err)
	}
	state, err := e.orch.Run(ctx, caseID, "parties")
	if err != nil {
		t.Fatalf("Run parties: %v", err)
	}
	if !state.Approved || section.ParseStage(state.Stage) != section.StageMonitor {
		t.Fatalf("expected approved monitor state, got %+v", state)
	}
	if !slices.Equal(state.WorkingSet, []string{contract}) {
		t.Fatalf("expected working set [%s], got %v", contract, state.WorkingSet)
	}
	rec, err := e.store.Evidence(caseID, contract)
	if err != nil {
		t.Fatalf("Evidence: %v", err)
	}
	if !rec.HasSection("parties") {
		t.Fatalf("contract not assigned to parties: %v", rec.Sections)
	}
	completed := e.recorder.on(bus.TopicSectionCompleted)
	if len(completed) != 2 {
		t.Fatalf("expected two section.completed signals, got %d", len(completed))
	}
	last := completed[1]
	if last.String("section_id") != "parties" || last.String("hash") != state.PayloadHash || state.PayloadHash == "" {
		t.Fatalf("unexpected completion payload %v", last.Payload)
	}
	if _, ok := last.Payload["manifest_version"]; !ok {
		t.Fatal("completion payload missing manifest_version")
	}
}

func TestOrderingLocks(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "nda.pdf", "confidential")

	_, err := e.orch.Run(ctx, caseID, "parties")
	if !errors.Is(err, services.ErrOrderingLock) {
		t.Fatalf("expected ordering lock before intake, got %v", err)
	}
	state, err := e.orch.State(caseID, "parties")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if section.ParseStage(state.Stage) != section.StagePending || len(state.Provenance) != 0 {
		t.Fatalf("ordering lock must not change state, got %+v", state)
	}

	if _, err := e.orch.Run(ctx, caseID, "intake"); err != nil {
		t.Fatalf("Run intake: %v", err)
	}
	if _, err := e.orch.Run(ctx, caseID, "assembly"); !errors.Is(err, services.ErrOrderingLock) {
		t.Fatalf("expected final section lock, got %v", err)
	}
	if _, err := e.orch.Run(ctx, caseID, "parties"); err != nil {
		t.Fatalf("Run parties: %v", err)
	}
	if _, err := e.orch.Run(ctx, caseID, "assembly"); err != nil {
		t.Fatalf("final section should run once required sections are approved: %v", err)
	}
}

func TestFallbackRecordsProvenance(t *testing.T) {
	e := newEnv(t, envOptions{
		tools: []stage.Extractor{fixedTool("ocr", 0.40)},
		config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
			sectionCfg("intake", true, nil, "ocr", "metadata"),
			sectionCfg("assembly", true, nil, "metadata"),
		)},
	})
	e.ingest(t, "lease.pdf", "x")

	state, err := e.orch.Run(context.Background(), caseID, "intake")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(state.Provenance) != 2 {
		t.Fatalf("expected two attempts, got %+v", state.Provenance)
	}
	first, second := state.Provenance[0], state.Provenance[1]
	if first.Tool != "ocr" || first.Fallback || first.Confidence != 0.40 {
		t.Fatalf("unexpected first attempt %+v", first)
	}
	if second.Tool != "metadata" || !second.Fallback || second.TriggerConfidence != 0.40 {
		t.Fatalf("unexpected fallback attempt %+v", second)
	}
}

func TestThresholdIsPerSection(t *testing.T) {
	lenient := sectionCfg("intake", true, nil, "ocr", "metadata")
	lenient.ConfidenceThreshold = 0.30
	e := newEnv(t, envOptions{
		tools: []stage.Extractor{fixedTool("ocr", 0.40)},
		config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
			lenient,
			sectionCfg("assembly", true, nil, "ocr", "metadata"),
		)},
	})
	e.ingest(t, "lease.pdf", "x")
	ctx := context.Background()

	state, err := e.orch.Run(ctx, caseID, "intake")
	if err != nil {
		t.Fatalf("Run intake: %v", err)
	}
	if len(state.Provenance) != 1 || state.Provenance[0].Tool != "ocr" {
		t.Fatalf("ocr should satisfy a 0.30 threshold, got %+v", state.Provenance)
	}
	state, err = e.orch.Run(ctx, caseID, "assembly")
	if err != nil {
		t.Fatalf("Run assembly: %v", err)
	}
	if len(state.Provenance) != 2 {
		t.Fatalf("ocr should fall back under a 0.80 threshold, got %+v", state.Provenance)
	}
}

func TestExhaustedToolsBlockAndRaiseFault(t *testing.T) {
	broken := stage.Func{ToolName: "ocr", Fn: func(context.Context, stage.Input) (stage.Output, error) {
		return stage.Output{}, errors.New("engine offline")
	}}
	e := newEnv(t, envOptions{
		tools: []stage.Extractor{broken, fixedTool("nlp", 0.10)},
		config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
			sectionCfg("intake", true, nil, "ocr", "nlp"),
			sectionCfg("assembly", true, nil, "metadata"),
		)},
	})
	e.ingest(t, "lease.pdf", "x")

	state, err := e.orch.Run(context.Background(), caseID, "intake")
	if !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if section.ParseStage(state.Stage) != section.StageBlocked {
		t.Fatalf("expected blocked stage, got %s", state.Stage)
	}
	if state.Provenance[0].Err != "engine offline" {
		t.Fatalf("expected tool error in provenance, got %+v", state.Provenance[0])
	}
	blocked := e.recorder.on(bus.TopicSectionBlocked)
	if len(blocked) != 1 {
		t.Fatalf("expected one section.blocked, got %d", len(blocked))
	}
	tools, _ := blocked[0].Payload["attempted_tools"].([]any)
	if len(tools) != 2 || tools[0] != "ocr" || tools[1] != "nlp" {
		t.Fatalf("unexpected attempted tools %v", blocked[0].Payload["attempted_tools"])
	}
	if e.repair.Len() != 1 {
		t.Fatalf("expected extraction fault in repair queue, got %d", e.repair.Len())
	}
}

func TestNeedTimeoutBlocksWithHighPriorityFault(t *testing.T) {
	e := newEnv(t, envOptions{noLedger: true, config: []testsupport.ConfigOption{testsupport.WithNeedTimeout(1)}})
	if _, err := e.bus.Subscribe(bus.TopicSectionNeeds, "stalled", func(ctx context.Context, _ bus.Signal) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	state, err := e.orch.Run(context.Background(), caseID, "intake")
	if !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if state.BlockedReason != "evidence wait timed out" {
		t.Fatalf("unexpected reason %q", state.BlockedReason)
	}
	item, ok := e.repair.Next()
	if !ok {
		t.Fatal("expected repair item")
	}
	if item.Priority != repair.PriorityHigh || item.Fault.Category != services.FaultTimeout || item.SectionID != "intake" {
		t.Fatalf("unexpected repair item %+v", item)
	}
}

func TestMissingMandatoryTypeBlocks(t *testing.T) {
	parties := sectionCfg("parties", true, []string{"contract", "identity"}, "metadata")
	parties.MandatoryTypes = []string{"identity"}
	e := newEnv(t, envOptions{config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
		sectionCfg("intake", true, nil, "metadata"),
		parties,
		sectionCfg("assembly", true, nil, "metadata"),
	)}})
	e.ingest(t, "msa.pdf", "x")
	ctx := context.Background()
	if _, err := e.orch.Run(ctx, caseID, "intake"); err != nil {
		t.Fatalf("Run intake: %v", err)
	}
	state, err := e.orch.Run(ctx, caseID, "parties")
	if !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if state.BlockedReason != "missing mandatory evidence types: identity" {
		t.Fatalf("unexpected reason %q", state.BlockedReason)
	}

	e.ingest(t, "passport.jpg", "scan")
	if _, err := e.orch.Run(ctx, caseID, "parties"); err != nil {
		t.Fatalf("rerun after evidence arrived: %v", err)
	}
}

func TestValidationReruns(t *testing.T) {
	calls := 0
	incomplete := stage.Func{ToolName: "sloppy", Fn: func(context.Context, stage.Input) (stage.Output, error) {
		calls++
		return stage.Output{Payload: map[string]any{"section_id": "intake"}, Confidence: 1}, nil
	}}
	e := newEnv(t, envOptions{
		tools: []stage.Extractor{incomplete},
		config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
			sectionCfg("intake", true, nil, "sloppy"),
			sectionCfg("assembly", true, nil, "metadata"),
		)},
	})
	state, err := e.orch.Run(context.Background(), caseID, "intake")
	if !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked after reruns, got %v", err)
	}
	if state.RevisionDepth != 2 || calls != 3 {
		t.Fatalf("expected depth 2 after 3 attempts, got depth %d calls %d", state.RevisionDepth, calls)
	}
}

func TestValidationRejectsUnknownEvidence(t *testing.T) {
	ghost := stage.Func{ToolName: "ghost", Fn: func(context.Context, stage.Input) (stage.Output, error) {
		return stage.Output{Payload: map[string]any{
			"section_id": "intake",
			"evidence":   []any{"ev-9999"},
			"entries":    []any{map[string]any{"evidence_id": "ev-9999"}},
		}, Confidence: 1}, nil
	}}
	noReruns := sectionCfg("intake", true, nil, "ghost")
	noReruns.MaxReruns = 0
	e := newEnv(t, envOptions{
		tools: []stage.Extractor{ghost},
		config: []testsupport.ConfigOption{testsupport.WithSections("intake", "assembly",
			noReruns,
			sectionCfg("assembly", true, nil, "metadata"),
		)},
	})
	if _, err := e.orch.Run(context.Background(), caseID, "intake"); !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
}

func TestRevisionArchivesAndHonoursLimit(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "lease.pdf", "x")
	approved, err := e.orch.Run(ctx, caseID, "intake")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	revised, err := e.orch.RequestRevision(ctx, caseID, "intake", "admin", "typo")
	if err != nil {
		t.Fatalf("RequestRevision: %v", err)
	}
	if revised.Version != 2 || revised.RevisionDepth != 1 || !revised.Approved {
		t.Fatalf("unexpected revised state %+v", revised)
	}
	versions, err := e.journal.SectionVersions(ctx, caseID, "intake")
	if err != nil {
		t.Fatalf("SectionVersions: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != 1 || versions[0].PayloadHash != approved.PayloadHash {
		t.Fatalf("unexpected archive %+v", versions)
	}

	for depth := 2; depth <= revised.MaxReruns; depth++ {
		if _, err := e.orch.RequestRevision(ctx, caseID, "intake", "admin", "again"); err != nil {
			t.Fatalf("revision %d: %v", depth, err)
		}
	}
	before, _ := e.orch.State(caseID, "intake")
	if _, err := e.orch.RequestRevision(ctx, caseID, "intake", "admin", "one more"); !errors.Is(err, services.ErrRevisionLimit) {
		t.Fatalf("expected revision limit, got %v", err)
	}
	after, _ := e.orch.State(caseID, "intake")
	if after.Version != before.Version || after.RevisionDepth != before.RevisionDepth {
		t.Fatalf("rejected revision changed state: %+v -> %+v", before, after)
	}
}

func TestRevisionOverBus(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "lease.pdf", "x")
	if _, err := e.orch.Run(ctx, caseID, "intake"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reply, err := e.bus.Request(ctx, bus.Signal{
		Topic:   bus.TopicSectionRequestRevision,
		Sender:  "reviewer",
		Payload: map[string]any{"case_id": caseID, "section_id": "intake", "requester": "admin", "reason": "recheck"},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Payload["accepted"] != true || reply.Payload["version"] != 2 {
		t.Fatalf("unexpected reply %v", reply.Payload)
	}
}

func TestRevisionRequiresAuthorization(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "lease.pdf", "x")
	approved, err := e.orch.Run(ctx, caseID, "intake")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, requester := range []string{"", "mallory"} {
		if _, err := e.orch.RequestRevision(ctx, caseID, "intake", requester, "typo"); !errors.Is(err, services.ErrUnauthorized) {
			t.Fatalf("RequestRevision(%q): expected unauthorized, got %v", requester, err)
		}
	}
	reply, err := e.bus.Request(ctx, bus.Signal{
		Topic:   bus.TopicSectionRequestRevision,
		Sender:  "admin",
		Payload: map[string]any{"case_id": caseID, "section_id": "intake"},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Payload["accepted"] != false {
		t.Fatalf("revision without a requester must be rejected, got %v", reply.Payload)
	}

	state, _ := e.orch.State(caseID, "intake")
	if state.Version != approved.Version || state.RevisionDepth != 0 || !state.Approved {
		t.Fatalf("rejected revision changed state: %+v", state)
	}
	versions, err := e.journal.SectionVersions(ctx, caseID, "intake")
	if err != nil {
		t.Fatalf("SectionVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("rejected revision archived %d versions", len(versions))
	}
}

func TestRevisionReopensFrozenCase(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "lease.pdf", "x")
	if _, err := e.orch.Run(ctx, caseID, "intake"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := e.store.Freeze(ctx, caseID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	revised, err := e.orch.RequestRevision(ctx, caseID, "intake", "admin", "late correction")
	if err != nil {
		t.Fatalf("RequestRevision on frozen case: %v", err)
	}
	if revised.Version != 2 || !revised.Approved {
		t.Fatalf("unexpected revised state %+v", revised)
	}
	arena, _ := e.store.Case(caseID)
	if arena.Frozen() {
		t.Fatal("expected the case reopened")
	}
	reopened := e.recorder.on(bus.TopicCaseReopened)
	if len(reopened) != 1 || reopened[0].String("section_id") != "intake" {
		t.Fatalf("expected one case.reopened for intake, got %+v", reopened)
	}
}

func TestCancelRequiresAuthorizationAndBlockedStage(t *testing.T) {
	e := newEnv(t, envOptions{noLedger: true, config: []testsupport.ConfigOption{testsupport.WithNeedTimeout(1)}})
	ctx := context.Background()
	if _, err := e.orch.Cancel(ctx, caseID, "intake", "admin"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected pending section to refuse cancel, got %v", err)
	}
	if _, err := e.orch.Run(ctx, caseID, "intake"); !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected blocked without a responder, got %v", err)
	}
	if _, err := e.orch.Cancel(ctx, caseID, "intake", "mallory"); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	state, err := e.orch.Cancel(ctx, caseID, "intake", "admin")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if section.ParseStage(state.Stage) != section.StageCancelled {
		t.Fatalf("expected cancelled, got %s", state.Stage)
	}
	last := state.Provenance[len(state.Provenance)-1]
	if last.Stage != string(section.StageCancelled) {
		t.Fatalf("expected terminal provenance entry, got %+v", last)
	}
	if _, err := e.orch.Run(ctx, caseID, "intake"); !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("cancelled section must not rerun, got %v", err)
	}
}

func TestOverrideApprovesBlockedSection(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	if _, err := e.orch.Run(ctx, caseID, "intake"); !errors.Is(err, services.ErrSectionBlocked) {
		t.Fatalf("expected empty intake to block, got %v", err)
	}
	payload := map[string]any{"section_id": "intake", "evidence": []any{}, "entries": []any{}}
	if _, err := e.orch.Override(ctx, caseID, "intake", "bob", payload); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	state, err := e.orch.Override(ctx, caseID, "intake", "admin", payload)
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if !state.Approved || section.ParseStage(state.Stage) != section.StageMonitor {
		t.Fatalf("expected approved section, got %+v", state)
	}
}

func TestRunCaseDrivesAllSections(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()
	e.ingest(t, "lease.pdf", "x")
	e.ingest(t, "mail.eml", "From: a@example.com")

	report, err := e.orch.RunCase(ctx, caseID)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if len(report.Sections) != len(e.cfg.Sections) {
		t.Fatalf("expected %d sections, got %d", len(e.cfg.Sections), len(report.Sections))
	}
	if !e.orch.Approved(report) {
		t.Fatalf("expected every required section approved, report %+v", report)
	}
	if len(report.Blocked) != 0 || len(report.Skipped) != 0 {
		t.Fatalf("unexpected blocked %v skipped %v", report.Blocked, report.Skipped)
	}
}

func TestRunCaseSkipsFinalWhenRequiredSectionBlocks(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.ingest(t, "mail.eml", "From: a@example.com")

	report, err := e.orch.RunCase(context.Background(), caseID)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if !slices.Contains(report.Blocked, "parties") {
		t.Fatalf("expected parties blocked, got %v", report.Blocked)
	}
	if !slices.Contains(report.Skipped, "assembly") {
		t.Fatalf("expected assembly skipped, got %v", report.Skipped)
	}
	if e.orch.Approved(report) {
		t.Fatal("report must not be approved")
	}
}

func TestUnknownSection(t *testing.T) {
	e := newEnv(t, envOptions{})
	if _, err := e.orch.Run(context.Background(), caseID, "nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRejectsUnknownTool(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSections("intake", "assembly",
		sectionCfg("intake", true, nil, "ocr"),
		sectionCfg("assembly", true, nil, "metadata"),
	))
	e := newEnv(t, envOptions{})
	_, err := section.New(section.Options{Config: cfg, Store: e.store, Bus: e.bus})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
