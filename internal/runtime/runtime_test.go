package runtime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dossier/internal/journal"
	"dossier/internal/ledger"
	"dossier/internal/logging"
	"dossier/internal/notifications"
	"dossier/internal/runtime"
	"dossier/internal/services"
	"dossier/internal/stage"
	"dossier/internal/testsupport"
)

func artifacts(t *testing.T, dir string, files map[string]string) []ledger.ArtifactDescriptor {
	t.Helper()
	var out []ledger.ArtifactDescriptor
	for name, content := range files {
		out = append(out, ledger.ArtifactDescriptor{Source: testsupport.WriteArtifact(t, dir, name, content)})
	}
	return out
}

func TestProcessApprovesAndFreezesCase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt := testsupport.NewRuntime(t, cfg)
	ctx := context.Background()
	dir := filepath.Join(testsupport.BaseDir(cfg), "inbox")

	result, err := rt.Process(ctx, "case-42", "admin", artifacts(t, dir, map[string]string{
		"lease.pdf": "This Agreement is made between the parties",
		"mail.eml":  "From: tenant@example.com",
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Evidence) != 2 {
		t.Fatalf("expected 2 evidence ids, got %v", result.Evidence)
	}
	if !result.Approved {
		t.Fatalf("expected approval, report %+v", result.Report)
	}
	if !result.Mission.Frozen || !result.Mission.Complete {
		t.Fatalf("expected frozen complete mission, got %+v", result.Mission)
	}

	record, err := rt.Journal.Case(ctx, "case-42")
	if err != nil {
		t.Fatalf("journal case: %v", err)
	}
	if record.Status != journal.CaseFrozen {
		t.Fatalf("expected frozen registry status, got %s", record.Status)
	}
	if _, err := os.Stat(filepath.Join(cfg.CasesDir(), "case-42")); err != nil {
		t.Fatalf("expected manifest directory: %v", err)
	}

	signals, err := rt.Journal.RecentSignals(ctx, 500)
	if err != nil {
		t.Fatalf("RecentSignals: %v", err)
	}
	if len(signals) == 0 {
		t.Fatal("expected persisted signal deliveries")
	}
}

func TestRevisionAfterProcessReopensAndRefreezes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt := testsupport.NewRuntime(t, cfg)
	ctx := context.Background()
	dir := filepath.Join(testsupport.BaseDir(cfg), "inbox")

	result, err := rt.Process(ctx, "case-42", "admin", artifacts(t, dir, map[string]string{
		"lease.pdf": "This Agreement is made between the parties",
		"mail.eml":  "From: tenant@example.com",
	}))
	if err != nil || !result.Mission.Frozen {
		t.Fatalf("Process: frozen=%v err=%v", result.Mission.Frozen, err)
	}
	before, err := rt.Orchestrator.State("case-42", "parties")
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	if _, err := rt.Orchestrator.RequestRevision(ctx, "case-42", "parties", "nobody-unlisted", "recheck"); !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected unauthorized revision, got %v", err)
	}
	versions, err := rt.Journal.SectionVersions(ctx, "case-42", "parties")
	if err != nil {
		t.Fatalf("SectionVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("rejected revision left %d archived versions", len(versions))
	}

	revised, err := rt.Orchestrator.RequestRevision(ctx, "case-42", "parties", "admin", "recheck")
	if err != nil {
		t.Fatalf("RequestRevision: %v", err)
	}
	if !revised.Approved || revised.Version != before.Version+1 || revised.RevisionDepth != before.RevisionDepth+1 {
		t.Fatalf("unexpected revised state %+v (was %+v)", revised, before)
	}
	versions, _ = rt.Journal.SectionVersions(ctx, "case-42", "parties")
	if len(versions) != 1 || versions[0].Version != before.Version || versions[0].PayloadHash != before.PayloadHash {
		t.Fatalf("unexpected archive %+v", versions)
	}
	if mission := rt.Controller.Status("case-42"); !mission.Frozen || !mission.Complete {
		t.Fatalf("expected case frozen again after re-approval, got %+v", mission)
	}
	record, _ := rt.Journal.Case(ctx, "case-42")
	if record.Status != journal.CaseFrozen {
		t.Fatalf("expected frozen registry status, got %s", record.Status)
	}
}

type notes struct {
	mu  sync.Mutex
	got []notifications.Note
}

func (n *notes) Notify(_ context.Context, note notifications.Note) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func TestProcessNotifiesOnFreeze(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sink := &notes{}
	rt := testsupport.NewRuntime(t, cfg, runtime.WithNotifier(sink))
	dir := filepath.Join(testsupport.BaseDir(cfg), "inbox")

	if _, err := rt.Process(context.Background(), "case-5", "admin", artifacts(t, dir, map[string]string{
		"lease.pdf": "x",
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 || sink.got[0].Title != "Dossier - Case Complete" {
		t.Fatalf("expected one frozen notification, got %+v", sink.got)
	}
}

func TestProcessRejectsEvidenceForFrozenCase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt := testsupport.NewRuntime(t, cfg)
	ctx := context.Background()
	dir := filepath.Join(testsupport.BaseDir(cfg), "inbox")

	if _, err := rt.Process(ctx, "case-7", "admin", artifacts(t, dir, map[string]string{
		"lease.pdf": "x",
		"mail.eml":  "From: a@example.com",
	})); err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, err := rt.Process(ctx, "case-7", "admin", artifacts(t, dir, map[string]string{"late.log": "late"}))
	if !errors.Is(err, services.ErrCaseFrozen) {
		t.Fatalf("expected ErrCaseFrozen, got %v", err)
	}
}

func TestProcessResumesAcrossRuntimes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()
	dir := filepath.Join(testsupport.BaseDir(cfg), "inbox")

	first, err := runtime.New(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	result, err := first.Process(ctx, "case-9", "analyst", artifacts(t, dir, map[string]string{"mail.eml": "From: a@example.com"}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Approved {
		t.Fatal("parties must block without a contract")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := testsupport.NewRuntime(t, cfg)
	mission, err := second.Load(ctx, "case-9")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mission.EvidenceCount != 1 {
		t.Fatalf("expected reloaded evidence, got %+v", mission)
	}
	if len(mission.OutstandingBlocks) == 0 {
		t.Fatalf("expected outstanding blocks after reload, got %+v", mission)
	}

	result, err = second.Process(ctx, "case-9", "analyst", artifacts(t, dir, map[string]string{"nda.txt": "the parties agree"}))
	if err != nil {
		t.Fatalf("resume Process: %v", err)
	}
	if len(result.Evidence) != 1 || result.Mission.EvidenceCount != 2 {
		t.Fatalf("expected appended evidence, got %+v", result)
	}
}

func TestProcessRequiresAuthorizedOperator(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt := testsupport.NewRuntime(t, cfg)
	_, err := rt.Process(context.Background(), "case-1", "intruder", nil)
	if !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewRejectsBrokenRules(t *testing.T) {
	base := t.TempDir()
	rules := testsupport.WriteArtifact(t, base, "rules.yaml", "rules:\n  - name: bad\n    type: log\n    expr: 'size'\n")
	cfg := testsupport.NewConfig(t, testsupport.WithRulesFile(rules))
	if _, err := runtime.New(context.Background(), cfg, logging.NewNop()); err == nil {
		t.Fatal("expected error for non-boolean typed rule")
	}
}

func TestHealthReportsComponents(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	broken := stage.Func{ToolName: "ocr"}
	rt := testsupport.NewRuntime(t, cfg, runtime.WithExtractors(unhealthy{broken}))

	health := rt.Health(context.Background())
	if health.Ready {
		t.Fatal("expected not ready with an unhealthy extractor")
	}
	if got := strings.Join(health.Responders, ","); got != "ecosystem-controller,evidence-ledger,repair-queue,section-orchestrator" {
		t.Fatalf("unexpected responders %q", got)
	}
	if len(health.Preflight) == 0 || len(preflightFailures(health)) != 0 {
		t.Fatalf("unexpected preflight %+v", health.Preflight)
	}

	again := rt.Health(context.Background())
	if !again.Throttled || len(again.Responders) != 0 {
		t.Fatalf("expected throttled rollcall, got %+v", again)
	}
}

type unhealthy struct {
	stage.Func
}

func (u unhealthy) HealthCheck(context.Context) stage.Health {
	return stage.Unhealthy(u.Name(), "model not loaded")
}

func preflightFailures(h runtime.Health) []string {
	var out []string
	for _, result := range h.Preflight {
		if !result.Passed {
			out = append(out, result.Name)
		}
	}
	return out
}
