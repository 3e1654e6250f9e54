package ledger_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/ledger"
	"dossier/internal/services"
	"dossier/internal/testsupport"
)

type harness struct {
	store  *casestore.Store
	bus    *bus.Bus
	ledger *ledger.Ledger

	mu     sync.Mutex
	events []bus.Signal
}

func newHarness(t *testing.T, classifier ledger.ExternalClassifier) *harness {
	t.Helper()
	store, err := casestore.Open(context.Background(), casestore.NewFileManifests(t.TempDir()))
	if err != nil {
		t.Fatalf("casestore.Open: %v", err)
	}
	if _, err := store.CreateCase(context.Background(), "case-1"); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	h := &harness{store: store, bus: bus.New(bus.Options{})}
	if _, err := h.bus.Subscribe(bus.TopicEvidenceUpdated, "recorder", func(_ context.Context, sig bus.Signal) (map[string]any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, sig)
		return nil, nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	l, err := ledger.New(ledger.Options{Store: store, Bus: h.bus, Classifier: classifier, Dedupe: true})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	h.ledger = l
	return h
}

type stubClassifier struct {
	typ   string
	err   error
	calls int
}

func (s *stubClassifier) Classify(context.Context, ledger.Artifact) (string, error) {
	s.calls++
	return s.typ, s.err
}

func TestIngestContractPublishesEvidenceUpdated(t *testing.T) {
	h := newHarness(t, nil)
	path := testsupport.WriteArtifact(t, t.TempDir(), "supply_contract.pdf", "This Agreement is made between the parties.")

	id, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: path})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	rec, err := h.store.Evidence("case-1", id)
	if err != nil {
		t.Fatalf("Evidence: %v", err)
	}
	if rec.Type != "contract" {
		t.Fatalf("expected contract, got %q", rec.Type)
	}
	if len(rec.History) != 1 || rec.History[0].At.IsZero() {
		t.Fatalf("expected one timestamped history entry, got %+v", rec.History)
	}
	if len(h.events) != 1 {
		t.Fatalf("expected one evidence.updated, got %d", len(h.events))
	}
	if got := h.events[0].String("evidence_id"); got != id {
		t.Fatalf("evidence.updated carried %q, want %q", got, id)
	}
}

func TestIngestPersistsManifest(t *testing.T) {
	dir := t.TempDir()
	persist := casestore.NewFileManifests(dir)
	store, err := casestore.Open(context.Background(), persist)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.CreateCase(context.Background(), "case-1"); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	l, err := ledger.New(ledger.Options{Store: store, Bus: bus.New(bus.Options{}), Dedupe: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: "inbox.eml", Content: []byte("From: a@example.com")}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	manifest, ok, err := persist.ReadManifest(context.Background(), "case-1")
	if err != nil || !ok {
		t.Fatalf("ReadManifest: ok=%v err=%v", ok, err)
	}
	if manifest.EvidenceCount != 1 || manifest.Entries[0].Type != "correspondence" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestIngestDedupesIdenticalContent(t *testing.T) {
	h := newHarness(t, nil)
	desc := ledger.ArtifactDescriptor{Source: "a.log", Content: []byte("line one\n")}
	first, err := h.ledger.Ingest(context.Background(), "case-1", desc)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	desc.Source = "copy.log"
	second, err := h.ledger.Ingest(context.Background(), "case-1", desc)
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}
	if first != second {
		t.Fatalf("expected duplicate to return %s, got %s", first, second)
	}
	records, _ := h.store.ListEvidence("case-1")
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if len(h.events) != 1 {
		t.Fatalf("duplicate should not publish, got %d events", len(h.events))
	}
}

func TestIngestRejectsMissingSource(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: filepath.Join(t.TempDir(), "missing.pdf")})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty descriptor, got %v", err)
	}
}

func TestIngestUnknownCase(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ledger.Ingest(context.Background(), "nope", ledger.ArtifactDescriptor{Source: "x.log", Content: []byte("x")})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExternalClassifierConsultedAfterRules(t *testing.T) {
	classifier := &stubClassifier{typ: "Medical"}
	h := newHarness(t, classifier)

	id, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: "scan.bin", Content: []byte{0x00, 0x01}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	rec, _ := h.store.Evidence("case-1", id)
	if rec.Type != "medical" {
		t.Fatalf("expected external type, got %q", rec.Type)
	}

	if _, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: "photo.png", Content: []byte("png")}); err != nil {
		t.Fatalf("Ingest image: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("classifier should only run when rules miss, calls=%d", classifier.calls)
	}
}

func TestUnresolvedArtifactsQueueForManualClassification(t *testing.T) {
	h := newHarness(t, &stubClassifier{err: errors.New("offline")})
	id, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: "blob.bin", Content: []byte{0xff, 0xfe}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	pending, err := h.ledger.PendingManual("case-1")
	if err != nil {
		t.Fatalf("PendingManual: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected %s pending, got %+v", id, pending)
	}

	rec, err := h.ledger.ResolveManual(context.Background(), "case-1", id, "Financial", "alice")
	if err != nil {
		t.Fatalf("ResolveManual: %v", err)
	}
	if rec.Type != "financial" || rec.History[len(rec.History)-1].Actor != "alice" {
		t.Fatalf("unexpected resolved record: %+v", rec)
	}
	pending, _ = h.ledger.PendingManual("case-1")
	if len(pending) != 0 {
		t.Fatalf("expected empty manual queue, got %d", len(pending))
	}
	if _, err := h.ledger.ResolveManual(context.Background(), "case-1", id, "contract", "alice"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error resolving a classified record, got %v", err)
	}
}

func TestClassifyRecordsChangedType(t *testing.T) {
	h := newHarness(t, nil)
	path := testsupport.WriteArtifact(t, t.TempDir(), "notes.txt", "misc")
	id, err := h.ledger.Ingest(context.Background(), "case-1", ledger.ArtifactDescriptor{Source: path})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := os.WriteFile(path, []byte("THIS AGREEMENT binds the parties"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	typ, err := h.ledger.Classify(context.Background(), "case-1", id)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if typ != "contract" {
		t.Fatalf("expected contract after reclassify, got %q", typ)
	}
	rec, _ := h.store.Evidence("case-1", id)
	if len(rec.History) != 2 {
		t.Fatalf("expected reclassification in history, got %d entries", len(rec.History))
	}
}

func TestRespondToNeedOrdersByLastEnrichment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, _ := h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "lease.pdf", Content: []byte("one")})
	second, _ := h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "nda.pdf", Content: []byte("two")})
	_, _ = h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "server.log", Content: []byte("three")})
	_, _ = h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "blob.bin", Content: []byte{0xff}})

	time.Sleep(2 * time.Millisecond)
	if _, err := h.ledger.Enrich(ctx, "case-1", first, "analyst", map[string]any{"tags": []string{"signed"}}); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	records, err := h.ledger.RespondToNeed(ctx, "case-1", "parties", ledger.NeedFilter{Types: []string{"contract"}})
	if err != nil {
		t.Fatalf("RespondToNeed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two contracts, got %d", len(records))
	}
	if records[0].ID != first || records[1].ID != second {
		t.Fatalf("expected %s then %s, got %s then %s", first, second, records[0].ID, records[1].ID)
	}
	for _, rec := range records {
		if !rec.HasSection("parties") {
			t.Fatalf("record %s not assigned to parties", rec.ID)
		}
	}

	all, err := h.ledger.RespondToNeed(ctx, "case-1", "intake", ledger.NeedFilter{})
	if err != nil {
		t.Fatalf("RespondToNeed all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unclassified evidence must be excluded, got %d records", len(all))
	}
}

func TestRespondToNeedHonoursTagsAndLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, _ = h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "a.png", Content: []byte("a"), Tags: []string{"Exhibit"}})
	_, _ = h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "b.png", Content: []byte("b"), Tags: []string{"exhibit"}})
	_, _ = h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "c.png", Content: []byte("c")})

	records, err := h.ledger.RespondToNeed(ctx, "case-1", "timeline", ledger.NeedFilter{Tags: []string{"exhibit"}, Limit: 1})
	if err != nil {
		t.Fatalf("RespondToNeed: %v", err)
	}
	if len(records) != 1 || !slices.Contains(records[0].Tags, "exhibit") {
		t.Fatalf("expected one tagged record, got %+v", records)
	}
}

func TestSectionNeedsRequestOverBus(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ledger.Attach(h.bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx := context.Background()
	id, _ := h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "msa.docx", Content: []byte("x")})

	reply, err := h.bus.Request(ctx, bus.Signal{
		Topic:   bus.TopicSectionNeeds,
		Sender:  "section:parties",
		Payload: ledger.NeedPayload("case-1", "parties", ledger.NeedFilter{Types: []string{"contract"}}),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	records := ledger.EvidenceFromReply(reply.Payload)
	if len(records) != 1 || records[0].ID != id {
		t.Fatalf("unexpected reply: %+v", reply.Payload)
	}
}

func TestEnrichOnFrozenCaseFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, _ := h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: "x.log", Content: []byte("x")})
	if _, err := h.store.Freeze(ctx, "case-1"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if _, err := h.ledger.Enrich(ctx, "case-1", id, "analyst", map[string]any{"tags": []string{"late"}}); !errors.Is(err, services.ErrCaseFrozen) {
		t.Fatalf("expected frozen error, got %v", err)
	}
}

func TestIngestPublishPrecedesConcurrentEnrichment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	first := make(map[string]string)
	if _, err := h.bus.Subscribe(bus.TopicEvidenceUpdated, "order", func(_ context.Context, sig bus.Signal) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		id := sig.String("evidence_id")
		if _, seen := first[id]; !seen {
			first[id] = sig.String("event")
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const artifacts = 40
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, section := range []string{"intake", "parties"} {
		wg.Add(1)
		go func(section string) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := h.ledger.RespondToNeed(ctx, "case-1", section, ledger.NeedFilter{}); err != nil {
					t.Errorf("RespondToNeed: %v", err)
					return
				}
			}
		}(section)
	}
	for i := 0; i < artifacts; i++ {
		content := fmt.Sprintf("This Agreement number %d binds the parties", i)
		if _, err := h.ledger.Ingest(ctx, "case-1", ledger.ArtifactDescriptor{Source: fmt.Sprintf("lease-%02d.pdf", i), Content: []byte(content)}); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(first) != artifacts {
		t.Fatalf("expected events for %d records, got %d", artifacts, len(first))
	}
	for id, event := range first {
		if event != "ingested" {
			t.Fatalf("first evidence.updated for %s was %q, want ingested", id, event)
		}
	}
}
