package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"dossier/internal/bus"
	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/notifications"
)

type captured struct {
	title    string
	message  string
	tags     string
	priority string
}

func newNtfyServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			title:    r.Header.Get("Title"),
			message:  string(body),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.Notify(context.Background(), notifications.Note{Message: "x"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceSendsHeaders(t *testing.T) {
	srv, got := newNtfyServer(t)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	svc := notifications.NewService(&cfg)

	err := svc.Notify(context.Background(), notifications.Note{
		Title:    "Dossier - Test",
		Message:  "hello",
		Tags:     []string{"dossier", "test"},
		Priority: "low",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	notes := got()
	if len(notes) != 1 {
		t.Fatalf("expected 1 request, got %d", len(notes))
	}
	if notes[0].title != "Dossier - Test" || notes[0].message != "hello" || notes[0].tags != "dossier,test" || notes[0].priority != "low" {
		t.Fatalf("unexpected request %+v", notes[0])
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic reserved", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL

	err := notifications.NewService(&cfg).Notify(context.Background(), notifications.Note{Message: "x"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestForwarderPushesMilestones(t *testing.T) {
	srv, got := newNtfyServer(t)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	b := bus.New(bus.Options{Logger: logging.NewNop()})
	if err := notifications.NewForwarder(notifications.NewService(&cfg), logging.NewNop()).Attach(b); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	ctx := context.Background()

	publish := func(sig bus.Signal) {
		t.Helper()
		if _, err := b.Publish(ctx, sig); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(bus.Signal{Topic: bus.TopicCaseFrozen, Sender: "test", Payload: map[string]any{"case_id": "case-1"}})
	publish(bus.Signal{Topic: bus.TopicSectionBlocked, Sender: "test", Payload: map[string]any{
		"case_id": "case-1", "section_id": "timeline", "required": false, "reason": "no evidence",
	}})
	publish(bus.Signal{Topic: bus.TopicSectionBlocked, Sender: "test", Payload: map[string]any{
		"case_id": "case-1", "section_id": "parties", "required": true, "reason": "extraction tools exhausted",
	}})

	notes := got()
	if len(notes) != 2 {
		t.Fatalf("expected 2 pushes (optional block skipped), got %+v", notes)
	}
	if notes[0].title != "Dossier - Case Complete" || notes[0].priority != "high" {
		t.Fatalf("unexpected frozen note %+v", notes[0])
	}
	if !strings.Contains(notes[1].message, "parties blocked: extraction tools exhausted") {
		t.Fatalf("unexpected blocked note %+v", notes[1])
	}
}

func TestNoteForCancelledSection(t *testing.T) {
	note, ok := notifications.NoteFor(bus.Signal{Topic: bus.TopicSectionBlocked, Payload: map[string]any{
		"case_id": "c", "section_id": "parties", "required": true, "cancelled": true,
	}})
	if !ok || note.Tags[2] != "cancelled" || !strings.Contains(note.Message, "cancelled") {
		t.Fatalf("unexpected note %+v ok=%v", note, ok)
	}
	if _, ok := notifications.NoteFor(bus.Signal{Topic: bus.TopicEvidenceUpdated}); ok {
		t.Fatal("evidence updates must not notify")
	}
}
