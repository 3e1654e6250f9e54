package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dossier/internal/config"
)

const userAgent = "dossier/0.1"

// Note is one push notification.
type Note struct {
	Title    string
	Message  string
	Tags     []string
	Priority string
}

// Service delivers notes.
type Service interface {
	Notify(ctx context.Context, note Note) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil || strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return noopService{}
	}
	return &ntfyService{
		endpoint: strings.TrimSpace(cfg.Notifications.NtfyTopic),
		client:   &http.Client{Timeout: cfg.NotifyTimeout()},
	}
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Notify(ctx context.Context, note Note) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(note.Message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if note.Title != "" {
		req.Header.Set("Title", note.Title)
	}
	if len(note.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(note.Tags, ","))
	}
	if note.Priority != "" && note.Priority != "default" {
		req.Header.Set("Priority", note.Priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Notify(context.Context, Note) error { return nil }
