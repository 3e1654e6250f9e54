package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dossier/internal/bus"
	"dossier/internal/logging"
)

const component = "notifier"

// Subscriber is the slice of the bus the forwarder listens on.
type Subscriber interface {
	Subscribe(topic bus.Topic, name string, handler bus.Handler) (bus.Subscription, error)
}

// Forwarder converts bus signals into notes.
type Forwarder struct {
	service Service
	logger  *slog.Logger
}

// NewForwarder wraps service. A nil service disables delivery.
func NewForwarder(service Service, logger *slog.Logger) *Forwarder {
	if service == nil {
		service = noopService{}
	}
	return &Forwarder{service: service, logger: logging.NewComponentLogger(logger, component)}
}

// Attach subscribes to the milestone topics.
func (f *Forwarder) Attach(b Subscriber) error {
	for _, topic := range []bus.Topic{bus.TopicCaseFrozen, bus.TopicSectionBlocked, bus.TopicRepairWarning} {
		if _, err := b.Subscribe(topic, component, f.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (f *Forwarder) handle(ctx context.Context, sig bus.Signal) (map[string]any, error) {
	note, ok := NoteFor(sig)
	if !ok {
		return nil, nil
	}
	// Push failures never fail the publisher's delivery.
	if err := f.service.Notify(ctx, note); err != nil {
		logging.WarnWithContext(f.logger, "notification failed", "notification_failed",
			logging.String(logging.FieldTopic, string(sig.Topic)),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic and network access"),
			logging.Error(err),
		)
	}
	return nil, nil
}

// NoteFor maps a signal to a note. Optional section blocks are not reported.
func NoteFor(sig bus.Signal) (Note, bool) {
	caseID := sig.String("case_id")
	switch sig.Topic {
	case bus.TopicCaseFrozen:
		return Note{
			Title:    "Dossier - Case Complete",
			Message:  fmt.Sprintf("Case %s is frozen; every required section is approved", caseID),
			Tags:     []string{"dossier", "case", "frozen"},
			Priority: "high",
		}, true
	case bus.TopicSectionBlocked:
		if required, _ := sig.Payload["required"].(bool); !required {
			return Note{}, false
		}
		section := sig.String("section_id")
		message := fmt.Sprintf("Case %s section %s blocked", caseID, section)
		if reason := strings.TrimSpace(sig.String("reason")); reason != "" {
			message += ": " + reason
		}
		tags := []string{"dossier", "section", "blocked"}
		if cancelled, _ := sig.Payload["cancelled"].(bool); cancelled {
			message = fmt.Sprintf("Case %s section %s cancelled", caseID, section)
			tags[2] = "cancelled"
		}
		return Note{Title: "Dossier - Section Blocked", Message: message, Tags: tags}, true
	case bus.TopicRepairWarning:
		return Note{
			Title:    "Dossier - Repair Backlog",
			Message:  fmt.Sprintf("Repair queue over soft cap: %v queued, %v evicted", sig.Payload["queue_size"], sig.Payload["evicted"]),
			Tags:     []string{"dossier", "repair", "warning"},
			Priority: "high",
		}, true
	}
	return Note{}, false
}
