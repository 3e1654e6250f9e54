// Package repair holds operational faults awaiting operator attention, ordered
// by priority. The queue never blocks producers: past its soft cap it sheds
// the oldest tracked faults and raises a warning instead.
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dossier/internal/bus"
	"dossier/internal/logging"
	"dossier/internal/services"
)

const component = "repair-queue"

// Priority orders repair items. Lower values are served first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParsePriority maps a label to a Priority; unknown labels are LOW.
func ParsePriority(label string) Priority {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HIGH":
		return PriorityHigh
	case "MEDIUM":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Item is one tracked fault.
type Item struct {
	ID         string         `json:"id"`
	Priority   Priority       `json:"-"`
	Fault      services.Fault `json:"fault"`
	CaseID     string         `json:"case_id,omitempty"`
	SectionID  string         `json:"section_id,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Publisher is the slice of the bus the queue needs for warnings.
type Publisher interface {
	Publish(ctx context.Context, sig bus.Signal) (bus.DeliveryResult, error)
}

// Options configures a Queue.
type Options struct {
	MaxItems  int
	SoftCap   int
	Retention time.Duration
	Publisher Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Queue is a bounded priority queue of faults.
type Queue struct {
	maxItems  int
	softCap   int
	retention time.Duration
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time

	mu      sync.Mutex
	items   []Item
	evicted int
}

// New constructs a queue, applying the 1000/800 defaults.
func New(opts Options) *Queue {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 1000
	}
	softCap := opts.SoftCap
	if softCap <= 0 || softCap > maxItems {
		softCap = maxItems * 4 / 5
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Queue{
		maxItems:  maxItems,
		softCap:   softCap,
		retention: retention,
		publisher: opts.Publisher,
		logger:    logging.NewComponentLogger(opts.Logger, component),
		clock:     clock,
	}
}

// Add enqueues a fault. It never blocks; crossing the soft cap evicts old
// entries and emits repair.warning.
func (q *Queue) Add(ctx context.Context, priority Priority, fault services.Fault, caseID, sectionID string) Item {
	item := Item{
		ID:         uuid.NewString(),
		Priority:   priority,
		Fault:      fault,
		CaseID:     caseID,
		SectionID:  sectionID,
		EnqueuedAt: q.clock().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	var evicted []Item
	if len(q.items) > q.softCap {
		evicted = q.shedLocked(item.EnqueuedAt)
	}
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Info("repair item queued",
		logging.String(logging.FieldEventType, "repair_queued"),
		logging.String("priority", priority.String()),
		logging.String("fault_key", fault.Key),
		logging.String(logging.FieldCaseID, caseID),
		logging.Int("queue_size", size),
	)
	if len(evicted) > 0 {
		q.warn(ctx, evicted, size)
	}
	return item
}

// shedLocked drops entries older than the retention window, then the oldest
// remaining entries, until the queue is back under the soft cap.
func (q *Queue) shedLocked(now time.Time) []Item {
	cutoff := now.Add(-q.retention)
	kept := q.items[:0:0]
	var evicted []Item
	for _, item := range q.items {
		if item.EnqueuedAt.Before(cutoff) {
			evicted = append(evicted, item)
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) > q.softCap {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].EnqueuedAt.Before(kept[j].EnqueuedAt) })
		overflow := len(kept) - q.softCap
		evicted = append(evicted, kept[:overflow]...)
		kept = append([]Item(nil), kept[overflow:]...)
	}
	q.items = kept
	q.evicted += len(evicted)
	return evicted
}

func (q *Queue) warn(ctx context.Context, evicted []Item, size int) {
	logging.WarnWithContext(q.logger, "repair queue crossed soft cap", "repair_soft_cap",
		logging.Int("evicted", len(evicted)),
		logging.Int("queue_size", size),
		logging.Int("soft_cap", q.softCap),
		logging.String(logging.FieldErrorHint, "drain the repair queue or raise repair.soft_cap"),
		logging.String(logging.FieldImpact, "oldest tracked faults were dropped"),
	)
	if q.publisher == nil {
		return
	}
	keys := make([]string, 0, len(evicted))
	for _, item := range evicted {
		keys = append(keys, item.Fault.Key)
	}
	if _, err := q.publisher.Publish(ctx, bus.Signal{
		Topic:     bus.TopicRepairWarning,
		Sender:    component,
		RadioCode: bus.RadioFault,
		Message:   fmt.Sprintf("evicted %d repair items", len(evicted)),
		Payload: map[string]any{
			"evicted":      len(evicted),
			"evicted_keys": keys,
			"queue_size":   size,
			"soft_cap":     q.softCap,
			"max_items":    q.maxItems,
		},
	}); err != nil {
		q.logger.Debug("repair warning publish failed", logging.Error(err))
	}
}

// Next removes and returns the highest-priority, oldest item.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	best := 0
	for i, item := range q.items {
		current := q.items[best]
		if item.Priority < current.Priority ||
			(item.Priority == current.Priority && item.EnqueuedAt.Before(current.EnqueuedAt)) {
			best = i
		}
	}
	item := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return item, true
}

// Items returns a priority-ordered copy of the queue.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	out := append([]Item(nil), q.items...)
	q.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evicted returns how many items have been shed since construction.
func (q *Queue) Evicted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Subscriber is the slice of the bus used to receive faults.
type Subscriber interface {
	Subscribe(topic bus.Topic, name string, handler bus.Handler) (bus.Subscription, error)
}

// Attach subscribes the queue to fault.raised so escalations arrive over the
// bus.
func (q *Queue) Attach(b Subscriber) error {
	_, err := b.Subscribe(bus.TopicFaultRaised, component, func(ctx context.Context, sig bus.Signal) (map[string]any, error) {
		fault := faultFromPayload(sig.Payload)
		item := q.Add(ctx, ParsePriority(sig.String("priority")), fault, sig.String("case_id"), sig.String("section_id"))
		return map[string]any{"repair_id": item.ID}, nil
	})
	return err
}

func faultFromPayload(payload map[string]any) services.Fault {
	fault := services.Fault{}
	if raw, ok := payload["fault"].(map[string]any); ok {
		payload = raw
	}
	fault.Key, _ = payload["key"].(string)
	fault.Component, _ = payload["component"].(string)
	fault.Category, _ = payload["category"].(string)
	fault.Operation, _ = payload["operation"].(string)
	fault.Description, _ = payload["description"].(string)
	if details, ok := payload["details"].(map[string]any); ok {
		fault.Details = details
	}
	if raised, ok := payload["raised_at"].(string); ok {
		fault.RaisedAt, _ = time.Parse(time.RFC3339Nano, raised)
	}
	if fault.Key == "" {
		fault.Key = services.FaultKey(fault.Component, fault.Category, fault.Operation)
	}
	return fault
}
