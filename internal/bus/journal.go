package bus

import (
	"maps"
	"sync"
	"time"
)

// DeliveryRecord is one journaled Publish.
type DeliveryRecord struct {
	Sequence    uint64         `json:"seq"`
	SignalID    string         `json:"signal_id"`
	Topic       Topic          `json:"topic"`
	Sender      string         `json:"sender_address"`
	Target      string         `json:"target_address,omitempty"`
	RadioCode   RadioCode      `json:"radio_code,omitempty"`
	Message     string         `json:"message,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Subscribers []string       `json:"subscribers,omitempty"`
	Delivered   int            `json:"delivered"`
	Failed      int            `json:"failed"`
	Defaulted   bool           `json:"defaulted,omitempty"`
	Unhandled   bool           `json:"unhandled,omitempty"`
	Throttled   bool           `json:"throttled,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// DeliverySink receives every journaled delivery (for persistence).
type DeliverySink interface {
	AppendDelivery(DeliveryRecord)
}

type deliveryJournal struct {
	mu       sync.Mutex
	capacity int
	buffer   []DeliveryRecord
	nextSeq  uint64
	sinks    []DeliverySink
}

func newDeliveryJournal(capacity int, sink DeliverySink) *deliveryJournal {
	if capacity <= 0 {
		capacity = 512
	}
	j := &deliveryJournal{capacity: capacity}
	if sink != nil {
		j.sinks = append(j.sinks, sink)
	}
	return j
}

func (j *deliveryJournal) record(sig Signal, result DeliveryResult, subscribers []string, now time.Time) {
	rec := DeliveryRecord{
		SignalID:    sig.ID,
		Topic:       sig.Topic,
		Sender:      sig.Sender,
		Target:      sig.Target,
		RadioCode:   sig.RadioCode,
		Message:     sig.Message,
		Payload:     maps.Clone(sig.Payload),
		Subscribers: append([]string(nil), subscribers...),
		Delivered:   result.Delivered,
		Failed:      result.Failed(),
		Defaulted:   result.Defaulted,
		Unhandled:   result.Unhandled,
		Throttled:   result.Throttled,
		CreatedAt:   sig.CreatedAt,
		DeliveredAt: now.UTC(),
	}

	j.mu.Lock()
	j.nextSeq++
	rec.Sequence = j.nextSeq
	if len(j.buffer) == j.capacity {
		copy(j.buffer, j.buffer[1:])
		j.buffer = j.buffer[:j.capacity-1]
	}
	j.buffer = append(j.buffer, rec)
	sinks := append([]DeliverySink(nil), j.sinks...)
	j.mu.Unlock()

	for _, sink := range sinks {
		sink.AppendDelivery(rec)
	}
}

func (j *deliveryJournal) since(since uint64, limit int) []DeliveryRecord {
	if limit <= 0 || limit > j.capacity {
		limit = j.capacity
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]DeliveryRecord, 0, limit)
	for _, rec := range j.buffer {
		if rec.Sequence <= since {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}

// AddSink wires an additional sink that receives every delivery record.
func (b *Bus) AddSink(sink DeliverySink) {
	if sink == nil {
		return
	}
	b.journal.mu.Lock()
	b.journal.sinks = append(b.journal.sinks, sink)
	b.journal.mu.Unlock()
}

// Deliveries returns journaled deliveries with sequence greater than since,
// oldest first.
func (b *Bus) Deliveries(since uint64, limit int) []DeliveryRecord {
	return b.journal.since(since, limit)
}
