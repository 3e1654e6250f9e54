package bus

import (
	"encoding/json"
	"maps"
	"time"
)

// Signal is the envelope carried by the bus. The bus copies Payload on
// publish, so later mutation by the sender is not observed by subscribers.
type Signal struct {
	ID               string
	Topic            Topic
	Sender           string
	Target           string
	RadioCode        RadioCode
	Message          string
	Payload          map[string]any
	ResponseExpected bool
	Timeout          time.Duration
	CreatedAt        time.Time
}

type wireSignal struct {
	ID               string         `json:"signal_id"`
	Sender           string         `json:"sender_address"`
	Target           string         `json:"target_address,omitempty"`
	Topic            Topic          `json:"topic"`
	RadioCode        RadioCode      `json:"radio_code,omitempty"`
	Message          string         `json:"message,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	ResponseExpected bool           `json:"response_expected"`
	TimeoutSeconds   float64        `json:"timeout,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// MarshalJSON renders the external envelope shape.
func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSignal{
		ID:               s.ID,
		Sender:           s.Sender,
		Target:           s.Target,
		Topic:            s.Topic,
		RadioCode:        s.RadioCode,
		Message:          s.Message,
		Payload:          s.Payload,
		ResponseExpected: s.ResponseExpected,
		TimeoutSeconds:   s.Timeout.Seconds(),
		CreatedAt:        s.CreatedAt,
	})
}

// UnmarshalJSON parses the external envelope shape.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var wire wireSignal
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Signal{
		ID:               wire.ID,
		Topic:            wire.Topic,
		Sender:           wire.Sender,
		Target:           wire.Target,
		RadioCode:        wire.RadioCode,
		Message:          wire.Message,
		Payload:          wire.Payload,
		ResponseExpected: wire.ResponseExpected,
		Timeout:          time.Duration(wire.TimeoutSeconds * float64(time.Second)),
		CreatedAt:        wire.CreatedAt,
	}
	return nil
}

func (s Signal) clone() Signal {
	s.Payload = maps.Clone(s.Payload)
	return s
}

// String reads a string payload field.
func (s Signal) String(key string) string {
	if v, ok := s.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Reply is a handler's answer to a signal.
type Reply struct {
	SignalID  string
	Responder string
	Payload   map[string]any
}

// DeliveryResult summarises one Publish.
type DeliveryResult struct {
	SignalID  string
	Topic     Topic
	Delivered int
	Failures  []HandlerFailure
	Defaulted bool
	Unhandled bool
	Throttled bool
	Replies   []Reply
}

// Failed reports how many handlers returned an error or panicked.
func (r DeliveryResult) Failed() int {
	return len(r.Failures)
}

// HandlerFailure records one contained handler failure.
type HandlerFailure struct {
	Subscriber string
	Err        string
	Panicked   bool
}
