package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dossier/internal/bus"
	"dossier/internal/logging"
)

// AppendDelivery persists one bus delivery. It satisfies bus.DeliverySink;
// failures are logged because the bus has no caller to return them to.
func (s *Store) AppendDelivery(rec bus.DeliveryRecord) {
	if err := s.appendDelivery(context.Background(), rec); err != nil {
		logging.WarnWithContext(s.logger, "signal log write failed", "signal_log_failed",
			logging.String(logging.FieldSignalID, rec.SignalID),
			logging.String(logging.FieldTopic, string(rec.Topic)),
			logging.String(logging.FieldErrorHint, "check disk space and permissions on "+s.path),
			logging.String(logging.FieldImpact, "signal missing from persisted history"),
			logging.Error(err),
		)
	}
}

func (s *Store) appendDelivery(ctx context.Context, rec bus.DeliveryRecord) error {
	var payload any
	if len(rec.Payload) > 0 {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = string(data)
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO signals (signal_id, topic, sender, target, radio_code, message, payload, subscribers,
			delivered, failed, defaulted, unhandled, throttled, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SignalID, string(rec.Topic), rec.Sender, rec.Target, string(rec.RadioCode), rec.Message, payload,
		strings.Join(rec.Subscribers, ","), rec.Delivered, rec.Failed,
		boolInt(rec.Defaulted), boolInt(rec.Unhandled), boolInt(rec.Throttled),
		formatTime(rec.CreatedAt), formatTime(rec.DeliveredAt),
	)
	return err
}

// RecentSignals returns up to limit persisted deliveries, newest first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]bus.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), `
		SELECT seq, signal_id, topic, sender, target, radio_code, message, payload, subscribers,
			delivered, failed, defaulted, unhandled, throttled, created_at, delivered_at
		FROM signals ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []bus.DeliveryRecord
	for rows.Next() {
		var (
			rec                             bus.DeliveryRecord
			topic, radio, subscribers       string
			payload                         *string
			defaulted, unhandled, throttled int
			createdAt, deliveredAt          string
		)
		if err := rows.Scan(&rec.Sequence, &rec.SignalID, &topic, &rec.Sender, &rec.Target, &radio, &rec.Message,
			&payload, &subscribers, &rec.Delivered, &rec.Failed, &defaulted, &unhandled, &throttled,
			&createdAt, &deliveredAt); err != nil {
			return nil, err
		}
		rec.Topic = bus.Topic(topic)
		rec.RadioCode = bus.RadioCode(radio)
		if payload != nil && *payload != "" {
			if err := json.Unmarshal([]byte(*payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", rec.SignalID, err)
			}
		}
		if subscribers != "" {
			rec.Subscribers = strings.Split(subscribers, ",")
		}
		rec.Defaulted = defaulted != 0
		rec.Unhandled = unhandled != 0
		rec.Throttled = throttled != 0
		rec.CreatedAt = parseTime(createdAt)
		rec.DeliveredAt = parseTime(deliveredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
