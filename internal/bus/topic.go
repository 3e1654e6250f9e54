package bus

import (
	"strings"

	"dossier/internal/services"
)

// Topic names a class of signal.
type Topic string

const (
	TopicEvidenceUpdated        Topic = "evidence.updated"
	TopicSectionNeeds           Topic = "section.needs"
	TopicSectionCompleted       Topic = "section.completed"
	TopicSectionBlocked         Topic = "section.blocked"
	TopicSectionRequestRevision Topic = "section.request_revision"
	TopicCaseStarted            Topic = "case.started"
	TopicCaseFrozen             Topic = "case.frozen"
	TopicCaseReopened           Topic = "case.reopened"
	TopicFaultRaised            Topic = "fault.raised"
	TopicRepairWarning          Topic = "repair.warning"
	TopicStatusRollcall         Topic = "status.rollcall"
)

var knownTopics = map[Topic]struct{}{
	TopicEvidenceUpdated:        {},
	TopicSectionNeeds:           {},
	TopicSectionCompleted:       {},
	TopicSectionBlocked:         {},
	TopicSectionRequestRevision: {},
	TopicCaseStarted:            {},
	TopicCaseFrozen:             {},
	TopicCaseReopened:           {},
	TopicFaultRaised:            {},
	TopicRepairWarning:          {},
	TopicStatusRollcall:         {},
}

// Topics lists every known topic.
func Topics() []Topic {
	return []Topic{
		TopicEvidenceUpdated,
		TopicSectionNeeds,
		TopicSectionCompleted,
		TopicSectionBlocked,
		TopicSectionRequestRevision,
		TopicCaseStarted,
		TopicCaseFrozen,
		TopicCaseReopened,
		TopicFaultRaised,
		TopicRepairWarning,
		TopicStatusRollcall,
	}
}

// Valid reports whether t is in the known topic set.
func (t Topic) Valid() bool {
	_, ok := knownTopics[t]
	return ok
}

// ParseTopic converts a raw topic name, rejecting unknown values.
func ParseTopic(raw string) (Topic, error) {
	topic := Topic(strings.TrimSpace(raw))
	if err := validateTopic(topic); err != nil {
		return "", err
	}
	return topic, nil
}

func validateTopic(topic Topic) error {
	if topic == "" {
		return services.Wrap(services.ErrValidation, component, "validate_topic", "topic is empty", nil)
	}
	if !topic.Valid() {
		return services.Wrap(services.ErrValidation, component, "validate_topic", "unknown topic "+string(topic), nil)
	}
	return nil
}

// RadioCode is the acknowledgement vocabulary carried by signals.
type RadioCode string

const (
	RadioACK           RadioCode = "ACK"
	RadioReceived      RadioCode = "RECEIVED"
	RadioComplete      RadioCode = "COMPLETE"
	RadioRepeat        RadioCode = "REPEAT"
	RadioStandby       RadioCode = "STANDBY"
	RadioFault         RadioCode = "FAULT"
	RadioStatusRequest RadioCode = "STATUS_REQUEST"
	RadioRollcall      RadioCode = "ROLLCALL"
	RadioPing          RadioCode = "PING"
)
