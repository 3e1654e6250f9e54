package services

import (
	"fmt"
	"strings"
	"time"
)

// Fault category codes carried in fault keys.
const (
	FaultTimeout    = "TIMEOUT"
	FaultExtraction = "EXTRACT"
	FaultValidation = "VALIDATE"
	FaultHandler    = "HANDLER"
	FaultCapacity   = "CAPACITY"
	FaultClassify   = "CLASSIFY"
)

// Fault is an operational escalation. Faults travel on the bus and into the
// repair queue; they are not returned to callers as errors.
type Fault struct {
	Key         string         `json:"key"`
	Component   string         `json:"component"`
	Category    string         `json:"category"`
	Operation   string         `json:"operation"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	RaisedAt    time.Time      `json:"raised_at"`
}

// NewFault builds a fault keyed "{component}-{category}-{operation}".
func NewFault(component, category, operation, description string, details map[string]any) Fault {
	component = strings.TrimSpace(component)
	category = strings.ToUpper(strings.TrimSpace(category))
	operation = strings.TrimSpace(operation)
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return Fault{
		Key:         FaultKey(component, category, operation),
		Component:   component,
		Category:    category,
		Operation:   operation,
		Description: description,
		Details:     copied,
		RaisedAt:    time.Now().UTC(),
	}
}

// FaultKey formats the canonical fault key.
func FaultKey(component, category, operation string) string {
	return fmt.Sprintf("%s-%s-%s", component, category, operation)
}

// Payload renders the fault as a bus payload.
func (f Fault) Payload() map[string]any {
	details := make(map[string]any, len(f.Details))
	for k, v := range f.Details {
		details[k] = v
	}
	return map[string]any{
		"key":         f.Key,
		"component":   f.Component,
		"category":    f.Category,
		"operation":   f.Operation,
		"description": f.Description,
		"details":     details,
		"raised_at":   f.RaisedAt.Format(time.RFC3339Nano),
	}
}
