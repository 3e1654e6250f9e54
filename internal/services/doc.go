// Package services defines shared utilities consumed by the bus, the evidence
// ledger, and the section orchestrator.
//
// Key responsibilities:
//   - Context helpers that stamp case IDs, section IDs, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     contract violations with errors.Is.
//   - Fault records for operational escalation over the bus and repair queue.
package services
