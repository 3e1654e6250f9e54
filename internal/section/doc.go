// Package section runs the per-section pipeline for a case:
// Acquire, Extract, Normalize, Validate, then Publish or Blocked, then
// Monitor. Evidence is claimed over the bus, extraction tools fall back from
// strongest to weakest, and approved payloads are hashed canonically and
// frozen until a revision reopens them.
//
// Ordering locks keep the first configured section ahead of all others and
// the final section behind every other required section.
package section
