// Package ledger is the evidence ledger: it ingests artifacts into a case,
// classifies them, answers section evidence needs, and records every change as
// an append-only enrichment.
//
// Classification runs a deterministic CEL rule set first (built in, or loaded
// from YAML), then an optional external classifier. Artifacts neither can
// resolve are stored as "unclassified" and wait in the manual-resolution queue
// until an operator calls ResolveManual.
//
// Every mutation publishes evidence.updated. Publishes for one evidence record
// are serialized so subscribers observe its enrichments in order.
package ledger
