// Package casestore owns the per-case arenas that hold evidence records,
// section state, and manifest history.
//
// Each case is an isolated arena guarded by its own lock; the registry of
// cases has a separate lock so unrelated cases never serialize. Creating or
// resetting a case always allocates a fresh arena, which is what keeps
// evidence from one case out of another. Manifests are written through the
// Persistence port; FileManifests stores them as JSON files replaced
// atomically, and records which case is active so Open can recover it after
// a crash.
package casestore
