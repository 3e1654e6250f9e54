// Package runtime assembles a working dossier instance from configuration.
//
// New opens the manifest store and sqlite journal, builds the signal bus with
// the journal as its delivery sink, and attaches the evidence ledger, repair
// queue, section orchestrator, and ecosystem controller to it. Process is the
// one-shot path the CLI uses: start or resume a case, ingest artifacts, run
// every section, and return the mission snapshot.
package runtime
