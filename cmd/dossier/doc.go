// Command dossier assembles evidence-backed case dossiers.
//
// Every invocation builds the runtime in-process: it loads the TOML config,
// opens the manifest store and journal under the data directory, and runs
// the requested operation. Commands that mutate a case hold an exclusive
// lock on the data directory so only one runner touches it at a time.
package main
