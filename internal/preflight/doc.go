// Package preflight provides readiness checks for the filesystem paths and
// rule files dossier depends on.
//
// The runtime calls RunAll before opening a case so a doomed run fails fast,
// and the CLI status command renders the same results.
package preflight
