package preflight

import (
	"context"
	"fmt"

	"dossier/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// RunAll executes every applicable preflight check for the given config.
// Rule and schema files are only checked when configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Cases directory", cfg.CasesDir()),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if cfg.Evidence.RulesPath != "" {
		results = append(results, CheckRules(cfg.Evidence.RulesPath))
	}
	for _, section := range cfg.Sections {
		if section.Schema == "" {
			continue
		}
		results = append(results, CheckFileReadable(fmt.Sprintf("Schema (%s)", section.ID), section.Schema))
	}
	if err := ctx.Err(); err != nil {
		results = append(results, Result{Name: "Preflight", Detail: err.Error()})
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, result := range results {
		if !result.Passed {
			out = append(out, result)
		}
	}
	return out
}
