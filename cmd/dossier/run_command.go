package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/ledger"
	"dossier/internal/runtime"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var operator string
	var hint string
	var tags []string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run <case-id> [artifact...]",
		Short: "Start or resume a case, ingest artifacts, and run every section",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID := strings.TrimSpace(args[0])
			var artifacts []ledger.ArtifactDescriptor
			for _, path := range args[1:] {
				artifacts = append(artifacts, ledger.ArtifactDescriptor{
					Source: path,
					Hint:   hint,
					Tags:   tags,
					Actor:  operator,
				})
			}
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				result, err := rt.Process(cmd.Context(), caseID, operator, artifacts)
				if err != nil && result.Mission.CaseID == "" {
					return err
				}
				if jsonOutput {
					if writeErr := writeJSON(cmd, result); writeErr != nil {
						return writeErr
					}
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Ingested %d artifact(s): %s\n", len(result.Evidence), strings.Join(result.Evidence, ", "))
				fmt.Fprintln(out, renderMission(result.Mission, shouldColorize(out)))
				if len(result.Report.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped (ordering locks): %s\n", strings.Join(result.Report.Skipped, ", "))
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator starting the case")
	cmd.Flags().StringVar(&hint, "hint", "", "Declared evidence type applied to every artifact")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag applied to every artifact (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run result as JSON")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
