package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/runtime"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run readiness checks for paths, rules, extractors, and components",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				health := rt.Health(cmd.Context())
				if jsonOutput {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				for _, line := range renderSectionHeader("Preflight", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, result := range health.Preflight {
					kind := statusOK
					if !result.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(result.Name, kind, result.Detail, colorize))
				}

				for _, line := range renderSectionHeader("Extractors", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, tool := range health.Tools {
					kind := statusOK
					if !tool.Ready {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(tool.Name, kind, tool.Detail, colorize))
				}

				for _, line := range renderSectionHeader("Components", colorize) {
					fmt.Fprintln(out, line)
				}
				rollcall := strings.Join(health.Responders, ", ")
				rollcallKind := statusOK
				if health.Throttled {
					rollcall, rollcallKind = "throttled", statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Rollcall", rollcallKind, rollcall, colorize))
				repairKind := statusOK
				if health.RepairBacklog > 0 {
					repairKind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine("Repair queue", repairKind,
					fmt.Sprintf("%d queued, %d evicted", health.RepairBacklog, health.RepairEvicted), colorize))

				if !health.Ready {
					return fmt.Errorf("dossier is not ready")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print health as JSON")
	return cmd
}
