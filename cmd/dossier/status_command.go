package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dossier/internal/ecosystem"
	"dossier/internal/runtime"
	"dossier/internal/services"
)

type statusView struct {
	Mission        ecosystem.MissionSnapshot `json:"mission" yaml:"mission"`
	RegistryStatus string                    `json:"registry_status,omitempty" yaml:"registry_status,omitempty"`
	Operator       string                    `json:"operator,omitempty" yaml:"operator,omitempty"`
	RegisteredAt   time.Time                 `json:"registered_at,omitzero" yaml:"registered_at,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var yamlOutput bool

	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Show the mission snapshot for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput && yamlOutput {
				return errors.New("--json and --yaml are mutually exclusive")
			}
			caseID := strings.TrimSpace(args[0])
			return ctx.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				mission, err := rt.Load(cmd.Context(), caseID)
				if err != nil {
					return err
				}
				view := statusView{Mission: mission}
				record, err := rt.Journal.Case(cmd.Context(), caseID)
				switch {
				case err == nil:
					view.RegistryStatus = string(record.Status)
					view.Operator = record.Operator
					view.RegisteredAt = record.CreatedAt
				case !errors.Is(err, services.ErrNotFound):
					return err
				}

				switch {
				case jsonOutput:
					return writeJSON(cmd, view)
				case yamlOutput:
					return writeYAML(cmd, view)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range renderSectionHeader("Case "+caseID, colorize) {
					fmt.Fprintln(out, line)
				}
				if view.RegistryStatus != "" {
					fmt.Fprintln(out, renderStatusLine("Registry", registryKind(view.RegistryStatus), view.RegistryStatus+" by "+view.Operator, colorize))
				}
				fmt.Fprintln(out, renderMission(mission, colorize))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the snapshot as JSON")
	cmd.Flags().BoolVar(&yamlOutput, "yaml", false, "Print the snapshot as YAML")
	return cmd
}

func registryKind(status string) statusKind {
	switch status {
	case "frozen":
		return statusOK
	case "archived":
		return statusWarn
	default:
		return statusInfo
	}
}
