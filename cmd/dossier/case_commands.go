package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/runtime"
)

func newCaseCommand(ctx *commandContext) *cobra.Command {
	caseCmd := &cobra.Command{
		Use:   "case",
		Short: "Case lifecycle commands",
	}
	caseCmd.AddCommand(newCaseStartCommand(ctx))
	caseCmd.AddCommand(newCaseListCommand(ctx))
	return caseCmd
}

func newCaseStartCommand(ctx *commandContext) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "start <case-id>",
		Short: "Allocate a fresh case arena",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID := strings.TrimSpace(args[0])
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				arena, err := rt.Controller.StartCase(cmd.Context(), caseID, operator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started case %s (manifest v%d)\n", arena.ID(), arena.ManifestVersion())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator starting the case")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "reset <case-id>",
		Short: "Discard a case's evidence and sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID := strings.TrimSpace(args[0])
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				arena, err := rt.Controller.ResetCase(cmd.Context(), caseID, operator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset case %s (manifest v%d)\n", arena.ID(), arena.ManifestVersion())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator requesting the reset")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newCaseListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				records, err := rt.Journal.ListCases(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No cases registered")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{
						rec.CaseID,
						string(rec.Status),
						rec.Operator,
						fmt.Sprintf("%d", rec.ManifestVersion),
						formatTimestamp(rec.UpdatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Case", "Status", "Operator", "Manifest", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}
