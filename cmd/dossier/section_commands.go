package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/bus"
	"dossier/internal/runtime"
)

func newSectionCommand(ctx *commandContext) *cobra.Command {
	sectionCmd := &cobra.Command{
		Use:   "section",
		Short: "Operator actions on a single section",
	}
	sectionCmd.AddCommand(newSectionReviseCommand(ctx))
	sectionCmd.AddCommand(newSectionCancelCommand(ctx))
	sectionCmd.AddCommand(newSectionOverrideCommand(ctx))
	return sectionCmd
}

func newSectionReviseCommand(ctx *commandContext) *cobra.Command {
	var operator string
	var reason string
	cmd := &cobra.Command{
		Use:   "revise <case-id> <section-id>",
		Short: "Reopen an approved section for another extraction pass",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, sectionID := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Load(cmd.Context(), caseID); err != nil {
					return err
				}
				reply, err := rt.Bus.Request(cmd.Context(), bus.Signal{
					Topic:     bus.TopicSectionRequestRevision,
					Sender:    "cli",
					RadioCode: bus.RadioRepeat,
					Message:   "operator revision",
					Payload: map[string]any{
						"case_id":    caseID,
						"section_id": sectionID,
						"requester":  operator,
						"reason":     reason,
					},
				})
				if err != nil {
					return err
				}
				if accepted, _ := reply.Payload["accepted"].(bool); !accepted {
					return fmt.Errorf("revision rejected: %v", reply.Payload["error"])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Section %s revised: stage %v, version %v, revision depth %v\n",
					sectionID, reply.Payload["stage"], reply.Payload["version"], reply.Payload["revision_depth"])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator requesting the revision")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the section is reopened")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newSectionCancelCommand(ctx *commandContext) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "cancel <case-id> <section-id>",
		Short: "Cancel a blocked section",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, sectionID := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Load(cmd.Context(), caseID); err != nil {
					return err
				}
				state, err := rt.Orchestrator.Cancel(cmd.Context(), caseID, sectionID, operator)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Section %s is %s\n", sectionID, state.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator cancelling the section")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newSectionOverrideCommand(ctx *commandContext) *cobra.Command {
	var operator string
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "override <case-id> <section-id>",
		Short: "Approve a blocked section with an operator-supplied payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, sectionID := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
			if strings.TrimSpace(payloadPath) == "" {
				return errors.New("--payload is required")
			}
			data, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var payload map[string]any
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			return ctx.withLockedRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Load(cmd.Context(), caseID); err != nil {
					return err
				}
				state, err := rt.Orchestrator.Override(cmd.Context(), caseID, sectionID, operator, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Section %s approved at version %d (%s)\n", sectionID, state.Version, state.PayloadHash)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&operator, "operator", "o", "", "Operator approving the section")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "JSON file holding the section payload")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
