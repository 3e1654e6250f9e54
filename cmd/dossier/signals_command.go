package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/runtime"
)

func newSignalsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOutput bool
	var topic string

	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Show recent persisted signal deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				records, err := rt.Journal.RecentSignals(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if topic = strings.TrimSpace(topic); topic != "" {
					filtered := records[:0]
					for _, rec := range records {
						if string(rec.Topic) == topic {
							filtered = append(filtered, rec)
						}
					}
					records = filtered
				}
				if jsonOutput {
					return writeJSON(cmd, records)
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No signals recorded")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					outcome := fmt.Sprintf("%d ok", rec.Delivered)
					switch {
					case rec.Throttled:
						outcome = "throttled"
					case rec.Unhandled:
						outcome = "unhandled"
					case rec.Failed > 0:
						outcome = fmt.Sprintf("%d ok, %d failed", rec.Delivered, rec.Failed)
					case rec.Defaulted:
						outcome += " (default)"
					}
					rows = append(rows, []string{
						strconv.FormatUint(rec.Sequence, 10),
						formatTimestamp(rec.CreatedAt),
						string(rec.Topic),
						rec.Sender,
						string(rec.RadioCode),
						outcome,
						rec.Message,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Seq", "Time", "Topic", "Sender", "Code", "Delivery", "Message"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum deliveries to show")
	cmd.Flags().StringVar(&topic, "topic", "", "Only show deliveries on this topic")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print deliveries as JSON")
	return cmd
}
