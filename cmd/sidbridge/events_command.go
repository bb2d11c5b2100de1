package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sidbridge/internal/ipc"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent bridge events from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Events(limit)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Events) == 0 {
					fmt.Fprintln(stdout, "No events recorded")
					return nil
				}

				rows := make([][]string, 0, len(resp.Events))
				for _, event := range resp.Events {
					detail := event.Detail
					if event.SessionID != "" {
						if detail == "" {
							detail = "session " + event.SessionID
						} else {
							detail = fmt.Sprintf("%s (session %s)", detail, event.SessionID)
						}
					}
					rows = append(rows, []string{
						fmt.Sprintf("%d", event.ID),
						event.CreatedAt,
						event.Kind,
						detail,
					})
				}
				table := renderTable(
					[]string{"ID", "Time", "Kind", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(stdout, table)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events to show")
	return cmd
}
