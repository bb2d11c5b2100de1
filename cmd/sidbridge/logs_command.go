package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sidbridge/internal/logs"
)

const followPollInterval = 250 * time.Millisecond

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lineCount int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := cfg.LogFilePath()
			stdout := cmd.OutOrStdout()

			lines, offset, err := logs.Tail(path, lineCount)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(stdout, line)
			}
			if !follow {
				if len(lines) == 0 {
					fmt.Fprintf(stdout, "No log output at %s\n", path)
				}
				return nil
			}

			ticker := time.NewTicker(followPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					if errors.Is(cmd.Context().Err(), context.Canceled) {
						return nil
					}
					return cmd.Context().Err()
				case <-ticker.C:
				}
				var fresh []string
				fresh, offset, err = logs.ReadFrom(path, offset)
				if err != nil {
					return err
				}
				for _, line := range fresh {
					fmt.Fprintln(stdout, line)
				}
			}
		},
	}

	cmd.Flags().IntVarP(&lineCount, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep polling the log for new lines")
	return cmd
}
