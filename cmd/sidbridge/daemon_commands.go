package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sidbridge/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and device status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}

				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				for _, line := range renderSectionHeader("Bridge Status", colorize) {
					fmt.Fprintln(stdout, line)
				}
				daemonDetail := fmt.Sprintf("running (pid %d)", status.PID)
				if !status.Running {
					daemonDetail = "not running"
				}
				fmt.Fprintln(stdout, renderStatusLine("Daemon", boolKind(status.Running), daemonDetail, colorize))
				deviceDetail := "attached"
				if !status.DeviceConnected {
					deviceDetail = "not attached"
				}
				fmt.Fprintln(stdout, renderStatusLine("Device", boolKind(status.DeviceConnected), deviceDetail, colorize))
				sessionDetail := "idle"
				sessionKind := statusInfo
				if status.ActiveSessionID != "" {
					sessionDetail = status.ActiveSessionID
					sessionKind = statusOK
				}
				fmt.Fprintln(stdout, renderStatusLine("Session", sessionKind, sessionDetail, colorize))
				fmt.Fprintln(stdout, renderStatusLine("Queued writes", statusInfo, fmt.Sprintf("%d", status.QueuedWrites), colorize))
				fmt.Fprintln(stdout)

				for _, line := range renderSectionHeader("Paths", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Data socket", statusInfo, status.DataSocketPath, colorize))
				fmt.Fprintln(stdout, renderStatusLine("Journal", statusInfo, status.JournalPath, colorize))
				fmt.Fprintln(stdout, renderStatusLine("Lock file", statusInfo, status.LockPath, colorize))
				return nil
			})
		},
	}
}

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Probe daemon liveness and device presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				ping, err := client.Ping()
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "daemon alive, device attached: %s\n", yesNo(ping.DeviceConnected))
				return nil
			})
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stop()
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if resp.Stopped {
					fmt.Fprintln(stdout, "Stop request acknowledged")
				} else {
					fmt.Fprintln(stdout, "Stop request sent")
				}
				return nil
			})
		},
	}
}
