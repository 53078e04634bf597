package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerogate/connlib/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long:  `Query the running zerogate-gateway agent and display the connections it has accepted on behalf of clients.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is zerogate-gateway running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Device:      %s\n", status.Device)
	fmt.Fprintf(os.Stdout, "Address:     %s\n", status.Address)
	fmt.Fprintf(os.Stdout, "Routes:      %v\n", status.Routes)
	fmt.Fprintf(os.Stdout, "Server:      %s\n", status.ServerURL)
	fmt.Fprintf(os.Stdout, "Uptime:      %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Connections: %d\n", len(status.Connections))
	fmt.Println()

	if len(status.Connections) == 0 {
		fmt.Println("No active client connections.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONNECTION\tCLIENT\tSTATE")
	for _, c := range status.Connections {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.ClientID, c.State)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
