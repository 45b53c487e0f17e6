package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/frpvisor"
	"github.com/loykin/frpvisor/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// apiURLFromConfig derives the control API URL a local CLI should use for
// the daemon configured by c.
func apiURLFromConfig(c *frpvisor.Config) string {
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + c.Server.BasePath
}

func printStatusTable(w io.Writer, rows []client.ClientStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tRUNNING\tPIDS\tENABLED\tALWAYS_ON\tFAILURES\tLAST_RESTART")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%t\t%t\t%d\t%s\n",
			r.ID, r.Name, statusLabel(r), r.Running, joinPIDs(r.PIDs), r.Enabled, r.AlwaysOn,
			r.Restarts.ConsecutiveFailures, formatTime(r.Restarts.LastRestart))
	}
	return tw.Flush()
}

func statusLabel(r client.ClientStatus) string {
	if r.Zombie {
		return "zombie"
	}
	return r.Status
}

func printAlertsTable(w io.Writer, alerts []client.Alert) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCLIENT\tTYPE\tSENT_AT\tSENT_TO\tRESOLVED\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			a.ID, a.ClientName, a.Type, formatTime(a.SentAt), a.SentTo, a.Resolved, a.Message)
	}
	return tw.Flush()
}

func printResult(w io.Writer, r client.Result) {
	msg := r.Message
	if r.PID > 0 {
		msg += " (pid " + strconv.Itoa(r.PID) + ")"
	}
	if len(r.Killed) > 0 {
		msg += " killed " + joinPIDs(r.Killed)
	}
	_, _ = fmt.Fprintln(w, msg)
}

func joinPIDs(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
