package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hramov/floatkeeper/internal/fsm"
	"github.com/hramov/floatkeeper/internal/status"
)

const defaultStatusAddr = "http://127.0.0.1:9405"

// statusCommand prints the state of a running node and its view of the peers.
// The exit code is 0 for MASTER, 1 for BACKUP, 2 for FAULT and 3 when the
// node cannot be reached, so scripts can branch on it.
func statusCommand(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("addr", envOr("FLOATKEEPER_STATUS_ADDR", defaultStatusAddr), "status API base URL")
	raw := fs.Bool("json", false, "print the raw JSON document")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 3
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/status")
	if err != nil {
		fmt.Fprintf(out, "cannot reach node: %v\n", err)
		return 3
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Fprintf(out, "unexpected response %s: %v\n", resp.Status, err)
		return 3
	}

	var st status.Response
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(out, "cannot decode status: %v\n", err)
		return 3
	}

	if *raw {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			buf.Write(body)
		}
		fmt.Fprintln(out, buf.String())
	} else {
		printStatus(out, st)
	}

	switch st.State {
	case fsm.Master:
		return 0
	case fsm.Backup:
		return 1
	case fsm.Fault:
		return 2
	}
	return 3
}

func printStatus(out io.Writer, st status.Response) {
	fmt.Fprintf(out, "node:      %s\n", st.NodeID)
	fmt.Fprintf(out, "state:     %s (since %s)\n", st.State, st.LastTransitionTime.Format(time.RFC3339))
	fmt.Fprintf(out, "priority:  %d (base %d, adjustment %+d)\n", st.EffectivePriority, st.BasePriority, st.Adjustment)
	healthLine := "healthy"
	if !st.Healthy {
		healthLine = "unhealthy"
	}
	if st.HealthDetail != "" {
		healthLine += ": " + st.HealthDetail
	}
	fmt.Fprintf(out, "health:    %s\n", healthLine)
	if st.Alarm.Raised {
		fmt.Fprintf(out, "alarm:     %s failed since %s: %s\n", st.Alarm.Action, st.Alarm.Since.Format(time.RFC3339), st.Alarm.Reason)
	}

	if len(st.Peers) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSTATE\tPRIORITY\tLAST SEEN\tALIVE")
	for _, p := range st.Peers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\n", p.ID, p.State, p.Priority, p.LastSeen.Format(time.RFC3339), p.Alive)
	}
	w.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
