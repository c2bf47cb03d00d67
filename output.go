package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/journal"
	"git.unix.lgbt/diamondburned/taskmon/taskmon/logfile"
)

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printTaskTable(w io.Writer, tasks []*taskmon.Task) error {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPID\tRESTARTS\tBINARY")

	for _, t := range tasks {
		pid := "-"
		if t.PID != 0 {
			pid = strconv.Itoa(t.PID)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ShortID(), t.Name, t.Status, pid, t.RestartCount, t.Binary)
	}

	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printTaskDetails(w io.Writer, t *taskmon.Task, policy taskmon.RestartPolicy, logs []logfile.Info) error {
	tw := newTabWriter(w)

	row := func(k, v string) { fmt.Fprintf(tw, "%s:\t%s\n", k, v) }

	row("Name", t.Name)
	row("ID", t.ID)
	row("Status", string(t.Status))
	if t.PID != 0 {
		row("PID", strconv.Itoa(t.PID))
	}
	row("Binary", t.Binary)
	if len(t.Args) > 0 {
		row("Args", strings.Join(quoteArgs(t.Args), " "))
	}
	if t.Workdir != "" {
		row("Workdir", t.Workdir)
	}
	if keys := t.EnvKeys(); len(keys) > 0 {
		row("Env", strings.Join(keys, ", "))
	}

	restarts := strconv.Itoa(t.RestartCount)
	if t.AutoRestart {
		left := policy.MaxAttempts - policy.Attempts(t)
		if left < 0 {
			left = 0
		}
		restarts += fmt.Sprintf(" (auto-restart on, %d left)", left)
	} else {
		restarts += " (auto-restart off)"
	}
	row("Restarts", restarts)

	row("Created", formatTime(&t.CreatedAt))
	row("Last started", formatTime(t.LastStarted))
	if t.LastExitCode != nil {
		code := strconv.Itoa(*t.LastExitCode)
		if *t.LastExitCode == taskmon.ExitSignaled {
			code += " (signaled)"
		}
		row("Last exit code", code)
	}

	for _, info := range logs {
		if !info.Exists {
			continue
		}
		row("Log", fmt.Sprintf("%s (%s)", info.Path, formatSize(info.Size)))
	}

	return tw.Flush()
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'\\$") {
			arg = strconv.Quote(arg)
		}
		quoted[i] = arg
	}
	return quoted
}

func printReport(w io.Writer, r *taskmon.Report) {
	for _, c := range r.Checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}

		fmt.Fprintf(w, "[%4s] %s: %s\n", mark, c.Name, c.Detail)
		if !c.OK && c.Hint != "" {
			fmt.Fprintf(w, "       hint: %s\n", c.Hint)
		}
	}

	if r.OK() {
		fmt.Fprintf(w, "\nno problems found with %s\n", r.Task.Name)
	} else {
		fmt.Fprintf(w, "\n%d problem(s) found with %s\n", len(r.Failed()), r.Task.Name)
	}
}

func printEvents(w io.Writer, entries []journal.Entry) error {
	tw := newTabWriter(w)

	for _, entry := range entries {
		data, err := json.Marshal(entry.Event)
		if err != nil {
			return err
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			entry.Time.Local().Format(time.RFC3339), entry.Event.Type(), data)
	}

	return tw.Flush()
}
