package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"autoall/internal/model"
	"autoall/internal/tracker"
)

const timeLayout = "2006-01-02 15:04:05"

func printTaskPage(w io.Writer, page model.Page[model.Task], now time.Time) {
	if len(page.Results) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tOK/FAILED/TOTAL\tDURATION\tCREATED")
	for _, t := range page.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d/%d/%d\t%s\t%s\n",
			t.ID, t.TaskType, t.Status, tracker.Percent(t),
			t.SuccessCount, t.FailedCount, t.TotalCount,
			tracker.Duration(t, now), formatTime(t.CreatedAt))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d of %d task(s)\n", len(page.Results), page.Count)
}

// printSnapshot prints the one-line summary and, with detail, the sub-tasks.
func printSnapshot(w io.Writer, s tracker.Snapshot, detail bool) {
	t := s.Task
	fmt.Fprintf(w, "[%s] task %s %s %s %d%% (%d ok / %d failed / %d total) duration %s\n",
		s.FetchedAt.Format("15:04:05"), t.ID, t.TaskType, t.Status, s.Progress,
		t.SuccessCount, t.FailedCount, t.TotalCount, s.Duration)
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", t.ErrorMessage)
	}
	if !detail {
		return
	}
	items := s.AccountTasks.Results
	if len(items) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SUB-TASK\tACCOUNT\tSTATUS\tSTARTED\tMESSAGE")
	for _, it := range items {
		msg := it.ResultMessage
		if it.ErrorMessage != "" {
			msg = it.ErrorMessage
		}
		account := it.AccountEmail
		if account == "" {
			account = it.AccountID.String()
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", it.ID, account, it.Status, formatTime(it.StartedAt), oneLine(msg))
	}
	_ = tw.Flush()

	counts := tracker.StatusCounts(items)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[model.AccountTaskStatus(k)]))
	}
	fmt.Fprintf(w, "  %s\n", strings.Join(parts, " "))
}

func printLogs(w io.Writer, entries []model.TaskLogEntry) {
	for _, e := range entries {
		printLogEntry(w, e)
	}
}

// printNewLogs prints entries not printed before. Log polls return a moving
// tail window, so entries are keyed by content.
func printNewLogs(w io.Writer, entries []model.TaskLogEntry, seen map[string]struct{}) {
	for _, e := range entries {
		key := formatTime(e.Timestamp) + "|" + string(e.Level) + "|" + e.AccountEmail + "|" + e.Message
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		printLogEntry(w, e)
	}
}

func printLogEntry(w io.Writer, e model.TaskLogEntry) {
	var b strings.Builder
	if e.Timestamp.Valid() {
		b.WriteString(formatTime(e.Timestamp) + " ")
	}
	if e.Level != "" {
		b.WriteString(string(e.Level) + " ")
	}
	if e.AccountEmail != "" {
		b.WriteString("[" + e.AccountEmail + "] ")
	}
	b.WriteString(e.Message)
	fmt.Fprintln(w, b.String())
}

func formatTime(t model.Timestamp) string {
	if !t.Valid() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

func joinIDs(ids []model.ID) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return strings.Join(out, ", ")
}
