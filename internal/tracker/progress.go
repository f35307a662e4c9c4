package tracker

import (
	"fmt"
	"math"
	"time"

	"autoall/internal/model"
)

// Percent is round(processed/total*100), 0 for an empty task.
func Percent(task model.Task) int {
	if task.TotalCount <= 0 {
		return 0
	}
	p := int(math.Round(float64(task.Processed()) / float64(task.TotalCount) * 100))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Elapsed is how long the task has been (or was) running. ok is false when
// the task has not started.
func Elapsed(task model.Task, now time.Time) (d time.Duration, ok bool) {
	if !task.StartedAt.Valid() {
		return 0, false
	}
	end := now
	if task.CompletedAt.Valid() {
		end = task.CompletedAt.Time
	}
	d = end.Sub(task.StartedAt.Time)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Duration renders Elapsed as minutes and seconds, or "-" before start.
func Duration(task model.Task, now time.Time) string {
	d, ok := Elapsed(task, now)
	if !ok {
		return "-"
	}
	return FormatDuration(d)
}

func FormatDuration(d time.Duration) string {
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	if minutes == 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// StatusCounts tallies sub-task statuses of one page.
func StatusCounts(items []model.AccountTask) map[model.AccountTaskStatus]int {
	out := make(map[model.AccountTaskStatus]int)
	for _, it := range items {
		out[it.Status]++
	}
	return out
}
