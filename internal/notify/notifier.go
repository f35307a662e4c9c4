package notify

import "context"

// TaskFinishedEvent describes a watched task that reached a terminal status.
type TaskFinishedEvent struct {
	At           int64  `json:"atMs"`
	Plugin       string `json:"plugin"`
	TaskID       string `json:"taskId"`
	TaskType     string `json:"taskType,omitempty"`
	Status       string `json:"status"`
	TotalCount   int    `json:"totalCount"`
	SuccessCount int    `json:"successCount"`
	FailedCount  int    `json:"failedCount"`
	Progress     int    `json:"progress"`
	Duration     string `json:"duration,omitempty"`
	Message      string `json:"message,omitempty"`
}

type Notifier interface {
	NotifyTaskFinished(ctx context.Context, evt TaskFinishedEvent)
}

// Nop discards events.
type Nop struct{}

func (Nop) NotifyTaskFinished(context.Context, TaskFinishedEvent) {}
