package model

import "encoding/json"

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskRunning:
		return 1
	case TaskCompleted, TaskFailed, TaskCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether an observed change from s to next respects
// pending -> running -> {completed|failed|cancelled}. Staying put is allowed,
// and unknown statuses are never rejected because plugins may add their own.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next || s == "" {
		return true
	}
	if s.Terminal() {
		return false
	}
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return true
	}
	return to >= from
}

type TaskType string

const (
	TaskTypeLogin    TaskType = "login"
	TaskTypeGetLink  TaskType = "get_link"
	TaskTypeVerify   TaskType = "verify"
	TaskTypeBindCard TaskType = "bind_card"
	TaskTypeOneClick TaskType = "one_click"
	TaskTypeAutoAll  TaskType = "auto_all"
)

type Task struct {
	ID           ID              `json:"id"`
	TaskType     TaskType        `json:"task_type"`
	Status       TaskStatus      `json:"status"`
	TotalCount   int             `json:"total_count"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	TotalCost    json.Number     `json:"total_cost,omitempty"`
	CreatedAt    Timestamp       `json:"created_at"`
	StartedAt    Timestamp       `json:"started_at"`
	CompletedAt  Timestamp       `json:"completed_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

// Processed is the number of sub-tasks that reached an outcome.
func (t Task) Processed() int {
	return t.SuccessCount + t.FailedCount
}
