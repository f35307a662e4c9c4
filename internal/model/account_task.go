package model

import "encoding/json"

type AccountTaskStatus string

const (
	AccountTaskPending   AccountTaskStatus = "pending"
	AccountTaskRunning   AccountTaskStatus = "running"
	AccountTaskCompleted AccountTaskStatus = "completed"
	AccountTaskFailed    AccountTaskStatus = "failed"
	AccountTaskSkipped   AccountTaskStatus = "skipped"
)

func (s AccountTaskStatus) Terminal() bool {
	switch s {
	case AccountTaskCompleted, AccountTaskFailed, AccountTaskSkipped:
		return true
	default:
		return false
	}
}

// Retryable is true only for failed sub-tasks.
func (s AccountTaskStatus) Retryable() bool { return s == AccountTaskFailed }

type AccountTask struct {
	ID            ID                `json:"id"`
	TaskID        ID                `json:"task_id"`
	AccountID     ID                `json:"account_id"`
	AccountEmail  string            `json:"account_email,omitempty"`
	Status        AccountTaskStatus `json:"status"`
	ResultMessage string            `json:"result_message,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Cost          json.Number       `json:"cost,omitempty"`
	StartedAt     Timestamp         `json:"started_at"`
	CompletedAt   Timestamp         `json:"completed_at"`
	ResultData    json.RawMessage   `json:"result_data,omitempty"`
}

// UnmarshalJSON also accepts the nested {"task": 1, "account": {...}} shape
// some plugins return.
func (a *AccountTask) UnmarshalJSON(b []byte) error {
	type plain AccountTask
	var aux struct {
		plain
		Task    *ID         `json:"task"`
		Account *AccountRef `json:"account"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = AccountTask(aux.plain)
	if a.TaskID.IsZero() && aux.Task != nil {
		a.TaskID = *aux.Task
	}
	if aux.Account != nil {
		if a.AccountID.IsZero() {
			a.AccountID = aux.Account.ID
		}
		if a.AccountEmail == "" {
			a.AccountEmail = aux.Account.Email
		}
	}
	return nil
}
