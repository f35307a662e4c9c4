package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskConfig is the per-task-type configuration submitted with a new task.
type TaskConfig interface {
	TaskType() TaskType
	Validate() error
}

// ValidationError names the offending field of a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Timing holds the waits inserted between automation steps, in seconds.
type Timing struct {
	StepDelaySeconds    int `json:"step_delay_seconds,omitempty"`
	AccountDelaySeconds int `json:"account_delay_seconds,omitempty"`
}

func (t Timing) validate() error {
	if t.StepDelaySeconds < 0 {
		return invalid("step_delay_seconds", "must not be negative")
	}
	if t.AccountDelaySeconds < 0 {
		return invalid("account_delay_seconds", "must not be negative")
	}
	return nil
}

func validateThreads(n int) error {
	if n < 0 {
		return invalid("thread_count", "must not be negative")
	}
	return nil
}

type LoginConfig struct {
	ThreadCount int `json:"thread_count,omitempty"`
	Timing
}

func (LoginConfig) TaskType() TaskType { return TaskTypeLogin }

func (c LoginConfig) Validate() error {
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

type GetLinkConfig struct {
	ThreadCount int `json:"thread_count,omitempty"`
	Timing
}

func (GetLinkConfig) TaskType() TaskType { return TaskTypeGetLink }

func (c GetLinkConfig) Validate() error {
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

// VerifyConfig drives the external identity verification step. APIKey is the
// verification service key and is mandatory.
type VerifyConfig struct {
	APIKey      string `json:"api_key"`
	ThreadCount int    `json:"thread_count,omitempty"`
	Timing
}

func (VerifyConfig) TaskType() TaskType { return TaskTypeVerify }

func (c VerifyConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return invalid("api_key", "is required")
	}
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

type BindCardConfig struct {
	CardsPerAccount int  `json:"cards_per_account"`
	ThreadCount     int  `json:"thread_count,omitempty"`
	RandomCards     bool `json:"random_cards,omitempty"`
	Timing
}

func (BindCardConfig) TaskType() TaskType { return TaskTypeBindCard }

func (c BindCardConfig) Validate() error {
	if c.CardsPerAccount < 1 {
		return invalid("cards_per_account", "must be at least 1")
	}
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

// OneClickConfig runs login, link extraction and verification in sequence.
type OneClickConfig struct {
	APIKey      string `json:"api_key"`
	ThreadCount int    `json:"thread_count,omitempty"`
	Timing
}

func (OneClickConfig) TaskType() TaskType { return TaskTypeOneClick }

func (c OneClickConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return invalid("api_key", "is required")
	}
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

type AutoAllConfig struct {
	APIKey          string `json:"api_key,omitempty"`
	CardsPerAccount int    `json:"cards_per_account,omitempty"`
	ThreadCount     int    `json:"thread_count,omitempty"`
	SkipVerify      bool   `json:"skip_verify,omitempty"`
	SkipBindCard    bool   `json:"skip_bind_card,omitempty"`
	Timing
}

func (AutoAllConfig) TaskType() TaskType { return TaskTypeAutoAll }

func (c AutoAllConfig) Validate() error {
	if !c.SkipVerify && strings.TrimSpace(c.APIKey) == "" {
		return invalid("api_key", "is required unless verification is skipped")
	}
	if !c.SkipBindCard && c.CardsPerAccount < 1 {
		return invalid("cards_per_account", "must be at least 1 unless card binding is skipped")
	}
	if err := validateThreads(c.ThreadCount); err != nil {
		return err
	}
	return c.Timing.validate()
}

// GenericConfig carries plugin-specific task types the client has no schema
// for. Values are sent as-is.
type GenericConfig struct {
	Type   TaskType
	Values map[string]json.RawMessage
}

func (c GenericConfig) TaskType() TaskType { return c.Type }

func (c GenericConfig) Validate() error {
	if strings.TrimSpace(string(c.Type)) == "" {
		return invalid("task_type", "is required")
	}
	return nil
}

func (c GenericConfig) MarshalJSON() ([]byte, error) {
	if c.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Values)
}

// DecodeTaskConfig builds the typed config for taskType from raw JSON. Unknown
// task types fall back to GenericConfig.
func DecodeTaskConfig(taskType TaskType, raw []byte) (TaskConfig, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		cfg TaskConfig
		err error
	)
	switch taskType {
	case TaskTypeLogin:
		var c LoginConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case TaskTypeGetLink:
		var c GetLinkConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case TaskTypeVerify:
		var c VerifyConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case TaskTypeBindCard:
		var c BindCardConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case TaskTypeOneClick:
		var c OneClickConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	case TaskTypeAutoAll:
		var c AutoAllConfig
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		c := GenericConfig{Type: taskType}
		err = json.Unmarshal(raw, &c.Values)
		cfg = c
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", taskType, err)
	}
	return cfg, nil
}
