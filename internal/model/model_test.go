package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 42, "b": "tsk_9", "c": null}`), &v))
	assert.Equal(t, ID("42"), v.A)
	assert.Equal(t, ID("tsk_9"), v.B)
	assert.True(t, v.C.IsZero())

	b, err := json.Marshal([]ID{"42", "tsk_9", "007"})
	require.NoError(t, err)
	assert.JSONEq(t, `[42, "tsk_9", "007"]`, string(b))
}

func TestParseIDs(t *testing.T) {
	assert.Equal(t, []ID{"1", "2", "3"}, ParseIDs([]string{"1,2", " ", "3"}))
}

func TestTimestampLayouts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
		ok   bool
	}{
		{"rfc3339", `"2026-10-15T08:00:05Z"`, time.Date(2026, 10, 15, 8, 0, 5, 0, time.UTC), true},
		{"naive micros", `"2026-10-15T08:00:05.250000"`, time.Date(2026, 10, 15, 8, 0, 5, 250000000, time.UTC), true},
		{"space separated", `"2026-10-15 08:00:05"`, time.Date(2026, 10, 15, 8, 0, 5, 0, time.UTC), true},
		{"null", `null`, time.Time{}, true},
		{"empty", `""`, time.Time{}, true},
		{"garbage", `"yesterday"`, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.in), &ts)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(ts.Time), "got %v", ts.Time)
		})
	}
}

func TestPageShapes(t *testing.T) {
	var drf Page[AccountTask]
	require.NoError(t, json.Unmarshal([]byte(`{"count": 7, "next": "p2", "results": [{"id": 1, "status": "failed"}]}`), &drf))
	assert.Equal(t, 7, drf.Count)
	assert.Equal(t, "p2", drf.Next)
	require.Len(t, drf.Results, 1)
	assert.Equal(t, AccountTaskFailed, drf.Results[0].Status)

	var bare Page[Task]
	require.NoError(t, json.Unmarshal([]byte(`[{"id": 1}, {"id": 2}]`), &bare))
	assert.Equal(t, 2, bare.Count)

	var logs Page[TaskLogEntry]
	require.NoError(t, json.Unmarshal([]byte(`{"logs": [{"level": "INFO", "message": "started"}]}`), &logs))
	require.Len(t, logs.Results, 1)
	assert.Equal(t, LogInfo, logs.Results[0].Level)
}

func TestAccountTaskNestedShape(t *testing.T) {
	var at AccountTask
	require.NoError(t, json.Unmarshal([]byte(`{"id": 5, "task": 42, "account": {"id": 9, "email": "a@example.com"}, "status": "completed", "cost": "1.50"}`), &at))
	assert.Equal(t, ID("5"), at.ID)
	assert.Equal(t, ID("42"), at.TaskID)
	assert.Equal(t, ID("9"), at.AccountID)
	assert.Equal(t, "a@example.com", at.AccountEmail)
	assert.Equal(t, "1.50", at.Cost.String())
}

func TestTaskStatusTransitions(t *testing.T) {
	assert.True(t, TaskPending.CanTransition(TaskRunning))
	assert.True(t, TaskRunning.CanTransition(TaskCancelled))
	assert.True(t, TaskPending.CanTransition(TaskCompleted))
	assert.False(t, TaskRunning.CanTransition(TaskPending))
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		assert.True(t, s.Terminal())
		assert.False(t, s.CanTransition(TaskRunning))
		assert.True(t, s.CanTransition(s))
	}
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskStatus("").CanTransition(TaskRunning))
}

func TestTaskConfigValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   TaskConfig
		field string
	}{
		{"verify needs key", VerifyConfig{}, "api_key"},
		{"verify ok", VerifyConfig{APIKey: "k"}, ""},
		{"bind card needs count", BindCardConfig{}, "cards_per_account"},
		{"bind card ok", BindCardConfig{CardsPerAccount: 1}, ""},
		{"negative delay", LoginConfig{Timing: Timing{StepDelaySeconds: -1}}, "step_delay_seconds"},
		{"auto all skipping everything", AutoAllConfig{SkipVerify: true, SkipBindCard: true}, ""},
		{"auto all needs key", AutoAllConfig{CardsPerAccount: 1}, "api_key"},
		{"generic needs type", GenericConfig{}, "task_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDecodeTaskConfig(t *testing.T) {
	cfg, err := DecodeTaskConfig(TaskTypeBindCard, []byte(`{"cards_per_account": 2, "step_delay_seconds": 3}`))
	require.NoError(t, err)
	bind, ok := cfg.(BindCardConfig)
	require.True(t, ok)
	assert.Equal(t, 2, bind.CardsPerAccount)
	assert.Equal(t, 3, bind.StepDelaySeconds)

	cfg, err = DecodeTaskConfig("gpt_business_invite", []byte(`{"seats": 5}`))
	require.NoError(t, err)
	assert.Equal(t, TaskType("gpt_business_invite"), cfg.TaskType())
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seats": 5}`, string(b))
}
