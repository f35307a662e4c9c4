package model

type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

type TaskLogEntry struct {
	Timestamp    Timestamp `json:"timestamp"`
	Level        LogLevel  `json:"level"`
	Message      string    `json:"message"`
	AccountEmail string    `json:"account_email,omitempty"`
}
