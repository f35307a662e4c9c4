package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"autoall/internal/model"
)

// Log endpoints return either structured entries or the raw tail of a log
// file as {"content": "..."} or {"lines": [...]}.
func parseLog(raw json.RawMessage) (model.Page[model.TaskLogEntry], error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var text struct {
			Content *string  `json:"content"`
			Lines   []string `json:"lines"`
		}
		if err := json.Unmarshal(raw, &text); err == nil && (text.Content != nil || text.Lines != nil) {
			lines := text.Lines
			if text.Content != nil {
				lines = strings.Split(*text.Content, "\n")
			}
			return linesToPage(lines), nil
		}
	}
	var page model.Page[model.TaskLogEntry]
	if err := json.Unmarshal(raw, &page); err != nil {
		return model.Page[model.TaskLogEntry]{}, fmt.Errorf("decode task log: %w", err)
	}
	return page, nil
}

// Matches "2026-10-15 08:00:05,123 - INFO - message" and
// "[2026-10-15 08:00:05] [ERROR] message".
var logLineRe = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})(?:[.,]\d+)?\]?\s*(?:-\s*)?\[?(DEBUG|INFO|WARNING|WARN|ERROR)\]?\s*(?:-\s*)?(.*)$`)

func linesToPage(lines []string) model.Page[model.TaskLogEntry] {
	out := make([]model.TaskLogEntry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, parseLogLine(line))
	}
	return model.Page[model.TaskLogEntry]{Count: len(out), Results: out}
}

func parseLogLine(line string) model.TaskLogEntry {
	m := logLineRe.FindStringSubmatch(line)
	if m == nil {
		return model.TaskLogEntry{Level: model.LogInfo, Message: line}
	}
	entry := model.TaskLogEntry{Level: model.LogLevel(m[2]), Message: strings.TrimSpace(m[3])}
	if entry.Level == "WARN" {
		entry.Level = model.LogWarning
	}
	var ts model.Timestamp
	if err := ts.UnmarshalJSON([]byte(`"` + m[1] + `"`)); err == nil {
		entry.Timestamp = ts
	}
	return entry
}
