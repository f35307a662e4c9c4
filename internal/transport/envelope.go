package transport

import (
	"bytes"
	"encoding/json"
)

// Unwrap strips the optional {code, message, data} envelope. A JSON object
// with both a code and a data key yields data; any other body is returned
// unchanged.
func Unwrap(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return body
	}
	_, hasCode := obj["code"]
	data, hasData := obj["data"]
	if hasCode && hasData {
		return data
	}
	return body
}
