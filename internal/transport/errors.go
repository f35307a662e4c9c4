package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindAuthExpired  ErrorKind = "auth_expired"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindServerError  ErrorKind = "server_error"
	KindValidation   ErrorKind = "validation"
)

const (
	msgConnectivity = "network error, please check your connection"
	msgAuthExpired  = "session expired, please log in again"
	msgForbidden    = "permission denied"
	msgNotFound     = "resource not found"
	msgServerError  = "server error, please try again later"
	msgGeneric      = "request failed"
)

// APIError is returned for every failed call after classification.
type APIError struct {
	Kind   ErrorKind
	Status int
	Method string
	Path   string
	// Message is the text shown to the user.
	Message string
	// ServerMessage is whatever explanation the server supplied, if any.
	ServerMessage string
	Body          []byte
	Err           error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Method, e.Path, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.ServerMessage != "" {
		b.WriteString(": " + e.ServerMessage)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// IsKind reports whether err wraps an *APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: body, ServerMessage: serverMessage(body)}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind, e.Message = KindAuthExpired, msgAuthExpired
	case status == http.StatusForbidden:
		e.Kind, e.Message = KindForbidden, msgForbidden
	case status == http.StatusNotFound:
		e.Kind, e.Message = KindNotFound, msgNotFound
	case status >= 500:
		e.Kind, e.Message = KindServerError, msgServerError
	default:
		e.Kind = KindValidation
		e.Message = e.ServerMessage
		if e.Message == "" {
			e.Message = msgGeneric
		}
	}
	return e
}

// serverMessage digs a human readable explanation out of an error body:
// message, detail or error keys first, then field errors.
func serverMessage(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(Unwrap(body), &obj); err != nil || obj == nil {
		if err := json.Unmarshal(body, &obj); err != nil {
			return ""
		}
	}
	for _, key := range []string{"message", "detail", "error", "msg"} {
		if s := stringOf(obj[key]); s != "" {
			return s
		}
	}
	if s := stringOf(obj["non_field_errors"]); s != "" {
		return s
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "code" || k == "data" {
			continue
		}
		if s := stringOf(obj[k]); s != "" {
			return k + ": " + s
		}
	}
	return ""
}

func stringOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0])
	}
	return ""
}
