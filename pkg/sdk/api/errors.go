package api

import (
	"fmt"
	"net/http"
	"strings"
)

// RemoteErrorDetail is one entry of error.errors in a rejected request.
type RemoteErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is a non-2xx response from the brokerage API.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Errors  []RemoteErrorDetail
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote error (status %d)", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	for _, d := range e.Errors {
		fmt.Fprintf(&b, "; %s: %s", d.Code, d.Message)
	}
	return b.String()
}

// newRemoteError reads {"error": {"code", "message", "errors": [...]}}.
func newRemoteError(e *Envelope) *RemoteError {
	re := &RemoteError{Status: e.Status.Code}
	obj, ok := LookupAs[map[string]any](e.Content, "error")
	if !ok {
		re.Message = e.Status.Reason
		return re
	}
	re.Code, _ = LookupAs[string](obj, "code")
	re.Message, _ = LookupAs[string](obj, "message")
	if details, ok := LookupAs[[]any](obj, "errors"); ok {
		for _, d := range details {
			m, ok := d.(map[string]any)
			if !ok {
				continue
			}
			code, _ := LookupAs[string](m, "code")
			msg, _ := LookupAs[string](m, "message")
			re.Errors = append(re.Errors, RemoteErrorDetail{Code: code, Message: msg})
		}
	}
	return re
}

// reasonFor prefers the API's own error message over the HTTP status text.
func reasonFor(code int, content map[string]any) string {
	if msg, ok := LookupAs[string](content, "error", "message"); ok && msg != "" {
		return msg
	}
	return http.StatusText(code)
}
