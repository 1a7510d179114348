package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when a request still gets an unauthorized
// response after one refresh-and-retry cycle, or when the refresh itself is
// terminally rejected. The session has been torn down; callers route to the
// authentication entry point.
var ErrSessionExpired = errors.New("session expired")

// APIError is a non-2xx backend response that is not an authorization failure
// handled by the pipeline. It carries the raw body so callers (e.g. the task
// concurrency guard) can classify it further.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d", e.Status)
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// errorBody covers the two error shapes the backend emits:
// {"code":..,"message":..} and {"error":{"code":..,"message":..}}.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Nested  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: body}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return e
	}
	if parsed.Nested != nil {
		e.Code = parsed.Nested.Code
		e.Message = parsed.Nested.Message
		return e
	}
	e.Code = parsed.Code
	e.Message = parsed.Message
	return e
}
