package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a failed response body is read.
const maxErrorBody = 1 << 20

// StatusError describes a non-2xx response from a downstream service.
type StatusError struct {
	Service string
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.Service, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Message)
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// downstreamError accepts both error body shapes seen in the wild:
// {"error":{"code":"...","message":"..."}} and {"success":false,"error":"..."}.
type downstreamError struct {
	Error json.RawMessage `json:"error"`
}

// ParseResponseError reads and closes the body of a non-2xx response and
// returns a *StatusError. Structured code and message are kept when the body
// carries them; otherwise the raw body becomes the message.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	statusErr := &StatusError{Service: serviceName, Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		statusErr.Message = fmt.Sprintf("failed to read body: %v", err)
		return statusErr
	}

	var downstream downstreamError
	if json.Unmarshal(body, &downstream) == nil && len(downstream.Error) > 0 {
		var structured struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		var plain string
		switch {
		case json.Unmarshal(downstream.Error, &structured) == nil && structured.Message != "":
			statusErr.Code = structured.Code
			statusErr.Message = structured.Message
			return statusErr
		case json.Unmarshal(downstream.Error, &plain) == nil && plain != "":
			statusErr.Message = plain
			return statusErr
		}
	}

	statusErr.Message = string(body)
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(resp.StatusCode)
	}
	return statusErr
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
