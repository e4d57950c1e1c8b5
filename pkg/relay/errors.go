// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	msgInvalidBody     = "Invalid body"
	msgReserialize     = "Unable to re-serialize body"
	msgUpstreamFailure = "Failed to send request to upstream"
)

// Outcome labels reported to the Recorder.
const (
	OutcomeRelayed       = "relayed"
	OutcomeInvalidBody   = "invalid_body"
	OutcomeEncodeError   = "encode_error"
	OutcomeRequestError  = "request_error"
	OutcomeUpstreamError = "upstream_error"
)

// Error pairs the status and caller-visible message for a failed relay with
// the underlying cause, which is only logged.
type Error struct {
	Status  int    // Status is the HTTP status returned to the caller.
	Message string // Message is the plain-text response body.
	Err     error  // Err retains the original cause for logging.
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d: %s: %v", e.Status, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}

// Response renders the error as the plain-text response sent to the caller.
func (e *Error) Response() *http.Response {
	return textResponse(e.Status, e.Message)
}

func textResponse(status int, msg string) *http.Response {
	return &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
		},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
	}
}
