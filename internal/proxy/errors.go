package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrUpstreamConnection marks a forward that obtained no response: connect
// errors, DNS failures, timeouts and client cancellation.
var ErrUpstreamConnection = errors.New("upstream connection failed")

// RoutingError is returned when a request cannot be mapped to a target.
type RoutingError struct {
	// Status is 400 for a missing key and 404 for an unknown one.
	Status int
	// Key is the offending routing key, empty when none was supplied.
	Key     string
	Message string
}

func (e *RoutingError) Error() string {
	return e.Message
}

// UpstreamError describes a failed forward to a target.
type UpstreamError struct {
	TargetID string
	Elapsed  time.Duration
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.TargetID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUpstreamConnection) match every UpstreamError.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamConnection
}

// Envelope is the JSON body of every error the proxy answers itself.
type Envelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
	RequestID  string `json:"request_id"`
}

// newEnvelope builds an envelope for status at now.
func newEnvelope(status int, message string, now time.Time) Envelope {
	return Envelope{
		Error:      http.StatusText(status),
		Message:    message,
		StatusCode: status,
		Timestamp:  now.Format(time.RFC3339),
		RequestID:  "err_" + uuid.NewString(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
