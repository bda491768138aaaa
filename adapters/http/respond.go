// Package http provides the HTTP middleware chain and upstream proxy.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error codes surfaced to clients. Stable; clients branch on these.
const (
	CodeIdempotencyConflict   = "IDEM_001"
	CodeIdempotencyInProgress = "IDEM_002"
	CodeRateLimited           = "RATE_LIMIT_001"
	CodeIdentityRequired      = "AUTH_001"
)

// Envelope is the error response body shape.
type Envelope struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Data      interface{} `json:"data"`
}

func writeEnvelope(w http.ResponseWriter, status int, message, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Data:      data,
	})
}

// throttleData is the payload of a 429 response.
type throttleData struct {
	WaitSeconds int64  `json:"waitSeconds"`
	Remaining   int64  `json:"remaining"`
	Policy      string `json:"policy"`
}

// rateLimitHeader renders the advisory RateLimit header.
func rateLimitHeader(remaining, resetSeconds int64) string {
	return "remaining=" + strconv.FormatInt(remaining, 10) +
		", reset=" + strconv.FormatInt(resetSeconds, 10)
}

// setNoStoreHeaders marks a throttle response uncacheable.
func setNoStoreHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
