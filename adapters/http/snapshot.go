package http

import (
	"bytes"
	"net/http"

	"github.com/onceguard/onceguard/domain/idempotency"
)

// replayableHeaders is the set of response headers worth replaying from a
// stored snapshot.
var replayableHeaders = []string{
	"Location",
	"Content-Location",
	"ETag",
	"Cache-Control",
	"Vary",
	"Last-Modified",
}

// excludedHeaders are never captured even if a policy adds them later.
var excludedHeaders = map[string]bool{
	"Content-Type":       true, // stored separately
	"Content-Length":     true,
	"Set-Cookie":         true,
	"Cookie":             true,
	"Authorization":      true,
	"Www-Authenticate":   true,
	"Proxy-Authenticate": true,
}

// responseRecorder captures a downstream response while passing it through
// to the client unchanged.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.wroteHeader {
		return
	}
	rr.wroteHeader = true
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	rr.body.Write(p)
	return rr.ResponseWriter.Write(p)
}

// Status returns the written status code.
func (rr *responseRecorder) Status() int { return rr.status }

// Body returns the captured body bytes. Nil for 204 responses.
func (rr *responseRecorder) Body() []byte {
	if rr.status == http.StatusNoContent {
		return nil
	}
	return rr.body.Bytes()
}

// ContentType returns the response content type. Empty for 204 responses.
func (rr *responseRecorder) ContentType() string {
	if rr.status == http.StatusNoContent {
		return ""
	}
	return rr.Header().Get("Content-Type")
}

// CapturedHeaders extracts the replayable subset of the response headers.
func (rr *responseRecorder) CapturedHeaders() []idempotency.Header {
	return captureHeaders(rr.Header())
}

func captureHeaders(h http.Header) []idempotency.Header {
	var out []idempotency.Header
	for _, name := range replayableHeaders {
		if excludedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out = append(out, idempotency.Header{Name: name, Values: copied})
	}
	return out
}

// replaySnapshot writes a stored COMPLETED record to the client: status,
// then headers, then content type, then body. A 204 snapshot never gets a
// body or content type even if the record carries one.
func replaySnapshot(w http.ResponseWriter, rec idempotency.Record) {
	for _, hdr := range rec.ResponseHeaders {
		if excludedHeaders[http.CanonicalHeaderKey(hdr.Name)] {
			continue
		}
		for _, v := range hdr.Values {
			w.Header().Add(hdr.Name, v)
		}
	}

	status := rec.ResponseStatus
	if status == 0 {
		// A stored record without a status replays as 200.
		status = http.StatusOK
	}

	noContent := status == http.StatusNoContent
	if !noContent && rec.ResponseContentType != "" {
		w.Header().Set("Content-Type", rec.ResponseContentType)
	}

	w.WriteHeader(status)
	if !noContent && len(rec.ResponseBody) > 0 {
		_, _ = w.Write(rec.ResponseBody)
	}
}
