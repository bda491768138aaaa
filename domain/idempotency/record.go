// Package idempotency provides the pure state model for at-most-once
// request processing: records, canonical request hashing, and store keys.
// All functions are deterministic and side-effect free; persistence lives
// in adapters.
package idempotency

import "encoding/json"

// State is the lifecycle state of an idempotency record.
type State string

const (
	// StateInProgress marks a claimed request whose outcome is not yet known.
	StateInProgress State = "IN_PROGRESS"
	// StateCompleted marks a request that finished with status < 500.
	StateCompleted State = "COMPLETED"
	// StateFailed marks a request that finished with status >= 500 or panicked.
	StateFailed State = "FAILED"
)

// Header is one captured response header with its values in original order.
type Header struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Record is the stored outcome of one (scope, method, path, token) tuple.
// Records are value types: state transitions produce a new Record, the
// original is never mutated.
type Record struct {
	State               State    `json:"state"`
	RequestHash         string   `json:"requestHash"`
	ResponseStatus      int      `json:"responseStatus,omitempty"`
	ResponseBody        []byte   `json:"responseBody,omitempty"`
	ResponseContentType string   `json:"responseContentType,omitempty"`
	ResponseHeaders     []Header `json:"responseHeaders,omitempty"`
	CreatedAt           int64    `json:"createdAt"` // epoch millis
}

// InProgress creates the initial record written at claim time.
func InProgress(requestHash string, nowMillis int64) Record {
	return Record{
		State:       StateInProgress,
		RequestHash: requestHash,
		CreatedAt:   nowMillis,
	}
}

// ToCompleted returns the COMPLETED snapshot for this claim. The request
// hash and creation time carry over from the in-progress record.
func (r Record) ToCompleted(status int, body []byte, contentType string, headers []Header) Record {
	return Record{
		State:               StateCompleted,
		RequestHash:         r.RequestHash,
		ResponseStatus:      status,
		ResponseBody:        body,
		ResponseContentType: contentType,
		ResponseHeaders:     normalizeHeaders(headers),
		CreatedAt:           r.CreatedAt,
	}
}

// ToFailed returns the FAILED marker for this claim. Response fields are
// dropped: a failed outcome is never replayed.
func (r Record) ToFailed() Record {
	return Record{
		State:       StateFailed,
		RequestHash: r.RequestHash,
		CreatedAt:   r.CreatedAt,
	}
}

// MatchesHash reports whether the record was created by a request with the
// given body hash. Used for conflict detection on token reuse.
func (r Record) MatchesHash(hash string) bool {
	return r.RequestHash == hash
}

// Marshal serializes the record for storage.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a stored record. Unknown fields are ignored so records
// written by newer deployments still parse.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// normalizeHeaders drops nil names and empty value lists and copies the
// rest, preserving declaration order. Returns nil when nothing survives so
// the field is omitted from the stored JSON.
func normalizeHeaders(headers []Header) []Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]Header, 0, len(headers))
	for _, h := range headers {
		if h.Name == "" || len(h.Values) == 0 {
			continue
		}
		values := make([]string, len(h.Values))
		copy(values, h.Values)
		out = append(out, Header{Name: h.Name, Values: values})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
