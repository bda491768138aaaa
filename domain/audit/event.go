// Package audit defines the decision events the middleware layer emits
// for offline inspection. Events are value types; recording them is an
// adapter concern.
package audit

// Kind distinguishes which middleware produced an event.
type Kind string

const (
	KindIdempotency Kind = "idempotency"
	KindRateLimit   Kind = "ratelimit"
)

// Decision names the outcome of a single request passing through a
// middleware stage.
type Decision string

const (
	DecisionClaimed    Decision = "claimed"
	DecisionReplayed   Decision = "replayed"
	DecisionConflict   Decision = "conflict"
	DecisionInProgress Decision = "in_progress"
	DecisionFailOpen   Decision = "fail_open"
	DecisionAllowed    Decision = "allowed"
	DecisionThrottled  Decision = "throttled"
)

// Event is one middleware decision about one request.
type Event struct {
	// ID is assigned by the recorder when the event is enqueued.
	ID        string
	RequestID string
	Kind      Kind
	Decision  Decision
	Method    string
	Path      string
	// Key is the record or bucket key the decision was made against.
	// Empty for fail-open events where no key was resolved.
	Key string
	// Policy is the matched policy name for rate limit events.
	Policy string
	Status int
	At     int64 // unix millis
}
