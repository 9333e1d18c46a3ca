package validate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the outer structure of a published event. Data stays as raw
// bytes after structural validation; the fan-out path never re-parses it.
type Envelope struct {
	Type          string          `json:"type"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Result carries the outcome of a validation pass. A failed publish
// returns every violation, not just the first, so producers can fix a
// payload in one round trip.
type Result struct {
	Violations []string
}

// OK reports whether validation passed.
func (r Result) OK() bool { return len(r.Violations) == 0 }

func (r *Result) add(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// EventLimits configures envelope validation caps.
type EventLimits struct {
	MaxBytes        int
	MaxStringLength int
	MaxArrayLength  int
	MaxNestingDepth int
	// AllowedTypes is the event type whitelist. Empty means no whitelist
	// is configured and any well-formed type passes.
	AllowedTypes []string
}

// EventValidator validates ingress envelopes before they reach fan-out.
// Early rejection at the edge keeps malformed and oversized payloads out
// of subscriber queues.
type EventValidator struct {
	limits  EventLimits
	allowed map[string]struct{}
}

// NewEventValidator builds a validator from the configured limits.
func NewEventValidator(limits EventLimits) *EventValidator {
	var allowed map[string]struct{}
	if len(limits.AllowedTypes) > 0 {
		allowed = make(map[string]struct{}, len(limits.AllowedTypes))
		for _, t := range limits.AllowedTypes {
			allowed[t] = struct{}{}
		}
	}
	return &EventValidator{limits: limits, allowed: allowed}
}

// Validate checks raw (the serialized envelope) and sourceService (the
// publisher identity from the required ingress header). On success it
// returns the parsed envelope with a timestamp assigned when absent.
//
// Checks run in order: byte cap, structure, type whitelist, field caps,
// source match. The byte cap comes first because an over-cap body may
// arrive truncated and the producer should see the size rule, not a
// parse error. A payload exactly at MaxBytes is accepted.
func (v *EventValidator) Validate(raw []byte, sourceService string) (*Envelope, Result) {
	var res Result

	if len(raw) > v.limits.MaxBytes {
		res.add("envelope size %d bytes exceeds max %d", len(raw), v.limits.MaxBytes)
		return nil, res
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		res.add("envelope must be a JSON object: %v", err)
		return nil, res
	}
	if env.Type == "" {
		res.add("envelope missing required field: type")
	}

	if env.Type != "" && v.allowed != nil {
		if _, ok := v.allowed[env.Type]; !ok {
			res.add("event type %q is not in the allowed list", env.Type)
		}
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err == nil {
		walkLimits(tree, 1, v.limits, &res)
	}

	if env.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
			res.add("timestamp %q is not valid ISO 8601", env.Timestamp)
		}
	}

	if env.Source != "" && sourceService != "" && env.Source != sourceService {
		res.add("envelope source %q does not match publisher service %q", env.Source, sourceService)
	}

	if !res.OK() {
		return nil, res
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return &env, res
}

// walkLimits recursively enforces string, array, and depth caps on a
// decoded JSON tree. Object keys count toward the string cap too.
func walkLimits(node any, depth int, limits EventLimits, res *Result) {
	if depth > limits.MaxNestingDepth {
		res.add("nesting depth exceeds max %d", limits.MaxNestingDepth)
		return
	}
	switch val := node.(type) {
	case string:
		if n := stringLen(val); n > limits.MaxStringLength {
			res.add("string field length %d exceeds max %d", n, limits.MaxStringLength)
		}
	case []any:
		if len(val) > limits.MaxArrayLength {
			res.add("array length %d exceeds max %d", len(val), limits.MaxArrayLength)
			return
		}
		for _, item := range val {
			walkLimits(item, depth+1, limits, res)
		}
	case map[string]any:
		for key, item := range val {
			if n := stringLen(key); n > limits.MaxStringLength {
				res.add("object key length %d exceeds max %d", n, limits.MaxStringLength)
			}
			walkLimits(item, depth+1, limits, res)
		}
	}
}

// stringLen measures a string in UTF-16 code units, the unit JavaScript
// producers see in String.length. Characters beyond the basic
// multilingual plane count as a surrogate pair.
func stringLen(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}
