package validate

import (
	"encoding/json"
)

// Control frame types recognized on the subscriber stream. Anything else
// is acknowledged and discarded; Courier does not route client data.
const (
	FrameTypePing        = "ping"
	FrameTypePong        = "pong"
	FrameTypeSubscribe   = "subscribe"
	FrameTypeUnsubscribe = "unsubscribe"
)

// Frame is a parsed client-to-server message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsControl reports whether the frame type is one of the recognized
// control types.
func (f *Frame) IsControl() bool {
	switch f.Type {
	case FrameTypePing, FrameTypePong, FrameTypeSubscribe, FrameTypeUnsubscribe:
		return true
	default:
		return false
	}
}

// FrameLimits configures client frame validation caps.
type FrameLimits struct {
	MaxBytes        int
	MaxStringLength int
	MaxArrayLength  int
	MaxNestingDepth int
}

// FrameValidator validates client-to-server frames. Failures come in two
// severities: ordinary violations earn the client an error frame, abuse
// (oversize payload, malformed control frame) closes the connection.
type FrameValidator struct {
	limits FrameLimits
}

// NewFrameValidator builds a validator from the configured limits.
func NewFrameValidator(limits FrameLimits) *FrameValidator {
	return &FrameValidator{limits: limits}
}

// FrameResult extends Result with the abuse flag the receive loop keys
// its close decision off.
type FrameResult struct {
	Result
	Abuse bool
}

// Validate checks one inbound frame. The returned Frame is nil unless
// validation passed.
func (v *FrameValidator) Validate(raw []byte) (*Frame, FrameResult) {
	var res FrameResult

	if len(raw) > v.limits.MaxBytes {
		res.add("frame size %d bytes exceeds max %d", len(raw), v.limits.MaxBytes)
		res.Abuse = true
		return nil, res
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		res.add("frame must be a JSON object: %v", err)
		return nil, res
	}
	if frame.Type == "" {
		res.add("frame missing required field: type")
		return nil, res
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err == nil {
		walkLimits(tree, 1, EventLimits{
			MaxBytes:        v.limits.MaxBytes,
			MaxStringLength: v.limits.MaxStringLength,
			MaxArrayLength:  v.limits.MaxArrayLength,
			MaxNestingDepth: v.limits.MaxNestingDepth,
		}, &res.Result)
	}

	// A control frame that fails structural checks is protocol abuse:
	// well-behaved clients never produce one.
	if !res.OK() && frame.IsControl() {
		res.Abuse = true
	}
	if !res.OK() {
		return nil, res
	}
	return &frame, res
}
