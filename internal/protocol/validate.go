package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientKinds is the set of allowed client→server frame kinds.
var validClientKinds = map[string]bool{
	KindInput:     true,
	KindKeepalive: true,
	KindStop:      true,
}

// maxInputLength bounds a single line of script input.
const maxInputLength = 64 * 1024

// inboundFrame distinguishes a missing text field from an empty one.
type inboundFrame struct {
	Kind string  `json:"kind"`
	Text *string `json:"text"`
}

// ValidateClientFrame validates a raw JSON frame from a client.
// Returns the parsed Frame and any validation error.
func ValidateClientFrame(raw []byte) (*Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if in.Kind == "" {
		return nil, fmt.Errorf("missing 'kind' field")
	}

	if !validClientKinds[in.Kind] {
		return nil, fmt.Errorf("unknown frame kind: %s", in.Kind)
	}

	frame := &Frame{Kind: in.Kind}

	// An empty line is valid input (pressing enter at a prompt); a missing
	// text field is not.
	if in.Kind == KindInput {
		if in.Text == nil {
			return nil, fmt.Errorf("missing required field 'text' in %s frame", in.Kind)
		}
		if len(*in.Text) > maxInputLength {
			return nil, fmt.Errorf("input exceeds %d bytes", maxInputLength)
		}
		frame.Text = *in.Text
	}

	return frame, nil
}
