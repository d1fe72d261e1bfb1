package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-relay verbs understood by the dispatch plane. Anything else
// is answered with a NOTICE.
const (
	VerbEvent = "EVENT"
	VerbReq   = "REQ"
	VerbClose = "CLOSE"
	VerbAuth  = "AUTH"
)

const maxSubIDLen = 64

// ClientFrame is a parsed inbound frame. Verb is always set; the other
// fields depend on it: Event for EVENT, SubID+Filters for REQ, SubID for
// CLOSE, Payload for AUTH and unknown verbs.
type ClientFrame struct {
	Verb    string
	Event   *Event
	SubID   string
	Filters Filters
	Payload json.RawMessage
}

// ParseClientFrame decodes a JSON array frame and validates its shape
// against the verb. It does not validate event signatures or ids; that
// is the worker's job.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", len(data), MaxFrameSize)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("frame is an empty array")
	}
	frame := &ClientFrame{}
	if err := json.Unmarshal(parts[0], &frame.Verb); err != nil {
		return nil, errors.New("frame verb is not a string")
	}

	switch frame.Verb {
	case VerbEvent:
		if len(parts) != 2 {
			return nil, errors.New("EVENT frame must carry exactly one event")
		}
		frame.Event = &Event{}
		if err := json.Unmarshal(parts[1], frame.Event); err != nil {
			return nil, fmt.Errorf("event does not parse: %w", err)
		}

	case VerbReq:
		if len(parts) < 3 {
			return nil, errors.New("REQ frame needs a subscription id and at least one filter")
		}
		if err := parseSubID(parts[1], &frame.SubID); err != nil {
			return nil, err
		}
		frame.Filters = make(Filters, 0, len(parts)-2)
		for _, raw := range parts[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("filter does not parse: %w", err)
			}
			frame.Filters = append(frame.Filters, f)
		}

	case VerbClose:
		if len(parts) != 2 {
			return nil, errors.New("CLOSE frame must carry exactly one subscription id")
		}
		if err := parseSubID(parts[1], &frame.SubID); err != nil {
			return nil, err
		}

	default:
		if len(parts) > 1 {
			frame.Payload = parts[1]
		}
	}
	return frame, nil
}

// FrameSummary is the cheap projection of a frame the frontend needs for
// admission: the verb decides the priority band, and the addressing field
// (event id or subscription id) lets a rejection be answered in kind.
type FrameSummary struct {
	Verb    string
	EventID string
	SubID   string
}

// PeekFrame extracts the verb and addressing fields without decoding the
// payload. The full parse happens in the worker; the frontend only needs
// enough to route and to translate rejections.
func PeekFrame(data []byte) (*FrameSummary, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", len(data), MaxFrameSize)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("frame is an empty array")
	}

	sum := &FrameSummary{}
	if err := json.Unmarshal(parts[0], &sum.Verb); err != nil {
		return nil, errors.New("frame verb is not a string")
	}

	if len(parts) > 1 {
		switch sum.Verb {
		case VerbEvent:
			var stub struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(parts[1], &stub); err == nil {
				sum.EventID = stub.ID
			}
		case VerbReq, VerbClose:
			var subID string
			if err := json.Unmarshal(parts[1], &subID); err == nil {
				sum.SubID = subID
			}
		}
	}
	return sum, nil
}

func parseSubID(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.New("subscription id is not a string")
	}
	if *dst == "" || len(*dst) > maxSubIDLen {
		return fmt.Errorf("subscription id must be 1..%d characters", maxSubIDLen)
	}
	return nil
}

// Relay-to-client frame builders. The element types below cannot fail to
// marshal, so the error is discarded.

func EventFrame(subID string, ev *Event) []byte {
	b, _ := json.Marshal([]interface{}{"EVENT", subID, ev})
	return b
}

func OKFrame(id string, ok bool, reason string) []byte {
	b, _ := json.Marshal([]interface{}{"OK", id, ok, reason})
	return b
}

func EOSEFrame(subID string) []byte {
	b, _ := json.Marshal([]interface{}{"EOSE", subID})
	return b
}

func ClosedFrame(subID, reason string) []byte {
	b, _ := json.Marshal([]interface{}{"CLOSED", subID, reason})
	return b
}

func NoticeFrame(msg string) []byte {
	b, _ := json.Marshal([]interface{}{"NOTICE", msg})
	return b
}

func AuthFrame(challenge string) []byte {
	b, _ := json.Marshal([]interface{}{"AUTH", challenge})
	return b
}
