package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type labels, the first element of every relay frame.
const (
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameEvent  = "EVENT"
	FrameEOSE   = "EOSE"
	FrameNotice = "NOTICE"
	FrameClosed = "CLOSED"
	FrameOK     = "OK"
)

// ErrMalformedFrame is returned by ParseFrame for any message that is not a
// well-formed relay frame.
var ErrMalformedFrame = errors.New("nostr: malformed frame")

// Frame is a decoded inbound relay frame. Which fields are set depends on Type.
type Frame struct {
	Type     string
	SubID    string // EVENT, EOSE, CLOSED
	Event    *Event // EVENT
	Message  string // NOTICE, CLOSED, OK
	EventID  string // OK
	Accepted bool   // OK
}

// MarshalReq encodes a subscribe frame.
func MarshalReq(subID string, filters ...Filter) ([]byte, error) {
	if subID == "" {
		return nil, fmt.Errorf("nostr: marshal REQ: empty subscription id")
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("nostr: marshal REQ %q: at least one filter is required", subID)
	}
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, FrameReq, subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

// MarshalClose encodes a frame that ends subscription subID.
func MarshalClose(subID string) ([]byte, error) {
	return json.Marshal([]string{FrameClose, subID})
}

// MarshalEvent encodes an inbound-style EVENT frame. Relays send these; the
// client only needs it to build fixtures and test relays.
func MarshalEvent(subID string, ev Event) ([]byte, error) {
	return json.Marshal([]any{FrameEvent, subID, ev})
}

// ParseFrame decodes one inbound relay message. Frames with an unknown type
// decode successfully with only Type set so callers can log and skip them.
func ParseFrame(data []byte) (Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}

	var f Frame
	if err := json.Unmarshal(raw[0], &f.Type); err != nil {
		return Frame{}, fmt.Errorf("%w: frame type is not a string", ErrMalformedFrame)
	}

	switch f.Type {
	case FrameEvent:
		if len(raw) < 3 {
			return Frame{}, fmt.Errorf("%w: EVENT needs 3 elements, got %d", ErrMalformedFrame, len(raw))
		}
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return Frame{}, fmt.Errorf("%w: EVENT subscription id: %v", ErrMalformedFrame, err)
		}
		var ev Event
		if err := json.Unmarshal(raw[2], &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: EVENT record: %v", ErrMalformedFrame, err)
		}
		f.Event = &ev

	case FrameEOSE:
		if len(raw) < 2 {
			return Frame{}, fmt.Errorf("%w: EOSE needs a subscription id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return Frame{}, fmt.Errorf("%w: EOSE subscription id: %v", ErrMalformedFrame, err)
		}

	case FrameNotice:
		if len(raw) < 2 {
			return Frame{}, fmt.Errorf("%w: NOTICE needs a message", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.Message); err != nil {
			return Frame{}, fmt.Errorf("%w: NOTICE message: %v", ErrMalformedFrame, err)
		}

	case FrameClosed:
		if len(raw) < 2 {
			return Frame{}, fmt.Errorf("%w: CLOSED needs a subscription id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return Frame{}, fmt.Errorf("%w: CLOSED subscription id: %v", ErrMalformedFrame, err)
		}
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &f.Message) // message is optional
		}

	case FrameOK:
		if len(raw) < 3 {
			return Frame{}, fmt.Errorf("%w: OK needs at least 3 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.EventID); err != nil {
			return Frame{}, fmt.Errorf("%w: OK event id: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(raw[2], &f.Accepted); err != nil {
			return Frame{}, fmt.Errorf("%w: OK status: %v", ErrMalformedFrame, err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &f.Message)
		}
	}

	return f, nil
}
