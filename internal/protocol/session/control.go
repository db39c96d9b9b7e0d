package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	ControlStatus   = "status"
	ControlAccepted = "accepted"
	ControlError    = "error"

	maxControlBytes = 128 * 1024
)

var (
	ErrInvalidControl         = errors.New("session: invalid control envelope")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Control is the JSON envelope carried in text frames. Controls are advisory
// except ControlError, which tells the initiator its job produced no result.
type Control struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms,omitempty"`
}

func (c Control) Validate() error {
	switch strings.TrimSpace(c.Type) {
	case ControlStatus, ControlAccepted:
		return nil
	case ControlError:
		if strings.TrimSpace(c.JobID) == "" {
			return fmt.Errorf("%w: error missing job_id", ErrInvalidControl)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidControl, c.Type)
	}
}

func EncodeControl(c Control) (Message, error) {
	if err := c.Validate(); err != nil {
		return Message{}, err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return Message{}, err
	}
	if len(payload) > maxControlBytes {
		return Message{}, ErrControlMessageTooLarge
	}
	return ControlMessage(string(payload)), nil
}

// DecodeControl parses a control text. Text that is not a JSON envelope is
// kept as a status message so plain-text peers stay interoperable.
func DecodeControl(text string) (Control, error) {
	if len(text) > maxControlBytes {
		return Control{}, ErrControlMessageTooLarge
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Control{Type: ControlStatus, Message: text}, nil
	}
	var c Control
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if err := c.Validate(); err != nil {
		return Control{}, err
	}
	return c, nil
}
