package session

import "fmt"

type Kind uint8

const (
	KindPayload Kind = iota + 1
	KindControl
	KindClose
)

func (k Kind) String() string {
	switch k {
	case KindPayload:
		return "payload"
	case KindControl:
		return "control"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the unit of exchange. Payload uses Data, Control uses Text.
type Message struct {
	Kind Kind
	Data []byte
	Text string
}

func PayloadMessage(data []byte) Message {
	return Message{Kind: KindPayload, Data: data}
}

func ControlMessage(text string) Message {
	return Message{Kind: KindControl, Text: text}
}

func CloseMessage() Message {
	return Message{Kind: KindClose}
}
