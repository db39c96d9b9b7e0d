package schema

import (
	"fmt"

	"github.com/danmuck/remoterc/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgBuildRequest uint32 = 1
	MsgBuildResult  uint32 = 2
)

// Field IDs carried in payload TLVs.
const (
	FieldJobID     uint16 = 1
	FieldCreatedMS uint16 = 2

	FieldTarget  uint16 = 100
	FieldRelease uint16 = 101

	FieldDigest  uint16 = 200
	FieldArchive uint16 = 201

	// FieldBinary repeats once per produced executable.
	FieldBinary uint16 = 300
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgBuildRequest: {
		{FieldJobID, tlv.TypeString},
		{FieldTarget, tlv.TypeString},
		{FieldRelease, tlv.TypeBool},
		{FieldDigest, tlv.TypeString},
		{FieldArchive, tlv.TypeBytes},
	},
	MsgBuildResult: {
		{FieldJobID, tlv.TypeString},
		{FieldTarget, tlv.TypeString},
		{FieldDigest, tlv.TypeString},
		{FieldArchive, tlv.TypeBytes},
	},
}

// optional lists fields that may be absent but must carry the right type when present.
var optional = map[uint32][]Requirement{
	MsgBuildRequest: {
		{FieldCreatedMS, tlv.TypeU64},
	},
	MsgBuildResult: {
		{FieldCreatedMS, tlv.TypeU64},
		{FieldBinary, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Msgf("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		for _, f := range tlv.GetFields(fields, opt.ID) {
			if f.Type != opt.Type {
				return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}
