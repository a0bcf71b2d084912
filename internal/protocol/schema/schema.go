package schema

import (
	"fmt"

	"github.com/danmuck/taskmesh/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame headers after the handshake.
const (
	MsgPing      uint32 = 1
	MsgGossip    uint32 = 2
	MsgSyncOffer uint32 = 10
	MsgSyncReply uint32 = 11
	MsgSyncChunk uint32 = 12
	MsgSyncDone  uint32 = 13
	MsgSyncAck   uint32 = 14
	MsgError     uint32 = 15
)

// Field IDs.
const (
	FieldNodeID      uint16 = 1
	FieldTimestampMS uint16 = 2
	FieldPeerAddr    uint16 = 3

	FieldTransferID uint16 = 100
	FieldVersion    uint16 = 101
	FieldSize       uint16 = 102
	FieldStamp      uint16 = 103
	FieldTaskFolder uint16 = 104
	FieldInstances  uint16 = 105
	FieldEnv        uint16 = 106
	FieldStatus     uint16 = 107
	FieldOffset     uint16 = 108
	FieldData       uint16 = 109
	FieldDigest     uint16 = 110

	FieldCode    uint16 = 200
	FieldMessage uint16 = 201
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
	MsgPing: {
		{FieldNodeID, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgGossip: {
		{FieldNodeID, tlv.TypeString},
	},
	MsgSyncOffer: {
		{FieldTransferID, tlv.TypeString},
		{FieldVersion, tlv.TypeString},
		{FieldSize, tlv.TypeU64},
		{FieldStamp, tlv.TypeU64},
		{FieldTaskFolder, tlv.TypeString},
		{FieldInstances, tlv.TypeU32},
	},
	MsgSyncReply: {
		{FieldTransferID, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
	},
	MsgSyncChunk: {
		{FieldTransferID, tlv.TypeString},
		{FieldOffset, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	MsgSyncDone: {
		{FieldTransferID, tlv.TypeString},
		{FieldSize, tlv.TypeU64},
		{FieldDigest, tlv.TypeString},
	},
	MsgSyncAck: {
		{FieldTransferID, tlv.TypeString},
		{FieldStatus, tlv.TypeString},
		{FieldSize, tlv.TypeU64},
	},
	MsgError: {
		{FieldCode, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}

// Name returns a stable label for metrics and logs.
func Name(messageType uint32) string {
	switch messageType {
	case MsgPing:
		return "ping"
	case MsgGossip:
		return "gossip"
	case MsgSyncOffer:
		return "sync.offer"
	case MsgSyncReply:
		return "sync.reply"
	case MsgSyncChunk:
		return "sync.chunk"
	case MsgSyncDone:
		return "sync.done"
	case MsgSyncAck:
		return "sync.ack"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown.%d", messageType)
	}
}
