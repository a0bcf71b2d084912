package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/taskmesh/internal/protocol/frame"
	"github.com/danmuck/taskmesh/internal/protocol/schema"
	"github.com/danmuck/taskmesh/internal/protocol/tlv"
)

// Sync reply and ack statuses.
const (
	SyncHave  = "have"
	SyncNeed  = "need"
	SyncNewer = "newer"

	SyncAckOK     = "ok"
	SyncAckFailed = "failed"
)

// Message is one post-handshake mesh message.
type Message interface {
	MessageType() uint32
	Fields() []tlv.Field
}

type Ping struct {
	NodeID      string
	TimestampMS uint64
}

func (Ping) MessageType() uint32 { return schema.MsgPing }

func (m Ping) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldNodeID, m.NodeID),
		tlv.U64(schema.FieldTimestampMS, m.TimestampMS),
	}
}

// Gossip carries the sender's current peer keys (public_address:api_port).
type Gossip struct {
	NodeID string
	Peers  []string
}

func (Gossip) MessageType() uint32 { return schema.MsgGossip }

func (m Gossip) Fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldNodeID, m.NodeID)}
	for _, p := range m.Peers {
		fields = append(fields, tlv.String(schema.FieldPeerAddr, p))
	}
	return fields
}

// SyncOffer announces an archive the sender is willing to stream.
type SyncOffer struct {
	TransferID string
	Version    string
	Size       uint64
	Stamp      uint64
	TaskFolder string
	Instances  uint32
	Env        map[string]string
}

func (SyncOffer) MessageType() uint32 { return schema.MsgSyncOffer }

func (m SyncOffer) Fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldTransferID, m.TransferID),
		tlv.String(schema.FieldVersion, m.Version),
		tlv.U64(schema.FieldSize, m.Size),
		tlv.U64(schema.FieldStamp, m.Stamp),
		tlv.String(schema.FieldTaskFolder, m.TaskFolder),
		tlv.U32(schema.FieldInstances, m.Instances),
	}
	keys := make([]string, 0, len(m.Env))
	for k := range m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, tlv.String(schema.FieldEnv, k+"="+m.Env[k]))
	}
	return fields
}

type SyncReply struct {
	TransferID string
	Status     string
}

func (SyncReply) MessageType() uint32 { return schema.MsgSyncReply }

func (m SyncReply) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldTransferID, m.TransferID),
		tlv.String(schema.FieldStatus, m.Status),
	}
}

type SyncChunk struct {
	TransferID string
	Offset     uint64
	Data       []byte
}

func (SyncChunk) MessageType() uint32 { return schema.MsgSyncChunk }

func (m SyncChunk) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldTransferID, m.TransferID),
		tlv.U64(schema.FieldOffset, m.Offset),
		tlv.Bytes(schema.FieldData, m.Data),
	}
}

type SyncDone struct {
	TransferID string
	Size       uint64
	Digest     string
}

func (SyncDone) MessageType() uint32 { return schema.MsgSyncDone }

func (m SyncDone) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldTransferID, m.TransferID),
		tlv.U64(schema.FieldSize, m.Size),
		tlv.String(schema.FieldDigest, m.Digest),
	}
}

type SyncAck struct {
	TransferID string
	Status     string
	Size       uint64
	Message    string
}

func (SyncAck) MessageType() uint32 { return schema.MsgSyncAck }

func (m SyncAck) Fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldTransferID, m.TransferID),
		tlv.String(schema.FieldStatus, m.Status),
		tlv.U64(schema.FieldSize, m.Size),
	}
	if m.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, m.Message))
	}
	return fields
}

// ErrorMessage answers a request the receiver could not serve.
type ErrorMessage struct {
	Code    string
	Message string
}

func (ErrorMessage) MessageType() uint32 { return schema.MsgError }

func (m ErrorMessage) Fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldCode, m.Code),
		tlv.String(schema.FieldMessage, m.Message),
	}
}

func (m ErrorMessage) Error() string {
	return fmt.Sprintf("session: remote error %s: %s", m.Code, m.Message)
}

// EncodeFrame validates m against its schema and wraps it in a frame.
func EncodeFrame(messageID uint64, flags uint32, m Message) (frame.Frame, error) {
	fields := m.Fields()
	if err := schema.Validate(m.MessageType(), fields); err != nil {
		return frame.Frame{}, err
	}
	if m.MessageType() == schema.MsgError {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: m.MessageType(),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: expected %s frame, got %s",
			schema.Name(messageType), schema.Name(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func DecodePing(f frame.Frame) (Ping, error) {
	fields, err := decodeFields(f, schema.MsgPing)
	if err != nil {
		return Ping{}, err
	}
	ts, err := tlv.GetU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Ping{}, err
	}
	return Ping{NodeID: tlv.GetString(fields, schema.FieldNodeID), TimestampMS: ts}, nil
}

func DecodeGossip(f frame.Frame) (Gossip, error) {
	fields, err := decodeFields(f, schema.MsgGossip)
	if err != nil {
		return Gossip{}, err
	}
	return Gossip{
		NodeID: tlv.GetString(fields, schema.FieldNodeID),
		Peers:  tlv.GetStrings(fields, schema.FieldPeerAddr),
	}, nil
}

func DecodeSyncOffer(f frame.Frame) (SyncOffer, error) {
	fields, err := decodeFields(f, schema.MsgSyncOffer)
	if err != nil {
		return SyncOffer{}, err
	}
	size, err := tlv.GetU64(fields, schema.FieldSize)
	if err != nil {
		return SyncOffer{}, err
	}
	stamp, err := tlv.GetU64(fields, schema.FieldStamp)
	if err != nil {
		return SyncOffer{}, err
	}
	instances, err := tlv.GetU32(fields, schema.FieldInstances)
	if err != nil {
		return SyncOffer{}, err
	}
	offer := SyncOffer{
		TransferID: tlv.GetString(fields, schema.FieldTransferID),
		Version:    tlv.GetString(fields, schema.FieldVersion),
		Size:       size,
		Stamp:      stamp,
		TaskFolder: tlv.GetString(fields, schema.FieldTaskFolder),
		Instances:  instances,
	}
	for _, kv := range tlv.GetStrings(fields, schema.FieldEnv) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if offer.Env == nil {
			offer.Env = make(map[string]string)
		}
		offer.Env[k] = v
	}
	return offer, nil
}

func DecodeSyncReply(f frame.Frame) (SyncReply, error) {
	fields, err := decodeFields(f, schema.MsgSyncReply)
	if err != nil {
		return SyncReply{}, err
	}
	return SyncReply{
		TransferID: tlv.GetString(fields, schema.FieldTransferID),
		Status:     tlv.GetString(fields, schema.FieldStatus),
	}, nil
}

func DecodeSyncChunk(f frame.Frame) (SyncChunk, error) {
	fields, err := decodeFields(f, schema.MsgSyncChunk)
	if err != nil {
		return SyncChunk{}, err
	}
	offset, err := tlv.GetU64(fields, schema.FieldOffset)
	if err != nil {
		return SyncChunk{}, err
	}
	data, _ := tlv.GetField(fields, schema.FieldData)
	return SyncChunk{
		TransferID: tlv.GetString(fields, schema.FieldTransferID),
		Offset:     offset,
		Data:       data.Value,
	}, nil
}

func DecodeSyncDone(f frame.Frame) (SyncDone, error) {
	fields, err := decodeFields(f, schema.MsgSyncDone)
	if err != nil {
		return SyncDone{}, err
	}
	size, err := tlv.GetU64(fields, schema.FieldSize)
	if err != nil {
		return SyncDone{}, err
	}
	return SyncDone{
		TransferID: tlv.GetString(fields, schema.FieldTransferID),
		Size:       size,
		Digest:     tlv.GetString(fields, schema.FieldDigest),
	}, nil
}

func DecodeSyncAck(f frame.Frame) (SyncAck, error) {
	fields, err := decodeFields(f, schema.MsgSyncAck)
	if err != nil {
		return SyncAck{}, err
	}
	size, err := tlv.GetU64(fields, schema.FieldSize)
	if err != nil {
		return SyncAck{}, err
	}
	return SyncAck{
		TransferID: tlv.GetString(fields, schema.FieldTransferID),
		Status:     tlv.GetString(fields, schema.FieldStatus),
		Size:       size,
		Message:    tlv.GetString(fields, schema.FieldMessage),
	}, nil
}

func DecodeError(f frame.Frame) (ErrorMessage, error) {
	fields, err := decodeFields(f, schema.MsgError)
	if err != nil {
		return ErrorMessage{}, err
	}
	return ErrorMessage{
		Code:    tlv.GetString(fields, schema.FieldCode),
		Message: tlv.GetString(fields, schema.FieldMessage),
	}, nil
}
