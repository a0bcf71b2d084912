package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "transfer-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestRepeatedFieldsCarryLists(t *testing.T) {
	in := []Field{
		String(7, "127.0.0.1:10000"),
		U64(8, 1700000000),
		String(7, "127.0.0.1:11000"),
		Bool(9, true),
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	peers := GetStrings(out, 7)
	if len(peers) != 2 || peers[0] != "127.0.0.1:10000" || peers[1] != "127.0.0.1:11000" {
		t.Fatalf("unexpected repeated values: %v", peers)
	}
	v, err := GetU64(out, 8)
	if err != nil || v != 1700000000 {
		t.Fatalf("unexpected u64 v=%d err=%v", v, err)
	}
	if !GetBool(out, 9) {
		t.Fatalf("expected bool true")
	}
	if GetString(out, 42) != "" {
		t.Fatalf("missing field should decode as empty string")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestU64FromBytesRejectsBadLength(t *testing.T) {
	if _, err := U64FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected length error")
	}
}
