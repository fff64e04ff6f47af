package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		flags   Flags
		reqID   uint32
		payload []byte
	}{
		{"empty", TypeLogoutReq, 0, 1, nil},
		{"ack flags", TypeBidReq, FlagRequiresAck | FlagRetransmit, 0xFFFFFFFF, []byte(`{"item_id":1}`)},
		{"broadcast", TypeChatNotify, FlagBroadcast | FlagHighPriority, 42, []byte("x")},
		{"max payload", TypeCreateItemReq, FlagEncrypted, 7, bytes.Repeat([]byte{0xAB}, DefaultMaxPayload)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Header{Type: tc.typ, Flags: tc.flags, RequestID: tc.reqID, Timestamp: 1_700_000_000_123}
			frame, err := EncodeHeader(h, tc.payload)
			if err != nil {
				t.Fatalf("EncodeHeader: %v", err)
			}
			if len(frame) != HeaderLen+len(tc.payload) {
				t.Fatalf("frame len = %d, want %d", len(frame), HeaderLen+len(tc.payload))
			}

			msg, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Version != Version || msg.Type != tc.typ || msg.Flags != tc.flags ||
				msg.RequestID != tc.reqID || msg.Timestamp != h.Timestamp ||
				msg.Length != uint32(len(tc.payload)) {
				t.Fatalf("header mismatch: %#v", msg.Header)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Fatalf("payload mismatch")
			}
		})
	}
}

func TestHeaderIsNetworkOrder(t *testing.T) {
	frame, err := EncodeHeader(Header{
		Type:      TypeBidReq,
		Flags:     FlagRequiresAck | FlagBroadcast,
		RequestID: 0x01020304,
		Timestamp: 0x0102030405060708,
	}, []byte("abc"))
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	want := []byte{
		0x01, byte(TypeBidReq),
		0x00, 0x21,
		0x01, 0x02, 0x03, 0x04,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x00, 0x00, 0x00, 0x03,
	}
	if !bytes.Equal(frame[:HeaderLen], want) {
		t.Fatalf("header bytes = % x, want % x", frame[:HeaderLen], want)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(TypeChatReq, 0, 1, make([]byte, DefaultMaxPayload+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderLen-1))
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	frame, err := Encode(TypeChatReq, 0, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(frame[:len(frame)-1])
	if !errors.Is(err, ErrTruncated) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	frame, err := Encode(TypeChatReq, 0, 1, []byte("hello"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(append(frame, 0x00))
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDecodeRejectsOversizeDeclaredLength(t *testing.T) {
	frame, err := Encode(TypeChatReq, 0, 1, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	binary.BigEndian.PutUint32(frame[16:20], DefaultMaxPayload+1)
	_, err = Decode(frame)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeRejectsBadHeaderFields(t *testing.T) {
	base, err := Encode(TypeChatReq, 0, 1, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := []struct {
		name   string
		mutate func([]byte)
		want   error
	}{
		{"version", func(b []byte) { b[0] = 2 }, ErrBadVersion},
		{"type", func(b []byte) { b[1] = 0x99 }, ErrUnknownType},
		{"flags", func(b []byte) { binary.BigEndian.PutUint16(b[2:4], 0x0100) }, ErrInvalidFlags},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := append([]byte(nil), base...)
			tc.mutate(frame)
			if _, err := Decode(frame); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestMarkRetransmissionKeepsIdentity(t *testing.T) {
	frame, err := Encode(TypeItemSold, FlagRequiresAck, 99, []byte(`{"item_id":3}`))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	re := MarkRetransmission(frame)

	orig, _ := Decode(frame)
	msg, err := Decode(re)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if orig.Flags.Has(FlagRetransmit) {
		t.Fatalf("original frame was modified")
	}
	if !msg.Flags.Has(FlagRetransmit | FlagRequiresAck) {
		t.Fatalf("flags = %#x, want retransmit|requires-ack", msg.Flags)
	}
	if msg.RequestID != 99 || !bytes.Equal(msg.Payload, orig.Payload) {
		t.Fatalf("retransmission changed request id or payload")
	}
}

func TestAckFrame(t *testing.T) {
	msg, err := Decode(Ack(Header{Type: TypeBidReq, RequestID: 12, Flags: FlagRequiresAck}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != TypeBidReq || msg.RequestID != 12 || msg.Flags != FlagIsAck || len(msg.Payload) != 0 {
		t.Fatalf("unexpected ack: %#v", msg)
	}
}
