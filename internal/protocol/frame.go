package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	// Version is the only protocol version this codec speaks.
	Version uint8 = 0x01

	// HeaderLen is the fixed on-wire header size:
	// version(1) type(1) flags(2) request_id(4) timestamp(8) payload_length(4).
	HeaderLen = 20

	// DefaultMaxPayload bounds the payload of a single frame.
	DefaultMaxPayload = 2048
)

// Encode serializes one frame stamped with the current time. It fails with
// ErrPayloadTooLarge if payload exceeds DefaultMaxPayload.
func Encode(typ Type, flags Flags, requestID uint32, payload []byte) ([]byte, error) {
	return EncodeHeader(Header{
		Type:      typ,
		Flags:     flags,
		RequestID: requestID,
		Timestamp: nowMS(),
	}, payload)
}

// EncodeHeader serializes h and payload. Version and Length are derived, the
// values in h are ignored.
func EncodeHeader(h Header, payload []byte) ([]byte, error) {
	return encodeFrame(h, payload, DefaultMaxPayload)
}

// Decode parses exactly one frame from b. The declared payload length must
// match the bytes following the header.
func Decode(b []byte) (Message, error) {
	return decodeFrame(b, DefaultMaxPayload)
}

// MarkRetransmission returns a copy of a serialized frame with the
// retransmission flag set.
func MarkRetransmission(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	if len(out) < HeaderLen {
		return out
	}
	flags := binary.BigEndian.Uint16(out[2:4])
	binary.BigEndian.PutUint16(out[2:4], flags|uint16(FlagRetransmit))
	return out
}

// Ack builds the zero-payload acknowledgment for a received header.
func Ack(h Header) []byte {
	frame, _ := encodeFrame(Header{
		Type:      h.Type,
		Flags:     FlagIsAck,
		RequestID: h.RequestID,
		Timestamp: nowMS(),
	}, nil, DefaultMaxPayload)
	return frame
}

func nowMS() uint64 { return uint64(time.Now().UnixMilli()) }

func encodeFrame(h Header, payload []byte, maxPayload int) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, errors.Join(ErrProtocol, ErrPayloadTooLarge)
	}
	buf := make([]byte, HeaderLen+len(payload))
	h.Version = Version
	h.Length = uint32(len(payload))
	putHeader(buf[:HeaderLen], h)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

func decodeFrame(b []byte, maxPayload int) (Message, error) {
	if len(b) < HeaderLen {
		return Message{}, errors.Join(ErrProtocol, ErrMalformedHeader)
	}
	h, err := parseHeader(b[:HeaderLen], maxPayload)
	if err != nil {
		return Message{}, err
	}
	rest := b[HeaderLen:]
	switch {
	case uint64(h.Length) > uint64(len(rest)):
		return Message{}, errors.Join(ErrProtocol, ErrTruncated)
	case uint64(h.Length) < uint64(len(rest)):
		return Message{}, errors.Join(ErrProtocol, ErrTrailingBytes)
	}

	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		copy(payload, rest)
	}
	return Message{Header: h, Payload: payload}, nil
}

func putHeader(hdr []byte, h Header) {
	hdr[0] = h.Version
	hdr[1] = byte(h.Type)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint32(hdr[4:8], h.RequestID)
	binary.BigEndian.PutUint64(hdr[8:16], h.Timestamp)
	binary.BigEndian.PutUint32(hdr[16:20], h.Length)
}

func parseHeader(hdr []byte, maxPayload int) (Header, error) {
	if hdr[0] != Version {
		return Header{}, errors.Join(ErrProtocol, ErrBadVersion)
	}

	typ := Type(hdr[1])
	if !typ.IsKnown() {
		return Header{}, errors.Join(ErrProtocol, ErrUnknownType)
	}

	flags := Flags(binary.BigEndian.Uint16(hdr[2:4]))
	if flags&^knownFlags != 0 {
		return Header{}, errors.Join(ErrProtocol, ErrInvalidFlags)
	}

	h := Header{
		Version:   hdr[0],
		Type:      typ,
		Flags:     flags,
		RequestID: binary.BigEndian.Uint32(hdr[4:8]),
		Timestamp: binary.BigEndian.Uint64(hdr[8:16]),
		Length:    binary.BigEndian.Uint32(hdr[16:20]),
	}
	if uint64(h.Length) > uint64(maxPayload) {
		return Header{}, errors.Join(ErrProtocol, ErrPayloadTooLarge)
	}
	return h, nil
}

func writeFrameTo(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// decodeFrameFrom reads one frame. A short read of the header returns the
// underlying I/O error unchanged (io.EOF on a clean close); a short read of
// the declared payload is a protocol violation.
func decodeFrameFrom(r io.Reader, maxPayload int) (Message, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	h, err := parseHeader(hdr[:], maxPayload)
	if err != nil {
		return Message{}, err
	}

	var payload []byte
	if h.Length > 0 {
		payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, errors.Join(ErrProtocol, ErrTruncated, err)
		}
	}

	return Message{Header: h, Payload: payload}, nil
}
