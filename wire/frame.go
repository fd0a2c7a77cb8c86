package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed control-channel frame header: a 16-bit message
// type followed by a 32-bit payload length, both big-endian.
const HeaderSize = 6

// MaxPayloadSize bounds a single control frame to guard against a
// malicious or corrupt length field forcing an unbounded allocation.
const MaxPayloadSize = 8 * 1024 * 1024

// WriteHeader writes a frame header for a payload of the given length.
func WriteHeader(w io.Writer, typ MessageType, length uint32) error {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(typ))
	binary.BigEndian.PutUint32(hdr[2:6], length)
	_, err := w.Write(hdr[:])
	return err
}

// ReadHeader reads and parses a frame header, rejecting an implausibly
// large payload length before the caller allocates a buffer for it.
func ReadHeader(r io.Reader) (MessageType, uint32, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	typ := MessageType(binary.BigEndian.Uint16(hdr[0:2]))
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("wire: frame payload of %d bytes exceeds %d byte limit", length, MaxPayloadSize)
	}
	return typ, length, nil
}

// WriteFrame writes a complete header+payload frame for msg, encoded with
// codec.
func WriteFrame(w io.Writer, codec Codec, msg any) error {
	typ, err := TypeOf(msg)
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal %s: %w", typ, err)
	}
	if err := WriteHeader(w, typ, uint32(len(payload))); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one complete header+payload frame and decodes it via
// codec into the message type registered for its MessageType.
func ReadFrame(r io.Reader, codec Codec) (MessageType, any, error) {
	typ, length, err := ReadHeader(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	msg, err := codec.Unmarshal(payload, typ)
	if err != nil {
		return typ, nil, fmt.Errorf("wire: unmarshal %s: %w", typ, err)
	}
	return typ, msg, nil
}
