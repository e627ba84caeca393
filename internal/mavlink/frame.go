package mavlink

import (
	"encoding/binary"
	"errors"
	"io"
)

// Wire markers for the two MAVLink frame versions.
const (
	markerV2 = 0xFD
	markerV1 = 0xFE

	signatureFlag   = 0x01
	signatureLength = 13
)

// ErrShortFrame is returned when the stream ends mid-frame.
var ErrShortFrame = errors.New("mavlink: stream ended mid-frame")

// ReadFrame scans r for one complete MAVLink frame and returns its raw
// bytes, start marker included. It resynchronizes after arbitrary
// mid-stream joins by scanning one byte at a time for a start marker,
// exactly as spec'd: TCP carries no record boundary of its own.
//
// Only the v2 marker is actively scanned for, per spec — v1 frames are a
// decode-time fallback (see Decode), not something this scanner looks for
// on the wire.
func ReadFrame(r io.Reader) ([]byte, error) {
	var marker [1]byte
	for {
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			return nil, err
		}
		if marker[0] == markerV2 {
			return readV2Frame(r, marker[0])
		}
	}
}

// readV2Frame reads the remainder of a v2 frame after the start marker has
// already been consumed.
func readV2Frame(r io.Reader, startMarker byte) ([]byte, error) {
	// payload_length, incompat_flags, compat_flags, seq, sysid, compid,
	// msgid (3 bytes LE) = 9 bytes.
	head := make([]byte, 9)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, errOrShort(err)
	}

	payloadLen := int(head[0])
	incompatFlags := head[1]

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errOrShort(err)
		}
	}

	trailer := make([]byte, 2)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, errOrShort(err)
	}

	var signature []byte
	if incompatFlags&signatureFlag != 0 {
		signature = make([]byte, signatureLength)
		if _, err := io.ReadFull(r, signature); err != nil {
			return nil, errOrShort(err)
		}
	}

	frame := make([]byte, 0, 1+len(head)+len(payload)+len(trailer)+len(signature))
	frame = append(frame, startMarker)
	frame = append(frame, head...)
	frame = append(frame, payload...)
	frame = append(frame, trailer...)
	frame = append(frame, signature...)
	return frame, nil
}

func errOrShort(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortFrame
	}
	return err
}

// messageIDFromV2Header extracts the 24-bit little-endian message id
// embedded in a v2 header.
func messageIDFromV2Header(b0, b1, b2 byte) uint32 {
	buf := [4]byte{b0, b1, b2, 0}
	return binary.LittleEndian.Uint32(buf[:])
}
