package mavlink

import (
	"encoding/binary"
	"fmt"
)

// Codec decodes and encodes frames against a dialect-backed Catalog. It
// owns only the v2/v1 frame envelope (length, header fields, checksum);
// the payload itself is always decoded/encoded through the catalog's
// gomavlib dialect.
type Codec struct {
	catalog *Catalog
}

// NewCodec builds a Codec over the given catalog.
func NewCodec(catalog *Catalog) *Codec {
	return &Codec{catalog: catalog}
}

// Decode parses a raw frame (as returned by ReadFrame) into a header and a
// typed message. It tries the v2 layout first and falls back to v1 — the
// v1 path is best-effort per spec, exercised only when a stream is not
// actually all-v2.
func (c *Codec) Decode(frame []byte) (Header, Message, error) {
	if len(frame) == 0 {
		return Header{}, nil, fmt.Errorf("mavlink: empty frame")
	}
	switch frame[0] {
	case markerV2:
		return c.decodeV2(frame)
	case markerV1:
		return c.decodeV1(frame)
	default:
		return Header{}, nil, fmt.Errorf("mavlink: unknown start marker 0x%02x", frame[0])
	}
}

func (c *Codec) decodeV2(frame []byte) (Header, Message, error) {
	if len(frame) < 10 {
		return Header{}, nil, fmt.Errorf("mavlink: v2 frame too short")
	}
	payloadLen := int(frame[1])
	seq := frame[4]
	sysID := frame[5]
	compID := frame[6]
	msgID := messageIDFromV2Header(frame[7], frame[8], frame[9])

	if len(frame) < 10+payloadLen+2 {
		return Header{}, nil, fmt.Errorf("mavlink: v2 frame truncated")
	}
	payload := frame[10 : 10+payloadLen]

	msg, err := c.catalog.Decode(msgID, payload)
	if err != nil {
		return Header{}, nil, err
	}

	header := Header{
		SystemID:    sysID,
		ComponentID: compID,
		Sequence:    seq,
		MessageID:   msgID,
	}
	return header, msg, nil
}

func (c *Codec) decodeV1(frame []byte) (Header, Message, error) {
	if len(frame) < 6 {
		return Header{}, nil, fmt.Errorf("mavlink: v1 frame too short")
	}
	payloadLen := int(frame[1])
	seq := frame[2]
	sysID := frame[3]
	compID := frame[4]
	msgID := uint32(frame[5])

	if len(frame) < 6+payloadLen+2 {
		return Header{}, nil, fmt.Errorf("mavlink: v1 frame truncated")
	}
	payload := frame[6 : 6+payloadLen]

	msg, err := c.catalog.Decode(msgID, payload)
	if err != nil {
		return Header{}, nil, err
	}

	header := Header{
		SystemID:    sysID,
		ComponentID: compID,
		Sequence:    seq,
		MessageID:   msgID,
	}
	return header, msg, nil
}

// Encode writes a v2 frame for the given header and message.
func (c *Codec) Encode(header Header, msg Message) ([]byte, error) {
	payload, err := c.catalog.Encode(msg)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 10, 10+len(payload)+2)
	frame[0] = markerV2
	frame[1] = byte(len(payload))
	frame[2] = 0 // incompat_flags
	frame[3] = 0 // compat_flags
	frame[4] = header.Sequence
	frame[5] = header.SystemID
	frame[6] = header.ComponentID
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], msg.ID())
	frame[7] = idBuf[0]
	frame[8] = idBuf[1]
	frame[9] = idBuf[2]
	frame = append(frame, payload...)

	crc := checksum(frame[1:], CRCExtra(msg.ID()))
	var crcBuf [2]byte
	binary.LittleEndian.PutUint16(crcBuf[:], crc)
	frame = append(frame, crcBuf[:]...)

	return frame, nil
}
