// Package mavlink implements the wire-level pieces the proxy needs: frame
// scanning over a byte stream, decode/encode of dialect messages (via
// gomavlib's own per-message codec), and a reflection-based structured tree
// used for generic field access, rule conditions, and script interop.
package mavlink

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/message"
)

// Header is the MAVLink v2 envelope preserved intact across Modify.
type Header struct {
	SystemID    uint8
	ComponentID uint8
	Sequence    uint8
	MessageID   uint32
}

// Message is any typed MAVLink message the Catalog knows how to encode,
// decode, and describe structurally. Every value a Catalog hands out is a
// *dialectMessage wrapping a real gomavlib dialect message.
type Message interface {
	// ID returns the MAVLink message id.
	ID() uint32
	// Name returns the dialect-style variant name, e.g. "HEARTBEAT".
	Name() string
}

// RawMessage is the subset of a gomavlib-generated dialect message this
// proxy drives directly: each message type a dialect.Dialect registers
// implements its own Decode/Encode (gomavlib generates per-message codec
// rather than one generic marshaler), so that is exactly what Catalog
// calls instead of hand-rolling a field-by-field encoder.
type RawMessage interface {
	message.Message
	Decode(payload []byte) error
	Encode() ([]byte, error)
}

// dialectMessage adapts a gomavlib dialect message to Message, caching the
// id/name pair a Catalog already resolved so callers never re-derive it.
type dialectMessage struct {
	RawMessage
	id   uint32
	name string
}

func (d *dialectMessage) ID() uint32   { return d.id }
func (d *dialectMessage) Name() string { return d.name }

// crcExtra holds the MAVLink CRC_EXTRA byte for every message this proxy
// ever builds and encodes itself — synthesized acks (§4.4) and Modify
// targets (§4.7) — rather than merely relays untouched. CRC_EXTRA is a
// per-message-type wire property, not something decoded off an instance,
// so a small table keyed by the common.xml-defined constants is the right
// shape here regardless of which dialect actually supplied the message.
var crcExtra = map[uint32]uint8{
	IDHeartbeat:                 50,
	IDCommandLong:               152,
	IDCommandAck:                143,
	IDParamRequestRead:          214,
	IDParamValue:                220,
	IDGlobalPositionInt:         104,
	IDStatustext:                83,
	IDMissionItemInt:            38,
	IDSetPositionTargetLocalNed: 143,
}

// Message id constants for the handful of message types this proxy
// synthesizes itself. Everything else it only ever relays flows through
// Catalog by whatever id the loaded dialect assigns it.
const (
	IDHeartbeat                 = 0
	IDCommandLong               = 76
	IDCommandAck                = 77
	IDParamRequestRead          = 20
	IDParamValue                = 22
	IDGlobalPositionInt         = 33
	IDStatustext                = 253
	IDMissionItemInt            = 73
	IDSetPositionTargetLocalNed = 84
)

// CRCExtra returns the CRC_EXTRA byte for a message id, or 0 if this proxy
// never itself encodes that message type.
func CRCExtra(id uint32) uint8 {
	return crcExtra[id]
}

// Catalog resolves MAVLink messages against a loaded gomavlib dialect
// (config.MAVLinkConfig.Dialect): New/NewByID hand back a fresh instance of
// whatever Go type the dialect registers for that name/id, and Wrap adapts
// a message struct a caller already built (a modifier's FromStructured
// target, a test fixture) the same way.
type Catalog struct {
	dialect *dialect.Dialect
	byName  map[string]uint32
}

// NewCatalog builds a Catalog over a resolved gomavlib dialect.
func NewCatalog(d *dialect.Dialect) *Catalog {
	c := &Catalog{dialect: d, byName: make(map[string]uint32, len(d.Messages))}
	for id, proto := range d.Messages {
		c.byName[nameOf(proto)] = id
	}
	return c
}

// nameOf derives a dialect-style name ("HEARTBEAT") from a generated
// message type's Go name ("MessageHeartbeat").
func nameOf(proto message.Message) string {
	t := reflect.TypeOf(proto)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return camelToUpperSnake(strings.TrimPrefix(t.Name(), "Message"))
}

func camelToUpperSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// New allocates a fresh, zeroed message for the given dialect variant name.
func (c *Catalog) New(name string) (Message, error) {
	id, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("mavlink: unknown message type %q", name)
	}
	return c.NewByID(id)
}

// NewByID allocates a fresh, zeroed message for the given message id.
func (c *Catalog) NewByID(id uint32) (Message, error) {
	proto, ok := c.dialect.Messages[id]
	if !ok {
		return nil, fmt.Errorf("mavlink: unknown message id %d", id)
	}
	t := reflect.TypeOf(proto)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	fresh, ok := reflect.New(t).Interface().(RawMessage)
	if !ok {
		return nil, fmt.Errorf("mavlink: message id %d does not implement Decode/Encode", id)
	}
	return &dialectMessage{RawMessage: fresh, id: id, name: nameOf(proto)}, nil
}

// Wrap adapts an already-constructed gomavlib dialect message into a
// Message, resolving its id/name against this catalog's dialect.
func (c *Catalog) Wrap(msg RawMessage) Message {
	return &dialectMessage{RawMessage: msg, id: msg.GetID(), name: nameOf(msg)}
}

// Decode resolves the dialect entry for id and decodes payload into a
// fresh typed message, delegating the per-message wire format entirely to
// gomavlib.
func (c *Catalog) Decode(id uint32, payload []byte) (Message, error) {
	msg, err := c.NewByID(id)
	if err != nil {
		return nil, err
	}
	dm := msg.(*dialectMessage)
	if err := dm.RawMessage.Decode(payload); err != nil {
		return nil, fmt.Errorf("mavlink: decode message id %d: %w", id, err)
	}
	return msg, nil
}

// Encode serializes msg's fields back to wire payload bytes via its
// dialect-provided Encode.
func (c *Catalog) Encode(msg Message) ([]byte, error) {
	dm, ok := msg.(*dialectMessage)
	if !ok {
		return nil, fmt.Errorf("mavlink: %T is not a catalog message", msg)
	}
	return dm.RawMessage.Encode()
}
