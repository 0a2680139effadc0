// Package tunnel implements the multiplexed port-forwarding protocol that
// carries TCP/UDP traffic to and from a container without Docker port
// mapping: an in-container client dials out over one persistent WebSocket
// to the Runner, and the Host proxies local listeners over it.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 8

// PingInterval is how often the in-container client sends a PING to its
// Runner. PongTimeout is how long a tunnel may go without any frame before
// it is considered dead (spec §5: 2x the ping interval).
const (
	PingInterval = 15 * time.Second
	PongTimeout  = 2 * PingInterval
)

// Type identifies the kind of a tunnel frame.
type Type uint8

const (
	TypeConnect   Type = 1 // Runner -> container: open a new forwarded stream
	TypeConnected Type = 2 // container -> Runner: stream accepted and ready
	TypeData      Type = 3 // either direction: payload bytes for client_id
	TypeClose     Type = 4 // either direction: half-close/teardown of client_id
	TypeError     Type = 5 // either direction: client_id failed, payload is a message
	TypePing      Type = 6 // keepalive
	TypePong      Type = 7 // keepalive reply
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnected:
		return "CONNECTED"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypeError:
		return "ERROR"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Proto identifies the transport protocol a CONNECT frame is requesting.
type Proto uint8

const (
	ProtoTCP Proto = 1
	ProtoUDP Proto = 2
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Frame is one tunnel protocol message: an 8-byte header followed by an
// opaque payload. One WebSocket binary message carries exactly one Frame.
type Frame struct {
	Type     Type
	Proto    Proto
	ClientID uint32 // identifies one multiplexed stream within the tunnel
	Port     uint16 // target port, meaningful on CONNECT only
	Payload  []byte
}

// Encode serializes f into the wire format: type(1) | proto(1) |
// client_id(4) | port(2) | payload, all integers big-endian.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = byte(f.Proto)
	binary.BigEndian.PutUint32(buf[2:6], f.ClientID)
	binary.BigEndian.PutUint16(buf[6:8], f.Port)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a wire-format message back into a Frame. The returned
// Frame's Payload aliases buf; callers that retain it across reuse of buf
// must copy it first.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("tunnel: frame too short: %d bytes, need at least %d", len(buf), HeaderSize)
	}
	f := Frame{
		Type:     Type(buf[0]),
		Proto:    Proto(buf[1]),
		ClientID: binary.BigEndian.Uint32(buf[2:6]),
		Port:     binary.BigEndian.Uint16(buf[6:8]),
	}
	if len(buf) > HeaderSize {
		f.Payload = buf[HeaderSize:]
	}
	return f, nil
}
