// Package rudp implements a reliable, connection-oriented transport layered
// on top of an unreliable datagram (UDP) service. It provides both a
// Stop-and-Wait and a Go-Back-N sliding-window reliability strategy behind
// the same connect/bind/listen/accept/send/recv/close surface.
package rudp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size, in bytes, of a Packet's header.
const HeaderLen = 12

// MaxPacketSize is the largest datagram this package will ever send or
// accept. MaxPayloadSize is what's left for the application after the
// header.
const (
	MaxPacketSize  = 1500
	MaxPayloadSize = MaxPacketSize - HeaderLen
)

// Flag bits, MSB first, in the order (SYN, ACK, FIN, PSH).
const (
	flagSYN uint32 = 1 << 3
	flagACK uint32 = 1 << 2
	flagFIN uint32 = 1 << 1
	flagPSH uint32 = 1 << 0
)

// Canonical flag combinations. DATA is ACK|PSH and is only a DATA packet
// when it additionally carries a non-empty payload; a PSH-only combination
// is not defined and is treated as malformed.
const (
	FlagsSYN    = flagSYN
	FlagsSYNACK = flagSYN | flagACK
	FlagsACK    = flagACK
	FlagsFIN    = flagFIN
	FlagsFINACK = flagFIN | flagACK
	FlagsDATA   = flagACK | flagPSH
)

// ErrMalformedPacket is returned by Decode when the input is shorter than
// HeaderLen or carries the undefined PSH-only flag combination. Callers are expected to silently drop such input rather than
// surface the error further.
var ErrMalformedPacket = errors.New("rudp: malformed packet")

// Packet is the on-wire unit of this protocol: a 12-byte header followed by
// an optional payload. SentAt is local bookkeeping only, used by the
// retransmission thread to decide when a packet has aged out; it never
// crosses the wire and is excluded from equality and encoding.
type Packet struct {
	Seq     uint32
	Ack     uint32
	Flags   uint32
	Payload []byte
	SentAt  int64 // UnixNano, set by the caller when the packet is (re)transmitted
}

// Syn builds the first leg of the three-way handshake.
func Syn() Packet { return Packet{Seq: 0, Ack: 0, Flags: FlagsSYN} }

// SynAck builds the second leg.
func SynAck() Packet { return Packet{Seq: 0, Ack: 0, Flags: FlagsSYNACK} }

// Ack builds a bare acknowledgement carrying seq as this side's current send
// sequence (the seq of its most recently assigned DATA) and ack as the cumulative ack of the peer's data.
func Ack(seq, ack uint32) Packet { return Packet{Seq: seq, Ack: ack, Flags: FlagsACK} }

// Data builds a DATA packet. payload must be non-empty for IsData to later
// recognize it as such.
func Data(seq, ack uint32, payload []byte) Packet {
	return Packet{Seq: seq, Ack: ack, Flags: FlagsDATA, Payload: payload}
}

// Fin builds the closing FIN.
func Fin() Packet { return Packet{Seq: 0, Ack: 0, Flags: FlagsFIN} }

// FinAck builds the reply to a FIN.
func FinAck() Packet { return Packet{Seq: 0, Ack: 0, Flags: FlagsFINACK} }

func (p Packet) IsSyn() bool    { return p.Flags == FlagsSYN }
func (p Packet) IsSynAck() bool { return p.Flags == FlagsSYNACK }
func (p Packet) IsAck() bool    { return p.Flags == FlagsACK }
func (p Packet) IsFin() bool    { return p.Flags == FlagsFIN }
func (p Packet) IsFinAck() bool { return p.Flags == FlagsFINACK }

// IsData requires both the exact DATA flag combination and a non-empty
// payload; ACK|PSH with no bytes attached is not a DATA packet.
func (p Packet) IsData() bool { return p.Flags == FlagsDATA && len(p.Payload) > 0 }

// Less orders packets by sequence number.
func (p Packet) Less(other Packet) bool { return p.Seq < other.Seq }

// Equal compares the four wire fields; SentAt is local-only and ignored.
func (p Packet) Equal(other Packet) bool {
	return p.Seq == other.Seq &&
		p.Ack == other.Ack &&
		p.Flags == other.Flags &&
		bytesEqual(p.Payload, other.Payload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode serializes the packet as three big-endian 32-bit words followed by
// the payload.
func (p Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint32(buf[4:8], p.Ack)
	binary.BigEndian.PutUint32(buf[8:12], p.Flags)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode is the exact inverse of Encode. Input shorter than HeaderLen, or
// with the PSH-only flag combination, is malformed and ErrMalformedPacket is
// returned; the payload slice aliases
// buf and must be copied by the caller if buf will be reused.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, ErrMalformedPacket
	}
	p := Packet{
		Seq:   binary.BigEndian.Uint32(buf[0:4]),
		Ack:   binary.BigEndian.Uint32(buf[4:8]),
		Flags: binary.BigEndian.Uint32(buf[8:12]),
	}
	if p.Flags == flagPSH {
		return Packet{}, ErrMalformedPacket
	}
	if len(buf) > HeaderLen {
		p.Payload = buf[HeaderLen:]
	}
	return p, nil
}
