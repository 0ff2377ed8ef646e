package mqttv5

import (
	"errors"
	"fmt"
)

// PacketType identifies an MQTT control packet.
type PacketType byte

// Control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
	PacketAUTH:        "AUTH",
}

// String returns the packet type name.
func (p PacketType) String() string {
	if !p.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", byte(p))
	}
	return packetTypeNames[p]
}

// Valid reports whether p is a defined control packet type.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// Fixed header errors.
var (
	ErrInvalidPacketType       = errors.New("invalid packet type")
	ErrInvalidPacketFlags      = errors.New("invalid packet flags")
	ErrRemainingLengthTooLarge = errors.New("remaining length too large")
	ErrRemainingLengthMismatch = errors.New("remaining length does not match frame size")
)

// Flag bits of the PUBLISH fixed header.
const (
	publishFlagRetain byte = 0x01
	publishFlagQoS    byte = 0x06
	publishFlagDUP    byte = 0x08
)

// FixedHeader is the first part of every control packet: the type and flags
// nibbles followed by the remaining length.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// appendTo appends the encoded header to dst.
func (h FixedHeader) appendTo(dst []byte) ([]byte, error) {
	if !h.PacketType.Valid() {
		return dst, ErrInvalidPacketType
	}
	dst = append(dst, byte(h.PacketType)<<4|h.Flags&0x0F)
	return appendVarint(dst, h.RemainingLength)
}

// parseFixedHeader reads a fixed header from the start of b and returns it
// together with the number of bytes it occupied.
func parseFixedHeader(b []byte) (FixedHeader, int, error) {
	var h FixedHeader
	if len(b) < 2 {
		return h, 0, ErrUnexpectedEOF
	}

	h.PacketType = PacketType(b[0] >> 4)
	h.Flags = b[0] & 0x0F
	if !h.PacketType.Valid() {
		return h, 1, ErrInvalidPacketType
	}

	length, n, err := decodeVarint(b[1:])
	if err != nil {
		return h, 1 + n, err
	}
	h.RemainingLength = length

	return h, 1 + n, nil
}

// Size returns the encoded size of the header in bytes.
func (h FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the reserved flag bits for the packet type.
func (h FixedHeader) ValidateFlags() error {
	switch h.PacketType {
	case PacketPUBLISH:
		qos := (h.Flags & publishFlagQoS) >> 1
		if qos > 2 {
			return fmt.Errorf("%w: PUBLISH QoS 3", ErrInvalidPacketFlags)
		}
		if qos == 0 && h.Flags&publishFlagDUP != 0 {
			return fmt.Errorf("%w: DUP set on QoS 0 PUBLISH", ErrInvalidPacketFlags)
		}
		return nil
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		if h.Flags != 0x02 {
			return fmt.Errorf("%w: %s flags %#x", ErrInvalidPacketFlags, h.PacketType, h.Flags)
		}
		return nil
	default:
		if !h.PacketType.Valid() {
			return ErrInvalidPacketType
		}
		if h.Flags != 0 {
			return fmt.Errorf("%w: %s flags %#x", ErrInvalidPacketFlags, h.PacketType, h.Flags)
		}
		return nil
	}
}
