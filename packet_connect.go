package mqttv5

import (
	"errors"
	"fmt"
)

const (
	protocolName    = "MQTT"
	protocolVersion = 5
)

const (
	connectFlagReserved   = 0x01
	connectFlagCleanStart = 0x02
	connectFlagWill       = 0x04
	connectFlagWillQoS    = 0x18
	connectFlagWillRetain = 0x20
	connectFlagPassword   = 0x40
	connectFlagUsername   = 0x80
)

// CONNECT errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrInvalidQoS             = errors.New("QoS must be 0, 1 or 2")
)

// WillMessage is published by the server when the connection ends without
// a normal DISCONNECT.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Props   Properties
}

// ConnectPacket opens a session.
type ConnectPacket struct {
	ClientID   string
	CleanStart bool
	KeepAlive  uint16
	Username   string
	Password   []byte
	Will       *WillMessage
	Props      Properties
}

// Type returns PacketCONNECT.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

// Validate checks the packet.
func (p *ConnectPacket) Validate() error {
	if p.Will != nil {
		if p.Will.QoS > 2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(p.Will.Topic); err != nil {
			return fmt.Errorf("will topic: %w", err)
		}
	}
	return validateString(p.ClientID)
}

func (p *ConnectPacket) flags() byte {
	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.Will != nil {
		flags |= connectFlagWill | p.Will.QoS<<3
		if p.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if p.Password != nil {
		flags |= connectFlagPassword
	}
	return flags
}

func (p *ConnectPacket) encodeBody(w *packetWriter) byte {
	w.putString(protocolName)
	w.putByte(protocolVersion)
	w.putByte(p.flags())
	w.putUint16(p.KeepAlive)
	w.putProperties(&p.Props, PacketCONNECT)

	w.putString(p.ClientID)
	if p.Will != nil {
		w.putProperties(&p.Will.Props, propContextWill)
		w.putString(p.Will.Topic)
		w.putBinary(p.Will.Payload)
	}
	if p.Username != "" {
		w.putString(p.Username)
	}
	if p.Password != nil {
		w.putBinary(p.Password)
	}
	return 0
}

func (p *ConnectPacket) decodeBody(r *packetReader, _ byte) error {
	name, err := r.readString()
	if err != nil {
		return err
	}
	if name != protocolName {
		return ErrInvalidProtocolName
	}
	version, err := r.readByte()
	if err != nil {
		return err
	}
	if version != protocolVersion {
		return ErrInvalidProtocolVersion
	}
	flags, err := r.readByte()
	if err != nil {
		return err
	}
	if flags&connectFlagReserved != 0 {
		return ErrInvalidConnectFlags
	}
	willQoS := (flags & connectFlagWillQoS) >> 3
	if flags&connectFlagWill == 0 && (willQoS != 0 || flags&connectFlagWillRetain != 0) {
		return ErrInvalidConnectFlags
	}
	if willQoS > 2 {
		return ErrInvalidConnectFlags
	}
	p.CleanStart = flags&connectFlagCleanStart != 0

	if p.KeepAlive, err = r.readUint16(); err != nil {
		return err
	}
	if p.Props, err = r.readProperties(PacketCONNECT); err != nil {
		return err
	}
	if p.ClientID, err = r.readString(); err != nil {
		return err
	}

	if flags&connectFlagWill != 0 {
		will := &WillMessage{QoS: willQoS, Retain: flags&connectFlagWillRetain != 0}
		if will.Props, err = r.readProperties(propContextWill); err != nil {
			return err
		}
		if will.Topic, err = r.readString(); err != nil {
			return err
		}
		if will.Payload, err = r.readBinary(); err != nil {
			return err
		}
		p.Will = will
	}
	if flags&connectFlagUsername != 0 {
		if p.Username, err = r.readString(); err != nil {
			return err
		}
	}
	if flags&connectFlagPassword != 0 {
		if p.Password, err = r.readBinary(); err != nil {
			return err
		}
	}
	return nil
}
