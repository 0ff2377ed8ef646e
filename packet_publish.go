package mqttv5

import (
	"errors"
	"fmt"
)

// ErrPacketIDRequired is returned for QoS 1/2 packets without identifier.
var ErrPacketIDRequired = errors.New("packet identifier required")

// PublishPacket carries an application message.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
	Props    Properties
}

// Type returns PacketPUBLISH.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// ID returns the packet identifier.
func (p *PublishPacket) ID() uint16 { return p.PacketID }

// Validate checks the packet.
func (p *PublishPacket) Validate() error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if p.QoS == 0 && (p.DUP || p.PacketID != 0) {
		return fmt.Errorf("PUBLISH: QoS 0 with DUP or packet identifier")
	}
	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return ValidateTopicName(p.Topic)
}

func (p *PublishPacket) encodeBody(w *packetWriter) byte {
	w.putString(p.Topic)
	if p.QoS > 0 {
		w.putUint16(p.PacketID)
	}
	w.putProperties(&p.Props, PacketPUBLISH)
	w.putRaw(p.Payload)

	flags := p.QoS << 1
	if p.DUP {
		flags |= publishFlagDUP
	}
	if p.Retain {
		flags |= publishFlagRetain
	}
	return flags
}

func (p *PublishPacket) decodeBody(r *packetReader, flags byte) error {
	p.QoS = (flags & publishFlagQoS) >> 1
	p.DUP = flags&publishFlagDUP != 0
	p.Retain = flags&publishFlagRetain != 0

	var err error
	if p.Topic, err = r.readString(); err != nil {
		return err
	}
	if p.QoS > 0 {
		if p.PacketID, err = r.readUint16(); err != nil {
			return err
		}
		if p.PacketID == 0 {
			return ErrPacketIDRequired
		}
	}
	if p.Props, err = r.readProperties(PacketPUBLISH); err != nil {
		return err
	}
	p.Payload = r.rest()
	return nil
}

// Message converts the packet into the message handed to handlers.
func (p *PublishPacket) Message() *Message {
	m := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
		PacketID:  p.PacketID,
	}
	m.fromProperties(&p.Props)
	return m
}

func newPublishPacket(m *Message, packetID uint16) *PublishPacket {
	return &PublishPacket{
		Topic:    m.Topic,
		Payload:  m.Payload,
		QoS:      m.QoS,
		Retain:   m.Retain,
		PacketID: packetID,
		Props:    m.properties(),
	}
}
