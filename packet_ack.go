package mqttv5

import "fmt"

// ackFields is the shared body of PUBACK, PUBREC, PUBREL and PUBCOMP.
type ackFields struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

func (a *ackFields) validate(t PacketType) error {
	if a.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if !a.ReasonCode.ValidFor(t) {
		return fmt.Errorf("%s: invalid %s", t, a.ReasonCode)
	}
	return nil
}

// encode omits the reason code and properties when both are defaults.
func (a *ackFields) encode(w *packetWriter, t PacketType) {
	w.putUint16(a.PacketID)
	if a.ReasonCode == ReasonSuccess && a.Props.Len() == 0 {
		return
	}
	w.putByte(byte(a.ReasonCode))
	if a.Props.Len() > 0 {
		w.putProperties(&a.Props, t)
	}
}

func (a *ackFields) decode(r *packetReader, t PacketType) error {
	var err error
	if a.PacketID, err = r.readUint16(); err != nil {
		return err
	}
	if a.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if r.remaining() == 0 {
		a.ReasonCode = ReasonSuccess
		return nil
	}
	code, err := r.readByte()
	if err != nil {
		return err
	}
	a.ReasonCode = ReasonCode(code)
	if r.remaining() == 0 {
		return nil
	}
	a.Props, err = r.readProperties(t)
	return err
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ ackFields }

// PubrecPacket is the first acknowledgment of a QoS 2 PUBLISH.
type PubrecPacket struct{ ackFields }

// PubrelPacket releases a QoS 2 packet identifier.
type PubrelPacket struct{ ackFields }

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct{ ackFields }

func (p *PubackPacket) Type() PacketType  { return PacketPUBACK }
func (p *PubrecPacket) Type() PacketType  { return PacketPUBREC }
func (p *PubrelPacket) Type() PacketType  { return PacketPUBREL }
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

func (p *PubackPacket) ID() uint16  { return p.PacketID }
func (p *PubrecPacket) ID() uint16  { return p.PacketID }
func (p *PubrelPacket) ID() uint16  { return p.PacketID }
func (p *PubcompPacket) ID() uint16 { return p.PacketID }

func (p *PubackPacket) Validate() error  { return p.validate(PacketPUBACK) }
func (p *PubrecPacket) Validate() error  { return p.validate(PacketPUBREC) }
func (p *PubrelPacket) Validate() error  { return p.validate(PacketPUBREL) }
func (p *PubcompPacket) Validate() error { return p.validate(PacketPUBCOMP) }

func (p *PubackPacket) encodeBody(w *packetWriter) byte {
	p.encode(w, PacketPUBACK)
	return 0
}

func (p *PubrecPacket) encodeBody(w *packetWriter) byte {
	p.encode(w, PacketPUBREC)
	return 0
}

func (p *PubrelPacket) encodeBody(w *packetWriter) byte {
	p.encode(w, PacketPUBREL)
	return 0x02
}

func (p *PubcompPacket) encodeBody(w *packetWriter) byte {
	p.encode(w, PacketPUBCOMP)
	return 0
}

func (p *PubackPacket) decodeBody(r *packetReader, _ byte) error  { return p.decode(r, PacketPUBACK) }
func (p *PubrecPacket) decodeBody(r *packetReader, _ byte) error  { return p.decode(r, PacketPUBREC) }
func (p *PubrelPacket) decodeBody(r *packetReader, _ byte) error  { return p.decode(r, PacketPUBREL) }
func (p *PubcompPacket) decodeBody(r *packetReader, _ byte) error { return p.decode(r, PacketPUBCOMP) }
