package mqttv5

import "fmt"

// ConnackPacket is the server's answer to CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

// Type returns PacketCONNACK.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// Validate checks the packet.
func (p *ConnackPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketCONNACK) {
		return fmt.Errorf("CONNACK: invalid %s", p.ReasonCode)
	}
	if p.SessionPresent && p.ReasonCode.IsError() {
		return fmt.Errorf("CONNACK: session present with error reason")
	}
	return nil
}

func (p *ConnackPacket) encodeBody(w *packetWriter) byte {
	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	w.putByte(ack)
	w.putByte(byte(p.ReasonCode))
	w.putProperties(&p.Props, PacketCONNACK)
	return 0
}

func (p *ConnackPacket) decodeBody(r *packetReader, _ byte) error {
	ack, err := r.readByte()
	if err != nil {
		return err
	}
	if ack&0xFE != 0 {
		return fmt.Errorf("CONNACK: reserved acknowledge flags %#x", ack)
	}
	p.SessionPresent = ack&0x01 != 0

	code, err := r.readByte()
	if err != nil {
		return err
	}
	p.ReasonCode = ReasonCode(code)

	p.Props, err = r.readProperties(PacketCONNACK)
	return err
}
