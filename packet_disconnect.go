package mqttv5

import "fmt"

// DisconnectPacket ends a connection, from either side.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketDISCONNECT.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Validate checks the packet.
func (p *DisconnectPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketDISCONNECT) {
		return fmt.Errorf("DISCONNECT: invalid %s", p.ReasonCode)
	}
	return nil
}

func (p *DisconnectPacket) encodeBody(w *packetWriter) byte {
	if p.ReasonCode == ReasonSuccess && p.Props.Len() == 0 {
		return 0
	}
	w.putByte(byte(p.ReasonCode))
	if p.Props.Len() > 0 {
		w.putProperties(&p.Props, PacketDISCONNECT)
	}
	return 0
}

func (p *DisconnectPacket) decodeBody(r *packetReader, _ byte) error {
	if r.remaining() == 0 {
		p.ReasonCode = ReasonSuccess
		return nil
	}
	code, err := r.readByte()
	if err != nil {
		return err
	}
	p.ReasonCode = ReasonCode(code)
	if r.remaining() == 0 {
		return nil
	}
	p.Props, err = r.readProperties(PacketDISCONNECT)
	return err
}

// AuthPacket carries enhanced authentication exchanges.
type AuthPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns PacketAUTH.
func (p *AuthPacket) Type() PacketType { return PacketAUTH }

// Validate checks the packet.
func (p *AuthPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketAUTH) {
		return fmt.Errorf("AUTH: invalid %s", p.ReasonCode)
	}
	return nil
}

func (p *AuthPacket) encodeBody(w *packetWriter) byte {
	if p.ReasonCode == ReasonSuccess && p.Props.Len() == 0 {
		return 0
	}
	w.putByte(byte(p.ReasonCode))
	w.putProperties(&p.Props, PacketAUTH)
	return 0
}

func (p *AuthPacket) decodeBody(r *packetReader, _ byte) error {
	if r.remaining() == 0 {
		p.ReasonCode = ReasonSuccess
		return nil
	}
	code, err := r.readByte()
	if err != nil {
		return err
	}
	p.ReasonCode = ReasonCode(code)
	if r.remaining() == 0 {
		return nil
	}
	p.Props, err = r.readProperties(PacketAUTH)
	return err
}
