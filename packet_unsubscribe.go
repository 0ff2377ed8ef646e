package mqttv5

import "fmt"

// UnsubscribePacket removes subscriptions.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
	Props        Properties
}

// Type returns PacketUNSUBSCRIBE.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// ID returns the packet identifier.
func (p *UnsubscribePacket) ID() uint16 { return p.PacketID }

// Validate checks the packet.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.TopicFilters) == 0 {
		return ErrNoTopicFilters
	}
	for _, f := range p.TopicFilters {
		if err := ValidateTopicFilter(f); err != nil {
			return fmt.Errorf("%q: %w", f, err)
		}
	}
	return nil
}

func (p *UnsubscribePacket) encodeBody(w *packetWriter) byte {
	w.putUint16(p.PacketID)
	w.putProperties(&p.Props, PacketUNSUBSCRIBE)
	for _, f := range p.TopicFilters {
		w.putString(f)
	}
	return 0x02
}

func (p *UnsubscribePacket) decodeBody(r *packetReader, _ byte) error {
	var err error
	if p.PacketID, err = r.readUint16(); err != nil {
		return err
	}
	if p.Props, err = r.readProperties(PacketUNSUBSCRIBE); err != nil {
		return err
	}
	for r.remaining() > 0 {
		f, err := r.readString()
		if err != nil {
			return err
		}
		p.TopicFilters = append(p.TopicFilters, f)
	}
	if len(p.TopicFilters) == 0 {
		return ErrNoTopicFilters
	}
	return nil
}

// UnsubackPacket answers UNSUBSCRIBE with one reason code per filter.
type UnsubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Props       Properties
}

// Type returns PacketUNSUBACK.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// ID returns the packet identifier.
func (p *UnsubackPacket) ID() uint16 { return p.PacketID }

// Validate checks the packet.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return validateReasonList(PacketUNSUBACK, p.ReasonCodes)
}

func (p *UnsubackPacket) encodeBody(w *packetWriter) byte {
	encodeReasonList(w, PacketUNSUBACK, p.PacketID, &p.Props, p.ReasonCodes)
	return 0
}

func (p *UnsubackPacket) decodeBody(r *packetReader, _ byte) error {
	var err error
	p.PacketID, p.Props, p.ReasonCodes, err = decodeReasonList(r, PacketUNSUBACK)
	return err
}
