package mqttv5

import (
	"errors"
	"fmt"
)

// SUBSCRIBE errors.
var (
	ErrNoSubscriptions     = errors.New("SUBSCRIBE carries no topic filters")
	ErrInvalidSubOptions   = errors.New("invalid subscription options")
	ErrReasonCountMismatch = errors.New("reason code count does not match request")
	ErrNoTopicFilters      = errors.New("UNSUBSCRIBE carries no topic filters")
)

const (
	subOptQoS            = 0x03
	subOptNoLocal        = 0x04
	subOptRetainAsPub    = 0x08
	subOptRetainHandling = 0x30
	subOptReserved       = 0xC0
)

// Subscription is one topic filter with its options.
type Subscription struct {
	TopicFilter       string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (s Subscription) options() byte {
	opts := s.QoS & subOptQoS
	if s.NoLocal {
		opts |= subOptNoLocal
	}
	if s.RetainAsPublished {
		opts |= subOptRetainAsPub
	}
	return opts | (s.RetainHandling&0x03)<<4
}

func (s Subscription) validate() error {
	if s.QoS > 2 || s.RetainHandling > 2 {
		return ErrInvalidSubOptions
	}
	return ValidateTopicFilter(s.TopicFilter)
}

// SubscribePacket requests one or more subscriptions. SubscriptionID, when
// non-zero, is attached to every filter of the request.
type SubscribePacket struct {
	PacketID       uint16
	Subscriptions  []Subscription
	SubscriptionID uint32
	Props          Properties
}

// Type returns PacketSUBSCRIBE.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// ID returns the packet identifier.
func (p *SubscribePacket) ID() uint16 { return p.PacketID }

// Validate checks the packet.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	if len(p.Subscriptions) == 0 {
		return ErrNoSubscriptions
	}
	if p.SubscriptionID > maxVarint {
		return ErrInvalidSubscriptionID
	}
	for _, s := range p.Subscriptions {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%q: %w", s.TopicFilter, err)
		}
	}
	return nil
}

func (p *SubscribePacket) encodeBody(w *packetWriter) byte {
	props := p.Props.Clone()
	if p.SubscriptionID != 0 {
		props.Set(PropSubscriptionIdentifier, p.SubscriptionID)
	}

	w.putUint16(p.PacketID)
	w.putProperties(&props, PacketSUBSCRIBE)
	for _, s := range p.Subscriptions {
		w.putString(s.TopicFilter)
		w.putByte(s.options())
	}
	return 0x02
}

func (p *SubscribePacket) decodeBody(r *packetReader, _ byte) error {
	var err error
	if p.PacketID, err = r.readUint16(); err != nil {
		return err
	}
	if p.Props, err = r.readProperties(PacketSUBSCRIBE); err != nil {
		return err
	}
	p.SubscriptionID = p.Props.GetUint32(PropSubscriptionIdentifier)
	p.Props.Delete(PropSubscriptionIdentifier)

	for r.remaining() > 0 {
		var s Subscription
		if s.TopicFilter, err = r.readString(); err != nil {
			return err
		}
		opts, err := r.readByte()
		if err != nil {
			return err
		}
		if opts&subOptReserved != 0 {
			return ErrInvalidSubOptions
		}
		s.QoS = opts & subOptQoS
		s.NoLocal = opts&subOptNoLocal != 0
		s.RetainAsPublished = opts&subOptRetainAsPub != 0
		s.RetainHandling = (opts & subOptRetainHandling) >> 4
		if err := s.validate(); err != nil {
			return err
		}
		p.Subscriptions = append(p.Subscriptions, s)
	}
	if len(p.Subscriptions) == 0 {
		return ErrNoSubscriptions
	}
	return nil
}

// SubackPacket answers SUBSCRIBE with one reason code per filter.
type SubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Props       Properties
}

// Type returns PacketSUBACK.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// ID returns the packet identifier.
func (p *SubackPacket) ID() uint16 { return p.PacketID }

// Validate checks the packet.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return validateReasonList(PacketSUBACK, p.ReasonCodes)
}

func (p *SubackPacket) encodeBody(w *packetWriter) byte {
	encodeReasonList(w, PacketSUBACK, p.PacketID, &p.Props, p.ReasonCodes)
	return 0
}

func (p *SubackPacket) decodeBody(r *packetReader, _ byte) error {
	var err error
	p.PacketID, p.Props, p.ReasonCodes, err = decodeReasonList(r, PacketSUBACK)
	return err
}

func validateReasonList(t PacketType, codes []ReasonCode) error {
	if len(codes) == 0 {
		return fmt.Errorf("%s: no reason codes", t)
	}
	for _, c := range codes {
		if !c.ValidFor(t) {
			return fmt.Errorf("%s: invalid %s", t, c)
		}
	}
	return nil
}

func encodeReasonList(w *packetWriter, t PacketType, id uint16, props *Properties, codes []ReasonCode) {
	w.putUint16(id)
	w.putProperties(props, t)
	for _, c := range codes {
		w.putByte(byte(c))
	}
}

func decodeReasonList(r *packetReader, t PacketType) (uint16, Properties, []ReasonCode, error) {
	id, err := r.readUint16()
	if err != nil {
		return 0, Properties{}, nil, err
	}
	if id == 0 {
		return 0, Properties{}, nil, ErrPacketIDRequired
	}
	props, err := r.readProperties(t)
	if err != nil {
		return id, props, nil, err
	}
	codes := make([]ReasonCode, 0, r.remaining())
	for _, b := range r.rest() {
		codes = append(codes, ReasonCode(b))
	}
	if err := validateReasonList(t, codes); err != nil {
		return id, props, codes, err
	}
	return id, props, codes, nil
}
