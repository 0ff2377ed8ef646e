package mqttv5

// Packet is implemented by every MQTT control packet.
//
// Packets are turned into bytes by EncodePacket and parsed by DecodePacket;
// the body methods are package internal so that framing and validation stay
// in one place.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	// Validate checks the packet contents before encoding.
	Validate() error

	// encodeBody writes the variable header and payload and returns the
	// fixed header flags.
	encodeBody(w *packetWriter) byte

	// decodeBody parses the variable header and payload.
	decodeBody(r *packetReader, flags byte) error
}

// PacketWithID is implemented by packets carrying a packet identifier.
type PacketWithID interface {
	Packet
	ID() uint16
}

// newPacket returns an empty packet for the type.
func newPacket(t PacketType) Packet {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}
	case PacketCONNACK:
		return &ConnackPacket{}
	case PacketPUBLISH:
		return &PublishPacket{}
	case PacketPUBACK:
		return &PubackPacket{}
	case PacketPUBREC:
		return &PubrecPacket{}
	case PacketPUBREL:
		return &PubrelPacket{}
	case PacketPUBCOMP:
		return &PubcompPacket{}
	case PacketSUBSCRIBE:
		return &SubscribePacket{}
	case PacketSUBACK:
		return &SubackPacket{}
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}
	case PacketUNSUBACK:
		return &UnsubackPacket{}
	case PacketPINGREQ:
		return &PingreqPacket{}
	case PacketPINGRESP:
		return &PingrespPacket{}
	case PacketDISCONNECT:
		return &DisconnectPacket{}
	case PacketAUTH:
		return &AuthPacket{}
	default:
		return nil
	}
}

// Quality of service levels.
const (
	QoS0 byte = iota
	QoS1
	QoS2
)

// Message is an application message, either handed to Publish or delivered
// to handlers after a PUBLISH arrives.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// Duplicate and PacketID are only set on received messages.
	Duplicate bool
	PacketID  uint16

	// SubscriptionIdentifiers lists the identifiers of every subscription
	// that matched, in the order the server sent them. Empty when the
	// matching subscriptions carried no identifier.
	SubscriptionIdentifiers []uint32

	PayloadFormat   byte
	MessageExpiry   uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.CorrelationData = append([]byte(nil), m.CorrelationData...)
	c.UserProperties = append([]StringPair(nil), m.UserProperties...)
	c.SubscriptionIdentifiers = append([]uint32(nil), m.SubscriptionIdentifiers...)
	return &c
}

// properties builds the PUBLISH properties for an outgoing message.
// Subscription identifiers are never sent by a client.
func (m *Message) properties() Properties {
	var p Properties
	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}
	return p
}

func (m *Message) fromProperties(p *Properties) {
	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.UserProperties()
	m.SubscriptionIdentifiers = p.SubscriptionIdentifiers()
}
