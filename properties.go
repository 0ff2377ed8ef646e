package mqttv5

import (
	"errors"
	"fmt"
)

// PropertyID is an MQTT v5.0 property identifier.
type PropertyID byte

// Property identifiers.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType is the wire data type of a property value.
type PropertyType byte

const (
	PropTypeByte        PropertyType = iota // byte
	PropTypeTwoByteInt                      // uint16
	PropTypeFourByteInt                     // uint32
	PropTypeVarInt                          // uint32, variable byte integer
	PropTypeString                          // string
	PropTypeBinary                          // []byte
	PropTypeStringPair                      // StringPair
)

// Will properties travel inside the CONNECT payload; they get their own slot
// in the allowed mask next to the real packet types.
const propContextWill PacketType = 0

type allowedIn uint16

func inPackets(types ...PacketType) allowedIn {
	var m allowedIn
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

func (m allowedIn) has(t PacketType) bool {
	return m&(1<<t) != 0
}

type propertySpec struct {
	typ     PropertyType
	allowed allowedIn
	boolean bool
}

var (
	inMessage = inPackets(PacketPUBLISH, propContextWill)
	inReason  = inPackets(PacketCONNACK, PacketPUBACK, PacketPUBREC, PacketPUBREL, PacketPUBCOMP,
		PacketSUBACK, PacketUNSUBACK, PacketDISCONNECT, PacketAUTH)
	inAll = inReason | inPackets(PacketCONNECT, PacketPUBLISH, propContextWill, PacketSUBSCRIBE, PacketUNSUBSCRIBE)
)

var propertySpecs = map[PropertyID]propertySpec{
	PropPayloadFormatIndicator:   {typ: PropTypeByte, allowed: inMessage, boolean: true},
	PropMessageExpiryInterval:    {typ: PropTypeFourByteInt, allowed: inMessage},
	PropContentType:              {typ: PropTypeString, allowed: inMessage},
	PropResponseTopic:            {typ: PropTypeString, allowed: inMessage},
	PropCorrelationData:          {typ: PropTypeBinary, allowed: inMessage},
	PropSubscriptionIdentifier:   {typ: PropTypeVarInt, allowed: inPackets(PacketPUBLISH, PacketSUBSCRIBE)},
	PropSessionExpiryInterval:    {typ: PropTypeFourByteInt, allowed: inPackets(PacketCONNECT, PacketCONNACK, PacketDISCONNECT)},
	PropAssignedClientIdentifier: {typ: PropTypeString, allowed: inPackets(PacketCONNACK)},
	PropServerKeepAlive:          {typ: PropTypeTwoByteInt, allowed: inPackets(PacketCONNACK)},
	PropAuthenticationMethod:     {typ: PropTypeString, allowed: inPackets(PacketCONNECT, PacketCONNACK, PacketAUTH)},
	PropAuthenticationData:       {typ: PropTypeBinary, allowed: inPackets(PacketCONNECT, PacketCONNACK, PacketAUTH)},
	PropRequestProblemInfo:       {typ: PropTypeByte, allowed: inPackets(PacketCONNECT), boolean: true},
	PropWillDelayInterval:        {typ: PropTypeFourByteInt, allowed: inPackets(propContextWill)},
	PropRequestResponseInfo:      {typ: PropTypeByte, allowed: inPackets(PacketCONNECT), boolean: true},
	PropResponseInformation:      {typ: PropTypeString, allowed: inPackets(PacketCONNACK)},
	PropServerReference:          {typ: PropTypeString, allowed: inPackets(PacketCONNACK, PacketDISCONNECT)},
	PropReasonString:             {typ: PropTypeString, allowed: inReason},
	PropReceiveMaximum:           {typ: PropTypeTwoByteInt, allowed: inPackets(PacketCONNECT, PacketCONNACK)},
	PropTopicAliasMaximum:        {typ: PropTypeTwoByteInt, allowed: inPackets(PacketCONNECT, PacketCONNACK)},
	PropTopicAlias:               {typ: PropTypeTwoByteInt, allowed: inPackets(PacketPUBLISH)},
	PropMaximumQoS:               {typ: PropTypeByte, allowed: inPackets(PacketCONNACK), boolean: true},
	PropRetainAvailable:          {typ: PropTypeByte, allowed: inPackets(PacketCONNACK), boolean: true},
	PropUserProperty:             {typ: PropTypeStringPair, allowed: inAll},
	PropMaximumPacketSize:        {typ: PropTypeFourByteInt, allowed: inPackets(PacketCONNECT, PacketCONNACK)},
	PropWildcardSubAvailable:     {typ: PropTypeByte, allowed: inPackets(PacketCONNACK), boolean: true},
	PropSubscriptionIDAvailable:  {typ: PropTypeByte, allowed: inPackets(PacketCONNACK), boolean: true},
	PropSharedSubAvailable:       {typ: PropTypeByte, allowed: inPackets(PacketCONNACK), boolean: true},
}

// PropertyType returns the wire type of the property.
func (p PropertyID) PropertyType() PropertyType {
	return propertySpecs[p].typ
}

// Property errors.
var (
	ErrUnknownPropertyID     = errors.New("unknown property identifier")
	ErrInvalidPropertyType   = errors.New("invalid property value type")
	ErrInvalidPropertyValue  = errors.New("invalid property value")
	ErrDuplicateProperty     = errors.New("duplicate property not allowed")
	ErrPropertyNotAllowed    = errors.New("property not allowed in packet")
	ErrInvalidSubscriptionID = errors.New("subscription identifier must be between 1 and 268435455")
)

// Properties is an ordered collection of MQTT v5.0 properties.
// The zero value is an empty collection ready to use.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has reports whether at least one property with the id is present.
func (p *Properties) Has(id PropertyID) bool {
	return p.Get(id) != nil
}

// Get returns the first value stored under id, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for _, prop := range p.props {
		if prop.id == id {
			return prop.value
		}
	}
	return nil
}

// GetAll returns every value stored under id in insertion order.
func (p *Properties) GetAll(id PropertyID) []any {
	if p == nil {
		return nil
	}
	var values []any
	for _, prop := range p.props {
		if prop.id == id {
			values = append(values, prop.value)
		}
	}
	return values
}

// Set replaces every value stored under id with value.
func (p *Properties) Set(id PropertyID, value any) {
	p.Delete(id)
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a value without removing existing ones.
// Only User Property and Subscription Identifier may repeat on the wire.
func (p *Properties) Add(id PropertyID, value any) {
	p.props = append(p.props, property{id: id, value: value})
}

// Delete removes every value stored under id.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	kept := p.props[:0]
	for _, prop := range p.props {
		if prop.id != id {
			kept = append(kept, prop)
		}
	}
	p.props = kept
}

// GetByte returns a byte property or 0.
func (p *Properties) GetByte(id PropertyID) byte {
	v, _ := p.Get(id).(byte)
	return v
}

// GetUint16 returns a two byte integer property or 0.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	v, _ := p.Get(id).(uint16)
	return v
}

// GetUint32 returns a four byte or variable byte integer property or 0.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	v, _ := p.Get(id).(uint32)
	return v
}

// GetString returns a string property or "".
func (p *Properties) GetString(id PropertyID) string {
	v, _ := p.Get(id).(string)
	return v
}

// GetBinary returns a binary property or nil.
func (p *Properties) GetBinary(id PropertyID) []byte {
	v, _ := p.Get(id).([]byte)
	return v
}

// UserProperties returns all user properties in order.
func (p *Properties) UserProperties() []StringPair {
	var pairs []StringPair
	for _, v := range p.GetAll(PropUserProperty) {
		if pair, ok := v.(StringPair); ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// SubscriptionIdentifiers returns every Subscription Identifier in the order
// they were received.
func (p *Properties) SubscriptionIdentifiers() []uint32 {
	var ids []uint32
	for _, v := range p.GetAll(PropSubscriptionIdentifier) {
		if id, ok := v.(uint32); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy.
func (p *Properties) Clone() Properties {
	var c Properties
	if p == nil {
		return c
	}
	c.props = make([]property, len(p.props))
	for i, prop := range p.props {
		if b, ok := prop.value.([]byte); ok {
			prop.value = append([]byte(nil), b...)
		}
		c.props[i] = prop
	}
	return c
}

// appendTo appends the property length followed by every property.
func (p *Properties) appendTo(dst []byte, packet PacketType) ([]byte, error) {
	var body []byte
	if p != nil {
		var err error
		for _, prop := range p.props {
			body, err = appendProperty(body, prop, packet)
			if err != nil {
				return dst, err
			}
		}
	}
	dst, err := appendVarint(dst, uint32(len(body)))
	if err != nil {
		return dst, err
	}
	return append(dst, body...), nil
}

func appendProperty(dst []byte, prop property, packet PacketType) ([]byte, error) {
	spec, ok := propertySpecs[prop.id]
	if !ok {
		return dst, fmt.Errorf("%w: %#x", ErrUnknownPropertyID, byte(prop.id))
	}
	if !spec.allowed.has(packet) {
		return dst, fmt.Errorf("%w: %#x in %s", ErrPropertyNotAllowed, byte(prop.id), packetContextName(packet))
	}

	w := packetWriter{buf: dst}
	w.putByte(byte(prop.id))
	switch spec.typ {
	case PropTypeByte:
		v, ok := prop.value.(byte)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants byte", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putByte(v)
	case PropTypeTwoByteInt:
		v, ok := prop.value.(uint16)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants uint16", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putUint16(v)
	case PropTypeFourByteInt:
		v, ok := prop.value.(uint32)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants uint32", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putUint32(v)
	case PropTypeVarInt:
		v, ok := prop.value.(uint32)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants uint32", ErrInvalidPropertyType, byte(prop.id))
		}
		if prop.id == PropSubscriptionIdentifier && (v == 0 || v > maxVarint) {
			return dst, ErrInvalidSubscriptionID
		}
		w.putVarint(v)
	case PropTypeString:
		v, ok := prop.value.(string)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants string", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putString(v)
	case PropTypeBinary:
		v, ok := prop.value.([]byte)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants []byte", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putBinary(v)
	case PropTypeStringPair:
		v, ok := prop.value.(StringPair)
		if !ok {
			return dst, fmt.Errorf("%w: %#x wants StringPair", ErrInvalidPropertyType, byte(prop.id))
		}
		w.putString(v.Key)
		w.putString(v.Value)
	}
	return w.buf, w.err
}

// decode reads a property length and the properties that follow it.
func (p *Properties) decode(r *packetReader, packet PacketType) error {
	length, err := r.readVarint()
	if err != nil {
		return fmt.Errorf("property length: %w", err)
	}
	if int(length) > r.remaining() {
		return fmt.Errorf("property length %d: %w", length, ErrUnexpectedEOF)
	}

	sub := packetReader{buf: r.buf[r.pos : r.pos+int(length)]}
	r.pos += int(length)

	seen := make(map[PropertyID]bool)
	for sub.remaining() > 0 {
		idByte, err := sub.readVarint()
		if err != nil {
			return err
		}
		id := PropertyID(idByte)
		spec, ok := propertySpecs[id]
		if !ok {
			return fmt.Errorf("%w: %#x", ErrUnknownPropertyID, idByte)
		}
		if !spec.allowed.has(packet) {
			return fmt.Errorf("%w: %#x in %s", ErrPropertyNotAllowed, byte(id), packetContextName(packet))
		}

		repeatable := id == PropUserProperty || (id == PropSubscriptionIdentifier && packet == PacketPUBLISH)
		if seen[id] && !repeatable {
			return fmt.Errorf("%w: %#x", ErrDuplicateProperty, byte(id))
		}
		seen[id] = true

		value, err := decodePropertyValue(&sub, id, spec)
		if err != nil {
			return fmt.Errorf("property %#x: %w", byte(id), err)
		}
		p.props = append(p.props, property{id: id, value: value})
	}
	return nil
}

func decodePropertyValue(r *packetReader, id PropertyID, spec propertySpec) (any, error) {
	switch spec.typ {
	case PropTypeByte:
		v, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if spec.boolean && v > 1 {
			return nil, ErrInvalidPropertyValue
		}
		return v, nil
	case PropTypeTwoByteInt:
		v, err := r.readUint16()
		if err != nil {
			return nil, err
		}
		if id == PropReceiveMaximum && v == 0 {
			return nil, ErrInvalidPropertyValue
		}
		return v, nil
	case PropTypeFourByteInt:
		v, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		if id == PropMaximumPacketSize && v == 0 {
			return nil, ErrInvalidPropertyValue
		}
		return v, nil
	case PropTypeVarInt:
		v, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		if id == PropSubscriptionIdentifier && v == 0 {
			return nil, ErrInvalidSubscriptionID
		}
		return v, nil
	case PropTypeString:
		return r.readString()
	case PropTypeBinary:
		return r.readBinary()
	case PropTypeStringPair:
		k, err := r.readString()
		if err != nil {
			return nil, err
		}
		v, err := r.readString()
		if err != nil {
			return nil, err
		}
		return StringPair{Key: k, Value: v}, nil
	default:
		return nil, ErrInvalidPropertyType
	}
}

func packetContextName(t PacketType) string {
	if t == propContextWill {
		return "will properties"
	}
	return t.String()
}
