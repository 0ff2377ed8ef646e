package mqttv5

// PingreqPacket keeps the connection alive.
type PingreqPacket struct{}

// Type returns PacketPINGREQ.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Validate always succeeds.
func (p *PingreqPacket) Validate() error { return nil }

func (p *PingreqPacket) encodeBody(*packetWriter) byte { return 0 }

func (p *PingreqPacket) decodeBody(*packetReader, byte) error { return nil }

// PingrespPacket answers PINGREQ.
type PingrespPacket struct{}

// Type returns PacketPINGRESP.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// Validate always succeeds.
func (p *PingrespPacket) Validate() error { return nil }

func (p *PingrespPacket) encodeBody(*packetWriter) byte { return 0 }

func (p *PingrespPacket) decodeBody(*packetReader, byte) error { return nil }
