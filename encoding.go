package mqttv5

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrUnexpectedEOF      = errors.New("unexpected end of packet")
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
	ErrVarintOverlong     = errors.New("variable byte integer uses more bytes than necessary")
	ErrTrailingBytes      = errors.New("unexpected trailing bytes in packet")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// StringPair is a UTF-8 string pair, used by the User Property.
type StringPair struct {
	Key   string
	Value string
}

func validateString(s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for i := range len(s) {
		if s[i] == 0 {
			return ErrStringContainsNull
		}
	}
	return nil
}

// appendVarint appends v as a variable byte integer.
func appendVarint(dst []byte, v uint32) ([]byte, error) {
	if v > maxVarint {
		return dst, ErrVarintTooLarge
	}
	for {
		b := byte(v & varintValueMask)
		v >>= 7
		if v > 0 {
			b |= varintContinueBit
		}
		dst = append(dst, b)
		if v == 0 {
			return dst, nil
		}
	}
}

// decodeVarint decodes a variable byte integer from the start of b.
// Overlong encodings are rejected.
func decodeVarint(b []byte) (uint32, int, error) {
	var value uint32
	for i := range 4 {
		if i >= len(b) {
			return 0, i, ErrUnexpectedEOF
		}
		c := b[i]
		value |= uint32(c&varintValueMask) << (7 * i)
		if c&varintContinueBit == 0 {
			if i > 0 && c == 0 {
				return 0, i + 1, ErrVarintOverlong
			}
			return value, i + 1, nil
		}
	}
	return 0, 4, ErrVarintMalformed
}

// readStreamVarint reads a variable byte integer from a stream and returns the raw
// bytes alongside the value.
func readStreamVarint(r io.ByteReader, raw []byte) (uint32, []byte, error) {
	var value uint32
	for i := range 4 {
		c, err := r.ReadByte()
		if err != nil {
			return 0, raw, err
		}
		raw = append(raw, c)
		value |= uint32(c&varintValueMask) << (7 * i)
		if c&varintContinueBit == 0 {
			if i > 0 && c == 0 {
				return 0, raw, ErrVarintOverlong
			}
			return value, raw, nil
		}
	}
	return 0, raw, ErrVarintMalformed
}

func varintSize(v uint32) int {
	switch {
	case v < 128:
		return 1
	case v < 16384:
		return 2
	case v < 2097152:
		return 3
	default:
		return 4
	}
}

// packetWriter accumulates the variable header and payload of a packet.
// The first error sticks; later writes are ignored.
type packetWriter struct {
	buf []byte
	err error
}

func (w *packetWriter) putByte(b byte) {
	if w.err == nil {
		w.buf = append(w.buf, b)
	}
}

func (w *packetWriter) putUint16(v uint16) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *packetWriter) putUint32(v uint32) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *packetWriter) putVarint(v uint32) {
	if w.err == nil {
		w.buf, w.err = appendVarint(w.buf, v)
	}
}

func (w *packetWriter) putString(s string) {
	if w.err != nil {
		return
	}
	if err := validateString(s); err != nil {
		w.err = err
		return
	}
	w.putUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *packetWriter) putBinary(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > maxUint16 {
		w.err = ErrBinaryTooLong
		return
	}
	w.putUint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *packetWriter) putRaw(b []byte) {
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

func (w *packetWriter) putProperties(p *Properties, packet PacketType) {
	if w.err != nil {
		return
	}
	w.buf, w.err = p.appendTo(w.buf, packet)
}

// packetReader walks the body of a single packet. Every read fails with
// ErrUnexpectedEOF instead of running past the end.
type packetReader struct {
	buf []byte
	pos int
}

func (r *packetReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *packetReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *packetReader) readUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *packetReader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *packetReader) readVarint() (uint32, error) {
	v, n, err := decodeVarint(r.buf[r.pos:])
	r.pos += n
	return v, err
}

func (r *packetReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:])
	r.pos += n
	return b, nil
}

func (r *packetReader) readBinary() ([]byte, error) {
	n, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	return r.readBytes(int(n))
}

func (r *packetReader) readString() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", ErrUnexpectedEOF
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	if err := validateString(s); err != nil {
		return "", err
	}
	return s, nil
}

// rest consumes and returns everything left in the packet.
func (r *packetReader) rest() []byte {
	b, _ := r.readBytes(r.remaining())
	return b
}

func (r *packetReader) readProperties(packet PacketType) (Properties, error) {
	var p Properties
	err := p.decode(r, packet)
	return p, err
}
