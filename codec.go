package mqttv5

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// ErrPacketTooLarge is returned when a packet exceeds the negotiated maximum size.
var ErrPacketTooLarge = errors.New("packet exceeds maximum size")

// EncodePacket validates pkt and returns its complete wire form.
func EncodePacket(pkt Packet) ([]byte, error) {
	if err := pkt.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", pkt.Type(), err)
	}

	w := packetWriter{}
	flags := pkt.encodeBody(&w)
	if w.err != nil {
		return nil, fmt.Errorf("%s: %w", pkt.Type(), w.err)
	}
	if len(w.buf) > maxVarint {
		return nil, ErrRemainingLengthTooLarge
	}

	header := FixedHeader{PacketType: pkt.Type(), Flags: flags, RemainingLength: uint32(len(w.buf))}
	out := make([]byte, 0, header.Size()+len(w.buf))
	out, err := header.appendTo(out)
	if err != nil {
		return nil, err
	}
	return append(out, w.buf...), nil
}

// DecodePacket parses exactly one complete packet. Any defect, including
// bytes left over after the packet body, is reported as a
// *MalformedPacketError; the input is never truncated silently.
func DecodePacket(frame []byte) (Packet, error) {
	header, n, err := parseFixedHeader(frame)
	if err != nil {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: err}
	}
	if int(header.RemainingLength) != len(frame)-n {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: ErrRemainingLengthMismatch}
	}
	if err := header.ValidateFlags(); err != nil {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: err}
	}

	pkt := newPacket(header.PacketType)
	r := packetReader{buf: frame[n:]}
	if err := pkt.decodeBody(&r, header.Flags); err != nil {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: err}
	}
	if r.remaining() != 0 {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: ErrTrailingBytes}
	}
	if err := pkt.Validate(); err != nil {
		return nil, &MalformedPacketError{PacketType: header.PacketType, Cause: err}
	}
	return pkt, nil
}

// readFrame reads one raw packet (fixed header included) from r. Frames whose
// remaining length exceeds maxSize are refused before the body is read.
func readFrame(r byteReader, maxSize uint32) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 1, 5)
	frame[0] = first
	length, frame, err := readStreamVarint(r, frame)
	if err != nil {
		if errors.Is(err, ErrVarintMalformed) || errors.Is(err, ErrVarintOverlong) {
			return nil, &MalformedPacketError{PacketType: PacketType(first >> 4), Cause: err}
		}
		return nil, err
	}
	if maxSize > 0 && uint32(len(frame))+length > maxSize {
		return nil, &MalformedPacketError{PacketType: PacketType(first >> 4), Cause: ErrPacketTooLarge}
	}

	// The announced length is not trusted: the buffer grows only as bytes
	// arrive.
	for remaining := int(length); remaining > 0; {
		n := min(remaining, frameChunkSize)
		start := len(frame)
		frame = slices.Grow(frame, n)[:start+n]
		if _, err := io.ReadFull(r, frame[start:]); err != nil {
			return nil, err
		}
		remaining -= n
	}
	return frame, nil
}

const frameChunkSize = 64 << 10

type byteReader interface {
	io.Reader
	io.ByteReader
}

// unbufferedReader reads the header byte by byte so that nothing past the
// current packet is consumed from the underlying reader.
type unbufferedReader struct {
	r   io.Reader
	buf [1]byte
}

func (u *unbufferedReader) Read(p []byte) (int, error) {
	return u.r.Read(p)
}

func (u *unbufferedReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(u.r, u.buf[:]); err != nil {
		return 0, err
	}
	return u.buf[0], nil
}

// ReadPacket reads and decodes one packet from r.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, error) {
	br, ok := r.(byteReader)
	if !ok {
		br = &unbufferedReader{r: r}
	}
	frame, err := readFrame(br, maxSize)
	if err != nil {
		return nil, err
	}
	return DecodePacket(frame)
}

// WritePacket encodes pkt and writes it to w in a single call.
func WritePacket(w io.Writer, pkt Packet) error {
	b, err := EncodePacket(pkt)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
