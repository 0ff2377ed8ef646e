package mqttv5

import (
	"bufio"
	"bytes"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		wire  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one byte max", 127, []byte{0x7F}},
		{"two bytes min", 128, []byte{0x80, 0x01}},
		{"two bytes max", 16383, []byte{0xFF, 0x7F}},
		{"three bytes min", 16384, []byte{0x80, 0x80, 0x01}},
		{"three bytes max", 2097151, []byte{0xFF, 0xFF, 0x7F}},
		{"four bytes min", 2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{"maximum", maxVarint, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := appendVarint(nil, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.wire, got)
			assert.Equal(t, len(tt.wire), varintSize(tt.value))

			v, n, err := decodeVarint(tt.wire)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, len(tt.wire), n)
		})
	}
}

func TestVarintRandomValues(t *testing.T) {
	for range 1000 {
		v := rand.Uint32N(maxVarint + 1)
		b, err := appendVarint(nil, v)
		require.NoError(t, err)

		got, n, err := decodeVarint(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(b), n)
	}
}

func TestVarintErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		_, err := appendVarint(nil, maxVarint+1)
		assert.ErrorIs(t, err, ErrVarintTooLarge)
	})

	t.Run("five bytes", func(t *testing.T) {
		_, _, err := decodeVarint([]byte{0x80, 0x80, 0x80, 0x80, 0x01})
		assert.ErrorIs(t, err, ErrVarintMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := decodeVarint([]byte{0x80, 0x80})
		assert.ErrorIs(t, err, ErrUnexpectedEOF)
	})

	t.Run("overlong", func(t *testing.T) {
		_, _, err := decodeVarint([]byte{0x80, 0x00})
		assert.ErrorIs(t, err, ErrVarintOverlong)
	})

	t.Run("stream overlong", func(t *testing.T) {
		_, raw, err := readStreamVarint(bufio.NewReader(bytes.NewReader([]byte{0xFF, 0x80, 0x00})), nil)
		assert.ErrorIs(t, err, ErrVarintOverlong)
		assert.Len(t, raw, 3)
	})
}

func TestReadStreamVarint(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xC1, 0x02, 0xAA}))

	v, raw, err := readStreamVarint(r, []byte{0x30})
	require.NoError(t, err)
	assert.Equal(t, uint32(321), v)
	assert.Equal(t, []byte{0x30, 0xC1, 0x02}, raw)

	next, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), next, "reader must stop after the varint")
}

func TestValidateString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: ""},
		{name: "ascii", input: "home/PM2_5"},
		{name: "utf8", input: "дом/温度"},
		{name: "max length", input: strings.Repeat("a", maxUint16)},
		{name: "too long", input: strings.Repeat("a", maxUint16+1), wantErr: ErrStringTooLong},
		{name: "null", input: "a\x00b", wantErr: ErrStringContainsNull},
		{name: "invalid utf8", input: string([]byte{0xFF, 0xFE}), wantErr: ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateString(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPacketWriter(t *testing.T) {
	var w packetWriter
	w.putByte(0x01)
	w.putUint16(0x0203)
	w.putUint32(0x04050607)
	w.putVarint(200)
	w.putString("ab")
	w.putBinary([]byte{0xEE})
	w.putRaw([]byte{0xFF})

	require.NoError(t, w.err)
	assert.Equal(t, []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0xC8, 0x01,
		0x00, 0x02, 'a', 'b',
		0x00, 0x01, 0xEE,
		0xFF,
	}, w.buf)
}

func TestPacketWriterStickyError(t *testing.T) {
	var w packetWriter
	w.putByte(0x01)
	w.putString("bad\x00")
	w.putByte(0x02)
	w.putBinary(make([]byte, maxUint16+1))

	assert.ErrorIs(t, w.err, ErrStringContainsNull)
	assert.Equal(t, []byte{0x01}, w.buf)
}

func TestPacketReader(t *testing.T) {
	r := packetReader{buf: []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0xC8, 0x01,
		0x00, 0x02, 'a', 'b',
		0x00, 0x01, 0xEE,
		0xFF, 0xFE,
	}}

	b, err := r.readByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	u16, err := r.readUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), u16)

	u32, err := r.readUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04050607), u32)

	v, err := r.readVarint()
	require.NoError(t, err)
	assert.Equal(t, uint32(200), v)

	s, err := r.readString()
	require.NoError(t, err)
	assert.Equal(t, "ab", s)

	bin, err := r.readBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEE}, bin)

	assert.Equal(t, []byte{0xFF, 0xFE}, r.rest())
	assert.Zero(t, r.remaining())

	_, err = r.readByte()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestPacketReaderTruncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		read func(r *packetReader) error
	}{
		{"uint16", []byte{0x01}, func(r *packetReader) error { _, err := r.readUint16(); return err }},
		{"uint32", []byte{0x01, 0x02, 0x03}, func(r *packetReader) error { _, err := r.readUint32(); return err }},
		{"string body", []byte{0x00, 0x05, 'a'}, func(r *packetReader) error { _, err := r.readString(); return err }},
		{"binary body", []byte{0x00, 0x02, 0x01}, func(r *packetReader) error { _, err := r.readBinary(); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := packetReader{buf: tt.buf}
			assert.ErrorIs(t, tt.read(&r), ErrUnexpectedEOF)
		})
	}
}

func TestPacketReaderInvalidString(t *testing.T) {
	r := packetReader{buf: []byte{0x00, 0x02, 0xFF, 0xFE}}
	_, err := r.readString()
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func BenchmarkVarint(b *testing.B) {
	buf := make([]byte, 0, 4)
	for i := range b.N {
		enc, _ := appendVarint(buf[:0], uint32(i)%maxVarint)
		_, _, _ = decodeVarint(enc)
	}
}
