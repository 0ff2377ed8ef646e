package mqttv5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "CONNECT", PacketCONNECT.String())
	assert.Equal(t, "PUBLISH", PacketPUBLISH.String())
	assert.Equal(t, "AUTH", PacketAUTH.String())
	assert.Equal(t, "UNKNOWN(0)", PacketType(0).String())
	assert.Equal(t, "UNKNOWN(16)", PacketType(16).String())
}

func TestPacketTypeValid(t *testing.T) {
	assert.False(t, PacketType(0).Valid())
	for pt := PacketCONNECT; pt <= PacketAUTH; pt++ {
		assert.True(t, pt.Valid(), pt.String())
	}
	assert.False(t, PacketType(16).Valid())
}

func TestFixedHeaderEncode(t *testing.T) {
	tests := []struct {
		name   string
		header FixedHeader
		wire   []byte
	}{
		{
			name:   "pingreq",
			header: FixedHeader{PacketType: PacketPINGREQ},
			wire:   []byte{0xC0, 0x00},
		},
		{
			name:   "publish qos1 retain",
			header: FixedHeader{PacketType: PacketPUBLISH, Flags: 0x03, RemainingLength: 10},
			wire:   []byte{0x33, 0x0A},
		},
		{
			name:   "subscribe long",
			header: FixedHeader{PacketType: PacketSUBSCRIBE, Flags: 0x02, RemainingLength: 321},
			wire:   []byte{0x82, 0xC1, 0x02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.header.appendTo(nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wire, b)
			assert.Equal(t, len(tt.wire), tt.header.Size())

			h, n, err := parseFixedHeader(b)
			require.NoError(t, err)
			assert.Equal(t, tt.header, h)
			assert.Equal(t, len(tt.wire), n)
		})
	}
}

func TestFixedHeaderEncodeInvalidType(t *testing.T) {
	_, err := FixedHeader{PacketType: 0}.appendTo(nil)
	assert.ErrorIs(t, err, ErrInvalidPacketType)
}

func TestParseFixedHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", nil, ErrUnexpectedEOF},
		{"one byte", []byte{0x30}, ErrUnexpectedEOF},
		{"reserved type", []byte{0x00, 0x00}, ErrInvalidPacketType},
		{"length truncated", []byte{0x30, 0x80}, ErrUnexpectedEOF},
		{"length malformed", []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}, ErrVarintMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseFixedHeader(tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFixedHeaderValidateFlags(t *testing.T) {
	tests := []struct {
		name   string
		header FixedHeader
		valid  bool
	}{
		{"publish qos0", FixedHeader{PacketType: PacketPUBLISH, Flags: 0x00}, true},
		{"publish qos2 dup retain", FixedHeader{PacketType: PacketPUBLISH, Flags: 0x0D}, true},
		{"publish qos3", FixedHeader{PacketType: PacketPUBLISH, Flags: 0x06}, false},
		{"publish qos0 dup", FixedHeader{PacketType: PacketPUBLISH, Flags: 0x08}, false},
		{"pubrel", FixedHeader{PacketType: PacketPUBREL, Flags: 0x02}, true},
		{"pubrel zero flags", FixedHeader{PacketType: PacketPUBREL, Flags: 0x00}, false},
		{"subscribe", FixedHeader{PacketType: PacketSUBSCRIBE, Flags: 0x02}, true},
		{"unsubscribe wrong flags", FixedHeader{PacketType: PacketUNSUBSCRIBE, Flags: 0x01}, false},
		{"connack", FixedHeader{PacketType: PacketCONNACK}, true},
		{"puback flags", FixedHeader{PacketType: PacketPUBACK, Flags: 0x01}, false},
		{"disconnect flags", FixedHeader{PacketType: PacketDISCONNECT, Flags: 0x0F}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.ValidateFlags()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidPacketFlags)
		})
	}
}
