package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeID(t *testing.T) {
	tests := []struct {
		name     string
		priority uint8
		module   uint16
		command  uint16
		want     uint32
	}{
		{name: "set speed", priority: 1, module: 1, command: 0x101, want: 0x04010101},
		{name: "zero", priority: 0, module: 0, command: 0, want: 0},
		{name: "max fields", priority: 7, module: 0x3FF, command: 0xFFFF, want: 0x1FFFFFFF},
		{name: "priority masked", priority: 9, module: 1, command: 1, want: EncodeID(1, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := EncodeID(tt.priority, tt.module, tt.command)
			assert.Equal(t, tt.want, id)

			p, m, c := DecodeID(id)
			assert.Equal(t, tt.priority&0x07, p)
			assert.Equal(t, tt.module&0x3FF, m)
			assert.Equal(t, tt.command&0xFFFF, c)
		})
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	ids := []uint32{0x04010101, 0x1FFFFFFF, 0x00000000, 0x0F000001, 0x12345678 & 0x1FFFFFFF}
	for _, id := range ids {
		p, m, c := DecodeID(id)
		assert.Equal(t, id&0x1FFFFFFF, EncodeID(p, m, c))
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, uint8(1), Priority(0x04010101))
	assert.Equal(t, uint8(7), Priority(0x1FFFFFFF))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0), Checksum(nil))
	assert.Equal(t, byte(0x01), Checksum([]byte{0x01}))
	assert.Equal(t, byte(0x01^0x02^0x04), Checksum([]byte{0x01, 0x02, 0x04}))
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(0x100, []byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, uint8(3), f.Length)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload())

	_, err = NewFrame(0x100, nil)
	assert.ErrorIs(t, err, ErrNullInput)

	_, err = NewFrame(0x100, make([]byte, 9))
	assert.ErrorIs(t, err, ErrInvalidLength)
}
