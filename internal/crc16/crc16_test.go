package crc16

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Reference vectors for "123456789" from the CRC catalogue.
func TestChecksum_KnownVectors(t *testing.T) {
	data := []byte("123456789")

	assert.Equal(t, uint16(0x906E), Checksum(ITU, data), "crc-16/x-25")
	assert.Equal(t, uint16(0x29B1), Checksum(CCITTFalse, data), "crc-16/ccitt-false")
	assert.Equal(t, uint16(0x906E), Checksum(X25, data), "crc-16/x-25 alias")
}

func TestChecksum_Empty(t *testing.T) {
	assert.Equal(t, uint16(0x0000), Checksum(ITU, nil))
	assert.Equal(t, uint16(0xFFFF), Checksum(CCITTFalse, nil))
}

func TestChecksum_NotInterchangeable(t *testing.T) {
	data := []byte{0x0D, 0x01, 0x03, 0x52, 0x45, 0x32}
	assert.NotEqual(t, Checksum(ITU, data), Checksum(CCITTFalse, data))
}
