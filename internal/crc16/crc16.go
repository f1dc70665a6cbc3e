// Package crc16 implements the three 16-bit CRC parameterizations used
// by the supported tracker protocols. They share the 0x1021 polynomial
// but differ in bit order, initial value and final xor, and are not
// interchangeable.
package crc16

// Params a CRC-16 parameterization.
type Params struct {
	Init   uint16
	XorOut uint16
	RefIn  bool // reflect input bytes (LSB-first)
}

var (
	// ITU is CRC-16/X-25 as used by Concox/GT06 framing
	// (poly 0x1021 reflected, init 0xFFFF, xorout 0xFFFF).
	ITU = Params{Init: 0xFFFF, XorOut: 0xFFFF, RefIn: true}

	// CCITTFalse is CRC-16/CCITT-FALSE as used by Meiligao
	// (poly 0x1021, init 0xFFFF, no reflection, no xorout).
	CCITTFalse = Params{Init: 0xFFFF, XorOut: 0x0000, RefIn: false}

	// X25 is the CRC used by the BLU packet trailer; identical
	// parameterization to ITU, kept as a separate name because the
	// protocols document them independently.
	X25 = Params{Init: 0xFFFF, XorOut: 0xFFFF, RefIn: true}
)

// reflected-table for poly 0x1021 (reversed 0x8408)
var refTable [256]uint16

// straight table for poly 0x1021
var msbTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		r := uint16(i)
		for j := 0; j < 8; j++ {
			if r&1 != 0 {
				r = (r >> 1) ^ 0x8408
			} else {
				r >>= 1
			}
		}
		refTable[i] = r

		m := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if m&0x8000 != 0 {
				m = (m << 1) ^ 0x1021
			} else {
				m <<= 1
			}
		}
		msbTable[i] = m
	}
}

// Checksum computes the CRC of data under p.
func Checksum(p Params, data []byte) uint16 {
	crc := p.Init
	if p.RefIn {
		for _, b := range data {
			crc = (crc >> 8) ^ refTable[byte(crc)^b]
		}
	} else {
		for _, b := range data {
			crc = (crc << 8) ^ msbTable[byte(crc>>8)^b]
		}
	}
	return crc ^ p.XorOut
}
