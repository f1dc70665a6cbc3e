package concox

import (
	"encoding/binary"

	"github.com/fleetgrid/gps-server/internal/crc16"
)

// Frame layout: 0x7878 | len(1) | proto(1) | payload(len-5) | isn(2) |
// crc-itu(2, over len..isn) | 0x0D 0x0A. Total size = len+5.
type Frame struct {
	Proto   byte
	Payload []byte
	Serial  uint16
}

const (
	start0 = 0x78
	start1 = 0x78
	tail0  = 0x0D
	tail1  = 0x0A

	// protocol numbers
	msgLogin     = 0x01
	msgGPS       = 0x22
	msgGPSExt    = 0x2D
	msgGPS4G     = 0xA0
	msgHeartbeat = 0x23
	msgAlarm     = 0x19
	msgAlarm4G   = 0xA5
	msgWifi      = 0x2C
	msgWifi4G    = 0xA2
	msgTimeReq   = 0x8A
	msgInfo      = 0x94
	msgCommand   = 0x80
)

// latitude/longitude scale factor: minutes * 30000
const coordScale = 1800000.0

// Marshal encodes the frame with a freshly computed CRC.
func (f *Frame) Marshal() []byte {
	length := len(f.Payload) + 5
	out := make([]byte, 0, length+5)
	out = append(out, start0, start1, byte(length), f.Proto)
	out = append(out, f.Payload...)
	out = binary.BigEndian.AppendUint16(out, f.Serial)
	crc := crc16.Checksum(crc16.ITU, out[2:])
	out = binary.BigEndian.AppendUint16(out, crc)
	return append(out, tail0, tail1)
}

// ack builds the standard empty-payload echo for a received frame.
func ack(proto byte, serial uint16) []byte {
	f := Frame{Proto: proto, Serial: serial}
	return f.Marshal()
}
