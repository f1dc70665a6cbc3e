// Package meiligao implements the Meiligao UDP protocol: "$$" framing
// with a CRC-CCITT-FALSE trailer and a pipe-delimited position payload
// whose first field is an RMC sentence body.
package meiligao

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/fleetgrid/gps-server/internal/crc16"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/nmeautil"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolMeiligao, func() protocol.Decoder { return NewDecoder() })
}

const (
	cmdPosition  = 0x9955
	cmdHeartbeat = 0x5000
	cmdServerAck = 0x4000

	// header "$$"(2) + len(2) + id(7) + cmd(2)
	headerLen = 13
	// crc(2) + "\r\n"(2)
	trailerLen = 4
)

// Decoder reassembles "$$"-framed packets. UDP datagrams normally carry
// whole frames but the decoder still tolerates splits.
type Decoder struct {
	buf []byte

	FramingErrs  uint64
	ChecksumErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Feed(p []byte) ([]*protocol.Message, error) {
	d.buf = append(d.buf, p...)
	var out []*protocol.Message
	for {
		i := bytes.Index(d.buf, []byte("$$"))
		if i < 0 {
			if len(d.buf) > 1 {
				d.buf = d.buf[len(d.buf)-1:]
				d.FramingErrs++
			}
			return out, nil
		}
		if i > 0 {
			d.buf = d.buf[i:]
			d.FramingErrs++
		}
		if len(d.buf) < headerLen {
			return out, nil
		}
		total := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if total < headerLen+trailerLen {
			d.buf = d.buf[2:]
			d.FramingErrs++
			continue
		}
		if len(d.buf) < total {
			return out, nil
		}
		raw := d.buf[:total]
		if raw[total-2] != '\r' || raw[total-1] != '\n' {
			d.buf = d.buf[2:]
			d.FramingErrs++
			continue
		}
		want := binary.BigEndian.Uint16(raw[total-4 : total-2])
		if crc16.Checksum(crc16.CCITTFalse, raw[:total-4]) != want {
			d.buf = d.buf[total:]
			d.ChecksumErrs++
			continue
		}
		if m := decode(raw); m != nil {
			out = append(out, m)
		}
		d.buf = d.buf[total:]
	}
}

func decode(raw []byte) *protocol.Message {
	id := imeiFromID(raw[4:11])
	cmd := binary.BigEndian.Uint16(raw[11:13])
	payload := raw[headerLen : len(raw)-trailerLen]

	m := &protocol.Message{
		Protocol: model.ProtocolMeiligao,
		IMEI:     id,
		Raw:      append([]byte(nil), raw...),
	}
	switch cmd {
	case cmdHeartbeat:
		m.Kind = protocol.KindHeartbeat
		m.Ack = Marshal(raw[4:11], cmdServerAck, []byte{0x01})
	case cmdPosition:
		fix, err := parsePosition(string(payload))
		if err != nil {
			m.Kind = protocol.KindError
			return m
		}
		m.Kind = protocol.KindPosition
		m.Fix = fix
	default:
		m.Kind = protocol.KindError
	}
	return m
}

// parsePosition decodes the pipe-delimited composite. Field 0 is the
// RMC body (time,status,lat,NS,lon,EW,speed,course,date); optional
// trailing fields carry HDOP, altitude and a state word.
func parsePosition(payload string) (*protocol.Fix, error) {
	fields := strings.Split(payload, "|")
	rmc := strings.Split(fields[0], ",")
	if len(rmc) < 9 {
		return nil, nmeautil.ErrMalformed
	}
	lat, err := nmeautil.ParseDegMin(rmc[2], rmc[3])
	if err != nil {
		return nil, err
	}
	lon, err := nmeautil.ParseDegMin(rmc[4], rmc[5])
	if err != nil {
		return nil, err
	}
	ts, err := nmeautil.ComposeTime(rmc[0], rmc[8])
	if err != nil {
		return nil, err
	}
	fix := &protocol.Fix{
		Latitude:  lat,
		Longitude: lon,
		Time:      ts,
		Valid:     rmc[1] == "A",
	}
	if fix.Valid {
		fix.Quality = 1
	}
	if rmc[6] != "" {
		knots, err := strconv.ParseFloat(rmc[6], 64)
		if err != nil {
			return nil, err
		}
		fix.Speed = nmeautil.KnotsToKmh(knots)
	}
	if rmc[7] != "" {
		if c, err := strconv.ParseFloat(rmc[7], 64); err == nil {
			fix.Course = c
		}
	}
	if len(fields) > 1 && fields[1] != "" {
		if h, err := strconv.ParseFloat(fields[1], 64); err == nil {
			fix.HDOP = h
		}
	}
	if len(fields) > 2 && fields[2] != "" {
		if a, err := strconv.ParseFloat(fields[2], 64); err == nil {
			fix.Altitude = a
		}
	}
	return fix, nil
}

// Marshal builds a complete frame for the given 7-byte id.
func Marshal(id []byte, cmd uint16, payload []byte) []byte {
	total := headerLen + len(payload) + trailerLen
	out := make([]byte, 0, total)
	out = append(out, '$', '$')
	out = binary.BigEndian.AppendUint16(out, uint16(total))
	out = append(out, id...)
	out = binary.BigEndian.AppendUint16(out, cmd)
	out = append(out, payload...)
	crc := crc16.Checksum(crc16.CCITTFalse, out)
	out = binary.BigEndian.AppendUint16(out, crc)
	return append(out, '\r', '\n')
}

// MarshalID packs a decimal device id into the 7-byte BCD field,
// padding odd digits with 0xF.
func MarshalID(imei model.IMEI) []byte {
	s := string(imei)
	for len(s) < 14 {
		s += "f"
	}
	s = s[:14]
	b, _ := hex.DecodeString(s)
	return b
}

func imeiFromID(b []byte) model.IMEI {
	s := strings.TrimRight(hex.EncodeToString(b), "f")
	return model.IMEI(s)
}
