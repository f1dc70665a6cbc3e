package concox

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/crc16"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolConcox, func() protocol.Decoder { return NewDecoder() })
}

// Decoder splits the Concox TCP byte stream into frames and decodes
// them. Partial trailing frames are kept across Feed calls.
type Decoder struct {
	buf   []byte
	Clock clock.Clock

	FramingErrs  uint64
	ChecksumErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{Clock: clock.System{}} }

const maxBuffer = 64 * 1024

// Feed appends p and returns every complete decodable message.
func (d *Decoder) Feed(p []byte) ([]*protocol.Message, error) {
	d.buf = append(d.buf, p...)
	if len(d.buf) > maxBuffer {
		// runaway garbage, drop the buffer and resync
		d.buf = nil
		d.FramingErrs++
		return nil, nil
	}
	var out []*protocol.Message
	for {
		// resync to the next plausible start
		i := 0
		for i+1 < len(d.buf) && !(d.buf[i] == start0 && d.buf[i+1] == start1) {
			i++
		}
		if i > 0 {
			d.buf = d.buf[i:]
			d.FramingErrs++
		}
		if len(d.buf) < 5 {
			return out, nil
		}
		length := int(d.buf[2])
		if length < 5 {
			d.buf = d.buf[2:]
			d.FramingErrs++
			continue
		}
		total := length + 5
		if len(d.buf) < total {
			return out, nil
		}
		raw := d.buf[:total]
		if raw[total-2] != tail0 || raw[total-1] != tail1 {
			d.buf = d.buf[2:]
			d.FramingErrs++
			continue
		}
		want := binary.BigEndian.Uint16(raw[total-4 : total-2])
		if crc16.Checksum(crc16.ITU, raw[2:total-4]) != want {
			d.buf = d.buf[total:]
			d.ChecksumErrs++
			continue
		}
		fr := Frame{
			Proto:   raw[3],
			Payload: append([]byte(nil), raw[4:total-4-2]...),
			Serial:  binary.BigEndian.Uint16(raw[total-6 : total-4]),
		}
		if m := d.decode(&fr, raw[:total]); m != nil {
			out = append(out, m)
		}
		d.buf = d.buf[total:]
	}
}

func (d *Decoder) decode(f *Frame, raw []byte) *protocol.Message {
	m := &protocol.Message{
		Protocol: model.ProtocolConcox,
		Serial:   f.Serial,
		Raw:      append([]byte(nil), raw...),
	}
	switch f.Proto {
	case msgLogin:
		if len(f.Payload) < 8 {
			return d.decodeErr(m)
		}
		m.Kind = protocol.KindLogin
		m.IMEI = imeiFromBCD(f.Payload[:8])
		m.Ack = ack(f.Proto, f.Serial)
	case msgGPS, msgGPSExt, msgGPS4G:
		fix, ok := decodeFix(f.Payload)
		if !ok {
			return d.decodeErr(m)
		}
		m.Kind = protocol.KindPosition
		m.Fix = fix
		m.Ack = ack(f.Proto, f.Serial)
	case msgHeartbeat:
		if len(f.Payload) < 6 {
			return d.decodeErr(m)
		}
		m.Kind = protocol.KindHeartbeat
		m.Voltage = float64(binary.BigEndian.Uint16(f.Payload[1:3])) / 100
		m.GSMSignal = int(f.Payload[3])
		m.StatusBits = binary.BigEndian.Uint16(f.Payload[4:6])
		m.Ack = ack(f.Proto, f.Serial)
	case msgAlarm, msgAlarm4G:
		m.Kind = protocol.KindAlarm
		if fix, ok := decodeFix(f.Payload); ok {
			m.Fix = fix
			if len(f.Payload) >= 19 {
				mask := uint32(f.Payload[18])
				m.AlarmMask = &mask
			}
		} else {
			// keep the undecoded alarm bits for downstream inspection
			if len(f.Payload) > 0 {
				mask := uint32(f.Payload[len(f.Payload)-1])
				m.AlarmMask = &mask
			}
		}
		m.Ack = ack(f.Proto, f.Serial)
	case msgWifi, msgWifi4G, msgInfo:
		m.Kind = protocol.KindInfo
		m.Ack = ack(f.Proto, f.Serial)
	case msgTimeReq:
		m.Kind = protocol.KindTimeSync
		m.Ack = d.timeAck(f.Serial)
	default:
		return d.decodeErr(m)
	}
	return m
}

func (d *Decoder) decodeErr(m *protocol.Message) *protocol.Message {
	m.Kind = protocol.KindError
	return m
}

// timeAck answers 0x8A with the current UTC time as a 6-byte payload.
func (d *Decoder) timeAck(serial uint16) []byte {
	now := d.Clock.Now().UTC()
	f := Frame{
		Proto: msgTimeReq,
		Payload: []byte{
			byte(now.Year() - 2000), byte(now.Month()), byte(now.Day()),
			byte(now.Hour()), byte(now.Minute()), byte(now.Second()),
		},
		Serial: serial,
	}
	return f.Marshal()
}

// decodeFix parses the common GPS block: 6-byte UTC, ns-info+sats,
// lat, lon, speed, course/status.
func decodeFix(p []byte) (*protocol.Fix, bool) {
	if len(p) < 18 {
		return nil, false
	}
	ts := time.Date(2000+int(p[0]), time.Month(p[1]), int(p[2]),
		int(p[3]), int(p[4]), int(p[5]), 0, time.UTC)
	if p[1] < 1 || p[1] > 12 || p[2] < 1 || p[2] > 31 {
		return nil, false
	}
	sats := int(p[6] & 0x0F)
	lat := float64(binary.BigEndian.Uint32(p[7:11])) / coordScale
	lon := float64(binary.BigEndian.Uint32(p[11:15])) / coordScale
	speed := float64(p[15])
	cs := binary.BigEndian.Uint16(p[16:18])
	course := float64(cs & 0x03FF)
	if cs&0x0400 == 0 { // bit 10 clear: southern hemisphere
		lat = -lat
	}
	if cs&0x0800 != 0 { // bit 11 set: western hemisphere
		lon = -lon
	}
	valid := cs&0x1000 != 0 // bit 12: GPS fixed
	return &protocol.Fix{
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		Course:     course,
		Satellites: sats,
		Time:       ts,
		Valid:      valid,
		Quality:    boolToQuality(valid),
	}, true
}

func boolToQuality(ok bool) int {
	if ok {
		return 1
	}
	return 0
}

// imeiFromBCD expands the 8-byte packed terminal ID and trims to the
// final 15 digits.
func imeiFromBCD(b []byte) model.IMEI {
	s := hex.EncodeToString(b)
	s = strings.TrimLeft(s, "0")
	if len(s) > 15 {
		s = s[len(s)-15:]
	}
	return model.IMEI(s)
}
