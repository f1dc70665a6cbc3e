// Package wialon implements the Wialon IPS line protocol over TCP.
// Every directive is a single CRLF-terminated line of ;-separated
// fields. The login ack depends on device authentication, so the
// listener sends it after the pipeline's verdict (see LoginAck).
package wialon

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/nmeautil"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolWialon, func() protocol.Decoder { return NewDecoder() })
}

// Decoder buffers partial lines across reads.
type Decoder struct {
	buf []byte

	FramingErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{} }

const maxLine = 4096

// LoginAck is the reply to "#L#": "#AL#1" accepts, "#AL#0" rejects.
func LoginAck(ok bool) []byte {
	if ok {
		return []byte("#AL#1\r\n")
	}
	return []byte("#AL#0\r\n")
}

func (d *Decoder) Feed(p []byte) ([]*protocol.Message, error) {
	d.buf = append(d.buf, p...)
	var out []*protocol.Message
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > maxLine {
				d.buf = nil
				d.FramingErrs++
			}
			return out, nil
		}
		line := strings.TrimRight(string(d.buf[:i]), "\r")
		d.buf = d.buf[i+1:]
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#B#") {
			out = append(out, d.decodeBatch(line)...)
			continue
		}
		if m := d.decodeLine(line); m != nil {
			out = append(out, m)
		}
	}
}

// decodeBatch expands "#B#" into one position message per record; the
// ack rides on the last message.
func (d *Decoder) decodeBatch(line string) []*protocol.Message {
	records := strings.Split(line[3:], "|")
	var out []*protocol.Message
	for _, rec := range records {
		m := &protocol.Message{Protocol: model.ProtocolWialon, Raw: []byte(rec)}
		out = append(out, d.decodeData(m, rec, nil))
	}
	ack := []byte("#AB#" + strconv.Itoa(len(records)) + "\r\n")
	if len(out) > 0 {
		out[len(out)-1].Ack = ack
	}
	return out
}

func (d *Decoder) decodeLine(line string) *protocol.Message {
	m := &protocol.Message{
		Protocol: model.ProtocolWialon,
		Raw:      []byte(line),
	}
	switch {
	case strings.HasPrefix(line, "#L#"):
		parts := strings.SplitN(line[3:], ";", 2)
		m.Kind = protocol.KindLogin
		m.IMEI = model.IMEI(parts[0])
		if len(parts) > 1 {
			m.Password = parts[1]
		}
	case strings.HasPrefix(line, "#P#"):
		m.Kind = protocol.KindPing
		m.Ack = []byte("#AP#\r\n")
	case strings.HasPrefix(line, "#D#"):
		return d.decodeData(m, line[3:], []byte("#AD#1\r\n"))
	case strings.HasPrefix(line, "#SD#"):
		return d.decodeData(m, line[4:], []byte("#ASD#1\r\n"))
	default:
		m.Kind = protocol.KindError
		d.FramingErrs++
	}
	return m
}

// decodeData parses date;time;lat;NS;lon;EW;speed;course;alt;sats.
// Speeds are already km/h on the wire.
func (d *Decoder) decodeData(m *protocol.Message, body string, ackOK []byte) *protocol.Message {
	f := strings.Split(body, ";")
	if len(f) < 10 {
		m.Kind = protocol.KindError
		return m
	}
	lat, err1 := nmeautil.ParseDegMin(f[2], f[3])
	lon, err2 := nmeautil.ParseDegMin(f[4], f[5])
	ts, err3 := nmeautil.ComposeTime(f[1], f[0])
	if err1 != nil || err2 != nil || err3 != nil {
		m.Kind = protocol.KindError
		return m
	}
	fix := &protocol.Fix{
		Latitude:  lat,
		Longitude: lon,
		Time:      ts,
		Valid:     true,
		Quality:   1,
	}
	fix.Speed, _ = strconv.ParseFloat(f[6], 64)
	fix.Course, _ = strconv.ParseFloat(f[7], 64)
	fix.Altitude, _ = strconv.ParseFloat(f[8], 64)
	fix.Satellites, _ = strconv.Atoi(f[9])
	m.Kind = protocol.KindPosition
	m.Fix = fix
	m.Ack = ackOK
	return m
}
