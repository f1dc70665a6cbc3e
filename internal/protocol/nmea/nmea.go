// Package nmea decodes NMEA-0183 position sentences ($GPRMC, $GPGGA,
// $GPGLL) arriving over serial or UDP. RMC timestamps combine the
// sentence date and time; GGA/GLL carry no date, so the wall clock
// supplies it.
package nmea

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/nmeautil"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolNMEA, func() protocol.Decoder { return NewDecoder() })
}

// Decoder buffers partial lines across reads.
type Decoder struct {
	buf   []byte
	Clock clock.Clock

	FramingErrs  uint64
	ChecksumErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{Clock: clock.System{}} }

const maxLine = 1024

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
		line := strings.TrimSpace(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if line == "" {
			continue
		}
		if m := d.decodeLine(line); m != nil {
			out = append(out, m)
		}
	}
}

func (d *Decoder) decodeLine(line string) *protocol.Message {
	body, err := nmeautil.StripAndVerify(line)
	if err != nil {
		if err == nmeautil.ErrChecksum {
			d.ChecksumErrs++
		} else {
			d.FramingErrs++
		}
		return nil
	}
	f := strings.Split(body, ",")
	m := &protocol.Message{Protocol: model.ProtocolNMEA, Raw: []byte(line)}
	switch f[0] {
	case "GPRMC", "GNRMC":
		return d.decodeRMC(m, f)
	case "GPGGA", "GNGGA":
		return d.decodeGGA(m, f)
	case "GPGLL", "GNGLL":
		return d.decodeGLL(m, f)
	default:
		return nil // other sentence types are not position sources
	}
}

func (d *Decoder) decodeRMC(m *protocol.Message, f []string) *protocol.Message {
	if len(f) < 10 {
		m.Kind = protocol.KindError
		return m
	}
	lat, err1 := nmeautil.ParseDegMin(f[3], f[4])
	lon, err2 := nmeautil.ParseDegMin(f[5], f[6])
	ts, err3 := nmeautil.ComposeTime(f[1], f[9])
	if err1 != nil || err2 != nil || err3 != nil {
		m.Kind = protocol.KindError
		return m
	}
	fix := &protocol.Fix{
		Latitude:  lat,
		Longitude: lon,
		Time:      ts,
		Valid:     f[2] == "A",
	}
	if fix.Valid {
		fix.Quality = 1
	}
	if f[7] != "" {
		if kn, err := strconv.ParseFloat(f[7], 64); err == nil {
			fix.Speed = nmeautil.KnotsToKmh(kn)
		}
	}
	if f[8] != "" {
		fix.Course, _ = strconv.ParseFloat(f[8], 64)
	}
	m.Kind = protocol.KindPosition
	m.Fix = fix
	return m
}

func (d *Decoder) decodeGGA(m *protocol.Message, f []string) *protocol.Message {
	if len(f) < 10 {
		m.Kind = protocol.KindError
		return m
	}
	lat, err1 := nmeautil.ParseDegMin(f[2], f[3])
	lon, err2 := nmeautil.ParseDegMin(f[4], f[5])
	if err1 != nil || err2 != nil {
		m.Kind = protocol.KindError
		return m
	}
	fix := &protocol.Fix{Latitude: lat, Longitude: lon, Time: d.composeWallTime(f[1])}
	fix.Quality, _ = strconv.Atoi(f[6])
	fix.Valid = fix.Quality > 0
	fix.Satellites, _ = strconv.Atoi(f[7])
	if f[8] != "" {
		fix.HDOP, _ = strconv.ParseFloat(f[8], 64)
	}
	if f[9] != "" {
		fix.Altitude, _ = strconv.ParseFloat(f[9], 64)
	}
	m.Kind = protocol.KindPosition
	m.Fix = fix
	return m
}

func (d *Decoder) decodeGLL(m *protocol.Message, f []string) *protocol.Message {
	if len(f) < 6 {
		m.Kind = protocol.KindError
		return m
	}
	lat, err1 := nmeautil.ParseDegMin(f[1], f[2])
	lon, err2 := nmeautil.ParseDegMin(f[3], f[4])
	if err1 != nil || err2 != nil {
		m.Kind = protocol.KindError
		return m
	}
	fix := &protocol.Fix{
		Latitude:  lat,
		Longitude: lon,
		Time:      d.composeWallTime(f[5]),
		Valid:     len(f) < 7 || f[6] == "A",
	}
	if fix.Valid {
		fix.Quality = 1
	}
	m.Kind = protocol.KindPosition
	m.Fix = fix
	return m
}

// composeWallTime merges a dateless hhmmss field with today's UTC date.
// A sentence time far ahead of the wall clock means the fix is from
// just before midnight.
func (d *Decoder) composeWallTime(hms string) time.Time {
	now := d.Clock.Now().UTC()
	dmy := now.Format("020106")
	ts, err := nmeautil.ComposeTime(hms, dmy)
	if err != nil {
		return now
	}
	if ts.Sub(now) > 12*time.Hour {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts
}
