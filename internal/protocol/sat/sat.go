// Package sat implements the satellite-relay gateway protocol: a
// 38-byte header carrying the ASCII IMEI and a packet number, followed
// by fixed 12-byte position records with packed dates and IEEE-754
// coordinates. The record count sits at header bytes 28..29; the
// remaining header bytes are gateway routing data the core ignores.
package sat

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolSAT, func() protocol.Decoder { return NewDecoder() })
}

const (
	headerLen = 38
	recordLen = 12

	imeiOff  = 10 // 15 ASCII digits at 10..24
	pktNoOff = 26
	countOff = 28

	baseYear = 2007
)

// Decoder reassembles header+records messages across TCP reads.
type Decoder struct {
	buf []byte

	FramingErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Feed(p []byte) ([]*protocol.Message, error) {
	d.buf = append(d.buf, p...)
	var out []*protocol.Message
	for {
		if len(d.buf) < headerLen {
			return out, nil
		}
		if !validIMEI(d.buf[imeiOff : imeiOff+15]) {
			d.buf = d.buf[1:]
			d.FramingErrs++
			continue
		}
		count := int(binary.BigEndian.Uint16(d.buf[countOff : countOff+2]))
		total := headerLen + count*recordLen
		if count == 0 || count > 512 {
			d.buf = d.buf[1:]
			d.FramingErrs++
			continue
		}
		if len(d.buf) < total {
			return out, nil
		}
		imei := model.IMEI(d.buf[imeiOff : imeiOff+15])
		pktNo := binary.BigEndian.Uint16(d.buf[pktNoOff : pktNoOff+2])
		for i := 0; i < count; i++ {
			rec := d.buf[headerLen+i*recordLen : headerLen+(i+1)*recordLen]
			m := &protocol.Message{
				Protocol: model.ProtocolSAT,
				Kind:     protocol.KindPosition,
				IMEI:     imei,
				Serial:   pktNo,
				Fix:      decodeRecord(rec),
			}
			if m.Fix == nil {
				m.Kind = protocol.KindError
				m.Raw = append([]byte(nil), rec...)
			}
			out = append(out, m)
		}
		d.buf = d.buf[total:]
	}
}

// decodeRecord unpacks ym(1) dhm(2) lat(f32) lon(f32); the trailing
// byte is reserved.
func decodeRecord(rec []byte) *protocol.Fix {
	year := baseYear + int(rec[0]>>4)
	month := int(rec[0] & 0x0F)
	dhm := binary.BigEndian.Uint16(rec[1:3])
	day := int(dhm >> 11)
	hour := int((dhm >> 6) & 0x1F)
	minute := int(dhm & 0x3F)
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return nil
	}
	lat := float64(math.Float32frombits(binary.BigEndian.Uint32(rec[3:7])))
	lon := float64(math.Float32frombits(binary.BigEndian.Uint32(rec[7:11])))
	return &protocol.Fix{
		Latitude:  lat,
		Longitude: lon,
		Time:      time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC),
		Valid:     true,
		Quality:   1,
	}
}

func validIMEI(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// MarshalHeader builds a header for tests and the gateway simulator.
func MarshalHeader(imei model.IMEI, pktNo uint16, count int) []byte {
	h := make([]byte, headerLen)
	copy(h[imeiOff:], []byte(imei))
	binary.BigEndian.PutUint16(h[pktNoOff:], pktNo)
	binary.BigEndian.PutUint16(h[countOff:], uint16(count))
	return h
}

// MarshalRecord packs a position record.
func MarshalRecord(t time.Time, lat, lon float64) []byte {
	rec := make([]byte, recordLen)
	rec[0] = byte((t.Year()-baseYear)<<4) | byte(t.Month())
	dhm := uint16(t.Day())<<11 | uint16(t.Hour())<<6 | uint16(t.Minute())
	binary.BigEndian.PutUint16(rec[1:3], dhm)
	binary.BigEndian.PutUint32(rec[3:7], math.Float32bits(float32(lat)))
	binary.BigEndian.PutUint32(rec[7:11], math.Float32bits(float32(lon)))
	return rec
}
