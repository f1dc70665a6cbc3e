// Package blu implements the proprietary Bluetooth-relay UDP protocol.
// Every packet is [type:1][body][crc:2], the CRC being CRC-X25 over
// type+body. One datagram carries exactly one packet, so Feed treats
// each call as a whole packet.
//
// Uplink types: 0x01 login, 0x02 ping, 0x03 device info, 0x04 data
// container (records 0x30 track batch, 0x31 passenger count).
// Downlink: 0x10 session allocation, 0x11 login ack, 0x20 info
// request, 0x21 data request, 0x22 data ack, 0x23/0x24/0x25 motor
// on/off and reset.
package blu

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetgrid/gps-server/internal/crc16"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

func init() {
	protocol.Register(model.ProtocolBLU, func() protocol.Decoder { return NewDecoder() })
}

const (
	pktLogin    = 0x01
	pktPing     = 0x02
	pktInfo     = 0x03
	pktData     = 0x04
	pktSession  = 0x10
	pktLoginAck = 0x11
	pktInfoReq  = 0x20
	pktDataReq  = 0x21
	pktDataAck  = 0x22
	pktMotorOn  = 0x23
	pktMotorOff = 0x24
	pktReset    = 0x25

	recTrack     = 0x30
	recPassenger = 0x31

	trackSampleLen     = 13 // epoch(4) lat(4) lon(4) speed(1)
	passengerSampleLen = 14 // epoch(4) in(2) out(2) mac(6)

	coordScale = 1e7
)

// Decoder parses one packet per Feed call (datagram-oriented).
type Decoder struct {
	FramingErrs  uint64
	ChecksumErrs uint64
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Feed(p []byte) ([]*protocol.Message, error) {
	if len(p) < 3 {
		d.FramingErrs++
		return nil, nil
	}
	body := p[:len(p)-2]
	want := binary.BigEndian.Uint16(p[len(p)-2:])
	if crc16.Checksum(crc16.X25, body) != want {
		d.ChecksumErrs++
		return nil, nil
	}
	m := &protocol.Message{
		Protocol: model.ProtocolBLU,
		Raw:      append([]byte(nil), p...),
	}
	switch body[0] {
	case pktLogin:
		if len(body) != 1+8+6 {
			d.FramingErrs++
			return nil, nil
		}
		m.Kind = protocol.KindLogin
		m.IMEI = model.IMEI(strconv.FormatUint(binary.BigEndian.Uint64(body[1:9]), 10))
		m.Extra = map[string]string{"mac": hex.EncodeToString(body[9:15])}
		return []*protocol.Message{m}, nil
	case pktPing:
		if len(body) != 1+4+4+4+4+1+1 {
			d.FramingErrs++
			return nil, nil
		}
		m.Kind = protocol.KindHeartbeat
		m.SessionID = binary.BigEndian.Uint32(body[1:5])
		fix := decodeSample(body[5:18])
		m.Fix = fix
		in := uint32(body[18])
		m.InputMask = &in
		return []*protocol.Message{m}, nil
	case pktInfo:
		if len(body) < 1+4 {
			d.FramingErrs++
			return nil, nil
		}
		m.Kind = protocol.KindInfo
		m.SessionID = binary.BigEndian.Uint32(body[1:5])
		return []*protocol.Message{m}, nil
	case pktData:
		return d.decodeContainer(m, body)
	default:
		m.Kind = protocol.KindError
		return []*protocol.Message{m}, nil
	}
}

// decodeContainer splits a 0x04 packet into per-record messages. The
// data ack for the whole container rides on the last message.
func (d *Decoder) decodeContainer(base *protocol.Message, body []byte) ([]*protocol.Message, error) {
	if len(body) < 1+4 {
		d.FramingErrs++
		return nil, nil
	}
	session := binary.BigEndian.Uint32(body[1:5])
	rest := body[5:]
	var out []*protocol.Message
	for len(rest) >= 2 {
		rtype, rlen := rest[0], int(rest[1])
		if len(rest) < 2+rlen {
			d.FramingErrs++
			break
		}
		rec := rest[2 : 2+rlen]
		rest = rest[2+rlen:]
		switch rtype {
		case recTrack:
			for off := 0; off+trackSampleLen <= len(rec); off += trackSampleLen {
				m := &protocol.Message{
					Protocol:  model.ProtocolBLU,
					Kind:      protocol.KindPosition,
					SessionID: session,
					Fix:       decodeSample(rec[off : off+trackSampleLen]),
				}
				out = append(out, m)
			}
		case recPassenger:
			if len(rec) != passengerSampleLen {
				continue
			}
			m := &protocol.Message{
				Protocol:  model.ProtocolBLU,
				Kind:      protocol.KindInfo,
				SessionID: session,
				Time:      time.Unix(int64(binary.BigEndian.Uint32(rec[0:4])), 0).UTC(),
				Counts: map[string]int{
					"in":  int(binary.BigEndian.Uint16(rec[4:6])),
					"out": int(binary.BigEndian.Uint16(rec[6:8])),
				},
				Extra: map[string]string{"reader_mac": hex.EncodeToString(rec[8:14])},
			}
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		out[0].Raw = base.Raw
		out[len(out)-1].Ack = DataAck(session, len(out))
	}
	return out, nil
}

func decodeSample(b []byte) *protocol.Fix {
	return &protocol.Fix{
		Time:      time.Unix(int64(binary.BigEndian.Uint32(b[0:4])), 0).UTC(),
		Latitude:  float64(int32(binary.BigEndian.Uint32(b[4:8]))) / coordScale,
		Longitude: float64(int32(binary.BigEndian.Uint32(b[8:12]))) / coordScale,
		Speed:     float64(b[12]),
		Valid:     true,
		Quality:   1,
	}
}

// marshal appends the CRC-X25 trailer.
func marshal(body []byte) []byte {
	crc := crc16.Checksum(crc16.X25, body)
	return binary.BigEndian.AppendUint16(body, crc)
}

// SessionAlloc builds the 0x10 session allocation packet.
func SessionAlloc(session uint32) []byte {
	b := make([]byte, 0, 7)
	b = append(b, pktSession)
	b = binary.BigEndian.AppendUint32(b, session)
	return marshal(b)
}

// LoginAck builds the 0x11 login ack; status 0 accepts, 1 rejects.
func LoginAck(ok bool) []byte {
	status := byte(1)
	if ok {
		status = 0
	}
	return marshal([]byte{pktLoginAck, status})
}

// DataAck acknowledges a 0x04 container with the record count.
func DataAck(session uint32, n int) []byte {
	b := make([]byte, 0, 8)
	b = append(b, pktDataAck)
	b = binary.BigEndian.AppendUint32(b, session)
	b = append(b, byte(n))
	return marshal(b)
}

// Encoder builds the server-initiated device commands. The session
// token of the live binding can be set on the struct or passed as the
// "session" param.
type Encoder struct {
	Session uint32
}

var _ protocol.Encoder = (*Encoder)(nil)

func init() {
	protocol.RegisterEncoder(model.ProtocolBLU, func() protocol.Encoder { return &Encoder{} })
}

func (e *Encoder) EncodeCommand(name string, params map[string]string) ([]byte, error) {
	var typ byte
	switch name {
	case "motor_on", "restore_oil":
		typ = pktMotorOn
	case "motor_off", "cut_oil":
		typ = pktMotorOff
	case "reset", "factory_reset":
		typ = pktReset
	default:
		return nil, fmt.Errorf("blu: unsupported command %q", name)
	}
	session := e.Session
	if s := params["session"]; s != "" {
		if v, err := strconv.ParseUint(s, 10, 32); err == nil {
			session = uint32(v)
		}
	}
	b := make([]byte, 0, 7)
	b = append(b, typ)
	b = binary.BigEndian.AppendUint32(b, session)
	return marshal(b), nil
}
