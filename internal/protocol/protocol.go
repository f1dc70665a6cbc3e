// Package protocol defines the decoder contract shared by all vendor
// codecs and the registry the listeners dispatch through. Adding a
// protocol is one package plus one registry entry.
package protocol

import (
	"errors"
	"time"

	"github.com/fleetgrid/gps-server/internal/model"
)

var (
	// ErrShort more bytes are needed to complete the current frame.
	ErrShort = errors.New("short frame")
	// ErrBadFrame the framing is invalid at the current position.
	ErrBadFrame = errors.New("bad frame")
	// ErrChecksum the frame is well-delimited but its CRC does not match.
	ErrChecksum = errors.New("checksum mismatch")
)

// Kind classifies a decoded message.
type Kind string

const (
	KindLogin     Kind = "login"
	KindPosition  Kind = "position"
	KindHeartbeat Kind = "heartbeat"
	KindAlarm     Kind = "alarm"
	KindInfo      Kind = "info"
	KindPing      Kind = "ping"
	KindTimeSync  Kind = "timesync"
	KindError     Kind = "error" // well-framed but undecodable; Raw holds the bytes
)

// Fix a decoded GPS fix. Speeds are km/h.
type Fix struct {
	Latitude   float64
	Longitude  float64
	Speed      float64
	Course     float64
	Altitude   float64
	Satellites int
	HDOP       float64
	Accuracy   float64
	Quality    int
	Time       time.Time
	Valid      bool
}

// Position converts the fix coordinates to a model position.
func (f *Fix) Position() model.Position {
	return model.Position{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Message a single decoded protocol message, normalized enough for the
// ingestion pipeline. Protocol-specific leftovers stay in the masks and
// Raw bytes.
type Message struct {
	Protocol model.Protocol
	Kind     Kind
	IMEI     model.IMEI
	Fix      *Fix
	Time     time.Time // message time when it differs from fix time
	Serial   uint16    // frame serial / packet number where the wire has one
	Raw      []byte
	Ack      []byte // auth-independent response to write back, if any

	Password  string // wialon login
	SessionID uint32 // blu session token

	Voltage    float64
	GSMSignal  int
	StatusBits uint16
	AlarmMask  *uint32
	InputMask  *uint32
	OutputMask *uint32

	// Counts carries sampled counters (e.g. passenger in/out) keyed by name.
	Counts map[string]int
	// Extra holds small protocol-specific strings (MAC addresses,
	// firmware versions) that do not warrant typed fields.
	Extra map[string]string
}

// Decoder turns a raw byte stream into messages. Implementations are
// stateful and resumable: bytes of an incomplete trailing frame are
// retained until the next Feed. Framing garbage is skipped forward to
// the next plausible frame start and surfaced as a KindError message;
// checksum failures discard the frame only. Feed never returns an error
// for data faults; a non-nil error means the stream is unusable and
// the transport should close.
type Decoder interface {
	Feed(p []byte) ([]*Message, error)
}

// Encoder builds outbound command bytes for protocols that support
// server-initiated commands.
type Encoder interface {
	EncodeCommand(name string, params map[string]string) ([]byte, error)
}

// factory builds a fresh decoder per connection/session.
type factory func() Decoder

var (
	registry        = map[model.Protocol]factory{}
	encoderRegistry = map[model.Protocol]func() Encoder{}
)

// Register installs a decoder factory for a protocol tag. Called from
// codec package init functions.
func Register(p model.Protocol, f func() Decoder) { registry[p] = f }

// RegisterEncoder installs a command encoder factory for protocols
// that can carry server-initiated commands.
func RegisterEncoder(p model.Protocol, f func() Encoder) { encoderRegistry[p] = f }

// NewDecoder returns a fresh decoder for p, or false when the protocol
// is unknown.
func NewDecoder(p model.Protocol) (Decoder, bool) {
	f, ok := registry[p]
	if !ok {
		return nil, false
	}
	return f(), true
}

// NewEncoder returns a fresh command encoder for p, or false when the
// protocol has no command channel.
func NewEncoder(p model.Protocol) (Encoder, bool) {
	f, ok := encoderRegistry[p]
	if !ok {
		return nil, false
	}
	return f(), true
}
