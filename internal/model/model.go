package model

import "time"

// IMEI is the 15-digit decimal identifier of a tracker modem.
type IMEI string

// Protocol identifies a device wire protocol.
type Protocol string

const (
	ProtocolConcox   Protocol = "concox"
	ProtocolMeiligao Protocol = "meiligao"
	ProtocolWialon   Protocol = "wialon"
	ProtocolBLU      Protocol = "blu"
	ProtocolSAT      Protocol = "sat"
	ProtocolNMEA     Protocol = "nmea"
	ProtocolOther    Protocol = "other"
)

// Transport identifies the carrier a session runs over.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportUDP    Transport = "udp"
	TransportSerial Transport = "serial"
)

// ConnectionStatus device connectivity state.
type ConnectionStatus string

const (
	StatusOnline   ConnectionStatus = "online"
	StatusOffline  ConnectionStatus = "offline"
	StatusSleeping ConnectionStatus = "sleeping"
	StatusError    ConnectionStatus = "error"
)

// Position WGS-84 fix.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the position is inside WGS-84 bounds.
func (p Position) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Device current state of a tracked unit. Keyed by IMEI.
type Device struct {
	ID             int64            `json:"id"`
	IMEI           IMEI             `json:"imei"`
	Name           string           `json:"name"`
	Protocol       Protocol         `json:"protocol"`
	Position       Position         `json:"position"`
	Speed          float64          `json:"speed"`  // km/h
	Course         float64          `json:"course"` // degrees
	Altitude       float64          `json:"altitude"`
	Status         ConnectionStatus `json:"status"`
	LastConnection *time.Time       `json:"lastConnection,omitempty"`
	LastHeartbeat  *time.Time       `json:"lastHeartbeat,omitempty"`
	LastLog        *time.Time       `json:"lastLog,omitempty"` // timestamp of the newest persisted fix
	CurrentIP      string           `json:"currentIp,omitempty"`
	CurrentPort    int              `json:"currentPort,omitempty"`
	ConnectionNo   int64            `json:"connectionNo"`
	ErrorCount     int64            `json:"errorCount"`
	LastError      string           `json:"lastError,omitempty"`
	Active         bool             `json:"active"`
	OwnerID        int64            `json:"ownerId"`
}

// Session a live binding between a device and a transport endpoint.
type Session struct {
	ID         int64      `json:"id"`
	DeviceID   int64      `json:"deviceId"`
	IMEI       IMEI       `json:"imei"`
	Protocol   Protocol   `json:"protocol"`
	Transport  Transport  `json:"transport"`
	PeerAddr   string     `json:"peerAddr"`
	OpenedAt   time.Time  `json:"openedAt"`
	LastActive time.Time  `json:"lastActive"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	BytesIn    int64      `json:"bytesIn"`
	BytesOut   int64      `json:"bytesOut"`
	PacketsIn  int64      `json:"packetsIn"`
	PacketsOut int64      `json:"packetsOut"`
	Expiry     *time.Time `json:"expiry,omitempty"` // UDP only
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.ClosedAt != nil }

// LocationRecord an immutable GPS fix.
type LocationRecord struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	Position   Position  `json:"position"`
	Speed      float64   `json:"speed"` // km/h
	Course     float64   `json:"course"`
	Altitude   float64   `json:"altitude"`
	Satellites int       `json:"satellites"`
	Accuracy   float64   `json:"accuracy"`
	HDOP       float64   `json:"hdop"`
	PDOP       float64   `json:"pdop"`
	FixQuality int       `json:"fixQuality"`
}

// EventType enumerates the notifications produced by the core.
type EventType string

const (
	EventLocation      EventType = "location"
	EventAlarm         EventType = "alarm"
	EventPanic         EventType = "panic"
	EventSOS           EventType = "sos"
	EventIgnition      EventType = "ignition"
	EventIOChange      EventType = "io-change"
	EventGeofenceEntry EventType = "geofence-entry"
	EventGeofenceExit  EventType = "geofence-exit"
	EventHeartbeat     EventType = "heartbeat"
	EventReset         EventType = "reset"
	EventRegistration  EventType = "registration"
	EventCommandAudit  EventType = "command-audit"
	EventStatusChange  EventType = "status-change"
	EventProtocolError EventType = "protocol-error"
)

// Event a typed notification with optional position and raw payload.
type Event struct {
	ID         string                 `json:"id"`
	DeviceID   int64                  `json:"deviceId"`
	IMEI       IMEI                   `json:"imei"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Position   *Position              `json:"position,omitempty"`
	RawPayload string                 `json:"rawPayload,omitempty"` // hex
	InputMask  *uint32                `json:"inputMask,omitempty"`
	OutputMask *uint32                `json:"outputMask,omitempty"`
	AlarmMask  *uint32                `json:"alarmMask,omitempty"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
}

// Geofence a polygonal region with notification policy.
type Geofence struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Polygon         []Position `json:"polygon"`
	OwnerID         int64      `json:"ownerId"`
	Active          bool       `json:"active"`
	NotifyOnEnter   bool       `json:"notifyOnEnter"`
	NotifyOnExit    bool       `json:"notifyOnExit"`
	AlertOnEnter    bool       `json:"alertOnEnter"`
	AlertOnExit     bool       `json:"alertOnExit"`
	CooldownSeconds int        `json:"cooldownSeconds"`
	EnterEmails     []string   `json:"enterEmails,omitempty"`
	ExitEmails      []string   `json:"exitEmails,omitempty"`
	EnterPhones     []string   `json:"enterPhones,omitempty"`
	ExitPhones      []string   `json:"exitPhones,omitempty"`
	DeviceIDs       []int64    `json:"deviceIds,omitempty"`
}

// GeofenceTransition entry or exit.
type GeofenceTransition string

const (
	TransitionEntry GeofenceTransition = "entry"
	TransitionExit  GeofenceTransition = "exit"
)

// GeofenceEvent a persisted fence transition.
type GeofenceEvent struct {
	ID        int64              `json:"id"`
	FenceID   int64              `json:"fenceId"`
	DeviceID  int64              `json:"deviceId"`
	Type      GeofenceTransition `json:"type"`
	Position  Position           `json:"position"`
	Timestamp time.Time          `json:"timestamp"`
}

// DeviceSnapshot read model served by the state store.
type DeviceSnapshot struct {
	Device
	ActiveSessions int `json:"activeSessions"`
}
