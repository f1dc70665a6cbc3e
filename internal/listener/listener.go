// Package listener binds the protocol codecs to their transports. One
// listener per configured ingress: TCP acceptors for the stream
// protocols, shared UDP sockets for the datagram ones, and a serial
// reader for local NMEA feeds.
package listener

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/httpserver"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
	"github.com/fleetgrid/gps-server/internal/protocol/blu"
	"github.com/fleetgrid/gps-server/internal/protocol/wialon"
	"github.com/fleetgrid/gps-server/internal/session"
	"github.com/fleetgrid/gps-server/internal/state"
)

// Deps is the shared wiring every listener needs.
type Deps struct {
	Registry *session.Registry
	State    *state.Store
	Pipeline *ingest.Pipeline
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.AppMetrics
	TCP      cfgpkg.TCPConfig
}

// Listener one bound ingress endpoint.
type Listener interface {
	Name() string
	Start() error
	Shutdown(ctx context.Context) error
	Status() httpserver.ListenerStatus
}

// BuildAll constructs the enabled listeners from config.
func BuildAll(cfg cfgpkg.ListenersConfig, deps Deps) ([]Listener, error) {
	entries := []struct {
		name     string
		protocol model.Protocol
		lc       cfgpkg.ListenerConfig
	}{
		{"concox", model.ProtocolConcox, cfg.Concox},
		{"meiligao", model.ProtocolMeiligao, cfg.Meiligao},
		{"wialon", model.ProtocolWialon, cfg.Wialon},
		{"blu", model.ProtocolBLU, cfg.BLU},
		{"sat", model.ProtocolSAT, cfg.SAT},
		{"nmea-serial", model.ProtocolNMEA, cfg.NMEASerial},
		{"nmea-udp", model.ProtocolNMEA, cfg.NMEAUDP},
	}

	var out []Listener
	for _, e := range entries {
		if !e.lc.Enabled {
			continue
		}
		switch e.lc.Transport {
		case "tcp":
			out = append(out, newTCP(e.name, e.protocol, e.lc, deps))
		case "udp":
			out = append(out, newUDP(e.name, e.protocol, e.lc, deps))
		case "serial":
			out = append(out, newSerial(e.name, e.protocol, e.lc, deps))
		default:
			return nil, fmt.Errorf("listener %s: unknown transport %q", e.name, e.lc.Transport)
		}
	}
	return out, nil
}

// authAcks returns the transport bytes answering a login once the
// verdict is known. Protocols whose login ack is auth-independent
// carry it prebuilt on the message instead.
func authAcks(p model.Protocol, sessionToken uint32, ok bool) [][]byte {
	switch p {
	case model.ProtocolWialon:
		return [][]byte{wialon.LoginAck(ok)}
	case model.ProtocolBLU:
		if !ok {
			return [][]byte{blu.LoginAck(false)}
		}
		return [][]byte{blu.LoginAck(true), blu.SessionAlloc(sessionToken)}
	}
	return nil
}

// countMessage records codec routing metrics.
func countMessage(m *metrics.AppMetrics, msg *protocol.Message) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(string(msg.Protocol), string(msg.Kind)).Inc()
	result := "ok"
	if msg.Kind == protocol.KindError {
		result = "framing"
	}
	m.FramesDecoded.WithLabelValues(string(msg.Protocol), result).Inc()
}
