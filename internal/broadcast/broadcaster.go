package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/model"
)

// Envelope is the JSON frame carried on every subject.
type Envelope struct {
	Kind      string      `json:"kind"` // position | event | geofence
	IMEI      model.IMEI  `json:"imei,omitempty"`
	DeviceID  int64       `json:"deviceId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Broadcaster fans processed data out over NATS. Publishing is best
// effort: a slow or absent broker never blocks ingestion, failures
// are counted and dropped.
type Broadcaster struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	appm   *metrics.AppMetrics
}

// New connects to the broker. A disabled config returns a nil
// broadcaster whose methods are no-ops.
func New(cfg cfgpkg.BroadcastConfig, logger *zap.Logger, appm *metrics.AppMetrics) (*Broadcaster, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := []nats.Option{
		nats.Name("gps-server"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gps"
	}
	return &Broadcaster{nc: nc, prefix: prefix, logger: logger, appm: appm}, nil
}

// Close drains the connection.
func (b *Broadcaster) Close() {
	if b == nil || b.nc == nil {
		return
	}
	_ = b.nc.Drain()
}

func (b *Broadcaster) publish(subject string, env Envelope) {
	if b == nil || b.nc == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("broadcast marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.nc.Publish(subject, raw); err != nil {
		if b.appm != nil {
			b.appm.BroadcastTotal.WithLabelValues("dropped").Inc()
		}
		b.logger.Debug("broadcast dropped", zap.String("subject", subject), zap.Error(err))
		return
	}
	if b.appm != nil {
		b.appm.BroadcastTotal.WithLabelValues("ok").Inc()
	}
}

// PublishPosition pushes a stored fix to the device and owner feeds.
func (b *Broadcaster) PublishPosition(dev *model.Device, rec *model.LocationRecord) {
	if b == nil {
		return
	}
	env := Envelope{Kind: "position", IMEI: dev.IMEI, DeviceID: dev.ID, Timestamp: rec.Timestamp, Payload: rec}
	b.publish(fmt.Sprintf("%s.device.%s", b.prefix, dev.IMEI), env)
	if dev.OwnerID != 0 {
		b.publish(fmt.Sprintf("%s.user.%d", b.prefix, dev.OwnerID), env)
	}
	b.publish(b.prefix+".analytics", env)
}

// PublishEvent pushes a typed event to the device and owner feeds.
func (b *Broadcaster) PublishEvent(dev *model.Device, ev *model.Event) {
	if b == nil {
		return
	}
	env := Envelope{Kind: "event", IMEI: dev.IMEI, DeviceID: dev.ID, Timestamp: ev.Timestamp, Payload: ev}
	b.publish(fmt.Sprintf("%s.device.%s", b.prefix, dev.IMEI), env)
	if dev.OwnerID != 0 {
		b.publish(fmt.Sprintf("%s.user.%d", b.prefix, dev.OwnerID), env)
	}
}

// PublishGeofence pushes a fence transition to the fence feed.
func (b *Broadcaster) PublishGeofence(ev *model.GeofenceEvent, fence *model.Geofence) {
	if b == nil {
		return
	}
	env := Envelope{Kind: "geofence", DeviceID: ev.DeviceID, Timestamp: ev.Timestamp, Payload: ev}
	b.publish(fmt.Sprintf("%s.fence.%d", b.prefix, ev.FenceID), env)
	if fence != nil && fence.OwnerID != 0 {
		b.publish(fmt.Sprintf("%s.user.%d", b.prefix, fence.OwnerID), env)
	}
}
