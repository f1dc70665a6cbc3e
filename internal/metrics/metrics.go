package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a dedicated Prometheus registry with the
// standard runtime collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the scrape endpoint handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics application counters and gauges.
type AppMetrics struct {
	ConnAccepted    *prometheus.CounterVec // labels: listener
	ConnRejected    *prometheus.CounterVec // labels: listener, reason=limit|rate
	BytesReceived   *prometheus.CounterVec // labels: listener
	FramesDecoded   *prometheus.CounterVec // labels: protocol, result=ok|framing|checksum
	MessagesRouted  *prometheus.CounterVec // labels: protocol, kind
	RecordsStored   *prometheus.CounterVec // labels: protocol
	RecordsDropped  *prometheus.CounterVec // labels: protocol, reason
	QueueDepth      *prometheus.GaugeVec   // labels: listener
	SessionsOnline  prometheus.Gauge
	SessionTakeover prometheus.Counter
	HeartbeatTotal  prometheus.Counter
	GeofenceEvents  *prometheus.CounterVec // labels: transition
	CommandsTotal   *prometheus.CounterVec // labels: result=issued|rejected|expired
	BroadcastTotal  *prometheus.CounterVec // labels: result=ok|dropped
	WriteLatency    prometheus.Histogram
}

// NewAppMetrics registers and returns the application metric set.
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		ConnAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_accept_total",
			Help: "Accepted connections or datagram sources per listener.",
		}, []string{"listener"}),
		ConnRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_reject_total",
			Help: "Connections refused by limits or rate control.",
		}, []string{"listener", "reason"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listener_bytes_received_total",
			Help: "Raw bytes received per listener.",
		}, []string{"listener"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codec_frames_total",
			Help: "Frame decode attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codec_messages_total",
			Help: "Decoded messages by protocol and kind.",
		}, []string{"protocol", "kind"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_stored_total",
			Help: "Location records committed to storage.",
		}, []string{"protocol"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_dropped_total",
			Help: "Records dropped before storage by reason.",
		}, []string{"protocol", "reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current per-listener ingest queue depth.",
		}, []string{"listener"}),
		SessionsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_online_count",
			Help: "Current number of online devices.",
		}),
		SessionTakeover: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_takeover_total",
			Help: "Sessions superseded by a newer connection for the same device.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		GeofenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geofence_events_total",
			Help: "Geofence transitions emitted.",
		}, []string{"transition"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_total",
			Help: "Device commands by outcome.",
		}, []string{"result"}),
		BroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_publish_total",
			Help: "Real-time publish attempts by outcome.",
		}, []string{"result"}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_write_seconds",
			Help:    "Latency of the storage write step.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.ConnAccepted, m.ConnRejected, m.BytesReceived,
		m.FramesDecoded, m.MessagesRouted,
		m.RecordsStored, m.RecordsDropped, m.QueueDepth,
		m.SessionsOnline, m.SessionTakeover, m.HeartbeatTotal,
		m.GeofenceEvents, m.CommandsTotal, m.BroadcastTotal,
		m.WriteLatency,
	)
	return m
}
