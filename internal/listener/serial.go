package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"go.uber.org/zap"

	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/httpserver"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

// serialListener reads NMEA sentences from a local port. A serial
// feed has no wire identity, so the device IMEI comes from config.
type serialListener struct {
	name  string
	proto model.Protocol
	cfg   cfgpkg.ListenerConfig
	deps  Deps

	port    serial.Port
	running atomic.Bool
	lastErr atomic.Value
	stopC   chan struct{}
	wg      sync.WaitGroup
}

func newSerial(name string, proto model.Protocol, cfg cfgpkg.ListenerConfig, deps Deps) *serialListener {
	return &serialListener{name: name, proto: proto, cfg: cfg, deps: deps, stopC: make(chan struct{})}
}

func (l *serialListener) Name() string { return l.name }

func (l *serialListener) Start() error {
	baud := l.cfg.BaudRate
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(&serial.Config{
		Address:  l.cfg.Addr,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  time.Second,
	})
	if err != nil {
		return err
	}
	l.port = port
	l.running.Store(true)
	l.deps.Logger.Info("serial listener started",
		zap.String("listener", l.name),
		zap.String("device", l.cfg.Addr),
		zap.Int("baud", baud))

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *serialListener) readLoop() {
	defer l.wg.Done()
	dec, ok := protocol.NewDecoder(l.proto)
	if !ok {
		l.deps.Logger.Error("no decoder registered", zap.String("protocol", string(l.proto)))
		return
	}
	buf := make([]byte, 1024)
	for {
		select {
		case <-l.stopC:
			return
		default:
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			if l.deps.Metrics != nil {
				l.deps.Metrics.BytesReceived.WithLabelValues(l.name).Add(float64(n))
			}
			msgs, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				l.lastErr.Store(ferr.Error())
				continue
			}
			for _, m := range msgs {
				countMessage(l.deps.Metrics, m)
				if m.IMEI == "" {
					m.IMEI = model.IMEI(l.cfg.DeviceIMEI)
				}
				if m.IMEI == "" {
					continue
				}
				it := &ingest.Item{Msg: m, Transport: model.TransportSerial, Listener: l.name, Peer: l.cfg.Addr}
				_ = l.deps.Pipeline.Submit(it)
			}
		}
		if err != nil {
			// reads time out once a second to stay stoppable
			continue
		}
	}
}

func (l *serialListener) Shutdown(ctx context.Context) error {
	close(l.stopC)
	l.running.Store(false)
	if l.port != nil {
		_ = l.port.Close()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (l *serialListener) Status() httpserver.ListenerStatus {
	s := httpserver.ListenerStatus{
		Name:      l.name,
		Transport: "serial",
		Addr:      l.cfg.Addr,
		Running:   l.running.Load(),
	}
	if e, ok := l.lastErr.Load().(string); ok {
		s.LastError = e
	}
	return s
}
