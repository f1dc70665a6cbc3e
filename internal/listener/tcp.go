package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/httpserver"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
	"github.com/fleetgrid/gps-server/internal/session"
)

const readStrikes = 3

var errUnauthorized = errors.New("listener: device not authorized")

type tcpListener struct {
	name  string
	proto model.Protocol
	cfg   cfgpkg.ListenerConfig
	deps  Deps

	ln      net.Listener
	limiter *rate.Limiter
	conns   atomic.Int64
	running atomic.Bool
	lastErr atomic.Value
	stopC   chan struct{}
	wg      sync.WaitGroup
}

func newTCP(name string, proto model.Protocol, cfg cfgpkg.ListenerConfig, deps Deps) *tcpListener {
	l := &tcpListener{name: name, proto: proto, cfg: cfg, deps: deps, stopC: make(chan struct{})}
	if deps.TCP.AcceptRate > 0 {
		burst := deps.TCP.AcceptBurst
		if burst <= 0 {
			burst = deps.TCP.AcceptRate
		}
		l.limiter = rate.NewLimiter(rate.Limit(deps.TCP.AcceptRate), burst)
	}
	return l
}

func (l *tcpListener) Name() string { return l.name }

// Start binds the port and runs the accept loop in the background.
func (l *tcpListener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.running.Store(true)
	l.deps.Logger.Info("tcp listener started",
		zap.String("listener", l.name), zap.String("addr", l.cfg.Addr))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				select {
				case <-l.stopC:
					return
				default:
				}
				l.lastErr.Store(err.Error())
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if l.limiter != nil && !l.limiter.Allow() {
				l.reject(conn, "rate")
				continue
			}
			if max := int64(l.deps.TCP.MaxConnections); max > 0 && l.conns.Load() >= max {
				l.reject(conn, "limit")
				continue
			}
			l.conns.Add(1)
			if l.deps.Metrics != nil {
				l.deps.Metrics.ConnAccepted.WithLabelValues(l.name).Inc()
			}

			l.wg.Add(1)
			go func(c net.Conn) {
				defer l.wg.Done()
				defer l.conns.Add(-1)
				l.handleConn(c)
			}(conn)
		}
	}()
	return nil
}

func (l *tcpListener) reject(conn net.Conn, reason string) {
	_ = conn.Close()
	if l.deps.Metrics != nil {
		l.deps.Metrics.ConnRejected.WithLabelValues(l.name, reason).Inc()
	}
}

// connState is the per-connection authentication outcome.
type connState struct {
	dev    *model.Device
	handle *session.Handle
}

func (l *tcpListener) handleConn(conn net.Conn) {
	defer conn.Close()

	dec, ok := protocol.NewDecoder(l.proto)
	if !ok {
		l.deps.Logger.Error("no decoder registered", zap.String("protocol", string(l.proto)))
		return
	}

	st := &connState{}
	cause := session.CauseRemote
	strikes := 0
	buf := make([]byte, 4096)

loop:
	for {
		select {
		case <-l.stopC:
			cause = session.CauseShutdown
			break loop
		default:
		}

		_ = conn.SetReadDeadline(l.deps.Clock.Now().Add(l.deps.TCP.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			if l.deps.Metrics != nil {
				l.deps.Metrics.BytesReceived.WithLabelValues(l.name).Add(float64(n))
			}
			msgs, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				cause = session.CauseError
				break loop
			}
			for _, m := range msgs {
				// only a decoded frame clears the strike counter; raw
				// bytes that never parse keep the timeout clock running
				if m.Kind != protocol.KindError {
					strikes = 0
				}
				if herr := l.handleMessage(conn, st, m); herr != nil {
					cause = session.CauseError
					break loop
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				strikes++
				if strikes >= readStrikes {
					cause = session.CauseTimeout
					break loop
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				l.lastErr.Store(err.Error())
			}
			break loop
		}
	}

	if st.handle != nil {
		l.deps.Registry.Close(st.dev.IMEI, st.handle, cause)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := l.deps.State.Disconnected(ctx, st.dev); err != nil {
			l.deps.Logger.Warn("disconnect update failed", zap.Error(err))
		}
		cancel()
	}
}

func (l *tcpListener) handleMessage(conn net.Conn, st *connState, m *protocol.Message) error {
	countMessage(l.deps.Metrics, m)

	// first identified message binds the device
	if st.dev == nil && m.IMEI != "" {
		if err := l.bind(conn, st, m); err != nil {
			return err
		}
	}
	if st.dev != nil && m.IMEI == "" {
		m.IMEI = st.dev.IMEI
	}

	if len(m.Ack) > 0 {
		l.write(conn, st, m.Ack)
	}
	if st.dev != nil {
		l.deps.Registry.Touch(st.dev.IMEI, int64(len(m.Raw)), 1)
	}

	if m.IMEI == "" {
		return nil
	}
	it := &ingest.Item{Msg: m, Transport: model.TransportTCP, Listener: l.name, Peer: conn.RemoteAddr().String()}
	for {
		err := l.deps.Pipeline.Submit(it)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ingest.ErrBackpressure) {
			return nil
		}
		// queue full: holding the read loop here is the backpressure
		select {
		case <-l.stopC:
			return nil
		default:
		}
	}
}

func (l *tcpListener) bind(conn net.Conn, st *connState, m *protocol.Message) error {
	if !model.ValidIMEI(m.IMEI) {
		l.denyLogin(conn, st)
		return errUnauthorized
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dev, err := l.deps.State.Resolve(ctx, m.IMEI, l.proto)
	if err != nil {
		l.deps.Logger.Warn("login rejected",
			zap.String("listener", l.name),
			zap.String("imei", string(m.IMEI)),
			zap.String("peer", conn.RemoteAddr().String()),
			zap.Error(err))
		l.denyLogin(conn, st)
		return errUnauthorized
	}

	handle, old := l.deps.Registry.Register(dev, l.proto, model.TransportTCP, conn.RemoteAddr().String(), conn)
	if old != nil {
		if l.deps.Metrics != nil {
			l.deps.Metrics.SessionTakeover.Inc()
		}
		l.deps.Logger.Info("session superseded",
			zap.String("imei", string(dev.IMEI)),
			zap.String("old", old.PeerAddr),
			zap.String("new", conn.RemoteAddr().String()))
	}
	st.dev, st.handle = dev, handle
	if l.deps.Metrics != nil {
		l.deps.Metrics.SessionsOnline.Set(float64(l.deps.Registry.OnlineCount()))
	}

	host, port := splitHostPort(conn.RemoteAddr().String())
	if err := l.deps.State.Connected(ctx, dev, host, port); err != nil {
		l.deps.Logger.Warn("connection update failed", zap.Error(err))
	}

	for _, ack := range authAcks(l.proto, uint32(handle.Session.ID), true) {
		l.write(conn, st, ack)
	}
	return nil
}

func (l *tcpListener) denyLogin(conn net.Conn, st *connState) {
	for _, ack := range authAcks(l.proto, 0, false) {
		l.write(conn, st, ack)
	}
}

func (l *tcpListener) write(conn net.Conn, st *connState, p []byte) {
	_ = conn.SetWriteDeadline(l.deps.Clock.Now().Add(l.deps.TCP.WriteTimeout))
	if _, err := conn.Write(p); err != nil {
		l.deps.Logger.Debug("ack write failed", zap.String("listener", l.name), zap.Error(err))
		return
	}
	if st.dev != nil {
		l.deps.Registry.TrackOut(st.dev.IMEI, int64(len(p)), 1)
	}
}

func (l *tcpListener) Shutdown(ctx context.Context) error {
	close(l.stopC)
	l.running.Store(false)
	if l.ln != nil {
		_ = l.ln.Close()
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

func (l *tcpListener) Status() httpserver.ListenerStatus {
	s := httpserver.ListenerStatus{
		Name:        l.name,
		Transport:   "tcp",
		Addr:        l.cfg.Addr,
		Running:     l.running.Load(),
		Connections: int(l.conns.Load()),
	}
	if e, ok := l.lastErr.Load().(string); ok {
		s.LastError = e
	}
	return s
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}
