package listener

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/httpserver"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
	"github.com/fleetgrid/gps-server/internal/session"
)

// udpWriter binds the shared socket to one peer. Close is a no-op
// because the socket outlives any single session.
type udpWriter struct {
	pc   net.PacketConn
	addr net.Addr
}

func (w *udpWriter) Write(p []byte) (int, error) { return w.pc.WriteTo(p, w.addr) }
func (w *udpWriter) Close() error                { return nil }

// udpPeer is the decode state for one remote address. UDP protocols
// either identify every frame (meiligao) or carry a session token
// (blu), so the peer keeps whichever binding was seen last.
type udpPeer struct {
	dec      protocol.Decoder
	dev      *model.Device
	handle   *session.Handle
	lastSeen time.Time
}

type udpListener struct {
	name  string
	proto model.Protocol
	cfg   cfgpkg.ListenerConfig
	deps  Deps

	pc      net.PacketConn
	running atomic.Bool
	lastErr atomic.Value
	stopC   chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	peers    map[string]*udpPeer
	sessions map[uint32]model.IMEI // blu token -> identity
}

func newUDP(name string, proto model.Protocol, cfg cfgpkg.ListenerConfig, deps Deps) *udpListener {
	return &udpListener{
		name:     name,
		proto:    proto,
		cfg:      cfg,
		deps:     deps,
		stopC:    make(chan struct{}),
		peers:    make(map[string]*udpPeer),
		sessions: make(map[uint32]model.IMEI),
	}
}

func (l *udpListener) Name() string { return l.name }

func (l *udpListener) Start() error {
	pc, err := net.ListenPacket("udp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.pc = pc
	l.running.Store(true)
	l.deps.Logger.Info("udp listener started",
		zap.String("listener", l.name), zap.String("addr", l.cfg.Addr))

	l.wg.Add(2)
	go l.readLoop()
	go l.pruneLoop()
	return nil
}

func (l *udpListener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stopC:
				return
			default:
			}
			l.lastErr.Store(err.Error())
			continue
		}
		if l.deps.Metrics != nil {
			l.deps.Metrics.BytesReceived.WithLabelValues(l.name).Add(float64(n))
		}
		l.handleDatagram(buf[:n], addr)
	}
}

// pruneLoop drops decode state for peers gone quiet. Their registry
// sessions expire separately through the reaper.
func (l *udpListener) pruneLoop() {
	defer l.wg.Done()
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stopC:
			return
		case <-t.C:
			cutoff := l.deps.Clock.Now().Add(-30 * time.Minute)
			l.mu.Lock()
			for k, p := range l.peers {
				if p.lastSeen.Before(cutoff) {
					delete(l.peers, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *udpListener) peer(addr net.Addr) *udpPeer {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[key]
	if !ok {
		dec, decOK := protocol.NewDecoder(l.proto)
		if !decOK {
			return nil
		}
		p = &udpPeer{dec: dec}
		l.peers[key] = p
		if l.deps.Metrics != nil {
			l.deps.Metrics.ConnAccepted.WithLabelValues(l.name).Inc()
		}
	}
	p.lastSeen = l.deps.Clock.Now()
	return p
}

func (l *udpListener) handleDatagram(data []byte, addr net.Addr) {
	p := l.peer(addr)
	if p == nil {
		return
	}
	msgs, err := p.dec.Feed(data)
	if err != nil {
		l.lastErr.Store(err.Error())
		return
	}
	w := &udpWriter{pc: l.pc, addr: addr}
	for _, m := range msgs {
		countMessage(l.deps.Metrics, m)
		l.handleMessage(p, w, addr, m)
	}
}

func (l *udpListener) handleMessage(p *udpPeer, w *udpWriter, addr net.Addr, m *protocol.Message) {
	// fill identity from whatever binding exists
	if m.IMEI == "" {
		switch {
		case m.SessionID != 0:
			l.mu.Lock()
			m.IMEI = l.sessions[m.SessionID]
			l.mu.Unlock()
		case p.dev != nil:
			m.IMEI = p.dev.IMEI
		case l.cfg.DeviceIMEI != "":
			m.IMEI = model.IMEI(l.cfg.DeviceIMEI)
		}
	}
	if m.IMEI == "" {
		return
	}

	// first sighting of a device on this socket opens a session
	if p.dev == nil || p.dev.IMEI != m.IMEI {
		if !l.bind(p, w, addr, m) {
			return
		}
	}

	if len(m.Ack) > 0 {
		l.write(w, m)
	}
	l.deps.Registry.Touch(m.IMEI, int64(len(m.Raw)), 1)

	it := &ingest.Item{Msg: m, Transport: model.TransportUDP, Listener: l.name, Peer: addr.String()}
	_ = l.deps.Pipeline.Submit(it)
}

func (l *udpListener) bind(p *udpPeer, w *udpWriter, addr net.Addr, m *protocol.Message) bool {
	if !model.ValidIMEI(m.IMEI) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	dev, err := l.deps.State.Resolve(ctx, m.IMEI, l.proto)
	if err != nil {
		l.deps.Logger.Warn("datagram from unknown device",
			zap.String("listener", l.name),
			zap.String("imei", string(m.IMEI)),
			zap.String("peer", addr.String()))
		if m.Kind == protocol.KindLogin {
			for _, ack := range authAcks(l.proto, 0, false) {
				_, _ = w.Write(ack)
			}
		}
		return false
	}

	handle, old := l.deps.Registry.Register(dev, l.proto, model.TransportUDP, addr.String(), w)
	if old != nil && l.deps.Metrics != nil {
		l.deps.Metrics.SessionTakeover.Inc()
	}
	p.dev, p.handle = dev, handle
	if l.deps.Metrics != nil {
		l.deps.Metrics.SessionsOnline.Set(float64(l.deps.Registry.OnlineCount()))
	}

	host, port := splitHostPort(addr.String())
	if err := l.deps.State.Connected(ctx, dev, host, port); err != nil {
		l.deps.Logger.Warn("connection update failed", zap.Error(err))
	}

	if m.Kind == protocol.KindLogin {
		token := uint32(handle.Session.ID)
		l.mu.Lock()
		l.sessions[token] = dev.IMEI
		l.mu.Unlock()
		for _, ack := range authAcks(l.proto, token, true) {
			n, err := w.Write(ack)
			if err == nil {
				l.deps.Registry.TrackOut(dev.IMEI, int64(n), 1)
			}
		}
	}
	return true
}

func (l *udpListener) write(w *udpWriter, m *protocol.Message) {
	n, err := w.Write(m.Ack)
	if err != nil {
		l.deps.Logger.Debug("ack write failed", zap.String("listener", l.name), zap.Error(err))
		return
	}
	l.deps.Registry.TrackOut(m.IMEI, int64(n), 1)
}

func (l *udpListener) Shutdown(ctx context.Context) error {
	close(l.stopC)
	l.running.Store(false)
	if l.pc != nil {
		_ = l.pc.Close()
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

func (l *udpListener) Status() httpserver.ListenerStatus {
	l.mu.Lock()
	peers := len(l.peers)
	l.mu.Unlock()
	s := httpserver.ListenerStatus{
		Name:        l.name,
		Transport:   "udp",
		Addr:        l.cfg.Addr,
		Running:     l.running.Load(),
		Connections: peers,
	}
	if e, ok := l.lastErr.Load().(string); ok {
		s.LastError = e
	}
	return s
}
