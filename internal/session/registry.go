package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
)

const stripeCount = 1024

// CloseCause values recorded when a session ends.
const (
	CauseRemote     = "remote-closed"
	CauseTimeout    = "timeout"
	CauseSuperseded = "superseded"
	CauseShutdown   = "shutdown"
	CauseError      = "protocol-error"
)

// Writer is the transport binding of a session. For UDP it wraps the
// shared socket with the peer address baked in.
type Writer interface {
	Write(p []byte) (int, error)
	Close() error
}

// Handle pairs a live session with its transport writer. Counter
// updates go through the registry so readers see consistent values.
type Handle struct {
	Session *model.Session
	writer  Writer
}

// Write sends bytes to the device over the bound transport.
func (h *Handle) Write(p []byte) (int, error) {
	if h.writer == nil {
		return 0, nil
	}
	return h.writer.Write(p)
}

type stripe struct {
	mu     sync.RWMutex
	byIMEI map[model.IMEI]*Handle
}

// Registry tracks the live device sessions. One device holds at most
// one session; a newer connection supersedes the old one.
type Registry struct {
	clock            clock.Clock
	heartbeatTimeout time.Duration
	udpExpiry        time.Duration

	nextID  atomic.Int64
	online  atomic.Int64
	stripes [stripeCount]*stripe

	// onClose runs outside the stripe lock after a session ends.
	onClose func(s *model.Session, cause string)
}

// NewRegistry builds the registry. onClose may be nil.
func NewRegistry(clk clock.Clock, heartbeatTimeout, udpExpiry time.Duration, onClose func(*model.Session, string)) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 5 * time.Minute
	}
	if udpExpiry <= 0 {
		udpExpiry = 30 * time.Minute
	}
	r := &Registry{
		clock:            clk,
		heartbeatTimeout: heartbeatTimeout,
		udpExpiry:        udpExpiry,
		onClose:          onClose,
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{byIMEI: make(map[model.IMEI]*Handle)}
	}
	return r
}

func (r *Registry) stripeFor(imei model.IMEI) *stripe {
	h := fnv.New32a()
	h.Write([]byte(imei))
	return r.stripes[h.Sum32()%stripeCount]
}

// Register binds a device to a transport. An existing session for the
// same IMEI is closed with CauseSuperseded and returned so callers can
// log the takeover.
func (r *Registry) Register(dev *model.Device, protocol model.Protocol, transport model.Transport, peer string, w Writer) (*Handle, *model.Session) {
	now := r.clock.Now()
	s := &model.Session{
		ID:         r.nextID.Add(1),
		DeviceID:   dev.ID,
		IMEI:       dev.IMEI,
		Protocol:   protocol,
		Transport:  transport,
		PeerAddr:   peer,
		OpenedAt:   now,
		LastActive: now,
	}
	if transport == model.TransportUDP {
		exp := now.Add(r.udpExpiry)
		s.Expiry = &exp
	}
	h := &Handle{Session: s, writer: w}

	st := r.stripeFor(dev.IMEI)
	st.mu.Lock()
	old := st.byIMEI[dev.IMEI]
	st.byIMEI[dev.IMEI] = h
	st.mu.Unlock()

	var superseded *model.Session
	if old != nil {
		superseded = r.finish(old, CauseSuperseded)
	} else {
		r.online.Add(1)
	}
	return h, superseded
}

// Get returns the live handle for a device.
func (r *Registry) Get(imei model.IMEI) (*Handle, bool) {
	st := r.stripeFor(imei)
	st.mu.RLock()
	h, ok := st.byIMEI[imei]
	st.mu.RUnlock()
	return h, ok
}

// Touch extends the session on inbound traffic and accounts it.
func (r *Registry) Touch(imei model.IMEI, bytesIn, packetsIn int64) {
	now := r.clock.Now()
	st := r.stripeFor(imei)
	st.mu.Lock()
	if h, ok := st.byIMEI[imei]; ok {
		h.Session.LastActive = now
		h.Session.BytesIn += bytesIn
		h.Session.PacketsIn += packetsIn
		if h.Session.Expiry != nil {
			exp := now.Add(r.udpExpiry)
			h.Session.Expiry = &exp
		}
	}
	st.mu.Unlock()
}

// TrackOut accounts outbound traffic.
func (r *Registry) TrackOut(imei model.IMEI, bytesOut, packetsOut int64) {
	st := r.stripeFor(imei)
	st.mu.Lock()
	if h, ok := st.byIMEI[imei]; ok {
		h.Session.BytesOut += bytesOut
		h.Session.PacketsOut += packetsOut
	}
	st.mu.Unlock()
}

// Close ends the session for a device if the handle still matches.
func (r *Registry) Close(imei model.IMEI, h *Handle, cause string) *model.Session {
	st := r.stripeFor(imei)
	st.mu.Lock()
	cur, ok := st.byIMEI[imei]
	if !ok || (h != nil && cur != h) {
		st.mu.Unlock()
		return nil
	}
	delete(st.byIMEI, imei)
	st.mu.Unlock()

	r.online.Add(-1)
	return r.finish(cur, cause)
}

// finish closes the writer, stamps the session and fires the hook.
func (r *Registry) finish(h *Handle, cause string) *model.Session {
	now := r.clock.Now()
	h.Session.ClosedAt = &now
	if h.writer != nil {
		_ = h.writer.Close()
	}
	if r.onClose != nil {
		r.onClose(h.Session, cause)
	}
	return h.Session
}

// Reap closes sessions idle beyond their timeout. TCP sessions use the
// heartbeat timeout, UDP sessions their sliding expiry.
func (r *Registry) Reap() []*model.Session {
	now := r.clock.Now()
	var dead []*model.Session
	for _, st := range r.stripes {
		var expired []*Handle
		st.mu.Lock()
		for imei, h := range st.byIMEI {
			s := h.Session
			idle := false
			if s.Expiry != nil {
				idle = now.After(*s.Expiry)
			} else {
				idle = now.Sub(s.LastActive) > r.heartbeatTimeout
			}
			if idle {
				delete(st.byIMEI, imei)
				expired = append(expired, h)
			}
		}
		st.mu.Unlock()
		for _, h := range expired {
			r.online.Add(-1)
			dead = append(dead, r.finish(h, CauseTimeout))
		}
	}
	return dead
}

// CloseAll ends every session, used on shutdown.
func (r *Registry) CloseAll(cause string) []*model.Session {
	var all []*model.Session
	for _, st := range r.stripes {
		var hs []*Handle
		st.mu.Lock()
		for imei, h := range st.byIMEI {
			delete(st.byIMEI, imei)
			hs = append(hs, h)
		}
		st.mu.Unlock()
		for _, h := range hs {
			r.online.Add(-1)
			all = append(all, r.finish(h, cause))
		}
	}
	return all
}

// OnlineCount returns the number of live sessions.
func (r *Registry) OnlineCount() int64 {
	return r.online.Load()
}

// RunReaper reaps on the given cadence until stop is closed.
func (r *Registry) RunReaper(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.Reap()
		}
	}
}
