package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/ingest"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol/concox"
	"github.com/fleetgrid/gps-server/internal/protocol/meiligao"
	"github.com/fleetgrid/gps-server/internal/session"
	"github.com/fleetgrid/gps-server/internal/state"
	"github.com/fleetgrid/gps-server/internal/storage/pg"
)

const (
	testIMEI model.IMEI = "352453201932174"
	// Meiligao IDs are 7 BCD bytes, so at most 14 digits.
	testMeiligaoID model.IMEI = "35245320193217"
)

type fakeRepo struct {
	mu      sync.Mutex
	devices map[model.IMEI]*model.Device
	fixes   []*model.LocationRecord
	prints  map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		devices: map[model.IMEI]*model.Device{
			testIMEI:       {ID: 1, IMEI: testIMEI},
			testMeiligaoID: {ID: 2, IMEI: testMeiligaoID},
		},
		prints: make(map[string]bool),
	}
}

func (f *fakeRepo) DeviceByIMEI(ctx context.Context, imei model.IMEI) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[imei]; ok {
		return d, nil
	}
	return nil, pg.ErrNotFound
}
func (f *fakeRepo) EnsureDevice(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error) {
	return f.DeviceByIMEI(ctx, imei)
}
func (f *fakeRepo) TouchConnection(ctx context.Context, deviceID int64, ip string, port int, at time.Time) error {
	return nil
}
func (f *fakeRepo) TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time) error {
	return nil
}
func (f *fakeRepo) SetStatus(ctx context.Context, deviceID int64, status model.ConnectionStatus) error {
	return nil
}
func (f *fakeRepo) RecordError(ctx context.Context, deviceID int64, msg string) error { return nil }
func (f *fakeRepo) StoreFix(ctx context.Context, deviceID int64, rec *model.LocationRecord, fp string, receivedAt time.Time, ev *model.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prints[fp] {
		return false, nil
	}
	f.prints[fp] = true
	f.fixes = append(f.fixes, rec)
	return true, nil
}
func (f *fakeRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]model.Device, error) {
	return nil, nil
}
func (f *fakeRepo) InsertEvent(ctx context.Context, ev *model.Event) error { return nil }

func (f *fakeRepo) fixCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fixes)
}

type nullEvents struct{}

func (nullEvents) InsertEvent(ctx context.Context, ev *model.Event) error { return nil }

func newDeps(t *testing.T, repo *fakeRepo) Deps {
	t.Helper()
	clk := clock.System{}
	logger := zap.NewNop()
	registry := session.NewRegistry(clk, 5*time.Minute, 30*time.Minute, nil)
	st := state.New(repo, nil, registry, clk, logger, nil)
	cfg := cfgpkg.IngestConfig{
		QueueCapacity:    32,
		QueuePushTimeout: 100 * time.Millisecond,
		WriteTimeout:     time.Second,
		TimeSkewPast:     7 * 24 * time.Hour,
		TimeSkewFuture:   time.Hour,
		DrainDeadline:    time.Second,
	}
	pipe := ingest.New(st, nullEvents{}, nil, nil, nil, clk, logger, nil, cfg)
	t.Cleanup(pipe.Close)
	return Deps{
		Registry: registry,
		State:    st,
		Pipeline: pipe,
		Clock:    clk,
		Logger:   logger,
		TCP: cfgpkg.TCPConfig{
			ReadTimeout:    2 * time.Second,
			WriteTimeout:   time.Second,
			MaxConnections: 16,
		},
	}
}

func loginFrame() []byte {
	f := concox.Frame{
		Proto:   0x01,
		Payload: []byte{0x03, 0x52, 0x45, 0x32, 0x01, 0x93, 0x21, 0x74},
		Serial:  1,
	}
	return f.Marshal()
}

func positionFrame(serial uint16) []byte {
	now := time.Now().UTC()
	payload := make([]byte, 0, 18)
	payload = append(payload,
		byte(now.Year()-2000), byte(now.Month()), byte(now.Day()),
		byte(now.Hour()), byte(now.Minute()), byte(now.Second()))
	payload = append(payload, 0xC9) // 9 satellites
	payload = binary.BigEndian.AppendUint32(payload, 40582974)
	payload = binary.BigEndian.AppendUint32(payload, 205343424)
	payload = append(payload, 60)
	// valid fix, northern and eastern hemisphere, course 334
	payload = binary.BigEndian.AppendUint16(payload, 0x154E)
	f := concox.Frame{Proto: 0x22, Payload: payload, Serial: serial}
	return f.Marshal()
}

func startTCP(t *testing.T, proto model.Protocol, deps Deps) *tcpListener {
	t.Helper()
	l := newTCP("test", proto, cfgpkg.ListenerConfig{Addr: "127.0.0.1:0"}, deps)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

func TestTCPConcoxLoginAndPosition(t *testing.T) {
	repo := newFakeRepo()
	deps := newDeps(t, repo)
	l := startTCP(t, model.ProtocolConcox, deps)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(loginFrame())
	require.NoError(t, err)

	// the login answer is an empty 0x01 frame echoing the serial
	ackBuf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(ackBuf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 10)
	require.Equal(t, []byte{0x78, 0x78}, ackBuf[:2])
	require.Equal(t, byte(0x01), ackBuf[3])

	_, err = conn.Write(positionFrame(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return repo.fixCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	repo.mu.Lock()
	rec := repo.fixes[0]
	repo.mu.Unlock()
	require.InDelta(t, 22.546, rec.Position.Latitude, 1e-2)
	require.InDelta(t, 114.08, rec.Position.Longitude, 1e-2)

	_, ok := deps.Registry.Get(testIMEI)
	require.True(t, ok)
}

func TestTCPWialonLoginVerdicts(t *testing.T) {
	repo := newFakeRepo()
	deps := newDeps(t, repo)
	l := startTCP(t, model.ProtocolWialon, deps)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "#L#%s;secret\r\n", testIMEI)
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "#AL#1\r\n", string(buf[:n]))

	// unknown devices get a negative verdict before the socket closes
	conn2, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()

	_, err = conn2.Write([]byte("#L#86159300000000000;secret\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(time.Second)))
	n, err = conn2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "#AL#0\r\n", string(buf[:n]))
}

func TestTCPTakeover(t *testing.T) {
	repo := newFakeRepo()
	deps := newDeps(t, repo)
	l := startTCP(t, model.ProtocolConcox, deps)

	first, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(loginFrame())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := deps.Registry.Get(testIMEI)
		return ok
	}, time.Second, 10*time.Millisecond)
	h1, _ := deps.Registry.Get(testIMEI)

	second, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write(loginFrame())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h2, ok := deps.Registry.Get(testIMEI)
		return ok && h2 != h1
	}, time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, deps.Registry.OnlineCount())
}

func TestTCPGarbageDoesNotDeferTimeout(t *testing.T) {
	repo := newFakeRepo()
	deps := newDeps(t, repo)
	deps.TCP.ReadTimeout = 100 * time.Millisecond
	l := startTCP(t, model.ProtocolConcox, deps)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(loginFrame())
	require.NoError(t, err)

	// drip unframed bytes slower than the read timeout; without a
	// decodable frame they must not keep the connection alive
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if _, err := conn.Write([]byte{0x00, 0x01, 0x02}); err != nil {
					return
				}
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64)
	for {
		// the login ack arrives first, then the server hangs up
		if _, err := conn.Read(buf); err != nil {
			require.ErrorIs(t, err, io.EOF)
			return
		}
	}
}

func TestUDPMeiligaoPositionAndHeartbeat(t *testing.T) {
	repo := newFakeRepo()
	deps := newDeps(t, repo)

	l := newUDP("test", model.ProtocolMeiligao, cfgpkg.ListenerConfig{Addr: "127.0.0.1:0"}, deps)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})

	conn, err := net.Dial("udp", l.pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	now := time.Now().UTC()
	body := fmt.Sprintf("%02d%02d%02d.000,A,1925.9563,N,09907.9917,W,22.96,58.70,%02d%02d%02d|1.2|812",
		now.Hour(), now.Minute(), now.Second(),
		now.Day(), int(now.Month()), now.Year()%100)
	id := meiligao.MarshalID(testMeiligaoID)
	_, err = conn.Write(meiligao.Marshal(id, 0x9955, []byte(body)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return repo.fixCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	repo.mu.Lock()
	rec := repo.fixes[0]
	repo.mu.Unlock()
	require.InDelta(t, 19.4326, rec.Position.Latitude, 1e-3)
	require.InDelta(t, -99.1332, rec.Position.Longitude, 1e-3)

	// heartbeats come back with a 0x4000 server ack
	_, err = conn.Write(meiligao.Marshal(id, 0x5000, nil))
	require.NoError(t, err)
	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 13)
	require.Equal(t, []byte("$$"), buf[:2])
	require.EqualValues(t, 0x4000, binary.BigEndian.Uint16(buf[11:13]))
}
