package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/storage/pg"
)

type fakeRepo struct {
	devices    map[model.IMEI]*model.Device
	fixes      []*model.LocationRecord
	prints     map[string]bool
	errorCount int
	statuses   map[int64]model.ConnectionStatus
	events     []*model.Event
	stale      []model.Device
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		devices:  make(map[model.IMEI]*model.Device),
		prints:   make(map[string]bool),
		statuses: make(map[int64]model.ConnectionStatus),
	}
}

func (f *fakeRepo) DeviceByIMEI(ctx context.Context, imei model.IMEI) (*model.Device, error) {
	if d, ok := f.devices[imei]; ok {
		return d, nil
	}
	return nil, pg.ErrNotFound
}

func (f *fakeRepo) EnsureDevice(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error) {
	if d, ok := f.devices[imei]; ok {
		return d, nil
	}
	d := &model.Device{ID: int64(len(f.devices) + 1), IMEI: imei, Protocol: protocol, Status: model.StatusOffline}
	f.devices[imei] = d
	return d, nil
}

func (f *fakeRepo) TouchConnection(ctx context.Context, deviceID int64, ip string, port int, at time.Time) error {
	return nil
}
func (f *fakeRepo) TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time) error {
	return nil
}
func (f *fakeRepo) SetStatus(ctx context.Context, deviceID int64, status model.ConnectionStatus) error {
	f.statuses[deviceID] = status
	return nil
}
func (f *fakeRepo) RecordError(ctx context.Context, deviceID int64, msg string) error {
	f.errorCount++
	return nil
}
func (f *fakeRepo) StoreFix(ctx context.Context, deviceID int64, rec *model.LocationRecord, fingerprint string, receivedAt time.Time, ev *model.Event) (bool, error) {
	if f.prints[fingerprint] {
		return false, nil
	}
	f.prints[fingerprint] = true
	rec.DeviceID = deviceID
	f.fixes = append(f.fixes, rec)
	if ev != nil {
		f.events = append(f.events, ev)
	}
	return true, nil
}
func (f *fakeRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]model.Device, error) {
	return f.stale, nil
}
func (f *fakeRepo) InsertEvent(ctx context.Context, ev *model.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func newStore(repo Repository, autoProvision ...string) *Store {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(repo, nil, nil, clk, zap.NewNop(), autoProvision)
}

func TestResolveKnownDevice(t *testing.T) {
	repo := newFakeRepo()
	repo.devices["352453201932174"] = &model.Device{ID: 7, IMEI: "352453201932174"}
	s := newStore(repo)

	dev, err := s.Resolve(context.Background(), "352453201932174", model.ProtocolConcox)
	require.NoError(t, err)
	require.EqualValues(t, 7, dev.ID)
}

func TestResolveUnknownDeviceRejected(t *testing.T) {
	s := newStore(newFakeRepo())

	_, err := s.Resolve(context.Background(), "352453201932174", model.ProtocolConcox)
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestResolveAutoProvision(t *testing.T) {
	repo := newFakeRepo()
	s := newStore(repo, "wialon")

	dev, err := s.Resolve(context.Background(), "861234567890123", model.ProtocolWialon)
	require.NoError(t, err)
	require.Equal(t, model.IMEI("861234567890123"), dev.IMEI)

	// not whitelisted
	_, err = s.Resolve(context.Background(), "861234567890124", model.ProtocolConcox)
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestStoreFixDedup(t *testing.T) {
	repo := newFakeRepo()
	s := newStore(repo)
	dev := &model.Device{ID: 3, IMEI: "352453201932174"}
	rec := &model.LocationRecord{Timestamp: time.Now(), Position: model.Position{Latitude: 22.5, Longitude: 114.1}}

	stored, err := s.StoreFix(context.Background(), dev, rec, "fp-1", nil)
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = s.StoreFix(context.Background(), dev, rec, "fp-1", nil)
	require.NoError(t, err)
	require.False(t, stored)
	require.Len(t, repo.fixes, 1)
}

func TestDisconnectedMarksOffline(t *testing.T) {
	repo := newFakeRepo()
	s := newStore(repo)
	dev := &model.Device{ID: 5, IMEI: "352453201932174"}

	require.NoError(t, s.Disconnected(context.Background(), dev))
	require.Equal(t, model.StatusOffline, repo.statuses[5])
}

func TestOfflineSweepEmitsEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.stale = []model.Device{
		{ID: 3, IMEI: "352453201932174"},
		{ID: 4, IMEI: "861234567890123"},
	}
	s := newStore(repo)

	n := s.sweepOffline(context.Background(), time.Now())
	require.Equal(t, 2, n)
	require.Len(t, repo.events, 2)
	for i, ev := range repo.events {
		require.Equal(t, model.EventStatusChange, ev.Type)
		require.Equal(t, "offline", ev.Changes["status"])
		require.Equal(t, "heartbeat-timeout", ev.Changes["cause"])
		require.Equal(t, repo.stale[i].IMEI, ev.IMEI)
	}
}

func TestConnectedEmitsOnlineEvent(t *testing.T) {
	repo := newFakeRepo()
	s := newStore(repo)
	dev := &model.Device{ID: 7, IMEI: "352453201932174"}

	require.NoError(t, s.Connected(context.Background(), dev, "203.0.113.9", 41000))
	require.Len(t, repo.events, 1)
	require.Equal(t, model.EventStatusChange, repo.events[0].Type)
	require.Equal(t, "online", repo.events[0].Changes["status"])
}
