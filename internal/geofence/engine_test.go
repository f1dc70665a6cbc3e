package geofence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
)

type fakeFenceRepo struct {
	fences []model.Geofence
	events []*model.GeofenceEvent
}

func (f *fakeFenceRepo) ListActiveGeofences(ctx context.Context) ([]model.Geofence, error) {
	return f.fences, nil
}
func (f *fakeFenceRepo) InsertGeofenceEvent(ctx context.Context, ev *model.GeofenceEvent) error {
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return nil
}

// depot: a 2x2 degree square around the origin
func depotFence() model.Geofence {
	return model.Geofence{
		ID:     1,
		Name:   "depot",
		Active: true,
		Polygon: []model.Position{
			{Latitude: -1, Longitude: -1},
			{Latitude: -1, Longitude: 1},
			{Latitude: 1, Longitude: 1},
			{Latitude: 1, Longitude: -1},
		},
		NotifyOnEnter:   true,
		NotifyOnExit:    true,
		CooldownSeconds: 300,
	}
}

func newEngine(t *testing.T, repo *fakeFenceRepo) *Engine {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	e := New(repo, clk, zap.NewNop(), 30*time.Second, 5*time.Minute, 100, nil)
	e.SetFences(repo.fences)
	return e
}

func TestContains(t *testing.T) {
	poly := depotFence().Polygon
	require.True(t, Contains(poly, model.Position{Latitude: 0, Longitude: 0}))
	require.True(t, Contains(poly, model.Position{Latitude: 0.99, Longitude: -0.99}))
	require.False(t, Contains(poly, model.Position{Latitude: 1.01, Longitude: 0}))
	require.False(t, Contains(poly, model.Position{Latitude: 0, Longitude: -2}))
}

func TestContainsConcavePolygon(t *testing.T) {
	// an L shape: the notch at the top right is outside
	poly := []model.Position{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 4},
		{Latitude: 2, Longitude: 4},
		{Latitude: 2, Longitude: 2},
		{Latitude: 4, Longitude: 2},
		{Latitude: 4, Longitude: 0},
	}
	require.True(t, Contains(poly, model.Position{Latitude: 1, Longitude: 3}))
	require.True(t, Contains(poly, model.Position{Latitude: 3, Longitude: 1}))
	require.False(t, Contains(poly, model.Position{Latitude: 3, Longitude: 3}))
}

func TestEntryThenExitTrajectory(t *testing.T) {
	repo := &fakeFenceRepo{fences: []model.Geofence{depotFence()}}
	e := newEngine(t, repo)
	dev := &model.Device{ID: 10, IMEI: "352453201932174"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// seed outside
	require.Empty(t, e.Evaluate(context.Background(), dev, model.Position{Latitude: 5, Longitude: 5}, base))

	// crossing in emits immediately
	evs := e.Evaluate(context.Background(), dev, model.Position{Latitude: 0, Longitude: 0}, base.Add(5*time.Second))
	require.Len(t, evs, 1)
	require.Equal(t, model.TransitionEntry, evs[0].Type)
	require.EqualValues(t, 1, evs[0].FenceID)

	// still inside, no repeat
	require.Empty(t, e.Evaluate(context.Background(), dev, model.Position{Latitude: 0.1, Longitude: 0}, base.Add(20*time.Second)))

	// leaving after the hysteresis window emits the exit
	evs = e.Evaluate(context.Background(), dev, model.Position{Latitude: 5, Longitude: 5}, base.Add(40*time.Second))
	require.Len(t, evs, 1)
	require.Equal(t, model.TransitionExit, evs[0].Type)

	require.Len(t, repo.events, 2)
	require.Equal(t, model.TransitionEntry, repo.events[0].Type)
	require.Equal(t, model.TransitionExit, repo.events[1].Type)
	require.Empty(t, e.InsideDevices(1))
}

func TestFlappingLimitedByHysteresis(t *testing.T) {
	repo := &fakeFenceRepo{fences: []model.Geofence{depotFence()}}
	e := newEngine(t, repo)
	dev := &model.Device{ID: 10, IMEI: "352453201932174"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e.Evaluate(context.Background(), dev, model.Position{Latitude: 5, Longitude: 5}, base)

	// alternate sides every 5 seconds: only one transition per window
	for i := 1; i <= 8; i++ {
		lat := 0.9
		if i%2 == 0 {
			lat = 1.1
		}
		at := base.Add(time.Duration(i*5) * time.Second)
		e.Evaluate(context.Background(), dev, model.Position{Latitude: lat, Longitude: 0}, at)
	}
	require.Len(t, repo.events, 2)
	require.Equal(t, model.TransitionEntry, repo.events[0].Type)
	require.Equal(t, model.TransitionExit, repo.events[1].Type)
}

func TestCooldownMutesNotificationsNotPersistence(t *testing.T) {
	f := depotFence()
	f.CooldownSeconds = 600
	repo := &fakeFenceRepo{fences: []model.Geofence{f}}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	var notified []*model.GeofenceEvent
	e := New(repo, clk, zap.NewNop(), 30*time.Second, 5*time.Minute, 100,
		func(ev *model.GeofenceEvent, _ *model.Geofence) { notified = append(notified, ev) })
	e.SetFences(repo.fences)

	dev := &model.Device{ID: 10, IMEI: "352453201932174"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e.Evaluate(context.Background(), dev, model.Position{Latitude: 5, Longitude: 5}, base)
	e.Evaluate(context.Background(), dev, model.Position{Latitude: 0, Longitude: 0}, base.Add(time.Minute))
	e.Evaluate(context.Background(), dev, model.Position{Latitude: 5, Longitude: 5}, base.Add(2*time.Minute))
	e.Evaluate(context.Background(), dev, model.Position{Latitude: 0, Longitude: 0}, base.Add(3*time.Minute))

	// the second entry lands inside the per-kind cooldown: it is still
	// persisted, so the trail keeps alternating, but no notification
	// goes out
	require.Len(t, repo.events, 3)
	require.Equal(t, model.TransitionEntry, repo.events[0].Type)
	require.Equal(t, model.TransitionExit, repo.events[1].Type)
	require.Equal(t, model.TransitionEntry, repo.events[2].Type)

	require.Len(t, notified, 2)
	require.Equal(t, model.TransitionEntry, notified[0].Type)
	require.Equal(t, model.TransitionExit, notified[1].Type)
}

func TestDeviceScoping(t *testing.T) {
	f := depotFence()
	f.DeviceIDs = []int64{99}
	repo := &fakeFenceRepo{fences: []model.Geofence{f}}
	e := newEngine(t, repo)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	other := &model.Device{ID: 10}
	e.Evaluate(context.Background(), other, model.Position{Latitude: 5, Longitude: 5}, base)
	evs := e.Evaluate(context.Background(), other, model.Position{Latitude: 0, Longitude: 0}, base.Add(time.Minute))
	require.Empty(t, evs)

	scoped := &model.Device{ID: 99}
	e.Evaluate(context.Background(), scoped, model.Position{Latitude: 5, Longitude: 5}, base)
	evs = e.Evaluate(context.Background(), scoped, model.Position{Latitude: 0, Longitude: 0}, base.Add(time.Minute))
	require.Len(t, evs, 1)
	require.Equal(t, []int64{99}, e.InsideDevices(1))
}
