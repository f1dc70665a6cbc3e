package geofence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
)

// Repository the persistence surface the engine needs. Satisfied by
// *pg.Repository.
type Repository interface {
	ListActiveGeofences(ctx context.Context) ([]model.Geofence, error)
	InsertGeofenceEvent(ctx context.Context, ev *model.GeofenceEvent) error
}

// Sink receives emitted transitions, typically the broadcaster.
type Sink func(ev *model.GeofenceEvent, fence *model.Geofence)

// presence tracks which side of a fence a device is on. A side flip
// within the hysteresis window of the last transition is ignored
// outright, so boundary flapping can produce at most one transition
// per window and persisted events always alternate.
type presence struct {
	seeded         bool
	inside         bool
	lastTransition time.Time
	lastNotify     map[model.GeofenceTransition]time.Time
}

// Engine evaluates stored fixes against the active fence set.
type Engine struct {
	repo   Repository
	clock  clock.Clock
	logger *zap.Logger
	sink   Sink

	hysteresis      time.Duration
	defaultCooldown time.Duration
	batchSize       int

	mu     sync.RWMutex
	fences []model.Geofence

	stateMu sync.Mutex
	state   map[int64]map[int64]*presence // deviceID -> fenceID
	inside  map[int64]map[int64]struct{}  // fenceID -> deviceIDs currently inside
}

// New builds the engine. sink may be nil.
func New(repo Repository, clk clock.Clock, logger *zap.Logger, hysteresis, defaultCooldown time.Duration, batchSize int, sink Sink) *Engine {
	if hysteresis <= 0 {
		hysteresis = 30 * time.Second
	}
	if defaultCooldown <= 0 {
		defaultCooldown = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Engine{
		repo:            repo,
		clock:           clk,
		logger:          logger,
		sink:            sink,
		hysteresis:      hysteresis,
		defaultCooldown: defaultCooldown,
		batchSize:       batchSize,
		state:           make(map[int64]map[int64]*presence),
		inside:          make(map[int64]map[int64]struct{}),
	}
}

// Load refreshes the fence set from storage.
func (e *Engine) Load(ctx context.Context) error {
	fences, err := e.repo.ListActiveGeofences(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.fences = fences
	e.mu.Unlock()
	e.logger.Debug("geofences loaded", zap.Int("count", len(fences)))
	return nil
}

// SetFences replaces the fence set directly, used by tests.
func (e *Engine) SetFences(fences []model.Geofence) {
	e.mu.Lock()
	e.fences = fences
	e.mu.Unlock()
}

// RunReloader refreshes the fence set on a cadence until stop closes.
func (e *Engine) RunReloader(interval time.Duration, stop <-chan struct{}) {
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
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.Load(ctx); err != nil {
				e.logger.Warn("geofence reload failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Evaluate runs one stored fix through every applicable fence and
// returns the persisted transitions. The fix timestamp drives the
// hysteresis window, so replayed history evaluates the same as live
// traffic.
func (e *Engine) Evaluate(ctx context.Context, dev *model.Device, pos model.Position, at time.Time) []*model.GeofenceEvent {
	e.mu.RLock()
	fences := e.fences
	e.mu.RUnlock()

	var out []*model.GeofenceEvent
	for start := 0; start < len(fences); start += e.batchSize {
		end := start + e.batchSize
		if end > len(fences) {
			end = len(fences)
		}
		for i := start; i < end; i++ {
			f := &fences[i]
			if !f.Active || !appliesTo(f, dev.ID) {
				continue
			}
			if ev := e.evaluateOne(ctx, f, dev, pos, at); ev != nil {
				out = append(out, ev)
			}
		}
	}
	return out
}

func (e *Engine) evaluateOne(ctx context.Context, f *model.Geofence, dev *model.Device, pos model.Position, at time.Time) *model.GeofenceEvent {
	contains := Contains(f.Polygon, pos)

	e.stateMu.Lock()
	byFence := e.state[dev.ID]
	if byFence == nil {
		byFence = make(map[int64]*presence)
		e.state[dev.ID] = byFence
	}
	p := byFence[f.ID]
	if p == nil {
		p = &presence{lastNotify: make(map[model.GeofenceTransition]time.Time)}
		byFence[f.ID] = p
	}

	// first observation seeds the side without an event
	if !p.seeded {
		p.seeded = true
		p.inside = contains
		e.setInside(f.ID, dev.ID, contains)
		e.stateMu.Unlock()
		return nil
	}

	if contains == p.inside {
		e.stateMu.Unlock()
		return nil
	}

	// flip within the hysteresis window of the last transition is
	// flapping; the recorded side keeps its value
	if !p.lastTransition.IsZero() && at.Sub(p.lastTransition) < e.hysteresis {
		e.stateMu.Unlock()
		return nil
	}

	p.inside = contains
	p.lastTransition = at
	e.setInside(f.ID, dev.ID, contains)

	transition := model.TransitionExit
	if contains {
		transition = model.TransitionEntry
	}

	// cooldown and the per-fence notify flags gate the outbound
	// notification only; the transition itself is always persisted
	cooldown := e.defaultCooldown
	if f.CooldownSeconds > 0 {
		cooldown = time.Duration(f.CooldownSeconds) * time.Second
	}
	wanted := (contains && f.NotifyOnEnter) || (!contains && f.NotifyOnExit)
	last := p.lastNotify[transition]
	notify := wanted && (last.IsZero() || at.Sub(last) >= cooldown)
	if notify {
		p.lastNotify[transition] = at
	}
	e.stateMu.Unlock()

	ev := &model.GeofenceEvent{
		FenceID:   f.ID,
		DeviceID:  dev.ID,
		Type:      transition,
		Position:  pos,
		Timestamp: at,
	}
	if err := e.repo.InsertGeofenceEvent(ctx, ev); err != nil {
		e.logger.Warn("geofence event insert failed",
			zap.Int64("fence", f.ID), zap.Int64("device", dev.ID), zap.Error(err))
	}
	if notify && e.sink != nil {
		e.sink(ev, f)
	}
	return ev
}

// setInside maintains the per-fence inside set. Callers hold stateMu.
func (e *Engine) setInside(fenceID, deviceID int64, in bool) {
	set := e.inside[fenceID]
	if set == nil {
		set = make(map[int64]struct{})
		e.inside[fenceID] = set
	}
	if in {
		set[deviceID] = struct{}{}
	} else {
		delete(set, deviceID)
	}
}

// InsideDevices returns the ids of devices currently inside the fence,
// maintained incrementally on transitions.
func (e *Engine) InsideDevices(fenceID int64) []int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	set := e.inside[fenceID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func appliesTo(f *model.Geofence, deviceID int64) bool {
	if len(f.DeviceIDs) == 0 {
		return true
	}
	for _, id := range f.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Contains reports whether pos lies inside the polygon, by ray
// casting. Points exactly on an edge count as inside.
func Contains(polygon []model.Position, pos model.Position) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, yj := polygon[i].Latitude, polygon[j].Latitude
		xi, xj := polygon[i].Longitude, polygon[j].Longitude

		if (yi > pos.Latitude) != (yj > pos.Latitude) {
			x := (xj-xi)*(pos.Latitude-yi)/(yj-yi) + xi
			if pos.Longitude == x {
				return true
			}
			if pos.Longitude < x {
				inside = !inside
			}
		}
	}
	return inside
}
