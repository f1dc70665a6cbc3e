package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/session"
	"github.com/fleetgrid/gps-server/internal/storage/pg"
	"github.com/fleetgrid/gps-server/internal/storage/redis"
)

// ErrUnknownDevice reported when a device is not registered and the
// protocol is not allowed to auto-provision.
var ErrUnknownDevice = errors.New("state: unknown device")

// Repository is the persistence surface the store writes through.
// Satisfied by *pg.Repository.
type Repository interface {
	DeviceByIMEI(ctx context.Context, imei model.IMEI) (*model.Device, error)
	EnsureDevice(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error)
	TouchConnection(ctx context.Context, deviceID int64, ip string, port int, at time.Time) error
	TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time) error
	SetStatus(ctx context.Context, deviceID int64, status model.ConnectionStatus) error
	RecordError(ctx context.Context, deviceID int64, msg string) error
	StoreFix(ctx context.Context, deviceID int64, rec *model.LocationRecord, fingerprint string, receivedAt time.Time, ev *model.Event) (bool, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]model.Device, error)
	InsertEvent(ctx context.Context, ev *model.Event) error
}

// Store is the write path for device state. All mutations land in
// Postgres; the snapshot cache is invalidated on every change.
type Store struct {
	repo     Repository
	cache    *redis.SnapshotCache
	registry *session.Registry
	clock    clock.Clock
	logger   *zap.Logger

	autoProvision map[model.Protocol]bool
}

// New builds the store. cache may be nil.
func New(repo Repository, cache *redis.SnapshotCache, registry *session.Registry, clk clock.Clock, logger *zap.Logger, autoProvision []string) *Store {
	ap := make(map[model.Protocol]bool, len(autoProvision))
	for _, p := range autoProvision {
		ap[model.Protocol(p)] = true
	}
	return &Store{
		repo:          repo,
		cache:         cache,
		registry:      registry,
		clock:         clk,
		logger:        logger,
		autoProvision: ap,
	}
}

// Resolve returns the device for an IMEI, creating it when the
// protocol is whitelisted for auto-provisioning.
func (s *Store) Resolve(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error) {
	dev, err := s.repo.DeviceByIMEI(ctx, imei)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, pg.ErrNotFound) {
		return nil, err
	}
	if !s.autoProvision[protocol] {
		return nil, ErrUnknownDevice
	}
	dev, err = s.repo.EnsureDevice(ctx, imei, protocol)
	if err != nil {
		return nil, err
	}
	s.logger.Info("device auto-provisioned",
		zap.String("imei", string(imei)),
		zap.String("protocol", string(protocol)))
	return dev, nil
}

// Connected records a new transport binding and emits the online
// status event.
func (s *Store) Connected(ctx context.Context, dev *model.Device, ip string, port int) error {
	now := s.clock.Now()
	if err := s.repo.TouchConnection(ctx, dev.ID, ip, port, now); err != nil {
		return err
	}
	ev := &model.Event{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		IMEI:      dev.IMEI,
		Type:      model.EventStatusChange,
		Timestamp: now,
		Changes: map[string]interface{}{
			"status": string(model.StatusOnline),
			"peer":   fmt.Sprintf("%s:%d", ip, port),
		},
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("connect event insert failed", zap.Error(err))
	}
	s.invalidate(ctx, dev.IMEI)
	return nil
}

// Heartbeat refreshes liveness without moving the position.
func (s *Store) Heartbeat(ctx context.Context, dev *model.Device) error {
	if err := s.repo.TouchHeartbeat(ctx, dev.ID, s.clock.Now()); err != nil {
		return err
	}
	s.invalidate(ctx, dev.IMEI)
	return nil
}

// StoreFix persists a location record with its derived event and
// advances the snapshot, all in one transaction. The stored flag is
// false when the fingerprint was already present.
func (s *Store) StoreFix(ctx context.Context, dev *model.Device, rec *model.LocationRecord, fingerprint string, ev *model.Event) (bool, error) {
	stored, err := s.repo.StoreFix(ctx, dev.ID, rec, fingerprint, s.clock.Now(), ev)
	if err != nil {
		return false, err
	}
	if stored {
		s.invalidate(ctx, dev.IMEI)
	}
	return stored, nil
}

// RecordError bumps the device error counter.
func (s *Store) RecordError(ctx context.Context, dev *model.Device, msg string) error {
	if err := s.repo.RecordError(ctx, dev.ID, msg); err != nil {
		return err
	}
	s.invalidate(ctx, dev.IMEI)
	return nil
}

// Disconnected marks the device offline if it has no other session.
func (s *Store) Disconnected(ctx context.Context, dev *model.Device) error {
	if s.registry != nil {
		if _, ok := s.registry.Get(dev.IMEI); ok {
			return nil
		}
	}
	if err := s.repo.SetStatus(ctx, dev.ID, model.StatusOffline); err != nil {
		return err
	}
	s.invalidate(ctx, dev.IMEI)
	return nil
}

// Snapshot serves the read model, preferring the cache.
func (s *Store) Snapshot(ctx context.Context, imei model.IMEI) (*model.DeviceSnapshot, error) {
	if snap, err := s.cache.Get(ctx, imei); err == nil && snap != nil {
		return snap, nil
	}
	dev, err := s.repo.DeviceByIMEI(ctx, imei)
	if err != nil {
		return nil, err
	}
	snap := &model.DeviceSnapshot{Device: *dev}
	if s.registry != nil {
		if _, ok := s.registry.Get(imei); ok {
			snap.ActiveSessions = 1
		}
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.logger.Debug("snapshot cache put failed", zap.Error(err))
	}
	return snap, nil
}

func (s *Store) invalidate(ctx context.Context, imei model.IMEI) {
	if err := s.cache.Invalidate(ctx, imei); err != nil {
		s.logger.Debug("snapshot cache invalidate failed", zap.Error(err))
	}
}

// RunOfflineSupervisor periodically flips devices with stale
// heartbeats to offline.
func (s *Store) RunOfflineSupervisor(interval, heartbeatTimeout time.Duration, stop <-chan struct{}) {
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
			n := s.sweepOffline(ctx, s.clock.Now().Add(-heartbeatTimeout))
			cancel()
			if n > 0 {
				s.logger.Info("devices marked offline", zap.Int("count", n))
			}
		}
	}
}

// sweepOffline flips stale devices offline and emits one status-change
// event for each, so downstream consumers see the transition.
func (s *Store) sweepOffline(ctx context.Context, cutoff time.Time) int {
	devs, err := s.repo.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		s.logger.Warn("offline sweep failed", zap.Error(err))
		return 0
	}
	for i := range devs {
		d := &devs[i]
		ev := &model.Event{
			ID:        uuid.NewString(),
			DeviceID:  d.ID,
			IMEI:      d.IMEI,
			Type:      model.EventStatusChange,
			Timestamp: s.clock.Now(),
			Changes: map[string]interface{}{
				"status": string(model.StatusOffline),
				"cause":  "heartbeat-timeout",
			},
		}
		if err := s.repo.InsertEvent(ctx, ev); err != nil {
			s.logger.Warn("offline event insert failed",
				zap.String("imei", string(d.IMEI)), zap.Error(err))
		}
		s.invalidate(ctx, d.IMEI)
	}
	return len(devs)
}
