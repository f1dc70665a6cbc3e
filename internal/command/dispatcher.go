package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	"github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
	"github.com/fleetgrid/gps-server/internal/session"
	"github.com/fleetgrid/gps-server/internal/storage/redis"
)

var (
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrNoSession      = errors.New("command: device has no live session")
	ErrNoEncoder      = errors.New("command: protocol has no command channel")
	ErrStaleAuth      = errors.New("command: recent authentication required")
	ErrRateLimited    = errors.New("command: critical budget exhausted")
	ErrReplayed       = errors.New("command: nonce already used")
)

// EventSink persists audit events. Satisfied by *pg.Repository.
type EventSink interface {
	InsertEvent(ctx context.Context, ev *model.Event) error
}

// Broadcaster is the push surface for command audit trails.
type Broadcaster interface {
	PublishEvent(dev *model.Device, ev *model.Event)
}

// NonceStore records used nonces. Satisfied by *redis.Deduper, whose
// Seen is an atomic check-and-mark.
type NonceStore interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// Dispatcher signs commands, enforces the risk policy and writes the
// encoded bytes to the device session.
type Dispatcher struct {
	signer   *Signer
	registry *session.Registry
	events   EventSink
	nonces   NonceStore
	limiter  *redis.RateLimiter
	cast     Broadcaster
	clock    clock.Clock
	logger   *zap.Logger
	appm     *metrics.AppMetrics

	recentAuthMax time.Duration
}

// NewDispatcher wires the command path. nonces, limiter, cast and appm
// may be nil.
func NewDispatcher(signer *Signer, registry *session.Registry, events EventSink, nonces NonceStore, limiter *redis.RateLimiter, cast Broadcaster, clk clock.Clock, logger *zap.Logger, appm *metrics.AppMetrics, recentAuthMax time.Duration) *Dispatcher {
	if recentAuthMax <= 0 {
		recentAuthMax = 10 * time.Minute
	}
	return &Dispatcher{
		signer:        signer,
		registry:      registry,
		events:        events,
		nonces:        nonces,
		limiter:       limiter,
		cast:          cast,
		clock:         clk,
		logger:        logger,
		appm:          appm,
		recentAuthMax: recentAuthMax,
	}
}

// Issue signs and sends a command to a device. lastAuth is when the
// requesting user last authenticated; high and critical commands
// require it to be recent.
func (d *Dispatcher) Issue(ctx context.Context, dev *model.Device, name string, params map[string]string, userID int64, lastAuth time.Time) (*Command, error) {
	risk, ok := Classify(name)
	if !ok {
		return nil, ErrUnknownCommand
	}
	now := d.clock.Now()

	if risk.Encrypted() && now.Sub(lastAuth) > d.recentAuthMax {
		d.reject(ctx, dev, name, risk, userID, "stale-auth")
		return nil, ErrStaleAuth
	}
	if risk == RiskCritical && d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, fmt.Sprintf("%d:%s", userID, dev.IMEI))
		if err != nil {
			d.logger.Warn("command rate check failed", zap.Error(err))
		}
		if !allowed {
			d.reject(ctx, dev, name, risk, userID, "rate-limited")
			return nil, ErrRateLimited
		}
	}

	h, ok := d.registry.Get(dev.IMEI)
	if !ok {
		return nil, ErrNoSession
	}
	enc, ok := protocol.NewEncoder(dev.Protocol)
	if !ok {
		return nil, ErrNoEncoder
	}

	cmd := &Command{
		ID:     uuid.NewString(),
		IMEI:   dev.IMEI,
		Name:   name,
		Params: params,
		Risk:   risk,
		UserID: userID,
	}
	if err := d.signer.Sign(cmd); err != nil {
		return nil, err
	}
	if err := d.Authorize(ctx, cmd); err != nil {
		reason := "verify-failed"
		if errors.Is(err, ErrReplayed) {
			reason = "replayed"
		}
		d.reject(ctx, dev, name, risk, userID, reason)
		return nil, err
	}

	wire, err := enc.EncodeCommand(name, params)
	if err != nil {
		return nil, err
	}
	if _, err := h.Write(wire); err != nil {
		d.reject(ctx, dev, name, risk, userID, "write-failed")
		return nil, fmt.Errorf("write command: %w", err)
	}
	d.registry.TrackOut(dev.IMEI, int64(len(wire)), 1)

	d.audit(ctx, dev, &model.Event{
		ID:        cmd.ID,
		DeviceID:  dev.ID,
		IMEI:      dev.IMEI,
		Type:      model.EventCommandAudit,
		Timestamp: now,
		Changes: map[string]interface{}{
			"command": name,
			"risk":    string(risk),
			"userId":  userID,
			"result":  "issued",
		},
	})
	if d.appm != nil {
		d.appm.CommandsTotal.WithLabelValues("issued").Inc()
	}
	d.logger.Info("command issued",
		zap.String("imei", string(dev.IMEI)),
		zap.String("command", name),
		zap.String("risk", string(risk)),
		zap.Int64("user", userID))
	return cmd, nil
}

// Authorize verifies a signed command and consumes its nonce. A
// payload presented a second time fails with ErrReplayed even when the
// signature still checks out.
func (d *Dispatcher) Authorize(ctx context.Context, cmd *Command) error {
	if err := d.signer.Verify(cmd); err != nil {
		return err
	}
	if d.nonces != nil {
		seen, err := d.nonces.Seen(ctx, "nonce:"+cmd.Nonce)
		if err != nil {
			d.logger.Warn("nonce check failed", zap.Error(err))
		}
		if seen {
			return ErrReplayed
		}
	}
	return nil
}

func (d *Dispatcher) reject(ctx context.Context, dev *model.Device, name string, risk Risk, userID int64, reason string) {
	d.audit(ctx, dev, &model.Event{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		IMEI:      dev.IMEI,
		Type:      model.EventCommandAudit,
		Timestamp: d.clock.Now(),
		Changes: map[string]interface{}{
			"command": name,
			"risk":    string(risk),
			"userId":  userID,
			"result":  "rejected",
			"reason":  reason,
		},
	})
	if d.appm != nil {
		d.appm.CommandsTotal.WithLabelValues("rejected").Inc()
	}
}

func (d *Dispatcher) audit(ctx context.Context, dev *model.Device, ev *model.Event) {
	if d.events != nil {
		if err := d.events.InsertEvent(ctx, ev); err != nil {
			d.logger.Warn("command audit insert failed", zap.Error(err))
		}
	}
	if d.cast != nil {
		d.cast.PublishEvent(dev, ev)
	}
}
