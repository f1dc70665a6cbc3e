// Package ingest is the path from decoded protocol messages to
// durable storage. Every device gets its own bounded queue and worker
// so one flooding tracker cannot starve the rest: TCP feeds see
// backpressure when their queue fills, UDP feeds shed the oldest
// record instead.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/gps-server/internal/clock"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/model"
	"github.com/fleetgrid/gps-server/internal/protocol"
)

// ErrBackpressure returned to TCP listeners when the device queue
// stayed full past the push timeout. The listener stops reading until
// a later Submit succeeds.
var ErrBackpressure = errors.New("ingest: queue full")

// StateStore is the device state surface the pipeline writes through.
// Satisfied by *state.Store.
type StateStore interface {
	Resolve(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error)
	Heartbeat(ctx context.Context, dev *model.Device) error
	StoreFix(ctx context.Context, dev *model.Device, rec *model.LocationRecord, fingerprint string, ev *model.Event) (bool, error)
	RecordError(ctx context.Context, dev *model.Device, msg string) error
}

// EventSink persists typed events. Satisfied by *pg.Repository.
type EventSink interface {
	InsertEvent(ctx context.Context, ev *model.Event) error
}

// FenceEvaluator runs stored fixes through the geofence engine.
// Satisfied by *geofence.Engine.
type FenceEvaluator interface {
	Evaluate(ctx context.Context, dev *model.Device, pos model.Position, at time.Time) []*model.GeofenceEvent
}

// Caster pushes processed data to live subscribers. Satisfied by
// *broadcast.Broadcaster.
type Caster interface {
	PublishPosition(dev *model.Device, rec *model.LocationRecord)
	PublishEvent(dev *model.Device, ev *model.Event)
}

// Deduper suppresses replayed fingerprints. Satisfied by
// *redis.Deduper. Fix dedup is split into Check and Mark so a record
// that fails to persist is not poisoned for its own retry; Seen is the
// atomic check-and-mark used for heartbeat frames.
type Deduper interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Check(ctx context.Context, fingerprint string) (bool, error)
	Mark(ctx context.Context, fingerprint string) error
}

// Item one decoded message on its way through the pipeline.
type Item struct {
	Msg       *protocol.Message
	Transport model.Transport
	Listener  string
	Peer      string

	requeued bool
}

type deviceQueue struct {
	ch       chan *Item
	lastUsed time.Time
}

// Pipeline fans decoded messages into per-device workers.
type Pipeline struct {
	state  StateStore
	events EventSink
	fences FenceEvaluator
	cast   Caster
	dedup  Deduper
	clock  clock.Clock
	logger *zap.Logger
	appm   *metrics.AppMetrics
	cfg    cfgpkg.IngestConfig

	mu     sync.Mutex
	queues map[model.IMEI]*deviceQueue
	wg     sync.WaitGroup
	stopC  chan struct{}
	closed bool
}

// New wires the pipeline. fences, cast, dedup and appm may be nil.
func New(state StateStore, events EventSink, fences FenceEvaluator, cast Caster, dedup Deduper, clk clock.Clock, logger *zap.Logger, appm *metrics.AppMetrics, cfg cfgpkg.IngestConfig) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.QueuePushTimeout <= 0 {
		cfg.QueuePushTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.TimeSkewPast <= 0 {
		cfg.TimeSkewPast = 7 * 24 * time.Hour
	}
	if cfg.TimeSkewFuture <= 0 {
		cfg.TimeSkewFuture = time.Hour
	}
	return &Pipeline{
		state:  state,
		events: events,
		fences: fences,
		cast:   cast,
		dedup:  dedup,
		clock:  clk,
		logger: logger,
		appm:   appm,
		cfg:    cfg,
		queues: make(map[model.IMEI]*deviceQueue),
		stopC:  make(chan struct{}),
	}
}

// Submit hands a decoded message to the owning device worker. For UDP
// transports a full queue sheds its oldest item; for TCP the caller
// gets ErrBackpressure after the push timeout and should pause reads.
func (p *Pipeline) Submit(it *Item) error {
	if it.Msg == nil || it.Msg.IMEI == "" {
		return nil
	}
	q := p.queue(it.Msg.IMEI)
	if q == nil {
		return errors.New("ingest: pipeline closed")
	}

	if it.Transport == model.TransportUDP {
		for {
			select {
			case q.ch <- it:
				p.trackDepth(it.Listener, q)
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				p.drop(old, "queue-full")
			default:
			}
		}
	}

	select {
	case q.ch <- it:
		p.trackDepth(it.Listener, q)
		return nil
	case <-time.After(p.cfg.QueuePushTimeout):
		return ErrBackpressure
	}
}

func (p *Pipeline) queue(imei model.IMEI) *deviceQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	q, ok := p.queues[imei]
	if !ok {
		q = &deviceQueue{ch: make(chan *Item, p.cfg.QueueCapacity)}
		p.queues[imei] = q
		p.wg.Add(1)
		go p.worker(imei, q)
	}
	q.lastUsed = p.clock.Now()
	return q
}

func (p *Pipeline) worker(imei model.IMEI, q *deviceQueue) {
	defer p.wg.Done()
	for {
		select {
		case it := <-q.ch:
			p.process(it)
		case <-p.stopC:
			// drain what is already buffered, then stop
			for {
				select {
				case it := <-q.ch:
					p.process(it)
				default:
					return
				}
			}
		}
	}
}

// Close drains every queue and waits for the workers, bounded by the
// drain deadline. Item channels are never closed so a late Submit from
// a listener goroutine fails cleanly instead of panicking.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopC)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	deadline := p.cfg.DrainDeadline
	if deadline <= 0 {
		deadline = 15 * time.Second
	}
	select {
	case <-done:
	case <-time.After(deadline):
		p.logger.Warn("ingest drain deadline exceeded")
	}
}

func (p *Pipeline) trackDepth(listener string, q *deviceQueue) {
	if p.appm != nil {
		p.appm.QueueDepth.WithLabelValues(listener).Set(float64(len(q.ch)))
	}
}

func (p *Pipeline) drop(it *Item, reason string) {
	if p.appm != nil {
		p.appm.RecordsDropped.WithLabelValues(string(it.Msg.Protocol), reason).Inc()
	}
	p.logger.Debug("record dropped",
		zap.String("imei", string(it.Msg.IMEI)),
		zap.String("reason", reason))
}

// process runs one message to completion.
func (p *Pipeline) process(it *Item) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	msg := it.Msg
	dev, err := p.state.Resolve(ctx, msg.IMEI, msg.Protocol)
	if err != nil {
		p.drop(it, "unknown-device")
		return
	}

	switch msg.Kind {
	case protocol.KindHeartbeat, protocol.KindPing, protocol.KindLogin, protocol.KindTimeSync:
		if err := p.state.Heartbeat(ctx, dev); err != nil {
			p.logger.Warn("heartbeat update failed", zap.String("imei", string(msg.IMEI)), zap.Error(err))
		}
		if msg.Kind == protocol.KindHeartbeat {
			if p.appm != nil {
				p.appm.HeartbeatTotal.Inc()
			}
			p.emitHeartbeat(ctx, dev, it)
		}
		if msg.Fix != nil {
			p.storeFix(ctx, dev, it)
		}
	case protocol.KindPosition:
		p.storeFix(ctx, dev, it)
	case protocol.KindAlarm:
		p.storeFix(ctx, dev, it)
		p.emitAlarm(ctx, dev, it)
	case protocol.KindError:
		reason := fmt.Sprintf("undecodable %s frame (%d bytes)", msg.Protocol, len(msg.Raw))
		if err := p.state.RecordError(ctx, dev, reason); err != nil {
			p.logger.Warn("error record failed", zap.Error(err))
		}
		p.emit(ctx, dev, &model.Event{
			ID:         uuid.NewString(),
			DeviceID:   dev.ID,
			IMEI:       dev.IMEI,
			Type:       model.EventProtocolError,
			Timestamp:  p.clock.Now(),
			RawPayload: hex.EncodeToString(it.Msg.Raw),
		})
	case protocol.KindInfo:
		if err := p.state.Heartbeat(ctx, dev); err == nil && len(msg.Counts) > 0 {
			changes := make(map[string]interface{}, len(msg.Counts))
			for k, v := range msg.Counts {
				changes[k] = v
			}
			p.emit(ctx, dev, &model.Event{
				ID:        uuid.NewString(),
				DeviceID:  dev.ID,
				IMEI:      dev.IMEI,
				Type:      model.EventIOChange,
				Timestamp: p.eventTime(msg),
				Changes:   changes,
			})
		}
	}
}

// emitHeartbeat persists one liveness event per distinct heartbeat
// frame. A byte-identical replay inside the dedup window is silent.
func (p *Pipeline) emitHeartbeat(ctx context.Context, dev *model.Device, it *Item) {
	msg := it.Msg
	if p.dedup != nil {
		sum := sha256.Sum256(append([]byte(string(msg.IMEI)+"|hb|"), msg.Raw...))
		if seen, _ := p.dedup.Seen(ctx, hex.EncodeToString(sum[:])); seen {
			return
		}
	}
	changes := make(map[string]interface{})
	if msg.Voltage > 0 {
		changes["voltage"] = msg.Voltage
	}
	if msg.GSMSignal > 0 {
		changes["gsmSignal"] = msg.GSMSignal
	}
	changes["statusBits"] = msg.StatusBits
	p.emit(ctx, dev, &model.Event{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		IMEI:      dev.IMEI,
		Type:      model.EventHeartbeat,
		Timestamp: p.eventTime(msg),
		Changes:   changes,
	})
}

func (p *Pipeline) eventTime(msg *protocol.Message) time.Time {
	if !msg.Time.IsZero() {
		return msg.Time
	}
	return p.clock.Now()
}

// storeFix validates, deduplicates and persists a fix, then runs the
// geofence engine and broadcast on success.
func (p *Pipeline) storeFix(ctx context.Context, dev *model.Device, it *Item) {
	fix := it.Msg.Fix
	if fix == nil {
		return
	}
	if !fix.Valid && !p.cfg.StoreInvalidFixes {
		p.drop(it, "invalid-fix")
		return
	}
	pos := fix.Position()
	if !pos.Valid() || (pos.Latitude == 0 && pos.Longitude == 0) {
		p.drop(it, "out-of-range")
		return
	}

	// clamp implausible device clocks to the receive time, both the
	// far past and the near future, and tag the record
	now := p.clock.Now()
	ts := fix.Time
	skewed := false
	if ts.IsZero() || ts.After(now.Add(p.cfg.TimeSkewFuture)) || ts.Before(now.Add(-p.cfg.TimeSkewPast)) {
		ts = now
		skewed = true
	}

	rec := &model.LocationRecord{
		DeviceID:   dev.ID,
		Timestamp:  ts,
		Position:   pos,
		Speed:      fix.Speed,
		Course:     fix.Course,
		Altitude:   fix.Altitude,
		Satellites: fix.Satellites,
		Accuracy:   fix.Accuracy,
		HDOP:       fix.HDOP,
		FixQuality: fix.Quality,
	}
	fp := Fingerprint(dev.IMEI, rec)

	if p.dedup != nil {
		if seen, _ := p.dedup.Check(ctx, fp); seen {
			p.drop(it, "duplicate")
			return
		}
	}

	ev := &model.Event{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		IMEI:      dev.IMEI,
		Type:      model.EventLocation,
		Timestamp: rec.Timestamp,
		Position:  &pos,
	}
	if skewed {
		ev.Changes = map[string]interface{}{"tag": "time-skew"}
	}

	stored, err := p.state.StoreFix(ctx, dev, rec, fp, ev)
	if err != nil {
		// one quick retry, then one requeue, then give up
		time.Sleep(100 * time.Millisecond)
		stored, err = p.state.StoreFix(ctx, dev, rec, fp, ev)
		if err != nil {
			if !it.requeued {
				it.requeued = true
				if p.Submit(it) == nil {
					return
				}
			}
			p.drop(it, "write-failed")
			p.logger.Error("fix write failed",
				zap.String("imei", string(dev.IMEI)), zap.Error(err))
			return
		}
	}
	if !stored {
		p.drop(it, "duplicate")
		return
	}
	// mark only after the record is durable so a retried write is not
	// mistaken for a replay
	if p.dedup != nil {
		if err := p.dedup.Mark(ctx, fp); err != nil {
			p.logger.Warn("dedup mark failed", zap.Error(err))
		}
	}
	if p.appm != nil {
		p.appm.RecordsStored.WithLabelValues(string(it.Msg.Protocol)).Inc()
	}

	if p.fences != nil {
		p.fences.Evaluate(ctx, dev, pos, rec.Timestamp)
	}
	if p.cast != nil {
		p.cast.PublishPosition(dev, rec)
		p.cast.PublishEvent(dev, ev)
	}
}

func (p *Pipeline) emitAlarm(ctx context.Context, dev *model.Device, it *Item) {
	msg := it.Msg
	evType := model.EventAlarm
	if msg.AlarmMask != nil {
		// bit 0 is the panic button on every supported tracker family
		if *msg.AlarmMask&0x01 != 0 {
			evType = model.EventSOS
		}
	}
	ev := &model.Event{
		ID:         uuid.NewString(),
		DeviceID:   dev.ID,
		IMEI:       dev.IMEI,
		Type:       evType,
		Timestamp:  p.eventTime(msg),
		RawPayload: hex.EncodeToString(msg.Raw),
		AlarmMask:  msg.AlarmMask,
		InputMask:  msg.InputMask,
		OutputMask: msg.OutputMask,
	}
	if msg.Fix != nil {
		pos := msg.Fix.Position()
		ev.Position = &pos
	}
	p.emit(ctx, dev, ev)
}

func (p *Pipeline) emit(ctx context.Context, dev *model.Device, ev *model.Event) {
	if p.events != nil {
		if err := p.events.InsertEvent(ctx, ev); err != nil {
			p.logger.Warn("event insert failed",
				zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
	if p.cast != nil {
		p.cast.PublishEvent(dev, ev)
	}
}

// Fingerprint derives the dedup key of a fix from the fields a replay
// cannot vary.
func Fingerprint(imei model.IMEI, rec *model.LocationRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.6f|%.6f",
		imei, rec.Timestamp.Unix(),
		rec.Position.Latitude, rec.Position.Longitude)
	return hex.EncodeToString(h.Sum(nil))
}
