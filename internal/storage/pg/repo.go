package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetgrid/gps-server/internal/model"
)

// ErrNotFound reported when a lookup matches no row.
var ErrNotFound = errors.New("pg: not found")

// Repository persistence for devices, sessions, fixes and events.
type Repository struct {
	Pool *pgxpool.Pool
}

const deviceColumns = `id, imei, name, protocol, latitude, longitude, speed_kmh, course, altitude,
       status, last_connection, last_heartbeat, last_log, current_ip, current_port,
       connection_no, error_count, last_error, active, owner_id`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.IMEI, &d.Name, &d.Protocol,
		&d.Position.Latitude, &d.Position.Longitude, &d.Speed, &d.Course, &d.Altitude,
		&d.Status, &d.LastConnection, &d.LastHeartbeat, &d.LastLog,
		&d.CurrentIP, &d.CurrentPort, &d.ConnectionNo, &d.ErrorCount,
		&d.LastError, &d.Active, &d.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeviceByIMEI looks a device up by its modem identity.
func (r *Repository) DeviceByIMEI(ctx context.Context, imei model.IMEI) (*model.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE imei = $1`
	return scanDevice(r.Pool.QueryRow(ctx, q, imei))
}

// EnsureDevice inserts the device if unknown and returns the stored
// row either way. Used by auto-provisioning.
func (r *Repository) EnsureDevice(ctx context.Context, imei model.IMEI, protocol model.Protocol) (*model.Device, error) {
	q := `INSERT INTO devices (imei, protocol, status)
          VALUES ($1, $2, 'offline')
          ON CONFLICT (imei) DO UPDATE SET updated_at = NOW()
          RETURNING ` + deviceColumns
	return scanDevice(r.Pool.QueryRow(ctx, q, imei, protocol))
}

// TouchConnection records a new transport binding for the device.
func (r *Repository) TouchConnection(ctx context.Context, deviceID int64, ip string, port int, at time.Time) error {
	const q = `UPDATE devices
               SET status = 'online', last_connection = $2, current_ip = $3, current_port = $4,
                   connection_no = connection_no + 1, updated_at = NOW()
               WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, deviceID, at, ip, port)
	return err
}

// TouchHeartbeat refreshes liveness without moving the position.
func (r *Repository) TouchHeartbeat(ctx context.Context, deviceID int64, at time.Time) error {
	const q = `UPDATE devices SET last_heartbeat = $2, status = 'online', updated_at = NOW() WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, deviceID, at)
	return err
}

// SetStatus forces the connectivity state.
func (r *Repository) SetStatus(ctx context.Context, deviceID int64, status model.ConnectionStatus) error {
	const q = `UPDATE devices SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, deviceID, status)
	return err
}

// RecordError bumps the error counter and remembers the message.
func (r *Repository) RecordError(ctx context.Context, deviceID int64, msg string) error {
	const q = `UPDATE devices SET error_count = error_count + 1, last_error = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, deviceID, msg)
	return err
}

// MarkStaleOffline flips online devices whose heartbeat is older than
// cutoff to offline and returns them, so the supervisor can emit a
// status-change event for each.
func (r *Repository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]model.Device, error) {
	const q = `UPDATE devices SET status = 'offline', updated_at = NOW()
               WHERE status = 'online'
                 AND COALESCE(last_heartbeat, last_connection, 'epoch'::timestamptz) < $1
               RETURNING id, imei`
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devs []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.IMEI); err != nil {
			return nil, err
		}
		d.Status = model.StatusOffline
		devs = append(devs, d)
	}
	return devs, rows.Err()
}

// InsertSession persists a new session and fills in its id.
func (r *Repository) InsertSession(ctx context.Context, s *model.Session) error {
	const q = `INSERT INTO sessions (device_id, imei, protocol, transport, peer_addr, opened_at, last_active)
               VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`
	return r.Pool.QueryRow(ctx, q, s.DeviceID, s.IMEI, s.Protocol, s.Transport, s.PeerAddr, s.OpenedAt, s.LastActive).Scan(&s.ID)
}

// CloseSession finalizes a session row with its traffic counters.
func (r *Repository) CloseSession(ctx context.Context, s *model.Session, cause string, at time.Time) error {
	const q = `UPDATE sessions
               SET closed_at = $2, close_cause = $3, last_active = $4,
                   bytes_in = $5, bytes_out = $6, packets_in = $7, packets_out = $8
               WHERE id = $1 AND closed_at IS NULL`
	_, err := r.Pool.Exec(ctx, q, s.ID, at, cause, s.LastActive, s.BytesIn, s.BytesOut, s.PacketsIn, s.PacketsOut)
	return err
}

// StoreFix writes a location record, its derived event and the device
// snapshot advance in one transaction. The snapshot only moves
// forward: an out-of-order fix is stored but never rewinds the device
// position. Returns false when the dedup index rejected the record.
// ev may be nil.
func (r *Repository) StoreFix(ctx context.Context, deviceID int64, rec *model.LocationRecord, fingerprint string, receivedAt time.Time, ev *model.Event) (bool, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const ins = `INSERT INTO locations
        (device_id, recorded_at, received_at, latitude, longitude, speed_kmh, course, altitude,
         satellites, accuracy, hdop, pdop, fix_quality, fingerprint)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (device_id, fingerprint) DO NOTHING
        RETURNING id`
	err = tx.QueryRow(ctx, ins, deviceID, rec.Timestamp, receivedAt,
		rec.Position.Latitude, rec.Position.Longitude, rec.Speed, rec.Course, rec.Altitude,
		rec.Satellites, rec.Accuracy, rec.HDOP, rec.PDOP, rec.FixQuality, fingerprint).Scan(&rec.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert location: %w", err)
	}

	const upd = `UPDATE devices
        SET latitude = $2, longitude = $3, speed_kmh = $4, course = $5, altitude = $6,
            last_log = $7, updated_at = NOW()
        WHERE id = $1 AND (last_log IS NULL OR last_log <= $7)`
	if _, err := tx.Exec(ctx, upd, deviceID,
		rec.Position.Latitude, rec.Position.Longitude, rec.Speed, rec.Course, rec.Altitude,
		rec.Timestamp); err != nil {
		return false, fmt.Errorf("update device: %w", err)
	}

	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return false, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	rec.DeviceID = deviceID
	return true, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so event
// inserts can join an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertEvent persists a typed notification.
func (r *Repository) InsertEvent(ctx context.Context, ev *model.Event) error {
	return insertEvent(ctx, r.Pool, ev)
}

func insertEvent(ctx context.Context, x execer, ev *model.Event) error {
	changes, err := json.Marshal(ev.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	if len(ev.Changes) == 0 {
		changes = []byte("{}")
	}
	var lat, lon interface{}
	if ev.Position != nil {
		lat, lon = ev.Position.Latitude, ev.Position.Longitude
	}
	const q = `INSERT INTO events
        (id, device_id, imei, type, occurred_at, latitude, longitude, raw_payload,
         input_mask, output_mask, alarm_mask, changes)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = x.Exec(ctx, q, ev.ID, ev.DeviceID, ev.IMEI, ev.Type, ev.Timestamp,
		lat, lon, ev.RawPayload, maskArg(ev.InputMask), maskArg(ev.OutputMask), maskArg(ev.AlarmMask), changes)
	return err
}

func maskArg(m *uint32) interface{} {
	if m == nil {
		return nil
	}
	return int64(*m)
}

// ListActiveGeofences loads every enabled fence.
func (r *Repository) ListActiveGeofences(ctx context.Context) ([]model.Geofence, error) {
	const q = `SELECT id, name, polygon, owner_id, active, notify_on_enter, notify_on_exit,
                      alert_on_enter, alert_on_exit, cooldown_s,
                      enter_emails, exit_emails, enter_phones, exit_phones, device_ids
               FROM geofences WHERE active`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fences []model.Geofence
	for rows.Next() {
		var (
			g       model.Geofence
			polygon []byte
			ee, xe  []byte
			ep, xp  []byte
			ids     []byte
		)
		if err := rows.Scan(&g.ID, &g.Name, &polygon, &g.OwnerID, &g.Active,
			&g.NotifyOnEnter, &g.NotifyOnExit, &g.AlertOnEnter, &g.AlertOnExit,
			&g.CooldownSeconds, &ee, &xe, &ep, &xp, &ids); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(polygon, &g.Polygon); err != nil {
			return nil, fmt.Errorf("fence %d polygon: %w", g.ID, err)
		}
		_ = json.Unmarshal(ee, &g.EnterEmails)
		_ = json.Unmarshal(xe, &g.ExitEmails)
		_ = json.Unmarshal(ep, &g.EnterPhones)
		_ = json.Unmarshal(xp, &g.ExitPhones)
		_ = json.Unmarshal(ids, &g.DeviceIDs)
		fences = append(fences, g)
	}
	return fences, rows.Err()
}

// InsertGeofenceEvent persists a fence transition and fills in its id.
func (r *Repository) InsertGeofenceEvent(ctx context.Context, ev *model.GeofenceEvent) error {
	const q = `INSERT INTO geofence_events (fence_id, device_id, transition, latitude, longitude, occurred_at)
               VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	return r.Pool.QueryRow(ctx, q, ev.FenceID, ev.DeviceID, ev.Type,
		ev.Position.Latitude, ev.Position.Longitude, ev.Timestamp).Scan(&ev.ID)
}
