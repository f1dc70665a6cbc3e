package pg

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const pingTimeout = 3 * time.Second

// NewPool creates the pgx connection pool and verifies it with a ping.
// Zero values for the tuning parameters fall back to defaults sized for
// a single ingestion daemon.
func NewPool(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: parse dsn: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 20
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}
	cfg.MaxConns = int32(maxOpen)
	cfg.MinConns = int32(maxIdle)
	cfg.MaxConnLifetime = maxLifetime
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	if logger != nil {
		// Warn level keeps slow/failed statements visible without
		// tracing every fix insert on the hot path.
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   zapTracer{log: logger},
			LogLevel: tracelog.LogLevelWarn,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return pool, nil
}

// zapTracer adapts tracelog output onto zap.
type zapTracer struct {
	log *zap.Logger
}

func (t zapTracer) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		t.log.Debug(msg, fields...)
	case tracelog.LogLevelWarn:
		t.log.Warn(msg, fields...)
	case tracelog.LogLevelError:
		t.log.Error(msg, fields...)
	default:
		t.log.Info(msg, fields...)
	}
}
