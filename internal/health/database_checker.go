package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseChecker probes the PostgreSQL pool with a ping and flags
// pool exhaustion before it turns into acquire timeouts.
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pool.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.pool.Stat()
	var used float64
	if stats.MaxConns() > 0 {
		used = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
	}

	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]interface{}{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
			"utilization":    fmt.Sprintf("%.1f%%", used*100),
		},
	}
	switch {
	case used >= 1.0:
		res.Status = StatusUnhealthy
		res.Message = "connection pool exhausted"
	case used > 0.9:
		res.Status = StatusDegraded
		res.Message = "connection pool near limit"
	}
	res.Latency = time.Since(start)
	return res
}
