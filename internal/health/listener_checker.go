package health

import (
	"context"
	"fmt"
	"time"
)

// ListenerChecker reports how many ingress endpoints are accepting.
// The stats func returns running and configured counts plus the most
// recent listener error.
type ListenerChecker struct {
	stats func() (running, total int, lastErr string)
}

func NewListenerChecker(stats func() (running, total int, lastErr string)) *ListenerChecker {
	return &ListenerChecker{stats: stats}
}

func (c *ListenerChecker) Name() string { return "listeners" }

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	running, total, lastErr := c.stats()

	status := StatusHealthy
	message := "ok"
	switch {
	case total == 0:
		status = StatusUnhealthy
		message = "no listeners configured"
	case running == 0:
		status = StatusUnhealthy
		message = "all listeners down"
	case running < total:
		status = StatusDegraded
		message = fmt.Sprintf("%d of %d listeners running", running, total)
	}

	result := CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"running": running,
			"total":   total,
		},
		Latency: time.Since(start),
	}
	if lastErr != "" {
		result.Details["last_error"] = lastErr
	}
	return result
}
