package health

import (
	"context"
	"testing"
	"time"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: "mock",
		Latency: time.Millisecond,
	}
}

func TestAggregator(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusHealthy},
			&mockChecker{"listeners", StatusHealthy},
		)

		if status := agg.OverallStatus(context.Background()); status != StatusHealthy {
			t.Errorf("want StatusHealthy, got %v", status)
		}
		if !agg.Ready(context.Background()) {
			t.Error("all healthy should be ready")
		}
	})

	t.Run("partially degraded", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusHealthy},
			&mockChecker{"redis", StatusDegraded},
		)

		if status := agg.OverallStatus(context.Background()); status != StatusDegraded {
			t.Errorf("want StatusDegraded, got %v", status)
		}
		// a degraded service still takes traffic
		if !agg.Ready(context.Background()) {
			t.Error("degraded should still be ready")
		}
	})

	t.Run("unhealthy wins", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusUnhealthy},
			&mockChecker{"redis", StatusHealthy},
		)

		if status := agg.OverallStatus(context.Background()); status != StatusUnhealthy {
			t.Errorf("want StatusUnhealthy, got %v", status)
		}
		if agg.Ready(context.Background()) {
			t.Error("unhealthy must not be ready")
		}
	})

	t.Run("report", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusHealthy},
			&mockChecker{"listeners", StatusDegraded},
		)
		report := agg.Report(context.Background())
		if report.Status != StatusDegraded {
			t.Errorf("want StatusDegraded, got %v", report.Status)
		}
		if len(report.Checks) != 2 {
			t.Errorf("want 2 checks, got %d", len(report.Checks))
		}
	})
}

func TestListenerChecker(t *testing.T) {
	cases := []struct {
		name    string
		running int
		total   int
		want    Status
	}{
		{"all running", 7, 7, StatusHealthy},
		{"some down", 5, 7, StatusDegraded},
		{"all down", 0, 7, StatusUnhealthy},
		{"none configured", 0, 0, StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewListenerChecker(func() (int, int, string) {
				return tc.running, tc.total, ""
			})
			got := c.Check(context.Background())
			if got.Status != tc.want {
				t.Errorf("want %v, got %v", tc.want, got.Status)
			}
		})
	}
}
