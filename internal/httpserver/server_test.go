package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetgrid/gps-server/internal/command"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	appmetrics "github.com/fleetgrid/gps-server/internal/metrics"
	"github.com/fleetgrid/gps-server/internal/model"
)

func TestHealthzReadyzMetrics(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	reg := appmetrics.NewRegistry()
	handler := appmetrics.Handler(reg)
	srv := New(cfg, "/metrics", handler, func() bool { return true }, nil, nil, nil)

	// healthz
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("/healthz code=%d", rr.Code)
	}

	// readyz ok
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("/readyz code=%d", rr.Code)
	}

	// metrics
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics code=%d", rr.Code)
	}
}

func TestReadyzNotReady(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	reg := appmetrics.NewRegistry()
	handler := appmetrics.Handler(reg)
	srv := New(cfg, "/metrics", handler, func() bool { return false }, nil, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz not-ready code=%d", rr.Code)
	}
}

func TestListenerStatus(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	want := []ListenerStatus{
		{Name: "concox", Transport: "tcp", Addr: ":55300", Running: true, Connections: 12},
		{Name: "meiligao", Transport: "udp", Addr: ":62000", Running: true},
	}
	srv := New(cfg, "/metrics", nil, nil, func() []ListenerStatus { return want }, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/listeners", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("/listeners code=%d", rr.Code)
	}
	var got []ListenerStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Name != "concox" || got[0].Connections != 12 {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestCommandRoute(t *testing.T) {
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	var got CommandRequest
	srv := New(cfg, "/metrics", nil, nil, nil, func(ctx context.Context, req CommandRequest) (*command.Command, error) {
		got = req
		if req.Name == "motor_off" {
			return nil, command.ErrStaleAuth
		}
		return &command.Command{Name: req.Name, IMEI: model.IMEI(req.IMEI)}, nil
	}, nil)

	body := `{"imei":"352453201932174","name":"get_position","userId":7}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("/commands code=%d body=%s", rr.Code, rr.Body.String())
	}
	if got.IMEI != "352453201932174" || got.UserID != 7 {
		t.Fatalf("unexpected request: %+v", got)
	}

	// stale auth maps to 403
	body = `{"imei":"352453201932174","name":"motor_off"}`
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("/commands stale-auth code=%d", rr.Code)
	}

	// missing fields map to 400
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("/commands bad-request code=%d", rr.Code)
	}
}
