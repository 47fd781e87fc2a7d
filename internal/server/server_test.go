package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/config"
	"github.com/friendsincode/bayline/internal/version"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:           "test",
		HTTPBind:              "127.0.0.1",
		HTTPPort:              0,
		DBBackend:             config.DatabaseSQLite,
		DBDSN:                 ":memory:",
		DefaultSlotMinutes:    30,
		GenerationHorizonDays: 2,
		GenerationInterval:    time.Hour,
		BookingMode:           "MONTHLY",
		BookingMonthlyMode:    "CURRENT_AND_NEXT",
		BookingMaxAdvanceDays: 30,
		BookingTimezone:       "UTC",
		RecommendWaitWeight:   1,
		EventBusBackend:       config.EventBusMemory,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.HTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	if body["status"] != "ok" || body["version"] != version.Version {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["leader"]; ok {
		t.Fatalf("leader reported without election: %v", body)
	}
}

type stubElection struct {
	leader bool
	id     string
	holder string
	err    error
}

func (e stubElection) IsLeader() bool     { return e.leader }
func (e stubElection) InstanceID() string { return e.id }
func (e stubElection) GetLeader(context.Context) (string, error) {
	return e.holder, e.err
}

func TestHealthzReportsLeadership(t *testing.T) {
	tests := []struct {
		name       string
		election   stubElection
		wantLeader bool
		wantHolder any
	}{
		{"leader", stubElection{leader: true, id: "node-a", holder: "node-a"}, true, "node-a"},
		{"follower", stubElection{id: "node-b", holder: "node-a"}, false, "node-a"},
		{"lookup fails", stubElection{id: "node-b", err: errors.New("redis down")}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.election = tt.election

			rr := httptest.NewRecorder()
			srv.HTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v (%s)", err, rr.Body.String())
			}
			if body["leader"] != tt.wantLeader || body["instance_id"] != tt.election.id {
				t.Fatalf("unexpected body: %v", body)
			}
			if body["leader_id"] != tt.wantHolder {
				t.Fatalf("leader_id = %v, want %v", body["leader_id"], tt.wantHolder)
			}
		})
	}
}

func TestRoutesMounted(t *testing.T) {
	srv := newTestServer(t)
	h := srv.HTTPServer().Handler

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/branches", http.StatusOK},
		{"/api/v1/booking-window", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != tt.want {
			t.Fatalf("%s status=%d, want %d", tt.path, rr.Code, tt.want)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s missing security headers", tt.path)
		}
	}
}

func TestNewRejectsUnknownDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.DBBackend = "oracle"
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown database backend")
	}
}
