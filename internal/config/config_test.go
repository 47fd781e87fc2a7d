package config

import (
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("BAYLINE_DB_BACKEND", "sqlite")
	t.Setenv("BAYLINE_DB_DSN", "file:bayline.db")
	t.Setenv("BAYLINE_ENV", "development")
	t.Setenv("BAYLINE_SLOT_MINUTES", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("unexpected backend: %q", cfg.DBBackend)
	}
	if cfg.DefaultSlotMinutes != 15 {
		t.Fatalf("expected slot minutes 15, got %d", cfg.DefaultSlotMinutes)
	}
	if cfg.EventBusBackend != EventBusMemory {
		t.Fatalf("expected memory event bus by default, got %q", cfg.EventBusBackend)
	}
	if cfg.RecommendWaitWeight != 1.0 {
		t.Fatalf("expected default wait weight 1.0, got %v", cfg.RecommendWaitWeight)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing dsn", map[string]string{"BAYLINE_DB_DSN": ""}},
		{"unknown backend", map[string]string{"BAYLINE_DB_BACKEND": "oracle"}},
		{"unknown bus", map[string]string{"BAYLINE_EVENT_BUS": "kafka"}},
		{"zero slot minutes", map[string]string{"BAYLINE_SLOT_MINUTES": "0"}},
		{"bad timezone", map[string]string{"BAYLINE_BOOKING_TIMEZONE": "Mars/Olympus"}},
		{"leader election without redis", map[string]string{"BAYLINE_LEADER_ELECTION_ENABLED": "true"}},
		{"production without jwt key", map[string]string{"BAYLINE_ENV": "production"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BAYLINE_DB_BACKEND", "sqlite")
			t.Setenv("BAYLINE_DB_DSN", "file:bayline.db")
			t.Setenv("DATABASE_URL", "")
			t.Setenv("REDIS_ADDR", "")
			t.Setenv("BAYLINE_REDIS_ADDR", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("BAYLINE_DB_BACKEND", "sqlite")
	t.Setenv("BAYLINE_DB_DSN", "file:bayline.db")
	t.Setenv("JWT_SIGNING_KEY", "legacy")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{BookingTimezone: "Europe/Berlin"}
	if got := cfg.Location().String(); got != "Europe/Berlin" {
		t.Fatalf("expected Europe/Berlin, got %s", got)
	}
	cfg.BookingTimezone = "not/a/zone"
	if cfg.Location() != time.UTC {
		t.Fatal("expected UTC fallback")
	}
}
