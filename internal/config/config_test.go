package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if cfg.SlotLockTTL != 15*time.Minute || cfg.AcceptWindow != 2*time.Hour || cfg.PaymentWindow != 30*time.Minute {
		t.Errorf("unexpected windows %+v", cfg)
	}
	if cfg.ReminderLead != 24*time.Hour {
		t.Errorf("expected a day of reminder lead, got %s", cfg.ReminderLead)
	}
	if cfg.WebhookSignatureHeader != "X-Webhook-Signature" || cfg.Currency != "thb" {
		t.Errorf("unexpected webhook defaults %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SLOT_LOCK_TTL", "30m")
	t.Setenv("SWEEP_WORKERS", "8")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SlotLockTTL != 30*time.Minute || cfg.SweepWorkers != 8 || cfg.JWTSecret != "s3cret" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"lease shorter than heartbeat", "SLOT_LOCK_TTL", "30s"},
		{"commission above 100", "PLATFORM_COMMISSION_PERCENT", "120"},
		{"no workers", "SWEEP_WORKERS", "0"},
		{"unparsable duration", "ACCEPT_WINDOW", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected %s=%s to be rejected", tt.key, tt.value)
			}
		})
	}
}
