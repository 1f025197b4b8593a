package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsNarrowPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortForwarding.RangeStart = 10000
	cfg.PortForwarding.RangeEnd = 10005
	cfg.Server.MaxRunningContainers = 10

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for port range narrower than capacity")
	}
}

func TestValidateRejectsBadLogRotationAction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogRotation.Action = "shred"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log_rotation action")
	}
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortForwarding.RangeStart = 15000
	cfg.PortForwarding.RangeEnd = 10000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}
