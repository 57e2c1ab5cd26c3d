package formd

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("TokenTTL = %v", cfg.TokenTTL)
	}
	if cfg.ThrottleMaxPerWindow != 10 || cfg.ThrottleHardMultiplier != 3 {
		t.Fatalf("throttle defaults = %d, %d", cfg.ThrottleMaxPerWindow, cfg.ThrottleHardMultiplier)
	}
	if cfg.SoftFailThreshold != 3 {
		t.Fatalf("SoftFailThreshold = %d", cfg.SoftFailThreshold)
	}
	if cfg.PrivateRoot != "" {
		t.Fatalf("PrivateRoot should default empty, got %q", cfg.PrivateRoot)
	}
	cfg.PrivateRoot = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing private root", func(c *Config) { c.PrivateRoot = " " }},
		{"negative token ttl", func(c *Config) { c.TokenTTL = -time.Hour }},
		{"negative ledger grace", func(c *Config) { c.LedgerGrace = -time.Minute }},
		{"negative throttle max", func(c *Config) { c.ThrottleMaxPerWindow = -1 }},
		{"negative gc batch limit", func(c *Config) { c.GCBatchLimit = -1 }},
		{"negative soft fail threshold", func(c *Config) { c.SoftFailThreshold = -1 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.PrivateRoot = "/tmp/root"
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestWithDefaultsFillsZeroes(t *testing.T) {
	t.Parallel()
	cfg := Config{PrivateRoot: "/tmp/root", ThrottleMaxPerWindow: 42}.withDefaults()
	if cfg.TokenTTL != DefaultTokenTTL {
		t.Fatalf("TokenTTL = %v, want default", cfg.TokenTTL)
	}
	if cfg.ThrottleMaxPerWindow != 42 {
		t.Fatalf("explicit value clobbered: %d", cfg.ThrottleMaxPerWindow)
	}
	if cfg.MinFillTime != DefaultMinFillTime {
		t.Fatalf("MinFillTime = %v, want default", cfg.MinFillTime)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FORMD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("DefaultConfigDir = %q, want %q", got, dir)
	}

	t.Setenv("FORMD_CONFIG_DIR", "")
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if filepath.Base(got) != ".formd" {
		t.Fatalf("DefaultConfigDir = %q, want a .formd directory", got)
	}
}
