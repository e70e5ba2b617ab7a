package kernel

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DBPath != "agora.db" {
		t.Fatalf("defaults = %q %q", cfg.Addr, cfg.DBPath)
	}
	if cfg.TickInterval != 5*time.Second {
		t.Fatalf("tick interval = %s, want 5s", cfg.TickInterval)
	}
	if cfg.MintID != "sys-mint" || cfg.EscrowID != "sys-escrow" {
		t.Fatalf("service ids = %q %q", cfg.MintID, cfg.EscrowID)
	}
}

func TestParseConfigFlagOverridesEnv(t *testing.T) {
	t.Setenv("AGORA_KERNEL_ADDR", ":9999")
	t.Setenv("AGORA_KERNEL_DB", "env.db")

	fs := flag.NewFlagSet("kernel", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db", "flag.db", "-tick-interval", "250ms"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, want env value", cfg.Addr)
	}
	if cfg.DBPath != "flag.db" {
		t.Fatalf("db = %q, want flag to beat env", cfg.DBPath)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Fatalf("tick interval = %s", cfg.TickInterval)
	}
}
