package seed

import (
	"context"
	"flag"
	"testing"

	"github.com/agoraverse/agora/internal/kerr"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "agora.db" || cfg.Force {
		t.Fatalf("defaults = %q force=%t", cfg.DBPath, cfg.Force)
	}
}

func TestRunRequiresScenario(t *testing.T) {
	err := Run(context.Background(), Config{DBPath: "agora.db"})
	if !kerr.IsCode(err, kerr.CodeArgumentMissing) {
		t.Fatalf("err = %v, want ARGUMENT_MISSING", err)
	}
}
