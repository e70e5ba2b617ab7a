// Package seed parses seed command flags and applies a YAML scenario to a
// kernel database.
package seed

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/genesis"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	entrypoint "github.com/agoraverse/agora/internal/platform/cmd"
	"github.com/agoraverse/agora/internal/storage/sqlite"
)

// Config holds seed command configuration.
type Config struct {
	DBPath       string `env:"AGORA_SEED_DB" envDefault:"agora.db"`
	ScenarioPath string `env:"AGORA_SEED_SCENARIO"`
	MintID       string `env:"AGORA_SEED_MINT_ID" envDefault:"sys-mint"`
	EscrowID     string `env:"AGORA_SEED_ESCROW_ID" envDefault:"sys-escrow"`
	Force        bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.ScenarioPath, "scenario", cfg.ScenarioPath, "YAML scenario file")
	fs.BoolVar(&cfg.Force, "force", cfg.Force, "apply even when the database already holds principals")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run applies the scenario.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ScenarioPath == "" {
		return kerr.New(kerr.CodeArgumentMissing, "a scenario file is required")
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	ledgerSvc := ledger.New(store, ledger.Config{})
	loader := genesis.NewLoader(store, ledgerSvc, contract.NewRegistry())

	if !cfg.Force {
		empty, err := loader.Empty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("database %s already seeded; rerun with -force to add anyway", cfg.DBPath)
		}
	}

	scenario, err := genesis.LoadScenario(cfg.ScenarioPath)
	if err != nil {
		return err
	}
	if err := loader.Apply(ctx, scenario); err != nil {
		return err
	}
	if err := loader.EnsureService(ctx, cfg.MintID, "scrip mint and sealed-bid auction"); err != nil {
		return err
	}
	if err := loader.EnsureService(ctx, cfg.EscrowID, "trustless artifact trading"); err != nil {
		return err
	}

	log.Printf("seeded %d principals and %d artifacts from %s", len(scenario.Principals), len(scenario.Artifacts), cfg.ScenarioPath)
	return nil
}
