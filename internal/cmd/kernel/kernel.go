// Package kernel parses kernel command flags and runs the full kernel
// process: storage, genesis, intent intake, and the tick loop.
package kernel

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/escrow"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/genesis"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/mint"
	"github.com/agoraverse/agora/internal/pipeline"
	entrypoint "github.com/agoraverse/agora/internal/platform/cmd"
	"github.com/agoraverse/agora/internal/sandbox"
	"github.com/agoraverse/agora/internal/server"
	"github.com/agoraverse/agora/internal/storage/sqlite"
)

// Config holds kernel command configuration.
type Config struct {
	Addr         string        `env:"AGORA_KERNEL_ADDR" envDefault:":8080"`
	DBPath       string        `env:"AGORA_KERNEL_DB" envDefault:"agora.db"`
	ScenarioPath string        `env:"AGORA_KERNEL_SCENARIO"`
	TickInterval time.Duration `env:"AGORA_KERNEL_TICK_INTERVAL" envDefault:"5s"`
	MintID       string        `env:"AGORA_KERNEL_MINT_ID" envDefault:"sys-mint"`
	EscrowID     string        `env:"AGORA_KERNEL_ESCROW_ID" envDefault:"sys-escrow"`
	MintStart    uint64        `env:"AGORA_KERNEL_MINT_START" envDefault:"10"`
	MintWindow   uint64        `env:"AGORA_KERNEL_MINT_WINDOW" envDefault:"6"`
	MintInterval uint64        `env:"AGORA_KERNEL_MINT_INTERVAL" envDefault:"12"`
	MinimumBid   int64         `env:"AGORA_KERNEL_MINIMUM_BID" envDefault:"1"`
	ScoreRatio   int64         `env:"AGORA_KERNEL_SCORE_RATIO" envDefault:"1"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.ScenarioPath, "scenario", cfg.ScenarioPath, "YAML scenario to load when the store is empty")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "wall-clock interval between kernel ticks")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run boots and serves the kernel until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceKernel, func(ctx context.Context) error {
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
	contracts := contract.NewRegistry()
	artifacts := artifact.New(store, contracts)
	query, actions := facade.New(ledgerSvc, artifacts, store)
	eventLog := eventlog.New(store, os.Stdout)

	loader := genesis.NewLoader(store, ledgerSvc, contracts)
	mintConfig := mint.Config{
		HolderID:      cfg.MintID,
		StartTick:     cfg.MintStart,
		WindowTicks:   cfg.MintWindow,
		IntervalTicks: cfg.MintInterval,
		MinimumBid:    cfg.MinimumBid,
		ScoreRatio:    cfg.ScoreRatio,
	}
	if cfg.ScenarioPath != "" {
		empty, err := loader.Empty(ctx)
		if err != nil {
			return err
		}
		if empty {
			scenario, err := genesis.LoadScenario(cfg.ScenarioPath)
			if err != nil {
				return err
			}
			if err := loader.Apply(ctx, scenario); err != nil {
				return fmt.Errorf("apply scenario: %w", err)
			}
			mintConfig = scenario.AuctionConfig(mintConfig)
			log.Printf("scenario %s applied", cfg.ScenarioPath)
		}
	}
	if err := loader.EnsureService(ctx, cfg.MintID, "scrip mint and sealed-bid auction"); err != nil {
		return err
	}
	if err := loader.EnsureService(ctx, cfg.EscrowID, "trustless artifact trading"); err != nil {
		return err
	}

	auction := mint.New(mintConfig, query, actions, ledgerSvc, store, eventLog)
	executor := sandbox.New(query, actions, sandbox.DefaultTimeout)
	dispatcher := pipeline.New(pipeline.Config{MintPrincipalID: cfg.MintID}, store, ledgerSvc, artifacts, query, actions, auction, executor, noveltyOracle(), eventLog)
	dispatcher.RegisterNative(cfg.MintID, auction)
	dispatcher.RegisterNative(cfg.EscrowID, escrow.New(cfg.EscrowID, query, actions, store, eventLog))

	go tickLoop(ctx, dispatcher, cfg.MintID, cfg.TickInterval)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(dispatcher, query, store, eventLog).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("kernel listening on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	dispatcher.Wait()
	return nil
}

// tickLoop advances the kernel clock. Ticks are ordinary intents issued by
// the mint principal, so they appear in the event log like any other action.
func tickLoop(ctx context.Context, dispatcher *pipeline.Pipeline, mintID string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := dispatcher.Dispatch(ctx, domain.Intent{
				Kind:        domain.IntentTick,
				PrincipalID: mintID,
			})
			if !result.Success {
				log.Printf("tick failed: %s (%s)", result.Message, result.ErrorCode)
			}
		}
	}
}

// noveltyOracle scores winning submissions by distinct-token count. It is a
// placeholder for an external judge; the kernel only requires that scoring
// be deterministic for identical content.
func noveltyOracle() mint.ScoreOracle {
	return mint.OracleFunc(func(_ context.Context, art domain.Artifact) (int64, error) {
		tokens := map[string]bool{}
		for _, token := range strings.Fields(strings.ToLower(art.Content)) {
			tokens[token] = true
		}
		score := int64(len(tokens))
		if score > 100 {
			score = 100
		}
		return score, nil
	})
}
