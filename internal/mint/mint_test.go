package mint

import (
	"context"
	"testing"
	"time"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/storage/memory"
)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *memory.Store
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	store := memory.New()
	ledgerSvc := ledger.New(store, ledger.Config{})
	artifacts := artifact.New(store, contract.NewRegistry())
	query, actions := facade.New(ledgerSvc, artifacts, store)
	log := eventlog.New(store, nil)

	if config.HolderID == "" {
		config.HolderID = "mint"
	}
	ctx := context.Background()
	if err := ledgerSvc.Register(ctx, domain.Principal{ID: config.HolderID}); err != nil {
		t.Fatalf("register holder: %v", err)
	}

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	n := 0
	svc := New(config, query, actions, ledgerSvc, store, log).WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
	return &fixture{svc: svc, ledger: ledgerSvc, store: store}
}

func (f *fixture) register(t *testing.T, id string, scrip int64) {
	t.Helper()
	if err := f.ledger.Register(context.Background(), domain.Principal{ID: id, Scrip: scrip}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) submission(t *testing.T, owner, id, content string) {
	t.Helper()
	err := f.store.PutArtifact(context.Background(), domain.Artifact{
		ID:               id,
		Type:             "data",
		Content:          content,
		Creator:          owner,
		Controller:       owner,
		AccessContractID: contract.IDPublicRead,
	})
	if err != nil {
		t.Fatalf("store artifact %s: %v", id, err)
	}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return balance
}

func (f *fixture) openBidding(t *testing.T) {
	t.Helper()
	if _, err := f.svc.Tick(context.Background(), f.svc.config.StartTick); err != nil {
		t.Fatalf("open bidding: %v", err)
	}
	if f.svc.State().Phase != PhaseBidding {
		t.Fatalf("phase = %s, want bidding", f.svc.State().Phase)
	}
}

func TestBidsRejectedOutsideWindow(t *testing.T) {
	f := newFixture(t, Config{StartTick: 5, WindowTicks: 3})
	f.register(t, "alice", 100)
	f.submission(t, "alice", "art-a", "alpha")

	err := f.svc.SubmitBid(context.Background(), "alice", "art-a", 10)
	if !kerr.IsCode(err, kerr.CodeBidWindowClosed) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeBidWindowClosed)
	}
}

func TestSecondPriceResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 2, MinimumBid: 5})
	f.register(t, "alice", 100)
	f.register(t, "bob", 100)
	f.register(t, "carol", 100)
	f.submission(t, "alice", "art-a", "alpha")
	f.submission(t, "bob", "art-b", "beta")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 50); err != nil {
		t.Fatalf("bid alice: %v", err)
	}
	if err := f.svc.SubmitBid(ctx, "bob", "art-b", 30); err != nil {
		t.Fatalf("bid bob: %v", err)
	}
	if f.balance(t, "alice") != 50 || f.balance(t, "bob") != 70 {
		t.Fatalf("escrow balances = %d/%d, want 50/70", f.balance(t, "alice"), f.balance(t, "bob"))
	}

	resolution, err := f.svc.Tick(ctx, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution == nil || resolution.WinnerID != "alice" {
		t.Fatalf("resolution = %+v, want winner alice", resolution)
	}
	if resolution.PricePaid != 30 {
		t.Fatalf("price paid = %d, want 30", resolution.PricePaid)
	}
	if !resolution.NeedsScore {
		t.Fatal("expected oracle scoring request")
	}

	// Bob fully refunded; alice paid 30, redistributed 15 each to bob and
	// carol.
	if got := f.balance(t, "bob"); got != 115 {
		t.Fatalf("bob balance = %d, want 115", got)
	}
	if got := f.balance(t, "carol"); got != 115 {
		t.Fatalf("carol balance = %d, want 115", got)
	}
	if got := f.balance(t, "alice"); got != 70 {
		t.Fatalf("alice balance = %d, want 70", got)
	}
	if got := f.balance(t, "mint"); got != 0 {
		t.Fatalf("mint balance = %d, want 0", got)
	}
}

func TestSingleBidderPaysMinimum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, MinimumBid: 5})
	f.register(t, "alice", 100)
	f.register(t, "bob", 0)
	f.submission(t, "alice", "art-a", "alpha")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 30); err != nil {
		t.Fatalf("bid: %v", err)
	}
	resolution, err := f.svc.Tick(ctx, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.PricePaid != 5 {
		t.Fatalf("price paid = %d, want minimum 5", resolution.PricePaid)
	}
	if got := f.balance(t, "alice"); got != 95 {
		t.Fatalf("alice balance = %d, want 95", got)
	}
	if got := f.balance(t, "bob"); got != 5 {
		t.Fatalf("bob balance = %d, want 5", got)
	}
}

func TestEarliestSubmittedWinsTies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, MinimumBid: 1})
	f.register(t, "alice", 100)
	f.register(t, "bob", 100)
	f.submission(t, "alice", "art-a", "alpha")
	f.submission(t, "bob", "art-b", "beta")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "bob", "art-b", 40); err != nil {
		t.Fatalf("bid bob: %v", err)
	}
	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 40); err != nil {
		t.Fatalf("bid alice: %v", err)
	}
	resolution, err := f.svc.Tick(ctx, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.WinnerID != "bob" {
		t.Fatalf("winner = %s, want bob (earliest submitted)", resolution.WinnerID)
	}
}

func TestReplacingBidSettlesDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, MinimumBid: 1})
	f.register(t, "alice", 100)
	f.submission(t, "alice", "art-a", "alpha")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 40); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if got := f.balance(t, "alice"); got != 60 {
		t.Fatalf("balance after first bid = %d, want 60", got)
	}
	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 25); err != nil {
		t.Fatalf("lower bid: %v", err)
	}
	if got := f.balance(t, "alice"); got != 75 {
		t.Fatalf("balance after lowering = %d, want 75", got)
	}
	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 60); err != nil {
		t.Fatalf("raise bid: %v", err)
	}
	if got := f.balance(t, "alice"); got != 40 {
		t.Fatalf("balance after raising = %d, want 40", got)
	}
}

func TestCancelBidRefundsInFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, MinimumBid: 1})
	f.register(t, "alice", 100)
	f.submission(t, "alice", "art-a", "alpha")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 40); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if err := f.svc.CancelBid(ctx, "alice", "art-b"); !kerr.IsCode(err, kerr.CodeArgumentInvalid) {
		t.Fatalf("cancel against wrong artifact = %v, want %s", err, kerr.CodeArgumentInvalid)
	}
	if err := f.svc.CancelBid(ctx, "alice", "art-a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance after cancel = %d, want 100", got)
	}

	resolution, err := f.svc.Tick(ctx, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolution.NoBids {
		t.Fatalf("resolution = %+v, want no-bids marker", resolution)
	}
}

func TestNoBidsRoundIsExplicitNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, IntervalTicks: 2})
	f.register(t, "alice", 100)
	f.openBidding(t)

	resolution, err := f.svc.Tick(ctx, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution == nil || !resolution.NoBids {
		t.Fatalf("resolution = %+v, want no-bids marker", resolution)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance mutated on no-bid round: %d", got)
	}
	state := f.svc.State()
	if state.Phase != PhaseWaiting || state.NextStart != 4 {
		t.Fatalf("state = %+v, want waiting until tick 4", state)
	}
}

func TestDuplicateContentScoresZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, IntervalTicks: 1, MinimumBid: 1})
	f.register(t, "alice", 100)
	f.register(t, "bob", 100)
	f.submission(t, "alice", "art-a", "identical payload")
	f.submission(t, "bob", "art-b", "identical payload")
	f.openBidding(t)

	if err := f.svc.SubmitBid(ctx, "alice", "art-a", 10); err != nil {
		t.Fatalf("bid round one: %v", err)
	}
	first, err := f.svc.Tick(ctx, 2)
	if err != nil {
		t.Fatalf("resolve round one: %v", err)
	}
	if first.Duplicate || !first.NeedsScore {
		t.Fatalf("round one = %+v, want fresh content", first)
	}

	if _, err := f.svc.Tick(ctx, 3); err != nil {
		t.Fatalf("reopen bidding: %v", err)
	}
	if err := f.svc.SubmitBid(ctx, "bob", "art-b", 10); err != nil {
		t.Fatalf("bid round two: %v", err)
	}
	second, err := f.svc.Tick(ctx, 4)
	if err != nil {
		t.Fatalf("resolve round two: %v", err)
	}
	if !second.Duplicate || second.NeedsScore {
		t.Fatalf("round two = %+v, want duplicate with no scoring", second)
	}

	events, err := f.store.ListEvents(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var resolved []domain.Event
	for _, event := range events {
		if event.Type == domain.EventMintResolved {
			resolved = append(resolved, event)
		}
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved events = %d, want 2", len(resolved))
	}
	if _, tagged := resolved[0].Fields["error_code"]; tagged {
		t.Fatalf("fresh round carries an error code: %v", resolved[0].Fields)
	}
	if code := resolved[1].Fields["error_code"]; code != string(kerr.CodeDuplicateContent) {
		t.Fatalf("duplicate round error_code = %v, want %s", code, kerr.CodeDuplicateContent)
	}
}

func TestApplyScoreMintsByRatio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{StartTick: 1, WindowTicks: 1, ScoreRatio: 3})
	f.register(t, "alice", 10)

	before, err := f.ledger.TotalScrip(ctx)
	if err != nil {
		t.Fatalf("total before: %v", err)
	}
	minted, err := f.svc.ApplyScore(ctx, "alice", "art-a", 7)
	if err != nil {
		t.Fatalf("apply score: %v", err)
	}
	if minted != 21 {
		t.Fatalf("minted = %d, want 21", minted)
	}
	after, err := f.ledger.TotalScrip(ctx)
	if err != nil {
		t.Fatalf("total after: %v", err)
	}
	if after-before != 21 {
		t.Fatalf("supply delta = %d, want 21", after-before)
	}
}
