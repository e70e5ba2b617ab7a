// Package mint runs the recurring sealed-bid second-price auction that is
// the kernel's only source of new scrip.
//
// The auction is tick-driven and deterministic: waiting until the configured
// start tick, a fixed bidding window, then exactly one resolution. Bids are
// escrowed into the mint's own principal the moment they are submitted and
// settle exclusively through the kernel facade, so the auction holds no
// authority an agent-built competitor could not also obtain. Scoring of the
// winning artifact happens out of band; the oracle result comes back as an
// ordinary settlement step and never blocks the dispatcher.
package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/storage"
)

// Phase enumerates the auction lifecycle.
type Phase string

const (
	// PhaseWaiting precedes the first trigger or separates rounds.
	PhaseWaiting Phase = "waiting"
	// PhaseBidding accepts, replaces, and cancels bids.
	PhaseBidding Phase = "bidding"
)

// TieBreak selects among equal highest bids.
type TieBreak string

const (
	// TieBreakEarliest picks the earliest-submitted of the tied bids.
	TieBreakEarliest TieBreak = "earliest"
)

// ScoreOracle scores a winning artifact. Calls may be slow; the kernel
// invokes them outside the dispatch lock with a bounded context.
type ScoreOracle interface {
	Score(ctx context.Context, artifact domain.Artifact) (int64, error)
}

// OracleFunc adapts a function to the ScoreOracle interface.
type OracleFunc func(ctx context.Context, artifact domain.Artifact) (int64, error)

// Score implements ScoreOracle.
func (f OracleFunc) Score(ctx context.Context, artifact domain.Artifact) (int64, error) {
	return f(ctx, artifact)
}

// Config parameterizes the auction.
type Config struct {
	// HolderID is the mint's own principal, holding escrowed bids.
	HolderID string
	// StartTick is the first tick that opens bidding.
	StartTick uint64
	// WindowTicks is the length of each bidding window.
	WindowTicks uint64
	// IntervalTicks separates a resolution from the next window opening.
	IntervalTicks uint64
	// MinimumBid is the lowest accepted bid and the price a sole bidder
	// pays.
	MinimumBid int64
	// ScoreRatio converts oracle score points to minted scrip.
	ScoreRatio int64
	// TieBreak resolves equal highest bids. Defaults to earliest-submitted.
	TieBreak TieBreak
}

// Service is the auction state machine.
type Service struct {
	config  Config
	query   *facade.Query
	actions *facade.Actions
	ledger  *ledger.Service
	store   storage.Store
	log     *eventlog.Log
	clock   func() time.Time

	phase     Phase
	round     uint64
	windowEnd uint64
	nextStart uint64
}

// New creates the auction service in the waiting phase.
func New(config Config, query *facade.Query, actions *facade.Actions, ledgerSvc *ledger.Service, store storage.Store, log *eventlog.Log) *Service {
	if config.WindowTicks == 0 {
		config.WindowTicks = 1
	}
	if config.IntervalTicks == 0 {
		config.IntervalTicks = 1
	}
	if config.MinimumBid <= 0 {
		config.MinimumBid = 1
	}
	if config.ScoreRatio <= 0 {
		config.ScoreRatio = 1
	}
	if config.TieBreak == "" {
		config.TieBreak = TieBreakEarliest
	}
	return &Service{
		config:    config,
		query:     query,
		actions:   actions,
		ledger:    ledgerSvc,
		store:     store,
		log:       log,
		clock:     time.Now,
		phase:     PhaseWaiting,
		nextStart: config.StartTick,
	}
}

// WithClock overrides the bid timestamp source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// State is the public auction snapshot.
type State struct {
	Phase      Phase  `json:"phase"`
	Round      uint64 `json:"round"`
	WindowEnd  uint64 `json:"window_end,omitempty"`
	NextStart  uint64 `json:"next_start,omitempty"`
	MinimumBid int64  `json:"minimum_bid"`
}

// State returns the current auction snapshot.
func (s *Service) State() State {
	state := State{Phase: s.phase, Round: s.round, MinimumBid: s.config.MinimumBid}
	switch s.phase {
	case PhaseBidding:
		state.WindowEnd = s.windowEnd
	default:
		state.NextStart = s.nextStart
	}
	return state
}

// SubmitBid escrows or replaces the caller's bid for the current round.
// Replacing settles only the delta against the escrow holder.
func (s *Service) SubmitBid(ctx context.Context, caller, artifactID string, amount int64) error {
	if s.phase != PhaseBidding {
		return kerr.New(kerr.CodeBidWindowClosed, "bidding window is not open")
	}
	caller = strings.TrimSpace(caller)
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return kerr.New(kerr.CodeArgumentMissing, "artifact id is required")
	}
	if amount < s.config.MinimumBid {
		return kerr.Newf(kerr.CodeArgumentInvalid, "bid %d is below the minimum bid %d", amount, s.config.MinimumBid)
	}
	submitted, err := s.query.Artifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if submitted.Deleted {
		return kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", artifactID)
	}

	previous, err := s.store.GetBid(ctx, caller)
	switch {
	case err == nil:
		// Settle the delta before replacing the stored bid.
		if amount > previous.Amount {
			if err := s.actions.TransferScrip(ctx, caller, s.config.HolderID, amount-previous.Amount); err != nil {
				return err
			}
		} else if amount < previous.Amount {
			if err := s.actions.TransferScrip(ctx, s.config.HolderID, caller, previous.Amount-amount); err != nil {
				return err
			}
		}
	case errors.Is(err, storage.ErrNotFound):
		if err := s.actions.TransferScrip(ctx, caller, s.config.HolderID, amount); err != nil {
			return err
		}
	default:
		return kerr.Wrap(kerr.CodeStorageUnavailable, "load bid", err)
	}

	bid := storage.Bid{
		PrincipalID: caller,
		ArtifactID:  artifactID,
		Amount:      amount,
		SubmittedAt: s.clock().UTC(),
	}
	if previous.PrincipalID != "" {
		// A replacement keeps its original place in the tie-break order.
		bid.SubmittedAt = previous.SubmittedAt
	}
	if err := s.store.PutBid(ctx, bid); err != nil {
		return kerr.Wrap(kerr.CodeStorageUnavailable, "store bid", err)
	}
	return nil
}

// CancelBid refunds and withdraws the caller's bid. Allowed up to
// resolution. A non-empty artifactID must match the stored bid; an empty
// one cancels whatever the caller has standing.
func (s *Service) CancelBid(ctx context.Context, caller, artifactID string) error {
	if s.phase != PhaseBidding {
		return kerr.New(kerr.CodeBidWindowClosed, "bidding window is not open")
	}
	bid, err := s.store.GetBid(ctx, caller)
	if errors.Is(err, storage.ErrNotFound) {
		return kerr.Newf(kerr.CodeNotFound, "principal %s has no active bid", caller)
	}
	if err != nil {
		return kerr.Wrap(kerr.CodeStorageUnavailable, "load bid", err)
	}
	if artifactID = strings.TrimSpace(artifactID); artifactID != "" && artifactID != bid.ArtifactID {
		return kerr.Newf(kerr.CodeArgumentInvalid, "bid of %s is for artifact %s, not %s", caller, bid.ArtifactID, artifactID)
	}
	if err := s.actions.TransferScrip(ctx, s.config.HolderID, caller, bid.Amount); err != nil {
		return err
	}
	if err := s.store.DeleteBid(ctx, caller); err != nil {
		return kerr.Wrap(kerr.CodeStorageUnavailable, "delete bid", err)
	}
	return nil
}

// Resolution reports one completed round.
type Resolution struct {
	// Round is the resolved round number.
	Round uint64
	// NoBids marks a round that closed without bids.
	NoBids bool
	// WinnerID and ArtifactID identify the winning bid.
	WinnerID   string
	ArtifactID string
	// PricePaid is the second-highest bid, or the minimum bid for a sole
	// bidder.
	PricePaid int64
	// Duplicate marks content that was already scored in a past round. The
	// submission scores zero and the oracle is not consulted.
	Duplicate bool
	// ContentHash is the winning artifact's content hash.
	ContentHash string
	// NeedsScore asks the caller to schedule an oracle score for the
	// winner. False for no-bid and duplicate rounds.
	NeedsScore bool
}

// Tick advances the auction for one logical tick. It returns a non-nil
// Resolution exactly once per round, when the bidding window elapses.
func (s *Service) Tick(ctx context.Context, tick uint64) (*Resolution, error) {
	switch s.phase {
	case PhaseWaiting:
		if tick >= s.nextStart {
			s.phase = PhaseBidding
			s.round++
			s.windowEnd = tick + s.config.WindowTicks
		}
		return nil, nil
	case PhaseBidding:
		if tick < s.windowEnd {
			return nil, nil
		}
		return s.resolve(ctx, tick)
	default:
		return nil, kerr.Newf(kerr.CodeInternal, "auction in unknown phase %q", s.phase)
	}
}

func (s *Service) resolve(ctx context.Context, tick uint64) (*Resolution, error) {
	bids, err := s.store.ListBids(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "list bids", err)
	}

	s.phase = PhaseWaiting
	s.nextStart = tick + s.config.IntervalTicks

	if len(bids) == 0 {
		resolution := &Resolution{Round: s.round, NoBids: true}
		if _, err := s.log.Emit(ctx, domain.Event{
			Type: domain.EventMintNoBids,
			Fields: map[string]any{
				"round": s.round,
				"tick":  tick,
			},
		}); err != nil {
			return nil, err
		}
		return resolution, nil
	}

	winner, price := pickWinner(bids, s.config.MinimumBid)

	// Refund losers in full and return the winner's overbid. The winner's
	// escrowed bid keeps exactly the price paid with the holder.
	for _, bid := range bids {
		refund := bid.Amount
		if bid.PrincipalID == winner.PrincipalID {
			refund = bid.Amount - price
		}
		if refund <= 0 {
			continue
		}
		if err := s.actions.TransferScrip(ctx, s.config.HolderID, bid.PrincipalID, refund); err != nil {
			return nil, fmt.Errorf("refund bid of %s: %w", bid.PrincipalID, err)
		}
	}
	if err := s.store.ClearBids(ctx); err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "clear bids", err)
	}

	if err := s.redistribute(ctx, winner.PrincipalID, price); err != nil {
		return nil, err
	}

	resolution := &Resolution{
		Round:      s.round,
		WinnerID:   winner.PrincipalID,
		ArtifactID: winner.ArtifactID,
		PricePaid:  price,
	}

	submitted, err := s.query.Artifact(ctx, winner.ArtifactID)
	if err != nil {
		return nil, err
	}
	resolution.ContentHash = ContentHash(submitted.Content)
	seen, err := s.store.HasContentHash(ctx, resolution.ContentHash)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "check content hash", err)
	}
	if seen {
		resolution.Duplicate = true
	} else {
		if err := s.store.RecordContentHash(ctx, resolution.ContentHash); err != nil {
			return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "record content hash", err)
		}
		resolution.NeedsScore = true
	}

	fields := map[string]any{
		"round":        s.round,
		"tick":         tick,
		"winner_id":    resolution.WinnerID,
		"artifact_id":  resolution.ArtifactID,
		"price_paid":   resolution.PricePaid,
		"duplicate":    resolution.Duplicate,
		"content_hash": resolution.ContentHash,
		"bid_count":    len(bids),
	}
	if resolution.Duplicate {
		fields["error_code"] = string(kerr.CodeDuplicateContent)
	}
	if _, err := s.log.Emit(ctx, domain.Event{
		Type:   domain.EventMintResolved,
		Fields: fields,
	}); err != nil {
		return nil, err
	}
	return resolution, nil
}

// redistribute pays the price out as universal basic income to every
// principal except the winner and the mint itself. Integer division; the
// remainder goes to the first recipient in iteration order.
func (s *Service) redistribute(ctx context.Context, winnerID string, price int64) error {
	if price <= 0 {
		return nil
	}
	principals, err := s.query.Principals(ctx)
	if err != nil {
		return err
	}
	recipients := make([]string, 0, len(principals))
	for _, principal := range principals {
		if principal.ID == winnerID || principal.ID == s.config.HolderID {
			continue
		}
		recipients = append(recipients, principal.ID)
	}
	if len(recipients) == 0 {
		return nil
	}
	share := price / int64(len(recipients))
	remainder := price % int64(len(recipients))
	for i, recipient := range recipients {
		amount := share
		if i == 0 {
			amount += remainder
		}
		if amount <= 0 {
			continue
		}
		if err := s.actions.TransferScrip(ctx, s.config.HolderID, recipient, amount); err != nil {
			return fmt.Errorf("distribute income to %s: %w", recipient, err)
		}
	}
	return nil
}

// ApplyScore converts an oracle score into minted scrip for the round
// winner. This is the only operation that creates scrip; the dispatcher
// restricts it to the mint's own principal.
func (s *Service) ApplyScore(ctx context.Context, winnerID, artifactID string, score int64) (int64, error) {
	if score < 0 {
		return 0, kerr.New(kerr.CodeArgumentInvalid, "score must not be negative")
	}
	minted := score * s.config.ScoreRatio
	if minted > 0 {
		if err := s.ledger.Credit(ctx, winnerID, minted); err != nil {
			return 0, err
		}
	}
	if _, err := s.log.Emit(ctx, domain.Event{
		Type: domain.EventMintScored,
		Fields: map[string]any{
			"winner_id":   winnerID,
			"artifact_id": artifactID,
			"score":       score,
			"minted":      minted,
		},
	}); err != nil {
		return 0, err
	}
	return minted, nil
}

// pickWinner returns the winning bid and the second price. Bids arrive
// ordered by submission time then principal id, so scanning with a strict
// greater-than comparison implements the earliest-submitted tie-break.
func pickWinner(bids []storage.Bid, minimumBid int64) (storage.Bid, int64) {
	winner := bids[0]
	for _, bid := range bids[1:] {
		if bid.Amount > winner.Amount {
			winner = bid
		}
	}
	second := int64(0)
	for _, bid := range bids {
		if bid.PrincipalID == winner.PrincipalID {
			continue
		}
		if bid.Amount > second {
			second = bid.Amount
		}
	}
	if second < minimumBid {
		second = minimumBid
	}
	return winner, second
}

// ContentHash returns the dedup hash for submitted content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
