// Package escrow implements trustless artifact trading through the
// gatekeeper pattern.
//
// The escrow service never holds any privilege beyond its own principal. A
// seller first rotates the artifact's authorized_writer slot to the escrow
// id through the ordinary contract-gated metadata path; deposit only
// succeeds when that rotation is already in place, so escrow cannot grant
// itself write access. Purchases settle in two legs, with an explicit
// compensating refund if the second leg fails after the first succeeded.
package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/storage"
)

// Service runs escrow trades.
type Service struct {
	// escrowID is the service's own principal, the authorized writer of
	// every deposited artifact.
	escrowID string
	query    *facade.Query
	actions  *facade.Actions
	store    storage.ListingStore
	log      *eventlog.Log
	clock    func() time.Time
}

// New creates the escrow service acting as the given principal.
func New(escrowID string, query *facade.Query, actions *facade.Actions, store storage.ListingStore, log *eventlog.Log) *Service {
	return &Service{
		escrowID: escrowID,
		query:    query,
		actions:  actions,
		store:    store,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the timestamp source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Deposit lists an artifact for sale. The seller must have rotated the
// artifact's authorized_writer to the escrow id beforehand; anything else is
// rejected, which is what makes the trade trustless. An optional restricted
// buyer limits who may purchase.
func (s *Service) Deposit(ctx context.Context, seller, artifactID string, price int64, restrictedBuyer string) (storage.Listing, error) {
	seller = strings.TrimSpace(seller)
	if seller == "" {
		return storage.Listing{}, kerr.New(kerr.CodeArgumentMissing, "seller is required")
	}
	if price <= 0 {
		return storage.Listing{}, kerr.New(kerr.CodeArgumentInvalid, "price must be positive")
	}

	existing, err := s.store.GetListing(ctx, artifactID)
	if err == nil && existing.Status == storage.ListingActive {
		return storage.Listing{}, kerr.Newf(kerr.CodeListingActive, "artifact %s already has an active listing", artifactID)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "load listing", err)
	}

	target, err := s.query.Artifact(ctx, artifactID)
	if err != nil {
		return storage.Listing{}, err
	}
	if target.Deleted {
		return storage.Listing{}, kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", artifactID)
	}
	if target.Controller != seller {
		return storage.Listing{}, kerr.Newf(kerr.CodeNotController, "principal %s does not control artifact %s", seller, artifactID)
	}
	if target.Meta(domain.MetadataAuthorizedWriter) != s.escrowID {
		return storage.Listing{}, kerr.Newf(kerr.CodePermissionDenied, "artifact %s has not granted the escrow write authority", artifactID)
	}

	now := s.clock().UTC()
	listing := storage.Listing{
		ArtifactID:      artifactID,
		SellerID:        seller,
		Price:           price,
		RestrictedBuyer: strings.TrimSpace(restrictedBuyer),
		Status:          storage.ListingActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.PutListing(ctx, listing); err != nil {
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "store listing", err)
	}
	if _, err := s.log.Emit(ctx, domain.Event{
		Type: domain.EventEscrowDeposited,
		Fields: map[string]any{
			"artifact_id": artifactID,
			"seller_id":   seller,
			"price":       price,
		},
	}); err != nil {
		return storage.Listing{}, err
	}
	return listing, nil
}

// Purchase settles an active listing: scrip moves from buyer to seller,
// then write authority rotates to the buyer. If the rotation fails after
// payment succeeded, the payment is reversed and the failure is reported as
// a retriable system error; the two legs are never left inconsistent.
func (s *Service) Purchase(ctx context.Context, buyer, artifactID string) (storage.Listing, error) {
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return storage.Listing{}, kerr.New(kerr.CodeArgumentMissing, "buyer is required")
	}
	listing, err := s.activeListing(ctx, artifactID)
	if err != nil {
		return storage.Listing{}, err
	}
	if listing.RestrictedBuyer != "" && listing.RestrictedBuyer != buyer {
		return storage.Listing{}, kerr.Newf(kerr.CodePermissionDenied, "listing for %s is restricted to another buyer", artifactID)
	}
	if buyer == listing.SellerID {
		return storage.Listing{}, kerr.New(kerr.CodeArgumentInvalid, "seller cannot purchase their own listing")
	}

	if err := s.actions.TransferScrip(ctx, buyer, listing.SellerID, listing.Price); err != nil {
		return storage.Listing{}, err
	}
	if _, err := s.actions.SetArtifactMetadata(ctx, s.escrowID, artifactID, domain.MetadataAuthorizedWriter, buyer); err != nil {
		if refundErr := s.actions.TransferScrip(ctx, listing.SellerID, buyer, listing.Price); refundErr != nil {
			return storage.Listing{}, kerr.Wrap(kerr.CodeInternal, "reverse payment after failed handover", refundErr)
		}
		return storage.Listing{}, kerr.Wrap(kerr.CodeSettlementReversed, "handover failed, payment reversed", err)
	}

	listing.Status = storage.ListingCompleted
	listing.UpdatedAt = s.clock().UTC()
	if err := s.store.PutListing(ctx, listing); err != nil {
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "store listing", err)
	}
	if _, err := s.log.Emit(ctx, domain.Event{
		Type: domain.EventEscrowPurchased,
		Fields: map[string]any{
			"artifact_id": artifactID,
			"seller_id":   listing.SellerID,
			"buyer_id":    buyer,
			"price":       listing.Price,
		},
	}); err != nil {
		return storage.Listing{}, err
	}
	return listing, nil
}

// Cancel withdraws an active listing and returns write authority to the
// seller. Seller only; allowed up to purchase.
func (s *Service) Cancel(ctx context.Context, seller, artifactID string) (storage.Listing, error) {
	seller = strings.TrimSpace(seller)
	listing, err := s.activeListing(ctx, artifactID)
	if err != nil {
		return storage.Listing{}, err
	}
	if listing.SellerID != seller {
		return storage.Listing{}, kerr.Newf(kerr.CodePermissionDenied, "only the seller may cancel the listing for %s", artifactID)
	}

	if _, err := s.actions.SetArtifactMetadata(ctx, s.escrowID, artifactID, domain.MetadataAuthorizedWriter, seller); err != nil {
		return storage.Listing{}, err
	}
	listing.Status = storage.ListingCancelled
	listing.UpdatedAt = s.clock().UTC()
	if err := s.store.PutListing(ctx, listing); err != nil {
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "store listing", err)
	}
	if _, err := s.log.Emit(ctx, domain.Event{
		Type: domain.EventEscrowCancelled,
		Fields: map[string]any{
			"artifact_id": artifactID,
			"seller_id":   seller,
		},
	}); err != nil {
		return storage.Listing{}, err
	}
	return listing, nil
}

func (s *Service) activeListing(ctx context.Context, artifactID string) (storage.Listing, error) {
	listing, err := s.store.GetListing(ctx, artifactID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Listing{}, kerr.Newf(kerr.CodeNotFound, "artifact %s has no listing", artifactID)
	}
	if err != nil {
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "load listing", err)
	}
	if listing.Status != storage.ListingActive {
		return storage.Listing{}, kerr.Newf(kerr.CodeNotFound, "listing for %s is %s", artifactID, listing.Status)
	}
	return listing, nil
}
