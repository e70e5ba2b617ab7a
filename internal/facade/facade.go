// Package facade exposes the only surfaces through which artifacts, system
// services, and agent code touch shared kernel state.
//
// The surface is split read/write: Query answers balance, quota, artifact,
// auction, and escrow lookups with no side effects; Actions performs
// mutations and re-verifies the caller's authority on every call instead of
// trusting the caller's self-report. Built-in services hold no privileged
// shortcuts past this boundary, so agent-authored code can implement a
// competing auction, ledger wrapper, or escrow with identical capability.
package facade

import (
	"context"
	"errors"
	"strings"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/storage"
)

// Query is the read-only kernel surface.
type Query struct {
	ledger    *ledger.Service
	artifacts *artifact.Service
	store     storage.Store
}

// Actions is the verified-caller mutation surface.
type Actions struct {
	query *Query
}

// New builds the paired surfaces over the kernel services.
func New(ledgerSvc *ledger.Service, artifacts *artifact.Service, store storage.Store) (*Query, *Actions) {
	query := &Query{ledger: ledgerSvc, artifacts: artifacts, store: store}
	return query, &Actions{query: query}
}

// Balance returns a principal's scrip balance.
func (q *Query) Balance(ctx context.Context, principalID string) (int64, error) {
	return q.ledger.Balance(ctx, principalID)
}

// Quota returns a principal's quota for one resource.
func (q *Query) Quota(ctx context.Context, principalID, resource string) (domain.Quota, error) {
	return q.ledger.Quota(ctx, principalID, resource)
}

// Principals returns every principal in the kernel's iteration order.
func (q *Query) Principals(ctx context.Context) ([]domain.Principal, error) {
	principals, err := q.store.ListPrincipals(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "list principals", err)
	}
	return principals, nil
}

// Artifact returns one artifact, including soft-deleted records.
func (q *Query) Artifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	return q.artifacts.Get(ctx, artifactID)
}

// Artifacts returns the discoverable artifacts.
func (q *Query) Artifacts(ctx context.Context) ([]domain.Artifact, error) {
	return q.artifacts.List(ctx)
}

// Authorize evaluates an artifact's access contract without side effects.
func (q *Query) Authorize(ctx context.Context, caller string, op contract.Op, art domain.Artifact, method string) (contract.Decision, error) {
	return q.artifacts.Authorize(ctx, caller, op, art, method)
}

// Bids returns the escrowed bids of the current auction round, ordered by
// submission time then principal id.
func (q *Query) Bids(ctx context.Context) ([]storage.Bid, error) {
	bids, err := q.store.ListBids(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "list bids", err)
	}
	return bids, nil
}

// Listing returns one escrow listing by artifact id.
func (q *Query) Listing(ctx context.Context, artifactID string) (storage.Listing, error) {
	listing, err := q.store.GetListing(ctx, artifactID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Listing{}, kerr.Newf(kerr.CodeNotFound, "listing for artifact %s not found", artifactID)
		}
		return storage.Listing{}, kerr.Wrap(kerr.CodeStorageUnavailable, "load listing", err)
	}
	return listing, nil
}

// Listings returns every escrow listing.
func (q *Query) Listings(ctx context.Context) ([]storage.Listing, error) {
	listings, err := q.store.ListListings(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "list listings", err)
	}
	return listings, nil
}

// verifyCaller confirms the caller is a registered principal. Every mutation
// starts here; an unknown caller cannot act at all.
func (a *Actions) verifyCaller(ctx context.Context, caller string) (string, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", kerr.New(kerr.CodeCallerUnverified, "caller id is required")
	}
	if _, err := a.query.store.GetPrincipal(ctx, caller); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", kerr.Newf(kerr.CodeCallerUnverified, "caller %s is not a registered principal", caller)
		}
		return "", kerr.Wrap(kerr.CodeStorageUnavailable, "verify caller", err)
	}
	return caller, nil
}

// TransferScrip moves scrip from the verified caller to a recipient.
func (a *Actions) TransferScrip(ctx context.Context, caller, recipient string, amount int64) error {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return err
	}
	return a.query.ledger.Transfer(ctx, caller, recipient, amount)
}

// TransferQuota moves unused quota headroom from the verified caller to a
// recipient.
func (a *Actions) TransferQuota(ctx context.Context, caller, recipient, resource string, amount int64) error {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return err
	}
	return a.query.ledger.TransferQuota(ctx, caller, recipient, resource, amount)
}

// WriteArtifact creates or updates an artifact as the verified caller. The
// request's caller field is overwritten; a caller cannot write as somebody
// else.
func (a *Actions) WriteArtifact(ctx context.Context, caller string, req artifact.WriteRequest) (domain.Artifact, int64, error) {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	req.Caller = caller
	return a.query.artifacts.Write(ctx, req)
}

// EditArtifact performs a unique-substring edit as the verified caller.
func (a *Actions) EditArtifact(ctx context.Context, caller, artifactID, oldText, newText string) (domain.Artifact, int64, error) {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	return a.query.artifacts.Edit(ctx, caller, artifactID, oldText, newText)
}

// DeleteArtifact soft-deletes an artifact as the verified caller.
func (a *Actions) DeleteArtifact(ctx context.Context, caller, artifactID string) (domain.Artifact, int64, error) {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	return a.query.artifacts.SoftDelete(ctx, caller, artifactID)
}

// SetArtifactMetadata updates one metadata key as the verified caller.
// Rotating the authorized_writer key through this path is how artifact
// ownership trades settle.
func (a *Actions) SetArtifactMetadata(ctx context.Context, caller, artifactID, key, value string) (domain.Artifact, error) {
	caller, err := a.verifyCaller(ctx, caller)
	if err != nil {
		return domain.Artifact{}, err
	}
	return a.query.artifacts.SetMetadataKey(ctx, caller, artifactID, key, value)
}
