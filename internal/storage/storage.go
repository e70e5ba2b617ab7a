// Package storage defines the persistence interfaces the kernel depends on.
// Implementations live in subpackages: sqlite for durable state, memory for
// tests and embedding.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agoraverse/agora/internal/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness violation.
var ErrAlreadyExists = errors.New("record already exists")

// PrincipalStore persists principal balances and quotas.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (domain.Principal, error)
	PutPrincipal(ctx context.Context, principal domain.Principal) error
	// ListPrincipals returns all principals ordered by id ascending. The
	// ordering is the kernel's deterministic iteration order.
	ListPrincipals(ctx context.Context) ([]domain.Principal, error)
	// UpdatePrincipals applies fn to the named principals inside one
	// transaction. Either every change persists or none does. Missing ids
	// abort with ErrNotFound.
	UpdatePrincipals(ctx context.Context, ids []string, fn func(principals map[string]*domain.Principal) error) error
}

// ArtifactStore persists artifact records.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	PutArtifact(ctx context.Context, artifact domain.Artifact) error
	// ListArtifacts returns non-deleted artifacts ordered by id ascending.
	// Soft-deleted artifacts are excluded from discovery but remain
	// readable through GetArtifact.
	ListArtifacts(ctx context.Context) ([]domain.Artifact, error)
}

// EventStore persists the append-only kernel log.
type EventStore interface {
	// AppendEvent assigns the next sequence number and the integrity
	// hashes, persists the event, and returns it with those fields set.
	AppendEvent(ctx context.Context, evt domain.Event) (domain.Event, error)
	// ListEvents returns events with Seq > afterSeq, oldest first, at most
	// limit records (0 means no limit).
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}

// Bid is one escrowed auction bid.
type Bid struct {
	PrincipalID string
	ArtifactID  string
	Amount      int64
	SubmittedAt time.Time
}

// BidStore persists escrowed bids for the current auction round.
type BidStore interface {
	// PutBid stores or replaces the principal's bid.
	PutBid(ctx context.Context, bid Bid) error
	GetBid(ctx context.Context, principalID string) (Bid, error)
	DeleteBid(ctx context.Context, principalID string) error
	// ListBids returns bids ordered by submission time, then principal id.
	ListBids(ctx context.Context) ([]Bid, error)
	// ClearBids removes every bid. Called once per resolution.
	ClearBids(ctx context.Context) error
}

// ListingStatus enumerates escrow listing states.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingCompleted ListingStatus = "completed"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing is one escrow trade offer, keyed by artifact id.
type Listing struct {
	ArtifactID      string
	SellerID        string
	Price           int64
	RestrictedBuyer string
	Status          ListingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ListingStore persists escrow listings.
type ListingStore interface {
	PutListing(ctx context.Context, listing Listing) error
	GetListing(ctx context.Context, artifactID string) (Listing, error)
	ListListings(ctx context.Context) ([]Listing, error)
}

// Subscription registers a principal's interest in a semantic event type.
type Subscription struct {
	PrincipalID string
	EventType   string
	CreatedAt   time.Time
}

// SubscriptionStore persists event subscriptions.
type SubscriptionStore interface {
	PutSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, principalID, eventType string) error
	ListSubscriptions(ctx context.Context, principalID string) ([]Subscription, error)
}

// TaskSubmission records an artifact submitted against a task.
type TaskSubmission struct {
	TaskID      string
	PrincipalID string
	ArtifactID  string
	SubmittedAt time.Time
}

// TaskStore persists task submissions.
type TaskStore interface {
	AppendTaskSubmission(ctx context.Context, sub TaskSubmission) error
	ListTaskSubmissions(ctx context.Context, taskID string) ([]TaskSubmission, error)
}

// MintStore persists mint bookkeeping that survives auction rounds.
type MintStore interface {
	// RecordContentHash remembers a scored content hash for dedup.
	RecordContentHash(ctx context.Context, hash string) error
	HasContentHash(ctx context.Context, hash string) (bool, error)
}

// Store aggregates every persistence concern the kernel needs.
type Store interface {
	PrincipalStore
	ArtifactStore
	EventStore
	BidStore
	ListingStore
	SubscriptionStore
	TaskStore
	MintStore
}
