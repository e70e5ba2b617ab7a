// Package memory provides an in-memory Store implementation. It backs tests
// and embedded kernels that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/storage"
)

// Store keeps every record in process memory guarded by one mutex.
type Store struct {
	mu sync.Mutex

	principals    map[string]domain.Principal
	artifacts     map[string]domain.Artifact
	events        []domain.Event
	bids          map[string]storage.Bid
	listings      map[string]storage.Listing
	subscriptions map[string]map[string]storage.Subscription
	tasks         map[string][]storage.TaskSubmission
	contentHashes map[string]bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		principals:    map[string]domain.Principal{},
		artifacts:     map[string]domain.Artifact{},
		bids:          map[string]storage.Bid{},
		listings:      map[string]storage.Listing{},
		subscriptions: map[string]map[string]storage.Subscription{},
		tasks:         map[string][]storage.TaskSubmission{},
		contentHashes: map[string]bool{},
	}
}

// GetPrincipal returns one principal by id.
func (s *Store) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	if err := ctx.Err(); err != nil {
		return domain.Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	principal, ok := s.principals[id]
	if !ok {
		return domain.Principal{}, storage.ErrNotFound
	}
	return clonePrincipal(principal), nil
}

// PutPrincipal stores or replaces one principal.
func (s *Store) PutPrincipal(ctx context.Context, principal domain.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[principal.ID] = clonePrincipal(principal)
	return nil
}

// ListPrincipals returns all principals ordered by id ascending.
func (s *Store) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Principal, 0, len(s.principals))
	for _, principal := range s.principals {
		out = append(out, clonePrincipal(principal))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdatePrincipals applies fn to the named principals atomically.
func (s *Store) UpdatePrincipals(ctx context.Context, ids []string, fn func(principals map[string]*domain.Principal) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("update function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make(map[string]*domain.Principal, len(ids))
	for _, id := range ids {
		stored, ok := s.principals[id]
		if !ok {
			return fmt.Errorf("principal %s: %w", id, storage.ErrNotFound)
		}
		clone := clonePrincipal(stored)
		working[id] = &clone
	}
	if err := fn(working); err != nil {
		return err
	}
	for id, principal := range working {
		s.principals[id] = clonePrincipal(*principal)
	}
	return nil
}

// GetArtifact returns one artifact by id, including soft-deleted ones.
func (s *Store) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return domain.Artifact{}, storage.ErrNotFound
	}
	return cloneArtifact(artifact), nil
}

// PutArtifact stores or replaces one artifact.
func (s *Store) PutArtifact(ctx context.Context, artifact domain.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = cloneArtifact(artifact)
	return nil
}

// ListArtifacts returns non-deleted artifacts ordered by id ascending.
func (s *Store) ListArtifacts(ctx context.Context) ([]domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		if artifact.Deleted {
			continue
		}
		out = append(out, cloneArtifact(artifact))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendEvent assigns sequence and integrity hashes and stores the event.
func (s *Store) AppendEvent(ctx context.Context, evt domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	evt.Seq = uint64(len(s.events)) + 1

	hash, err := domain.EventHash(evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash

	prevHash := ""
	if len(s.events) > 0 {
		prevHash = s.events[len(s.events)-1].ChainHash
	}
	chainHash, err := domain.ChainHash(evt, prevHash)
	if err != nil {
		return domain.Event{}, fmt.Errorf("compute chain hash: %w", err)
	}
	evt.ChainHash = chainHash

	s.events = append(s.events, evt)
	return evt, nil
}

// ListEvents returns events with Seq > afterSeq, oldest first.
func (s *Store) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, evt := range s.events {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PutBid stores or replaces the principal's bid.
func (s *Store) PutBid(ctx context.Context, bid storage.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids[bid.PrincipalID] = bid
	return nil
}

// GetBid returns the principal's current bid.
func (s *Store) GetBid(ctx context.Context, principalID string) (storage.Bid, error) {
	if err := ctx.Err(); err != nil {
		return storage.Bid{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bid, ok := s.bids[principalID]
	if !ok {
		return storage.Bid{}, storage.ErrNotFound
	}
	return bid, nil
}

// DeleteBid removes the principal's bid.
func (s *Store) DeleteBid(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bids[principalID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.bids, principalID)
	return nil
}

// ListBids returns bids ordered by submission time, then principal id.
func (s *Store) ListBids(ctx context.Context) ([]storage.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Bid, 0, len(s.bids))
	for _, bid := range s.bids {
		out = append(out, bid)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].PrincipalID < out[j].PrincipalID
	})
	return out, nil
}

// ClearBids removes every bid.
func (s *Store) ClearBids(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids = map[string]storage.Bid{}
	return nil
}

// PutListing stores or replaces one escrow listing.
func (s *Store) PutListing(ctx context.Context, listing storage.Listing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listing.ArtifactID] = listing
	return nil
}

// GetListing returns the listing for an artifact.
func (s *Store) GetListing(ctx context.Context, artifactID string) (storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return storage.Listing{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	listing, ok := s.listings[artifactID]
	if !ok {
		return storage.Listing{}, storage.ErrNotFound
	}
	return listing, nil
}

// ListListings returns listings ordered by artifact id ascending.
func (s *Store) ListListings(ctx context.Context) ([]storage.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Listing, 0, len(s.listings))
	for _, listing := range s.listings {
		out = append(out, listing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

// PutSubscription registers a subscription.
func (s *Store) PutSubscription(ctx context.Context, sub storage.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.subscriptions[sub.PrincipalID]
	if !ok {
		byType = map[string]storage.Subscription{}
		s.subscriptions[sub.PrincipalID] = byType
	}
	byType[sub.EventType] = sub
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, principalID, eventType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.subscriptions[principalID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := byType[eventType]; !ok {
		return storage.ErrNotFound
	}
	delete(byType, eventType)
	return nil
}

// ListSubscriptions returns the principal's subscriptions ordered by type.
func (s *Store) ListSubscriptions(ctx context.Context, principalID string) ([]storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Subscription
	for _, sub := range s.subscriptions[principalID] {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out, nil
}

// AppendTaskSubmission records a task submission.
func (s *Store) AppendTaskSubmission(ctx context.Context, sub storage.TaskSubmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[sub.TaskID] = append(s.tasks[sub.TaskID], sub)
	return nil
}

// ListTaskSubmissions returns submissions for a task in submission order.
func (s *Store) ListTaskSubmissions(ctx context.Context, taskID string) ([]storage.TaskSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.TaskSubmission(nil), s.tasks[taskID]...), nil
}

// RecordContentHash remembers a scored content hash.
func (s *Store) RecordContentHash(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentHashes[hash] = true
	return nil
}

// HasContentHash reports whether a content hash was scored before.
func (s *Store) HasContentHash(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentHashes[hash], nil
}

func clonePrincipal(principal domain.Principal) domain.Principal {
	clone := principal
	if principal.Quotas != nil {
		clone.Quotas = make(map[string]domain.Quota, len(principal.Quotas))
		for resource, quota := range principal.Quotas {
			clone.Quotas[resource] = quota
		}
	}
	if principal.Context != nil {
		clone.Context = make(map[string]string, len(principal.Context))
		for key, value := range principal.Context {
			clone.Context[key] = value
		}
	}
	return clone
}

func cloneArtifact(artifact domain.Artifact) domain.Artifact {
	clone := artifact
	if artifact.Metadata != nil {
		clone.Metadata = make(map[string]string, len(artifact.Metadata))
		for key, value := range artifact.Metadata {
			clone.Metadata[key] = value
		}
	}
	return clone
}
