// Package artifact implements the kernel's artifact store service.
//
// Every mutation resolves the artifact's access contract and evaluates it
// with the caller identity before any state changes. A denial produces a
// permission error and no side effects. Writes report the disk-size delta so
// the dispatcher can settle disk quota against the payer.
package artifact

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/platform/id"
	"github.com/agoraverse/agora/internal/storage"
)

// Service mediates all artifact reads and writes.
type Service struct {
	store     storage.ArtifactStore
	contracts *contract.Registry
	clock     func() time.Time
	newID     func() (string, error)
}

// New creates an artifact service.
func New(store storage.ArtifactStore, contracts *contract.Registry) *Service {
	return &Service{
		store:     store,
		contracts: contracts,
		clock:     time.Now,
		newID:     id.NewID,
	}
}

// WithClock overrides the timestamp source. Used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Get returns an artifact by id, including soft-deleted records so deletion
// remains auditable. Callers that must not see deleted artifacts check the
// Deleted flag.
func (s *Service) Get(ctx context.Context, artifactID string) (domain.Artifact, error) {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return domain.Artifact{}, kerr.New(kerr.CodeArgumentMissing, "artifact id is required")
	}
	artifact, err := s.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Artifact{}, kerr.Newf(kerr.CodeNotFound, "artifact %s not found", artifactID)
	}
	if err != nil {
		return domain.Artifact{}, kerr.Wrap(kerr.CodeStorageUnavailable, "load artifact", err)
	}
	return artifact, nil
}

// List returns non-deleted artifacts in the kernel's iteration order.
func (s *Service) List(ctx context.Context) ([]domain.Artifact, error) {
	artifacts, err := s.store.ListArtifacts(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.CodeStorageUnavailable, "list artifacts", err)
	}
	return artifacts, nil
}

// Authorize evaluates the artifact's access contract for one operation. The
// returned error is non-nil only for evaluation failures; a denial comes back
// as a Decision with Allowed false.
func (s *Service) Authorize(ctx context.Context, caller string, op contract.Op, artifact domain.Artifact, method string) (contract.Decision, error) {
	policy, err := s.contracts.Resolve(artifact.AccessContractID)
	if err != nil {
		return contract.Decision{}, kerr.Wrap(kerr.CodeInternal, "resolve access contract", err)
	}
	decision, err := policy.Evaluate(ctx, contract.Request{
		Caller:   caller,
		Op:       op,
		Artifact: artifact,
		Method:   method,
	})
	if err != nil {
		return contract.Decision{}, kerr.Wrap(kerr.CodeInternal, "evaluate access contract", err)
	}
	return decision, nil
}

// WriteRequest carries the fields of a write operation.
type WriteRequest struct {
	// Caller is the principal performing the write.
	Caller string
	// ID targets an existing artifact; empty creates one with a fresh id.
	ID string
	// Type tags the artifact category.
	Type string
	// Content is the payload to store.
	Content string
	// Code is optional executable source.
	Code string
	// Executable marks the artifact invokable.
	Executable bool
	// Price is scrip charged per read or invoke.
	Price int64
	// AccessContractID names the governing policy. Required on create;
	// optional on update, where it replaces the current policy.
	AccessContractID string
	// Metadata replaces the artifact metadata when non-nil.
	Metadata map[string]string
}

// Write creates or updates an artifact and returns it with the disk-size
// delta the operation produced. Creating requires an explicit access
// contract; there is no implicit default, so every artifact's governing
// policy has a recorded provenance. Updates require contract approval and
// are rejected outright on kernel-protected artifacts.
func (s *Service) Write(ctx context.Context, req WriteRequest) (domain.Artifact, int64, error) {
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentMissing, "caller is required")
	}
	artifactID := strings.TrimSpace(req.ID)

	if artifactID != "" {
		existing, err := s.store.GetArtifact(ctx, artifactID)
		if err == nil {
			return s.update(ctx, caller, existing, req)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeStorageUnavailable, "load artifact", err)
		}
	}
	return s.create(ctx, caller, artifactID, req)
}

func (s *Service) create(ctx context.Context, caller, artifactID string, req WriteRequest) (domain.Artifact, int64, error) {
	contractID := strings.TrimSpace(req.AccessContractID)
	if contractID == "" {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeContractIDRequired, "new artifacts must name an access contract")
	}
	if _, err := s.contracts.Resolve(contractID); err != nil {
		return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeArgumentInvalid, "access contract", err)
	}
	if req.Price < 0 {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentInvalid, "price must not be negative")
	}
	if artifactID == "" {
		generated, err := s.newID()
		if err != nil {
			return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeInternal, "generate artifact id", err)
		}
		artifactID = generated
	}
	now := s.clock().UTC()
	artifact := domain.Artifact{
		ID:               artifactID,
		Type:             strings.TrimSpace(req.Type),
		Content:          req.Content,
		Code:             req.Code,
		Executable:       req.Executable,
		Creator:          caller,
		Controller:       caller,
		AccessContractID: contractID,
		Metadata:         cloneMetadata(req.Metadata),
		Price:            req.Price,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.PutArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeStorageUnavailable, "store artifact", err)
	}
	return artifact, artifact.DiskSize(), nil
}

func (s *Service) update(ctx context.Context, caller string, existing domain.Artifact, req WriteRequest) (domain.Artifact, int64, error) {
	if existing.KernelProtected {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeKernelProtected, "artifact %s is kernel protected", existing.ID)
	}
	if existing.Deleted {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", existing.ID)
	}
	if req.Price < 0 {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentInvalid, "price must not be negative")
	}
	decision, err := s.Authorize(ctx, caller, contract.OpWrite, existing, "")
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	if !decision.Allowed {
		return domain.Artifact{}, 0, kerr.New(kerr.CodePermissionDenied, denialReason(decision, "write denied"))
	}

	updated := existing
	if typ := strings.TrimSpace(req.Type); typ != "" {
		updated.Type = typ
	}
	updated.Content = req.Content
	updated.Code = req.Code
	updated.Executable = req.Executable
	updated.Price = req.Price
	if contractID := strings.TrimSpace(req.AccessContractID); contractID != "" {
		if _, err := s.contracts.Resolve(contractID); err != nil {
			return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeArgumentInvalid, "access contract", err)
		}
		updated.AccessContractID = contractID
	}
	if req.Metadata != nil {
		updated.Metadata = cloneMetadata(req.Metadata)
	}
	updated.UpdatedAt = s.clock().UTC()

	if err := s.store.PutArtifact(ctx, updated); err != nil {
		return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeStorageUnavailable, "store artifact", err)
	}
	return updated, updated.DiskSize() - existing.DiskSize(), nil
}

// Edit performs a surgical replacement of one exact, unique substring of the
// artifact content. The failure modes are deliberately distinct so callers
// can tell a stale target from a sloppy one: missing artifact, deleted
// artifact, substring absent, substring ambiguous, and a no-op edit each
// report their own code.
func (s *Service) Edit(ctx context.Context, caller, artifactID, oldText, newText string) (domain.Artifact, int64, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentMissing, "caller is required")
	}
	if oldText == "" {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentMissing, "old text is required")
	}
	if oldText == newText {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeEditNoOp, "edit replaces text with itself")
	}
	existing, err := s.Get(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	if existing.Deleted {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", existing.ID)
	}
	if existing.KernelProtected {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeKernelProtected, "artifact %s is kernel protected", existing.ID)
	}
	decision, err := s.Authorize(ctx, caller, contract.OpWrite, existing, "")
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	if !decision.Allowed {
		return domain.Artifact{}, 0, kerr.New(kerr.CodePermissionDenied, denialReason(decision, "edit denied"))
	}

	switch strings.Count(existing.Content, oldText) {
	case 0:
		return domain.Artifact{}, 0, kerr.New(kerr.CodeEditTargetMissing, "old text does not occur in artifact content")
	case 1:
	default:
		return domain.Artifact{}, 0, kerr.New(kerr.CodeEditTargetAmbiguous, "old text occurs more than once in artifact content")
	}

	updated := existing
	updated.Content = strings.Replace(existing.Content, oldText, newText, 1)
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.PutArtifact(ctx, updated); err != nil {
		return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeStorageUnavailable, "store artifact", err)
	}
	return updated, updated.DiskSize() - existing.DiskSize(), nil
}

// SoftDelete marks an artifact deleted. Content is retained for audit; the
// artifact leaves discovery and rejects further writes. It returns the disk
// size released so the dispatcher can refund the payer's disk quota.
func (s *Service) SoftDelete(ctx context.Context, caller, artifactID string) (domain.Artifact, int64, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return domain.Artifact{}, 0, kerr.New(kerr.CodeArgumentMissing, "caller is required")
	}
	existing, err := s.Get(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	if existing.Deleted {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is already deleted", existing.ID)
	}
	if existing.KernelProtected {
		return domain.Artifact{}, 0, kerr.Newf(kerr.CodeKernelProtected, "artifact %s is kernel protected", existing.ID)
	}
	decision, err := s.Authorize(ctx, caller, contract.OpDelete, existing, "")
	if err != nil {
		return domain.Artifact{}, 0, err
	}
	if !decision.Allowed {
		return domain.Artifact{}, 0, kerr.New(kerr.CodePermissionDenied, denialReason(decision, "delete denied"))
	}

	updated := existing
	updated.Deleted = true
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.PutArtifact(ctx, updated); err != nil {
		return domain.Artifact{}, 0, kerr.Wrap(kerr.CodeStorageUnavailable, "store artifact", err)
	}
	return updated, -existing.DiskSize(), nil
}

// SetMetadataKey updates one metadata key after contract approval. Escrow
// relies on this path to rotate authorized_writer without a full rewrite.
func (s *Service) SetMetadataKey(ctx context.Context, caller, artifactID, key, value string) (domain.Artifact, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Artifact{}, kerr.New(kerr.CodeArgumentMissing, "metadata key is required")
	}
	return s.SetMetadata(ctx, caller, artifactID, map[string]string{key: value})
}

// SetMetadata applies a batch of metadata entries after a single contract
// approval. Empty values clear their keys. The batch lands atomically; a
// denial or storage failure leaves every entry unapplied.
func (s *Service) SetMetadata(ctx context.Context, caller, artifactID string, entries map[string]string) (domain.Artifact, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return domain.Artifact{}, kerr.New(kerr.CodeArgumentMissing, "caller is required")
	}
	if len(entries) == 0 {
		return domain.Artifact{}, kerr.New(kerr.CodeArgumentMissing, "metadata entries are required")
	}
	existing, err := s.Get(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if existing.Deleted {
		return domain.Artifact{}, kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", existing.ID)
	}
	if existing.KernelProtected {
		return domain.Artifact{}, kerr.Newf(kerr.CodeKernelProtected, "artifact %s is kernel protected", existing.ID)
	}
	decision, err := s.Authorize(ctx, caller, contract.OpWrite, existing, "")
	if err != nil {
		return domain.Artifact{}, err
	}
	if !decision.Allowed {
		return domain.Artifact{}, kerr.New(kerr.CodePermissionDenied, denialReason(decision, "metadata update denied"))
	}

	updated := existing
	updated.Metadata = cloneMetadata(existing.Metadata)
	if updated.Metadata == nil {
		updated.Metadata = map[string]string{}
	}
	for key, value := range entries {
		if value == "" {
			delete(updated.Metadata, key)
		} else {
			updated.Metadata[key] = value
		}
	}
	updated.UpdatedAt = s.clock().UTC()
	if err := s.store.PutArtifact(ctx, updated); err != nil {
		return domain.Artifact{}, kerr.Wrap(kerr.CodeStorageUnavailable, "store artifact", err)
	}
	return updated, nil
}

func denialReason(decision contract.Decision, fallback string) string {
	if decision.Reason != "" {
		return decision.Reason
	}
	return fallback
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
