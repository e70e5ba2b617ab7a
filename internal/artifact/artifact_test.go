package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/storage/memory"
)

func newService() *Service {
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	n := 0
	return New(memory.New(), contract.NewRegistry()).WithClock(func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	})
}

func TestWriteCreateRequiresAccessContract(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, _, err := svc.Write(ctx, WriteRequest{
		Caller:  "alice",
		Type:    "data",
		Content: "hello",
	})
	if !kerr.IsCode(err, kerr.CodeContractIDRequired) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeContractIDRequired)
	}

	_, _, err = svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "data",
		Content:          "hello",
		AccessContractID: "no-such-policy",
	})
	if !kerr.IsCode(err, kerr.CodeArgumentInvalid) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeArgumentInvalid)
	}
}

func TestWriteCreateSetsProvenance(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	created, delta, err := svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "data",
		Content:          "hello",
		AccessContractID: contract.IDOwnerOnly,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated artifact id")
	}
	if created.Creator != "alice" || created.Controller != "alice" {
		t.Fatalf("provenance = %s/%s, want alice/alice", created.Creator, created.Controller)
	}
	if delta != int64(len("hello")) {
		t.Fatalf("disk delta = %d, want %d", delta, len("hello"))
	}
}

func TestWriteUpdateNeedsContractApproval(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	created, _, err := svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "data",
		Content:          "hello",
		AccessContractID: contract.IDOwnerOnly,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, err = svc.Write(ctx, WriteRequest{
		Caller:  "mallory",
		ID:      created.ID,
		Content: "stolen",
	})
	if !kerr.IsCode(err, kerr.CodePermissionDenied) {
		t.Fatalf("foreign update err = %v, want %s", err, kerr.CodePermissionDenied)
	}
	unchanged, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if unchanged.Content != "hello" {
		t.Fatalf("content = %q after denied update, want hello", unchanged.Content)
	}

	updated, delta, err := svc.Write(ctx, WriteRequest{
		Caller:  "alice",
		ID:      created.ID,
		Content: "hello world",
	})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.Content != "hello world" {
		t.Fatalf("content = %q, want hello world", updated.Content)
	}
	if delta != int64(len("hello world")-len("hello")) {
		t.Fatalf("disk delta = %d, want %d", delta, len("hello world")-len("hello"))
	}
	if updated.Creator != "alice" {
		t.Fatalf("creator changed to %s", updated.Creator)
	}
}

func TestWriteUpdateRejectsKernelProtected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, contract.NewRegistry())

	created, _, err := svc.Write(ctx, WriteRequest{
		Caller:           "kernel",
		Type:             "service",
		Content:          "registry",
		AccessContractID: contract.IDKernelProtected,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.KernelProtected = true
	if err := store.PutArtifact(ctx, created); err != nil {
		t.Fatalf("mark protected: %v", err)
	}

	_, _, err = svc.Write(ctx, WriteRequest{Caller: "kernel", ID: created.ID, Content: "x"})
	if !kerr.IsCode(err, kerr.CodeKernelProtected) {
		t.Fatalf("update err = %v, want %s", err, kerr.CodeKernelProtected)
	}
	_, _, err = svc.SoftDelete(ctx, "kernel", created.ID)
	if !kerr.IsCode(err, kerr.CodeKernelProtected) {
		t.Fatalf("delete err = %v, want %s", err, kerr.CodeKernelProtected)
	}
}

func TestEditFailureModesAreDistinct(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	created, _, err := svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "code",
		Content:          "count = count + 1",
		AccessContractID: contract.IDOwnerOnly,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name     string
		id       string
		old, new string
		want     kerr.Code
	}{
		{"no-op", created.ID, "count", "count", kerr.CodeEditNoOp},
		{"missing artifact", "ghost", "count", "total", kerr.CodeNotFound},
		{"absent target", created.ID, "tally", "total", kerr.CodeEditTargetMissing},
		{"ambiguous target", created.ID, "count", "total", kerr.CodeEditTargetAmbiguous},
	}
	for _, tc := range cases {
		if _, _, err := svc.Edit(ctx, "alice", tc.id, tc.old, tc.new); !kerr.IsCode(err, tc.want) {
			t.Fatalf("%s: err = %v, want %s", tc.name, err, tc.want)
		}
	}

	edited, _, err := svc.Edit(ctx, "alice", created.ID, "count + 1", "count + 2")
	if err != nil {
		t.Fatalf("unique edit: %v", err)
	}
	if edited.Content != "count = count + 2" {
		t.Fatalf("content = %q, want %q", edited.Content, "count = count + 2")
	}
}

func TestSoftDeleteRetainsContentAndLeavesDiscovery(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	created, _, err := svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "data",
		Content:          "evidence",
		AccessContractID: contract.IDOwnerOnly,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, released, err := svc.SoftDelete(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted.Deleted {
		t.Fatal("expected deleted flag")
	}
	if released != -int64(len("evidence")) {
		t.Fatalf("released = %d, want %d", released, -len("evidence"))
	}

	listed, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, artifact := range listed {
		if artifact.ID == created.ID {
			t.Fatal("deleted artifact still discoverable")
		}
	}

	audited, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("audit get: %v", err)
	}
	if audited.Content != "evidence" {
		t.Fatalf("audit content = %q, want evidence", audited.Content)
	}

	if _, _, err := svc.Edit(ctx, "alice", created.ID, "evi", "ever"); !kerr.IsCode(err, kerr.CodeArtifactDeleted) {
		t.Fatalf("edit after delete err = %v, want %s", err, kerr.CodeArtifactDeleted)
	}
	if _, _, err := svc.SoftDelete(ctx, "alice", created.ID); !kerr.IsCode(err, kerr.CodeArtifactDeleted) {
		t.Fatalf("second delete err = %v, want %s", err, kerr.CodeArtifactDeleted)
	}
}

func TestSetMetadataKeyRotatesAuthorizedWriter(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	created, _, err := svc.Write(ctx, WriteRequest{
		Caller:           "alice",
		Type:             "data",
		Content:          "tradeable",
		AccessContractID: contract.IDDelegatedWrite,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rotated, err := svc.SetMetadataKey(ctx, "alice", created.ID, "authorized_writer", "escrow")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Meta("authorized_writer") != "escrow" {
		t.Fatalf("authorized_writer = %q, want escrow", rotated.Meta("authorized_writer"))
	}

	// The authorized writer may rotate the slot onward; strangers may not.
	if _, err := svc.SetMetadataKey(ctx, "mallory", created.ID, "authorized_writer", "mallory"); !kerr.IsCode(err, kerr.CodePermissionDenied) {
		t.Fatalf("stranger rotate err = %v, want %s", err, kerr.CodePermissionDenied)
	}
	if _, err := svc.SetMetadataKey(ctx, "escrow", created.ID, "authorized_writer", "bob"); err != nil {
		t.Fatalf("escrow rotate: %v", err)
	}
}
