package contract

import (
	"context"
	"testing"

	"github.com/agoraverse/agora/internal/domain"
)

func evaluate(t *testing.T, registry *Registry, contractID string, req Request) Decision {
	t.Helper()
	policy, err := registry.Resolve(contractID)
	if err != nil {
		t.Fatalf("resolve %s: %v", contractID, err)
	}
	decision, err := policy.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	return decision
}

func TestRegistryRejectsUnknownContract(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Resolve("nonexistent"); err == nil {
		t.Fatal("expected error for unknown contract")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(ownerOnly{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestOwnerOnly(t *testing.T) {
	registry := NewRegistry()
	artifact := domain.Artifact{ID: "art-1", Controller: "alice"}

	for _, op := range []Op{OpRead, OpWrite, OpInvoke, OpDelete} {
		if d := evaluate(t, registry, IDOwnerOnly, Request{Caller: "alice", Op: op, Artifact: artifact}); !d.Allowed {
			t.Fatalf("controller must pass %s, got %q", op, d.Reason)
		}
		if d := evaluate(t, registry, IDOwnerOnly, Request{Caller: "bob", Op: op, Artifact: artifact}); d.Allowed {
			t.Fatalf("stranger must fail %s", op)
		}
	}
}

func TestPublicReadAllowsStrangersToRead(t *testing.T) {
	registry := NewRegistry()
	artifact := domain.Artifact{ID: "art-1", Controller: "alice"}

	if d := evaluate(t, registry, IDPublicRead, Request{Caller: "bob", Op: OpRead, Artifact: artifact}); !d.Allowed {
		t.Fatalf("public read denied: %q", d.Reason)
	}
	if d := evaluate(t, registry, IDPublicRead, Request{Caller: "bob", Op: OpWrite, Artifact: artifact}); d.Allowed {
		t.Fatal("strangers must not write")
	}
}

func TestDelegatedWriteHonorsAuthorizedWriter(t *testing.T) {
	registry := NewRegistry()
	artifact := domain.Artifact{
		ID:         "art-1",
		Controller: "alice",
		Metadata:   map[string]string{domain.MetadataAuthorizedWriter: "escrow-1"},
	}

	if d := evaluate(t, registry, IDDelegatedWrite, Request{Caller: "escrow-1", Op: OpWrite, Artifact: artifact}); !d.Allowed {
		t.Fatalf("authorized writer denied: %q", d.Reason)
	}
	if d := evaluate(t, registry, IDDelegatedWrite, Request{Caller: "mallory", Op: OpWrite, Artifact: artifact}); d.Allowed {
		t.Fatal("unauthorized writer must be denied")
	}
	if d := evaluate(t, registry, IDDelegatedWrite, Request{Caller: "escrow-1", Op: OpDelete, Artifact: artifact}); d.Allowed {
		t.Fatal("authorized writer must not delete")
	}
}

func TestOpenInvokeRoutesPaymentOverride(t *testing.T) {
	registry := NewRegistry()
	artifact := domain.Artifact{
		ID:         "art-1",
		Controller: "alice",
		Price:      10,
		Metadata:   map[string]string{PaymentRecipientKey: "treasury"},
	}

	d := evaluate(t, registry, IDOpenInvoke, Request{Caller: "bob", Op: OpInvoke, Artifact: artifact})
	if !d.Allowed {
		t.Fatalf("open invoke denied: %q", d.Reason)
	}
	if d.ScripRecipient != "treasury" {
		t.Fatalf("expected payment override, got %q", d.ScripRecipient)
	}
}

func TestKernelProtectedDeniesMutations(t *testing.T) {
	registry := NewRegistry()
	artifact := domain.Artifact{ID: "genesis-doc", Controller: "kernel"}

	if d := evaluate(t, registry, IDKernelProtected, Request{Caller: "kernel", Op: OpWrite, Artifact: artifact}); d.Allowed {
		t.Fatal("kernel-protected artifacts reject writes even from the controller")
	}
	if d := evaluate(t, registry, IDKernelProtected, Request{Caller: "bob", Op: OpRead, Artifact: artifact}); !d.Allowed {
		t.Fatalf("kernel-protected artifacts stay readable: %q", d.Reason)
	}
}
