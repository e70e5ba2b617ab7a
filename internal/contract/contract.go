// Package contract implements pluggable access-contract policies.
//
// A contract decides, per (caller, operation, artifact), whether an operation
// proceeds and who receives scrip for paid reads and invokes. Contracts are
// resolved by id through a closed registry; artifact metadata parameterizes
// them, which is how delegated writing (and therefore trading) works without
// touching the immutable creator field.
package contract

import (
	"context"
	"fmt"
	"strings"

	"github.com/agoraverse/agora/internal/domain"
)

// Op enumerates the gated operations.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpInvoke Op = "invoke"
	OpDelete Op = "delete"
)

// Request is one permission check.
type Request struct {
	// Caller is the principal attempting the operation.
	Caller string
	// Op is the requested operation.
	Op Op
	// Artifact is the target, with its current metadata.
	Artifact domain.Artifact
	// Method is set for invoke checks.
	Method string
}

// Decision is a contract's verdict.
type Decision struct {
	// Allowed reports whether the operation proceeds.
	Allowed bool
	// Reason explains a denial in caller-facing terms.
	Reason string
	// ScripRecipient receives payment for priced reads and invokes. Empty
	// means the artifact's controller.
	ScripRecipient string
}

// Allow returns a positive decision paying the artifact controller.
func Allow() Decision {
	return Decision{Allowed: true}
}

// AllowPaying returns a positive decision routing payment to recipient.
func AllowPaying(recipient string) Decision {
	return Decision{Allowed: true, ScripRecipient: recipient}
}

// Deny returns a negative decision with a reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Contract evaluates permission requests for artifacts that name it.
type Contract interface {
	// ID is the registry key artifacts reference.
	ID() string
	// Evaluate returns the verdict for one request. Evaluate is a pure
	// check: it must not mutate any kernel state.
	Evaluate(ctx context.Context, req Request) (Decision, error)
}

// Registry resolves contracts by id. The set is closed after construction.
type Registry struct {
	contracts map[string]Contract
}

// NewRegistry returns a registry seeded with the built-in contracts.
func NewRegistry() *Registry {
	registry := &Registry{contracts: map[string]Contract{}}
	for _, builtin := range []Contract{
		ownerOnly{},
		publicRead{},
		openInvoke{},
		delegatedWrite{},
		kernelProtected{},
	} {
		registry.contracts[builtin.ID()] = builtin
	}
	return registry
}

// Register adds a contract. Duplicate ids are rejected.
func (r *Registry) Register(contract Contract) error {
	if contract == nil {
		return fmt.Errorf("contract is required")
	}
	id := strings.TrimSpace(contract.ID())
	if id == "" {
		return fmt.Errorf("contract id is required")
	}
	if _, ok := r.contracts[id]; ok {
		return fmt.Errorf("contract %s is already registered", id)
	}
	r.contracts[id] = contract
	return nil
}

// Resolve returns the contract for an id.
func (r *Registry) Resolve(id string) (Contract, error) {
	contract, ok := r.contracts[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("access contract %q is not registered", id)
	}
	return contract, nil
}

// IDs returns the registered contract ids in no particular order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.contracts))
	for id := range r.contracts {
		out = append(out, id)
	}
	return out
}
