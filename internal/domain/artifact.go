package domain

import "time"

// Well-known artifact metadata keys.
const (
	// MetadataAuthorizedWriter names a principal allowed to write the
	// artifact besides its controller. Trading transfers control by
	// rotating this key, never by touching the immutable creator.
	MetadataAuthorizedWriter = "authorized_writer"
	// MetadataChargeTo names a principal that pays invoke costs in place
	// of the caller, subject to a delegation check.
	MetadataChargeTo = "charge_to"
	// MetadataHasStanding marks an artifact that registers a principal.
	MetadataHasStanding = "has_standing"
)

// Artifact is a stored unit of content and optionally executable code.
type Artifact struct {
	// ID is globally unique and immutable.
	ID string `json:"id"`
	// Type tags the artifact category (agent, code, data, service).
	Type string `json:"type"`
	// Content is the opaque payload.
	Content string `json:"content"`
	// Code is the optional executable body (Lua source for agent code).
	Code string `json:"code,omitempty"`
	// Executable marks artifacts that accept invoke.
	Executable bool `json:"executable,omitempty"`
	// Creator is the principal that first wrote the artifact. Immutable.
	Creator string `json:"creator"`
	// Controller is the principal currently controlling the artifact.
	// Starts equal to Creator; trading rotates it.
	Controller string `json:"controller"`
	// AccessContractID names the permission policy governing the artifact.
	AccessContractID string `json:"access_contract_id"`
	// Metadata is an open key-value mapping.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Price is scrip charged to invokers, paid to the contract-designated
	// recipient.
	Price int64 `json:"price,omitempty"`
	// KernelProtected artifacts reject all updates outright.
	KernelProtected bool `json:"kernel_protected,omitempty"`
	// Deleted marks a soft-deleted artifact. Content is retained for
	// audit; further writes are rejected.
	Deleted bool `json:"deleted,omitempty"`
	// CreatedAt is when the artifact was first written.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the artifact was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta returns a metadata value, empty when unset.
func (a Artifact) Meta(key string) string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[key]
}

// DiskSize returns the stored byte footprint used for disk quota accounting.
func (a Artifact) DiskSize() int64 {
	return int64(len(a.Content) + len(a.Code))
}

// DeclaresStanding reports whether the artifact registers a principal.
func (a Artifact) DeclaresStanding() bool {
	return a.Meta(MetadataHasStanding) == "true"
}
