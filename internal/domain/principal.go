package domain

import "time"

// Resource names metered by the kernel.
const (
	// ResourceDisk meters stored artifact bytes.
	ResourceDisk = "disk"
	// ResourceLLMCalls meters the depletable model-call budget.
	ResourceLLMCalls = "llm_calls"
	// ResourceCompute meters sandbox execution slices.
	ResourceCompute = "compute"
)

// Quota bounds consumption of one resource for one principal.
type Quota struct {
	// Limit is the maximum consumable amount.
	Limit int64 `json:"limit"`
	// Used is the amount consumed so far. Used never exceeds Limit.
	Used int64 `json:"used"`
}

// Headroom returns the unused portion of the quota.
func (q Quota) Headroom() int64 {
	return q.Limit - q.Used
}

// Principal is an economic actor holding scrip and resource quotas.
//
// Principals are created explicitly, never implicitly: an artifact written
// with has_standing metadata set to "true" registers a principal with the
// artifact's id. Principals are never destroyed, only drained to zero.
type Principal struct {
	// ID is the unique principal identifier.
	ID string `json:"id"`
	// Scrip is the current balance. Negative balances are rejected unless
	// the ledger is configured to allow them.
	Scrip int64 `json:"scrip"`
	// Quotas maps resource name to its quota record.
	Quotas map[string]Quota `json:"quotas,omitempty"`
	// HasStanding marks entities able to hold resources independently.
	HasStanding bool `json:"has_standing,omitempty"`
	// Context holds agent-configured context entries (configure-context).
	Context map[string]string `json:"context,omitempty"`
	// CreatedAt is when the principal was registered.
	CreatedAt time.Time `json:"created_at"`
}

// QuotaFor returns the principal's quota for a resource, zero when unset.
func (p Principal) QuotaFor(resource string) Quota {
	if p.Quotas == nil {
		return Quota{}
	}
	return p.Quotas[resource]
}
