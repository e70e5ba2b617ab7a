// Package ledger owns scrip balances and resource quotas.
//
// Every mutating call either fully succeeds or leaves state untouched;
// multi-principal moves run inside a single storage transaction so no
// partial transfer is ever observable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/storage"
)

// Config tunes ledger behavior.
type Config struct {
	// AllowNegative permits balances below zero. Default forbids them.
	AllowNegative bool
}

// Service implements the ledger over a principal store.
type Service struct {
	store  storage.PrincipalStore
	config Config
}

// New returns a ledger service.
func New(store storage.PrincipalStore, config Config) *Service {
	return &Service{store: store, config: config}
}

// Register creates a principal explicitly. Existing ids are rejected.
func (s *Service) Register(ctx context.Context, principal domain.Principal) error {
	if strings.TrimSpace(principal.ID) == "" {
		return kerr.New(kerr.CodeArgumentMissing, "principal id is required")
	}
	_, err := s.store.GetPrincipal(ctx, principal.ID)
	if err == nil {
		return kerr.Newf(kerr.CodeAlreadyExists, "principal %s already exists", principal.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check principal: %w", err)
	}
	for resource, quota := range principal.Quotas {
		if quota.Used < 0 || quota.Used > quota.Limit {
			return kerr.Newf(kerr.CodeArgumentInvalid, "quota %s violates used <= limit", resource)
		}
	}
	if principal.Scrip < 0 && !s.config.AllowNegative {
		return kerr.New(kerr.CodeArgumentInvalid, "initial balance must not be negative")
	}
	return s.store.PutPrincipal(ctx, principal)
}

// Balance returns the principal's scrip balance.
func (s *Service) Balance(ctx context.Context, id string) (int64, error) {
	principal, err := s.get(ctx, id)
	if err != nil {
		return 0, err
	}
	return principal.Scrip, nil
}

// Credit adds scrip to a principal.
func (s *Service) Credit(ctx context.Context, id string, amount int64) error {
	if amount <= 0 {
		return kerr.New(kerr.CodeArgumentInvalid, "credit amount must be positive")
	}
	return s.store.UpdatePrincipals(ctx, []string{id}, func(principals map[string]*domain.Principal) error {
		principals[id].Scrip += amount
		return nil
	})
}

// Deduct removes scrip from a principal. Insufficient balance fails with no
// partial effect unless the ledger allows negative balances.
func (s *Service) Deduct(ctx context.Context, id string, amount int64) error {
	if amount <= 0 {
		return kerr.New(kerr.CodeArgumentInvalid, "deduct amount must be positive")
	}
	return s.store.UpdatePrincipals(ctx, []string{id}, func(principals map[string]*domain.Principal) error {
		principal := principals[id]
		if principal.Scrip < amount && !s.config.AllowNegative {
			return kerr.Newf(kerr.CodeInsufficientScrip,
				"principal %s holds %d scrip, needs %d", id, principal.Scrip, amount)
		}
		principal.Scrip -= amount
		return nil
	})
}

// Transfer moves scrip between principals, all or nothing.
func (s *Service) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount <= 0 {
		return kerr.New(kerr.CodeArgumentInvalid, "transfer amount must be positive")
	}
	if from == to {
		return kerr.New(kerr.CodeArgumentInvalid, "transfer requires distinct principals")
	}
	return s.store.UpdatePrincipals(ctx, []string{from, to}, func(principals map[string]*domain.Principal) error {
		source := principals[from]
		if source.Scrip < amount && !s.config.AllowNegative {
			return kerr.Newf(kerr.CodeInsufficientScrip,
				"principal %s holds %d scrip, needs %d", from, source.Scrip, amount)
		}
		source.Scrip -= amount
		principals[to].Scrip += amount
		return nil
	})
}

// Quota returns the principal's quota for a resource.
func (s *Service) Quota(ctx context.Context, id, resource string) (domain.Quota, error) {
	principal, err := s.get(ctx, id)
	if err != nil {
		return domain.Quota{}, err
	}
	return principal.QuotaFor(resource), nil
}

// SetQuota replaces the limit for one resource, preserving usage. Shrinking
// the limit below current usage is rejected.
func (s *Service) SetQuota(ctx context.Context, id, resource string, limit int64) error {
	if limit < 0 {
		return kerr.New(kerr.CodeArgumentInvalid, "quota limit must not be negative")
	}
	if strings.TrimSpace(resource) == "" {
		return kerr.New(kerr.CodeArgumentMissing, "resource name is required")
	}
	return s.store.UpdatePrincipals(ctx, []string{id}, func(principals map[string]*domain.Principal) error {
		principal := principals[id]
		quota := principal.QuotaFor(resource)
		if limit < quota.Used {
			return kerr.Newf(kerr.CodeQuotaExceeded,
				"limit %d is below current %s usage %d", limit, resource, quota.Used)
		}
		if principal.Quotas == nil {
			principal.Quotas = map[string]domain.Quota{}
		}
		principal.Quotas[resource] = domain.Quota{Limit: limit, Used: quota.Used}
		return nil
	})
}

// ConsumeQuota records resource usage. Negative amounts release usage back
// to zero at most. Consuming beyond headroom is rejected with state
// unchanged.
func (s *Service) ConsumeQuota(ctx context.Context, id, resource string, amount int64) error {
	if amount == 0 {
		return nil
	}
	if strings.TrimSpace(resource) == "" {
		return kerr.New(kerr.CodeArgumentMissing, "resource name is required")
	}
	return s.store.UpdatePrincipals(ctx, []string{id}, func(principals map[string]*domain.Principal) error {
		principal := principals[id]
		quota := principal.QuotaFor(resource)
		next := quota.Used + amount
		if next < 0 {
			next = 0
		}
		if next > quota.Limit {
			return kerr.Newf(kerr.CodeQuotaExceeded,
				"%s usage %d + %d exceeds limit %d", resource, quota.Used, amount, quota.Limit)
		}
		if principal.Quotas == nil {
			principal.Quotas = map[string]domain.Quota{}
		}
		principal.Quotas[resource] = domain.Quota{Limit: quota.Limit, Used: next}
		return nil
	})
}

// TransferQuota atomically moves unused limit headroom between principals.
// Only headroom moves: usage stays where it was incurred.
func (s *Service) TransferQuota(ctx context.Context, from, to, resource string, amount int64) error {
	if amount <= 0 {
		return kerr.New(kerr.CodeArgumentInvalid, "quota transfer amount must be positive")
	}
	if from == to {
		return kerr.New(kerr.CodeArgumentInvalid, "quota transfer requires distinct principals")
	}
	if strings.TrimSpace(resource) == "" {
		return kerr.New(kerr.CodeArgumentMissing, "resource name is required")
	}
	return s.store.UpdatePrincipals(ctx, []string{from, to}, func(principals map[string]*domain.Principal) error {
		source := principals[from]
		sourceQuota := source.QuotaFor(resource)
		if amount > sourceQuota.Headroom() {
			return kerr.Newf(kerr.CodeQuotaExceeded,
				"principal %s has %d unused %s, needs %d", from, sourceQuota.Headroom(), resource, amount)
		}
		target := principals[to]
		targetQuota := target.QuotaFor(resource)

		if source.Quotas == nil {
			source.Quotas = map[string]domain.Quota{}
		}
		if target.Quotas == nil {
			target.Quotas = map[string]domain.Quota{}
		}
		source.Quotas[resource] = domain.Quota{Limit: sourceQuota.Limit - amount, Used: sourceQuota.Used}
		target.Quotas[resource] = domain.Quota{Limit: targetQuota.Limit + amount, Used: targetQuota.Used}
		return nil
	})
}

// TotalScrip sums every balance. Used by conservation checks and snapshots.
func (s *Service) TotalScrip(ctx context.Context) (int64, error) {
	principals, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list principals: %w", err)
	}
	var total int64
	for _, principal := range principals {
		total += principal.Scrip
	}
	return total, nil
}

func (s *Service) get(ctx context.Context, id string) (domain.Principal, error) {
	principal, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Principal{}, kerr.Newf(kerr.CodeNotFound, "principal %s does not exist", id)
		}
		return domain.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	return principal, nil
}
