// Package genesis boots a kernel world: it registers the built-in service
// principals and applies YAML scenario files describing the initial
// principals, artifacts, and auction parameters.
package genesis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/mint"
	"github.com/agoraverse/agora/internal/storage"
)

// Default ids for the kernel's built-in service principals.
const (
	DefaultMintID   = "sys-mint"
	DefaultEscrowID = "sys-escrow"
)

// Scenario is the root of a YAML scenario file.
type Scenario struct {
	Principals []PrincipalSpec `yaml:"principals"`
	Artifacts  []ArtifactSpec  `yaml:"artifacts"`
	Auction    *AuctionSpec    `yaml:"auction"`
}

// PrincipalSpec declares one principal with its starting balance and quotas.
type PrincipalSpec struct {
	ID      string            `yaml:"id"`
	Scrip   int64             `yaml:"scrip"`
	Quotas  map[string]int64  `yaml:"quotas"`
	Context map[string]string `yaml:"context"`
}

// ArtifactSpec declares one genesis artifact. Content and code may be given
// inline or as file paths resolved relative to the scenario file.
type ArtifactSpec struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Creator     string            `yaml:"creator"`
	Contract    string            `yaml:"contract"`
	Content     string            `yaml:"content"`
	ContentFile string            `yaml:"content_file"`
	Code        string            `yaml:"code"`
	CodeFile    string            `yaml:"code_file"`
	Executable  bool              `yaml:"executable"`
	Price       int64             `yaml:"price"`
	Metadata    map[string]string `yaml:"metadata"`
}

// AuctionSpec overrides the kernel's auction parameters.
type AuctionSpec struct {
	StartTick     uint64 `yaml:"start_tick"`
	WindowTicks   uint64 `yaml:"window_ticks"`
	IntervalTicks uint64 `yaml:"interval_ticks"`
	MinimumBid    int64  `yaml:"minimum_bid"`
	ScoreRatio    int64  `yaml:"score_ratio"`
}

// AuctionConfig merges the scenario's auction overrides into base.
func (s *Scenario) AuctionConfig(base mint.Config) mint.Config {
	if s == nil || s.Auction == nil {
		return base
	}
	spec := s.Auction
	if spec.StartTick > 0 {
		base.StartTick = spec.StartTick
	}
	if spec.WindowTicks > 0 {
		base.WindowTicks = spec.WindowTicks
	}
	if spec.IntervalTicks > 0 {
		base.IntervalTicks = spec.IntervalTicks
	}
	if spec.MinimumBid > 0 {
		base.MinimumBid = spec.MinimumBid
	}
	if spec.ScoreRatio > 0 {
		base.ScoreRatio = spec.ScoreRatio
	}
	return base
}

// LoadScenario reads and validates a scenario file. External content and
// code files are inlined so the returned scenario is self-contained.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var scenario Scenario
	if err := yaml.UnmarshalStrict(raw, &scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	for i := range scenario.Artifacts {
		spec := &scenario.Artifacts[i]
		if spec.ContentFile != "" {
			content, err := os.ReadFile(resolvePath(dir, spec.ContentFile))
			if err != nil {
				return nil, fmt.Errorf("artifact %s content: %w", spec.ID, err)
			}
			spec.Content = string(content)
			spec.ContentFile = ""
		}
		if spec.CodeFile != "" {
			code, err := os.ReadFile(resolvePath(dir, spec.CodeFile))
			if err != nil {
				return nil, fmt.Errorf("artifact %s code: %w", spec.ID, err)
			}
			spec.Code = string(code)
			spec.CodeFile = ""
		}
	}
	if err := scenario.validate(); err != nil {
		return nil, err
	}
	return &scenario, nil
}

func (s *Scenario) validate() error {
	seen := map[string]bool{}
	for _, spec := range s.Principals {
		if strings.TrimSpace(spec.ID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "principal id is required")
		}
		if seen[spec.ID] {
			return kerr.Newf(kerr.CodeArgumentInvalid, "duplicate principal %s", spec.ID)
		}
		seen[spec.ID] = true
		if spec.Scrip < 0 {
			return kerr.Newf(kerr.CodeArgumentInvalid, "principal %s: negative scrip", spec.ID)
		}
		for resource, limit := range spec.Quotas {
			if limit < 0 {
				return kerr.Newf(kerr.CodeArgumentInvalid, "principal %s: negative %s quota", spec.ID, resource)
			}
		}
	}
	artifactIDs := map[string]bool{}
	for _, spec := range s.Artifacts {
		if strings.TrimSpace(spec.ID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "artifact id is required")
		}
		if artifactIDs[spec.ID] {
			return kerr.Newf(kerr.CodeArgumentInvalid, "duplicate artifact %s", spec.ID)
		}
		artifactIDs[spec.ID] = true
		if strings.TrimSpace(spec.Creator) == "" {
			return kerr.Newf(kerr.CodeArgumentMissing, "artifact %s: creator is required", spec.ID)
		}
		if !seen[spec.Creator] {
			return kerr.Newf(kerr.CodeArgumentInvalid, "artifact %s: creator %s is not a scenario principal", spec.ID, spec.Creator)
		}
		if strings.TrimSpace(spec.Contract) == "" {
			return kerr.Newf(kerr.CodeContractIDRequired, "artifact %s: contract is required", spec.ID)
		}
	}
	return nil
}

// Loader applies scenarios and registers service principals.
type Loader struct {
	store     storage.Store
	ledger    *ledger.Service
	contracts *contract.Registry
	clock     func() time.Time
}

// NewLoader returns a genesis loader.
func NewLoader(store storage.Store, ledgerSvc *ledger.Service, contracts *contract.Registry) *Loader {
	return &Loader{
		store:     store,
		ledger:    ledgerSvc,
		contracts: contracts,
		clock:     time.Now,
	}
}

// WithClock overrides the timestamp source. Used by tests.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// EnsureService registers a service principal and a kernel-protected
// artifact advertising it. Both operations are idempotent so every boot can
// call this unconditionally.
func (l *Loader) EnsureService(ctx context.Context, serviceID, description string) error {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return kerr.New(kerr.CodeArgumentMissing, "service id is required")
	}
	_, err := l.store.GetPrincipal(ctx, serviceID)
	if err != nil && !errorsIsNotFound(err) {
		return fmt.Errorf("check service principal: %w", err)
	}
	if err != nil {
		if err := l.ledger.Register(ctx, domain.Principal{ID: serviceID}); err != nil {
			return fmt.Errorf("register service %s: %w", serviceID, err)
		}
	}
	if _, err := l.store.GetArtifact(ctx, serviceID); err == nil {
		return nil
	} else if !errorsIsNotFound(err) {
		return fmt.Errorf("check service artifact: %w", err)
	}
	now := l.clock().UTC()
	return l.store.PutArtifact(ctx, domain.Artifact{
		ID:               serviceID,
		Type:             "service",
		Content:          description,
		Executable:       true,
		Creator:          serviceID,
		Controller:       serviceID,
		AccessContractID: contract.IDKernelProtected,
		KernelProtected:  true,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

// Empty reports whether the store holds no principals yet. A kernel boots a
// scenario only into an empty world; restarting over an existing database
// must not reapply it.
func (l *Loader) Empty(ctx context.Context) (bool, error) {
	principals, err := l.store.ListPrincipals(ctx)
	if err != nil {
		return false, fmt.Errorf("list principals: %w", err)
	}
	return len(principals) == 0, nil
}

// Apply writes a scenario's principals and artifacts into the store.
// Scenario writes bypass contract gating and quota settlement: genesis is
// the one actor allowed to declare state rather than earn it. Contract ids
// are still resolved so a typo fails the boot instead of poisoning the
// world.
func (l *Loader) Apply(ctx context.Context, scenario *Scenario) error {
	if scenario == nil {
		return kerr.New(kerr.CodeArgumentMissing, "scenario is required")
	}
	for _, spec := range scenario.Principals {
		principal := domain.Principal{
			ID:      spec.ID,
			Scrip:   spec.Scrip,
			Context: spec.Context,
		}
		if len(spec.Quotas) > 0 {
			principal.Quotas = make(map[string]domain.Quota, len(spec.Quotas))
			for resource, limit := range spec.Quotas {
				principal.Quotas[resource] = domain.Quota{Limit: limit}
			}
		}
		if err := l.ledger.Register(ctx, principal); err != nil {
			return fmt.Errorf("principal %s: %w", spec.ID, err)
		}
	}
	now := l.clock().UTC()
	for _, spec := range scenario.Artifacts {
		if _, err := l.contracts.Resolve(spec.Contract); err != nil {
			return kerr.Wrap(kerr.CodeArgumentInvalid, fmt.Sprintf("artifact %s contract", spec.ID), err)
		}
		if _, err := l.store.GetArtifact(ctx, spec.ID); err == nil {
			return kerr.Newf(kerr.CodeAlreadyExists, "artifact %s already exists", spec.ID)
		} else if !errorsIsNotFound(err) {
			return fmt.Errorf("check artifact %s: %w", spec.ID, err)
		}
		artifact := domain.Artifact{
			ID:               spec.ID,
			Type:             spec.Type,
			Content:          spec.Content,
			Code:             spec.Code,
			Executable:       spec.Executable,
			Creator:          spec.Creator,
			Controller:       spec.Creator,
			AccessContractID: spec.Contract,
			Metadata:         spec.Metadata,
			Price:            spec.Price,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := l.store.PutArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("store artifact %s: %w", spec.ID, err)
		}
		if artifact.DiskSize() > 0 {
			if err := l.settleDisk(ctx, spec.Creator, artifact.DiskSize()); err != nil {
				return fmt.Errorf("artifact %s: %w", spec.ID, err)
			}
		}
	}
	return nil
}

// settleDisk records genesis artifact bytes against the creator's disk
// quota when one is configured, so scenario state and metering agree.
func (l *Loader) settleDisk(ctx context.Context, creator string, size int64) error {
	quota, err := l.ledger.Quota(ctx, creator, domain.ResourceDisk)
	if err != nil {
		return err
	}
	if quota.Limit == 0 {
		return nil
	}
	return l.ledger.ConsumeQuota(ctx, creator, domain.ResourceDisk, size)
}

func resolvePath(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
