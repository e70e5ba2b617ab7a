// Package pipeline is the kernel's single-entry intent dispatcher.
//
// Every mutation of shared state flows through Dispatch, which serializes
// intents under one mutex: one intent is fully settled before the next
// begins, so no partially-applied effect is ever observable. Permission and
// affordability checks run before any effect and are pure; a rejected
// intent mutates nothing. The only external I/O is the mint-scoring oracle,
// which runs outside the lock and feeds its result back as an ordinary mint
// settlement intent.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/mint"
	"github.com/agoraverse/agora/internal/sandbox"
	"github.com/agoraverse/agora/internal/storage"
)

// Config parameterizes the dispatcher.
type Config struct {
	// MintPrincipalID is the only principal allowed to issue mint intents.
	MintPrincipalID string
	// MaxDelegatedChargesPerTick caps charge_to authorizations per delegate
	// per tick.
	MaxDelegatedChargesPerTick int
	// OracleTimeout bounds one mint-scoring oracle call.
	OracleTimeout time.Duration
}

// NativeService is a genesis service reachable through the ordinary invoke
// protocol. Invoking its artifact routes here instead of the Lua sandbox,
// so agents address built-in and agent-authored services the same way.
type NativeService interface {
	Invoke(ctx context.Context, caller, method string, args map[string]any) (map[string]any, error)
}

// Pipeline dispatches intents.
type Pipeline struct {
	mu sync.Mutex

	config    Config
	store     storage.Store
	ledger    *ledger.Service
	artifacts *artifact.Service
	query     *facade.Query
	actions   *facade.Actions
	auction   *mint.Service
	executor  *sandbox.Executor
	oracle    mint.ScoreOracle
	log       *eventlog.Log
	tracer    trace.Tracer
	clock     func() time.Time

	tick uint64
	// delegatedCharges counts charge_to authorizations per delegate within
	// the current tick. The dispatch lock doubles as the FM-1 transaction
	// boundary for checking and recording a delegated charge.
	delegatedCharges map[string]int
	// pendingScores maps round winners to the artifact awaiting an oracle
	// score.
	pendingScores map[string]string
	// natives maps service artifact ids to their in-process handlers.
	natives map[string]NativeService

	// wg tracks in-flight oracle calls so a shutdown can drain them.
	wg sync.WaitGroup
}

// New wires the dispatcher. Oracle may be nil, in which case winning
// submissions mint nothing.
func New(config Config, store storage.Store, ledgerSvc *ledger.Service, artifacts *artifact.Service, query *facade.Query, actions *facade.Actions, auction *mint.Service, executor *sandbox.Executor, oracle mint.ScoreOracle, log *eventlog.Log) *Pipeline {
	if config.MaxDelegatedChargesPerTick <= 0 {
		config.MaxDelegatedChargesPerTick = 16
	}
	if config.OracleTimeout <= 0 {
		config.OracleTimeout = 30 * time.Second
	}
	return &Pipeline{
		config:           config,
		store:            store,
		ledger:           ledgerSvc,
		artifacts:        artifacts,
		query:            query,
		actions:          actions,
		auction:          auction,
		executor:         executor,
		oracle:           oracle,
		log:              log,
		tracer:           otel.Tracer("agora/pipeline"),
		clock:            time.Now,
		delegatedCharges: map[string]int{},
		pendingScores:    map[string]string{},
		natives:          map[string]NativeService{},
	}
}

// RegisterNative binds a genesis service to its artifact id.
func (p *Pipeline) RegisterNative(artifactID string, service NativeService) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.natives[artifactID] = service
}

// WithClock overrides the timestamp source. Used by tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Tick returns the current logical tick counter.
func (p *Pipeline) Tick() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tick
}

// Wait blocks until in-flight oracle work has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// AuctionState snapshots the auction under the dispatch lock.
func (p *Pipeline) AuctionState() mint.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auction.State()
}

// Dispatch maps one intent to one result. It never returns an error;
// failures come back as structured result data per the kernel taxonomy.
func (p *Pipeline) Dispatch(ctx context.Context, intent domain.Intent) domain.Result {
	ctx, span := p.tracer.Start(ctx, "kernel.dispatch",
		trace.WithAttributes(
			attribute.String("intent.kind", string(intent.Kind)),
			attribute.String("intent.principal", intent.PrincipalID),
		))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	result := p.dispatchLocked(ctx, intent)
	span.SetAttributes(attribute.Bool("result.success", result.Success))
	if !result.Success {
		span.SetAttributes(attribute.String("result.error_code", result.ErrorCode))
	}
	p.record(ctx, intent, result)
	return result
}

func (p *Pipeline) dispatchLocked(ctx context.Context, intent domain.Intent) domain.Result {
	if err := intent.Validate(); err != nil {
		return domain.Failure(err)
	}
	if err := p.verifyPrincipal(ctx, intent.PrincipalID); err != nil {
		return domain.Failure(err)
	}

	switch intent.Kind {
	case domain.IntentNoop:
		return domain.OK("noop")
	case domain.IntentRead:
		return p.handleRead(ctx, intent)
	case domain.IntentWrite:
		return p.handleWrite(ctx, intent)
	case domain.IntentEdit:
		return p.handleEdit(ctx, intent)
	case domain.IntentInvoke:
		return p.handleInvoke(ctx, intent)
	case domain.IntentDelete:
		return p.handleDelete(ctx, intent)
	case domain.IntentTransfer:
		return p.handleTransfer(ctx, intent)
	case domain.IntentMint:
		return p.handleMint(ctx, intent)
	case domain.IntentSubmitToAuction:
		return p.handleAuctionBid(ctx, intent)
	case domain.IntentCancelBid:
		return p.handleCancelBid(ctx, intent)
	case domain.IntentSubscribe:
		return p.handleSubscribe(ctx, intent, true)
	case domain.IntentUnsubscribe:
		return p.handleSubscribe(ctx, intent, false)
	case domain.IntentConfigureContext:
		return p.handleConfigureContext(ctx, intent)
	case domain.IntentSubmitToTask:
		return p.handleTask(ctx, intent)
	case domain.IntentUpdateMetadata:
		return p.handleMetadata(ctx, intent)
	case domain.IntentTick:
		return p.handleTick(ctx, intent)
	default:
		return domain.Failure(kerr.Newf(kerr.CodeIntentKindUnknown, "intent kind %q is not registered", intent.Kind))
	}
}

func (p *Pipeline) verifyPrincipal(ctx context.Context, principalID string) error {
	_, err := p.store.GetPrincipal(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return kerr.Newf(kerr.CodeCallerUnverified, "principal %s is not registered", principalID)
	}
	if err != nil {
		return kerr.Wrap(kerr.CodeStorageUnavailable, "verify principal", err)
	}
	return nil
}

func (p *Pipeline) handleRead(ctx context.Context, intent domain.Intent) domain.Result {
	target, err := p.artifacts.Get(ctx, intent.Read.ArtifactID)
	if err != nil {
		return domain.Failure(err)
	}
	if target.Deleted {
		return domain.Failure(kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", target.ID))
	}
	decision, err := p.artifacts.Authorize(ctx, intent.PrincipalID, contract.OpRead, target, "")
	if err != nil {
		return domain.Failure(err)
	}
	if !decision.Allowed {
		return domain.Failure(kerr.New(kerr.CodePermissionDenied, denial(decision, "read denied")))
	}

	price, recipient := p.settlementTerms(target, decision, intent.PrincipalID)
	if price > 0 {
		if err := p.requireBalance(ctx, intent.PrincipalID, price); err != nil {
			return domain.Failure(err)
		}
		if err := p.ledger.Transfer(ctx, intent.PrincipalID, recipient, price); err != nil {
			return domain.Failure(err)
		}
	}

	result := domain.OKData("artifact read", map[string]any{
		"artifact_id": target.ID,
		"type":        target.Type,
		"content":     target.Content,
		"controller":  target.Controller,
		"metadata":    target.Metadata,
	})
	if price > 0 {
		result = result.WithConsumed(map[string]float64{"scrip": float64(price)})
		result.ChargedTo = intent.PrincipalID
	}
	return result
}

func (p *Pipeline) handleWrite(ctx context.Context, intent domain.Intent) domain.Result {
	write := intent.Write
	newSize := int64(len(write.Content) + len(write.Code))
	var oldSize int64
	existing, err := p.store.GetArtifact(ctx, write.ArtifactID)
	if err == nil {
		oldSize = existing.DiskSize()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "load artifact", err))
	}

	delta := newSize - oldSize
	if err := p.requireDiskHeadroom(ctx, intent.PrincipalID, delta); err != nil {
		return domain.Failure(err)
	}

	written, delta, err := p.artifacts.Write(ctx, artifact.WriteRequest{
		Caller:           intent.PrincipalID,
		ID:               write.ArtifactID,
		Type:             write.ArtifactType,
		Content:          write.Content,
		Code:             write.Code,
		Executable:       write.Executable,
		Price:            write.Price,
		AccessContractID: write.AccessContractID,
		Metadata:         write.Metadata,
	})
	if err != nil {
		return domain.Failure(err)
	}
	if err := p.settleDisk(ctx, intent.PrincipalID, delta); err != nil {
		return domain.Failure(err)
	}
	if err := p.registerStanding(ctx, written); err != nil {
		return domain.Failure(err)
	}

	result := domain.OKData("artifact written", map[string]any{
		"artifact_id": written.ID,
		"disk_delta":  delta,
	})
	result.ChargedTo = intent.PrincipalID
	return result.WithConsumed(map[string]float64{domain.ResourceDisk: float64(delta)})
}

func (p *Pipeline) handleEdit(ctx context.Context, intent domain.Intent) domain.Result {
	edit := intent.Edit
	delta := int64(len(edit.NewSubstring) - len(edit.OldSubstring))
	if err := p.requireDiskHeadroom(ctx, intent.PrincipalID, delta); err != nil {
		return domain.Failure(err)
	}

	edited, delta, err := p.artifacts.Edit(ctx, intent.PrincipalID, edit.ArtifactID, edit.OldSubstring, edit.NewSubstring)
	if err != nil {
		return domain.Failure(err)
	}
	if err := p.settleDisk(ctx, intent.PrincipalID, delta); err != nil {
		return domain.Failure(err)
	}

	result := domain.OKData("artifact edited", map[string]any{
		"artifact_id": edited.ID,
		"disk_delta":  delta,
	})
	result.ChargedTo = intent.PrincipalID
	return result.WithConsumed(map[string]float64{domain.ResourceDisk: float64(delta)})
}

func (p *Pipeline) handleDelete(ctx context.Context, intent domain.Intent) domain.Result {
	deleted, released, err := p.artifacts.SoftDelete(ctx, intent.PrincipalID, intent.Delete.ArtifactID)
	if err != nil {
		return domain.Failure(err)
	}
	if err := p.settleDisk(ctx, intent.PrincipalID, released); err != nil {
		return domain.Failure(err)
	}
	return domain.OKData("artifact deleted", map[string]any{
		"artifact_id": deleted.ID,
		"disk_delta":  released,
	}).WithConsumed(map[string]float64{domain.ResourceDisk: float64(released)})
}

func (p *Pipeline) handleInvoke(ctx context.Context, intent domain.Intent) domain.Result {
	result, durationMS := p.invoke(ctx, intent)
	p.emitInvokeEvent(ctx, intent, durationMS, result.Success)
	return result
}

func (p *Pipeline) invoke(ctx context.Context, intent domain.Intent) (domain.Result, int64) {
	invoke := intent.Invoke
	target, err := p.artifacts.Get(ctx, invoke.ArtifactID)
	if err != nil {
		return domain.Failure(err), 0
	}
	if target.Deleted {
		return domain.Failure(kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", target.ID)), 0
	}
	if !target.Executable {
		return domain.Failure(kerr.Newf(kerr.CodeNotExecutable, "artifact %s is not executable", target.ID)), 0
	}
	decision, err := p.artifacts.Authorize(ctx, intent.PrincipalID, contract.OpInvoke, target, invoke.Method)
	if err != nil {
		return domain.Failure(err), 0
	}
	if !decision.Allowed {
		return domain.Failure(kerr.New(kerr.CodePermissionDenied, denial(decision, "invoke denied"))), 0
	}

	payer, err := p.resolvePayer(ctx, intent.PrincipalID, target)
	if err != nil {
		return domain.Failure(err), 0
	}
	price, recipient := p.settlementTerms(target, decision, payer)
	if price > 0 {
		if err := p.requireBalance(ctx, payer, price); err != nil {
			return domain.Failure(err), 0
		}
	}
	if err := p.requireComputeHeadroom(ctx, payer); err != nil {
		return domain.Failure(err), 0
	}

	started := p.clock()
	var data map[string]any
	var invokeErr error
	if native, ok := p.natives[target.ID]; ok {
		data, invokeErr = native.Invoke(ctx, intent.PrincipalID, invoke.Method, invoke.Args)
	} else {
		data, invokeErr = p.executor.Invoke(ctx, sandbox.Invocation{
			Artifact: target,
			Caller:   intent.PrincipalID,
			Method:   invoke.Method,
			Args:     invoke.Args,
		})
	}
	durationMS := p.clock().Sub(started).Milliseconds()

	consumed := map[string]float64{}
	if err := p.consumeCompute(ctx, payer, consumed); err != nil {
		return domain.Failure(err), durationMS
	}
	if invokeErr != nil {
		failure := domain.Failure(invokeErr)
		failure.ChargedTo = payer
		failure.ResourcesConsumed = consumed
		return failure, durationMS
	}
	if price > 0 {
		if err := p.ledger.Transfer(ctx, payer, recipient, price); err != nil {
			return domain.Failure(err), durationMS
		}
		consumed["scrip"] = float64(price)
	}

	result := domain.OKData("artifact invoked", data)
	result.ChargedTo = payer
	if len(consumed) > 0 {
		result.ResourcesConsumed = consumed
	}
	return result, durationMS
}

func (p *Pipeline) handleTransfer(ctx context.Context, intent domain.Intent) domain.Result {
	transfer := intent.Transfer
	if err := p.actions.TransferScrip(ctx, intent.PrincipalID, transfer.RecipientID, transfer.Amount); err != nil {
		return domain.Failure(err)
	}
	return domain.OKData("scrip transferred", map[string]any{
		"recipient_id": transfer.RecipientID,
		"amount":       transfer.Amount,
		"memo":         transfer.Memo,
	})
}

// handleMint applies an out-of-band oracle score as a settlement step. Only
// the mint's own principal may issue it; the dispatcher schedules these
// intents itself when oracle calls complete.
func (p *Pipeline) handleMint(ctx context.Context, intent domain.Intent) domain.Result {
	if intent.PrincipalID != p.config.MintPrincipalID {
		return domain.Failure(kerr.Newf(kerr.CodePermissionDenied, "principal %s may not issue mint settlements", intent.PrincipalID))
	}
	artifactID := p.pendingScores[intent.Mint.RecipientID]
	delete(p.pendingScores, intent.Mint.RecipientID)

	minted, err := p.auction.ApplyScore(ctx, intent.Mint.RecipientID, artifactID, intent.Mint.Amount)
	if err != nil {
		return domain.Failure(err)
	}
	return domain.OKData("mint settled", map[string]any{
		"recipient_id": intent.Mint.RecipientID,
		"artifact_id":  artifactID,
		"score":        intent.Mint.Amount,
		"minted":       minted,
		"reason":       intent.Mint.Reason,
	})
}

func (p *Pipeline) handleAuctionBid(ctx context.Context, intent domain.Intent) domain.Result {
	bid := intent.AuctionBid
	if err := p.auction.SubmitBid(ctx, intent.PrincipalID, bid.ArtifactID, bid.Bid); err != nil {
		return domain.Failure(err)
	}
	return domain.OKData("bid escrowed", map[string]any{
		"artifact_id": bid.ArtifactID,
		"bid":         bid.Bid,
	})
}

func (p *Pipeline) handleCancelBid(ctx context.Context, intent domain.Intent) domain.Result {
	var artifactID string
	if intent.CancelBid != nil {
		artifactID = intent.CancelBid.ArtifactID
	}
	if err := p.auction.CancelBid(ctx, intent.PrincipalID, artifactID); err != nil {
		return domain.Failure(err)
	}
	return domain.OK("bid cancelled and refunded")
}

func (p *Pipeline) handleSubscribe(ctx context.Context, intent domain.Intent, subscribe bool) domain.Result {
	if subscribe {
		err := p.store.PutSubscription(ctx, storage.Subscription{
			PrincipalID: intent.PrincipalID,
			EventType:   intent.Subscribe.EventType,
			CreatedAt:   p.clock().UTC(),
		})
		if err != nil {
			return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "store subscription", err))
		}
		return domain.OKData("subscribed", map[string]any{"event_type": intent.Subscribe.EventType})
	}
	if err := p.store.DeleteSubscription(ctx, intent.PrincipalID, intent.Unsubscribe.EventType); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Failure(kerr.Newf(kerr.CodeNotFound, "no subscription for %s", intent.Unsubscribe.EventType))
		}
		return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "delete subscription", err))
	}
	return domain.OKData("unsubscribed", map[string]any{"event_type": intent.Unsubscribe.EventType})
}

func (p *Pipeline) handleConfigureContext(ctx context.Context, intent domain.Intent) domain.Result {
	entries := intent.ConfigureContext.Entries
	err := p.store.UpdatePrincipals(ctx, []string{intent.PrincipalID}, func(principals map[string]*domain.Principal) error {
		principal := principals[intent.PrincipalID]
		if principal.Context == nil {
			principal.Context = map[string]string{}
		}
		for key, value := range entries {
			if value == "" {
				delete(principal.Context, key)
			} else {
				principal.Context[key] = value
			}
		}
		return nil
	})
	if err != nil {
		return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "update context", err))
	}
	return domain.OKData("context configured", map[string]any{"entries": len(entries)})
}

func (p *Pipeline) handleTask(ctx context.Context, intent domain.Intent) domain.Result {
	task := intent.Task
	submitted, err := p.artifacts.Get(ctx, task.ArtifactID)
	if err != nil {
		return domain.Failure(err)
	}
	if submitted.Deleted {
		return domain.Failure(kerr.Newf(kerr.CodeArtifactDeleted, "artifact %s is deleted", submitted.ID))
	}
	err = p.store.AppendTaskSubmission(ctx, storage.TaskSubmission{
		TaskID:      task.TaskID,
		PrincipalID: intent.PrincipalID,
		ArtifactID:  task.ArtifactID,
		SubmittedAt: p.clock().UTC(),
	})
	if err != nil {
		return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "store task submission", err))
	}
	return domain.OKData("task submission recorded", map[string]any{
		"task_id":     task.TaskID,
		"artifact_id": task.ArtifactID,
	})
}

func (p *Pipeline) handleMetadata(ctx context.Context, intent domain.Intent) domain.Result {
	meta := intent.Metadata
	updated, err := p.artifacts.SetMetadata(ctx, intent.PrincipalID, meta.ArtifactID, meta.Entries)
	if err != nil {
		return domain.Failure(err)
	}
	return domain.OKData("metadata updated", map[string]any{
		"artifact_id": updated.ID,
		"entries":     len(meta.Entries),
	})
}

// handleTick advances the logical clock, resets per-tick rate limits, drives
// the auction phase machine, and snapshots every principal into the log.
func (p *Pipeline) handleTick(ctx context.Context, intent domain.Intent) domain.Result {
	p.tick++
	p.delegatedCharges = map[string]int{}

	resolution, err := p.auction.Tick(ctx, p.tick)
	if err != nil {
		return domain.Failure(err)
	}
	scoreSkipped := false
	if resolution != nil && resolution.NeedsScore {
		allowed, err := p.consumeOracleCall(ctx, resolution.WinnerID)
		if err != nil {
			return domain.Failure(err)
		}
		if allowed {
			p.pendingScores[resolution.WinnerID] = resolution.ArtifactID
			p.scheduleScore(resolution.WinnerID, resolution.ArtifactID)
		} else {
			scoreSkipped = true
		}
	}

	principals, err := p.store.ListPrincipals(ctx)
	if err != nil {
		return domain.Failure(kerr.Wrap(kerr.CodeStorageUnavailable, "list principals", err))
	}
	snapshots := make([]map[string]any, 0, len(principals))
	for _, principal := range principals {
		snapshot := map[string]any{
			"principal_id": principal.ID,
			"scrip":        principal.Scrip,
		}
		for resource, quota := range principal.Quotas {
			snapshot[resource+"_used"] = quota.Used
			snapshot[resource+"_limit"] = quota.Limit
		}
		snapshots = append(snapshots, snapshot)
	}
	if _, err := p.log.Emit(ctx, domain.Event{
		Type: domain.EventTick,
		Fields: map[string]any{
			"tick":       p.tick,
			"principals": snapshots,
			"auction":    p.auction.State(),
		},
	}); err != nil {
		return domain.Failure(err)
	}

	data := map[string]any{"tick": p.tick}
	if resolution != nil {
		data["auction_round"] = resolution.Round
		data["auction_no_bids"] = resolution.NoBids
		if resolution.WinnerID != "" {
			data["auction_winner"] = resolution.WinnerID
			data["price_paid"] = resolution.PricePaid
			data["duplicate"] = resolution.Duplicate
		}
		if scoreSkipped {
			data["score_skipped"] = true
		}
	}
	return domain.OKData("tick advanced", data)
}

// scheduleScore runs the oracle outside the dispatch lock and feeds the
// score back through an ordinary mint settlement intent.
func (p *Pipeline) scheduleScore(winnerID, artifactID string) {
	if p.oracle == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.config.OracleTimeout)
		defer cancel()

		submitted, err := p.query.Artifact(ctx, artifactID)
		if err != nil {
			return
		}
		score, err := p.oracle.Score(ctx, submitted)
		if err != nil || score < 0 {
			score = 0
		}
		p.Dispatch(ctx, domain.Intent{
			Kind:        domain.IntentMint,
			PrincipalID: p.config.MintPrincipalID,
			Mint: &domain.MintIntent{
				RecipientID: winnerID,
				Amount:      score,
				Reason:      "auction score",
			},
		})
	}()
}

// resolvePayer walks the charge_to delegation for an invoke. The caller pays
// by default; a declared delegate pays subject to a per-tick rate limit.
func (p *Pipeline) resolvePayer(ctx context.Context, caller string, target domain.Artifact) (string, error) {
	delegate := strings.TrimSpace(target.Meta(domain.MetadataChargeTo))
	if delegate == "" || delegate == caller {
		return caller, nil
	}
	if _, err := p.store.GetPrincipal(ctx, delegate); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", kerr.Newf(kerr.CodeDelegationRefused, "charge_to principal %s is not registered", delegate)
		}
		return "", kerr.Wrap(kerr.CodeStorageUnavailable, "resolve delegate", err)
	}
	if p.delegatedCharges[delegate] >= p.config.MaxDelegatedChargesPerTick {
		return "", kerr.Newf(kerr.CodeDelegationRefused, "delegate %s exceeded %d charges this tick", delegate, p.config.MaxDelegatedChargesPerTick)
	}
	p.delegatedCharges[delegate]++
	return delegate, nil
}

// settlementTerms returns the price and the scrip recipient for a priced
// operation. The controller never pays itself.
func (p *Pipeline) settlementTerms(target domain.Artifact, decision contract.Decision, payer string) (int64, string) {
	recipient := decision.ScripRecipient
	if recipient == "" {
		recipient = target.Controller
	}
	if target.Price <= 0 || payer == recipient {
		return 0, recipient
	}
	return target.Price, recipient
}

func (p *Pipeline) requireBalance(ctx context.Context, principalID string, amount int64) error {
	balance, err := p.ledger.Balance(ctx, principalID)
	if err != nil {
		return err
	}
	if balance < amount {
		return kerr.Newf(kerr.CodeInsufficientScrip, "principal %s has %d scrip, needs %d", principalID, balance, amount)
	}
	return nil
}

// requireDiskHeadroom is the pure affordability check for writes. Quota is
// only enforced for principals that have a disk quota configured.
func (p *Pipeline) requireDiskHeadroom(ctx context.Context, principalID string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	quota, err := p.ledger.Quota(ctx, principalID, domain.ResourceDisk)
	if err != nil {
		return err
	}
	if quota.Limit == 0 {
		return nil
	}
	if quota.Headroom() < delta {
		return kerr.Newf(kerr.CodeQuotaExceeded, "disk delta %d exceeds headroom %d", delta, quota.Headroom())
	}
	return nil
}

func (p *Pipeline) settleDisk(ctx context.Context, principalID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	quota, err := p.ledger.Quota(ctx, principalID, domain.ResourceDisk)
	if err != nil {
		return err
	}
	if quota.Limit == 0 {
		return nil
	}
	return p.ledger.ConsumeQuota(ctx, principalID, domain.ResourceDisk, delta)
}

// consumeOracleCall meters one scoring call against the winner's llm_calls
// quota. An exhausted budget skips the oracle and the round settles unscored.
func (p *Pipeline) consumeOracleCall(ctx context.Context, principalID string) (bool, error) {
	quota, err := p.ledger.Quota(ctx, principalID, domain.ResourceLLMCalls)
	if err != nil {
		return false, err
	}
	if quota.Limit == 0 {
		return true, nil
	}
	if quota.Headroom() < 1 {
		return false, nil
	}
	if err := p.ledger.ConsumeQuota(ctx, principalID, domain.ResourceLLMCalls, 1); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) requireComputeHeadroom(ctx context.Context, principalID string) error {
	quota, err := p.ledger.Quota(ctx, principalID, domain.ResourceCompute)
	if err != nil {
		return err
	}
	if quota.Limit == 0 {
		return nil
	}
	if quota.Headroom() < 1 {
		return kerr.Newf(kerr.CodeQuotaExceeded, "principal %s has no compute headroom", principalID)
	}
	return nil
}

func (p *Pipeline) consumeCompute(ctx context.Context, principalID string, consumed map[string]float64) error {
	quota, err := p.ledger.Quota(ctx, principalID, domain.ResourceCompute)
	if err != nil {
		return err
	}
	if quota.Limit == 0 {
		return nil
	}
	if err := p.ledger.ConsumeQuota(ctx, principalID, domain.ResourceCompute, 1); err != nil {
		return err
	}
	consumed[domain.ResourceCompute] = 1
	return nil
}

// registerStanding registers a principal for an artifact that declares
// standing. Registration is idempotent across rewrites of the same artifact.
func (p *Pipeline) registerStanding(ctx context.Context, written domain.Artifact) error {
	if !written.DeclaresStanding() {
		return nil
	}
	if _, err := p.store.GetPrincipal(ctx, written.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return kerr.Wrap(kerr.CodeStorageUnavailable, "check standing", err)
	}
	return p.ledger.Register(ctx, domain.Principal{
		ID:          written.ID,
		HasStanding: true,
	})
}

// record emits the action record and the semantic outcome event. Event-log
// failures surface only as traces; the dispatch result already settled.
func (p *Pipeline) record(ctx context.Context, intent domain.Intent, result domain.Result) {
	if intent.Kind == domain.IntentTick {
		// Tick emits its own snapshot event.
		return
	}
	scripAfter := int64(-1)
	if balance, err := p.ledger.Balance(ctx, intent.PrincipalID); err == nil {
		scripAfter = balance
	}
	_, _ = p.log.Emit(ctx, domain.Event{
		Type: domain.EventAction,
		Fields: map[string]any{
			"intent":      intent,
			"result":      result,
			"scrip_after": scripAfter,
		},
	})
	if intent.Kind == domain.IntentInvoke {
		// Invoke outcomes carry timing fields; the handler emits them.
		return
	}
	_, _ = p.log.Emit(ctx, domain.Event{
		Type: domain.EventType(intent.Kind, result.Success),
		Fields: map[string]any{
			"principal_id": intent.PrincipalID,
			"error_code":   result.ErrorCode,
		},
	})
}

func (p *Pipeline) emitInvokeEvent(ctx context.Context, intent domain.Intent, durationMS int64, success bool) {
	_, _ = p.log.Emit(ctx, domain.Event{
		Type: domain.EventType(domain.IntentInvoke, success),
		Fields: map[string]any{
			"invoker_id":  intent.PrincipalID,
			"artifact_id": intent.Invoke.ArtifactID,
			"method":      intent.Invoke.Method,
			"duration_ms": durationMS,
		},
	})
}

func denial(decision contract.Decision, fallback string) string {
	if decision.Reason != "" {
		return decision.Reason
	}
	return fallback
}
