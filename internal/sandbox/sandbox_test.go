package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/storage/memory"
)

func newExecutor(t *testing.T) (*Executor, *ledger.Service) {
	t.Helper()
	store := memory.New()
	ledgerSvc := ledger.New(store, ledger.Config{})
	artifacts := artifact.New(store, contract.NewRegistry())
	query, actions := facade.New(ledgerSvc, artifacts, store)
	return New(query, actions, 2*time.Second), ledgerSvc
}

func codeArtifact(code string) domain.Artifact {
	return domain.Artifact{
		ID:               "svc-1",
		Type:             "service",
		Code:             code,
		Executable:       true,
		Creator:          "alice",
		Controller:       "alice",
		AccessContractID: contract.IDOpenInvoke,
	}
}

func TestInvokeCallsMethodWithArgs(t *testing.T) {
	executor, _ := newExecutor(t)

	data, err := executor.Invoke(context.Background(), Invocation{
		Artifact: codeArtifact(`
			function greet(args)
				return { message = "hello " .. args.name, caller = kernel.caller_id }
			end
		`),
		Caller: "bob",
		Method: "greet",
		Args:   map[string]any{"name": "bob"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if data["message"] != "hello bob" {
		t.Fatalf("message = %v, want hello bob", data["message"])
	}
	if data["caller"] != "bob" {
		t.Fatalf("caller = %v, want bob", data["caller"])
	}
}

func TestInvokeScalarResultIsWrapped(t *testing.T) {
	executor, _ := newExecutor(t)

	data, err := executor.Invoke(context.Background(), Invocation{
		Artifact: codeArtifact(`function answer(args) return 42 end`),
		Caller:   "bob",
		Method:   "answer",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if data["result"] != 42 {
		t.Fatalf("result = %v, want 42", data["result"])
	}
}

func TestInvokeUnknownMethod(t *testing.T) {
	executor, _ := newExecutor(t)

	_, err := executor.Invoke(context.Background(), Invocation{
		Artifact: codeArtifact(`function ping(args) return true end`),
		Caller:   "bob",
		Method:   "pong",
	})
	if !kerr.IsCode(err, kerr.CodeMethodUnknown) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeMethodUnknown)
	}
}

func TestInvokeNotExecutable(t *testing.T) {
	executor, _ := newExecutor(t)

	target := codeArtifact("")
	target.Executable = false
	_, err := executor.Invoke(context.Background(), Invocation{
		Artifact: target,
		Caller:   "bob",
		Method:   "ping",
	})
	if !kerr.IsCode(err, kerr.CodeNotExecutable) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeNotExecutable)
	}
}

func TestInvokeRuntimeErrorIsExecutionFailure(t *testing.T) {
	executor, _ := newExecutor(t)

	_, err := executor.Invoke(context.Background(), Invocation{
		Artifact: codeArtifact(`function boom(args) error("deliberate") end`),
		Caller:   "bob",
		Method:   "boom",
	})
	if !kerr.IsCode(err, kerr.CodeExecutionFailed) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeExecutionFailed)
	}
}

func TestInvokeTimeout(t *testing.T) {
	store := memory.New()
	ledgerSvc := ledger.New(store, ledger.Config{})
	artifacts := artifact.New(store, contract.NewRegistry())
	query, actions := facade.New(ledgerSvc, artifacts, store)
	executor := New(query, actions, 50*time.Millisecond)

	_, err := executor.Invoke(context.Background(), Invocation{
		Artifact: codeArtifact(`function spin(args) while true do end end`),
		Caller:   "bob",
		Method:   "spin",
	})
	if !kerr.IsCode(err, kerr.CodeExecutionTimeout) {
		t.Fatalf("err = %v, want %s", err, kerr.CodeExecutionTimeout)
	}
}

func TestKernelActionsActWithControllerAuthority(t *testing.T) {
	executor, ledgerSvc := newExecutor(t)
	ctx := context.Background()
	if err := ledgerSvc.Register(ctx, domain.Principal{ID: "alice", Scrip: 100}); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if err := ledgerSvc.Register(ctx, domain.Principal{ID: "bob", Scrip: 0}); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	data, err := executor.Invoke(ctx, Invocation{
		Artifact: codeArtifact(`
			function pay(args)
				local ok, err = kernel.transfer_scrip(args.to, args.amount)
				if not ok then
					return { paid = false, reason = err }
				end
				return { paid = true, remaining = kernel.balance(kernel.owner_id) }
			end
		`),
		Caller: "bob",
		Method: "pay",
		Args:   map[string]any{"to": "bob", "amount": 30},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if data["paid"] != true {
		t.Fatalf("paid = %v (%v)", data["paid"], data["reason"])
	}
	if data["remaining"] != 70 {
		t.Fatalf("remaining = %v, want 70", data["remaining"])
	}

	balance, err := ledgerSvc.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 30 {
		t.Fatalf("bob balance = %d, want 30", balance)
	}
}
