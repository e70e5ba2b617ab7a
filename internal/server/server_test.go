package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/contract"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/ledger"
	"github.com/agoraverse/agora/internal/mint"
	"github.com/agoraverse/agora/internal/pipeline"
	"github.com/agoraverse/agora/internal/sandbox"
	"github.com/agoraverse/agora/internal/storage/memory"
)

const mintID = "sys-mint"

func newServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledgerSvc := ledger.New(store, ledger.Config{})
	artifacts := artifact.New(store, contract.NewRegistry())
	query, actions := facade.New(ledgerSvc, artifacts, store)
	log := eventlog.New(store, nil)
	auction := mint.New(mint.Config{HolderID: mintID, StartTick: 1, WindowTicks: 1, MinimumBid: 1}, query, actions, ledgerSvc, store, log)
	executor := sandbox.New(query, actions, time.Second)
	dispatcher := pipeline.New(pipeline.Config{MintPrincipalID: mintID}, store, ledgerSvc, artifacts, query, actions, auction, executor, nil, log)

	ctx := context.Background()
	for _, principal := range []domain.Principal{
		{ID: mintID},
		{ID: "alice", Scrip: 100},
		{ID: "bob", Scrip: 20},
	} {
		if err := ledgerSvc.Register(ctx, principal); err != nil {
			t.Fatalf("register %s: %v", principal.ID, err)
		}
	}
	return New(dispatcher, query, store, log), store
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestIntentDispatchAndBalanceView(t *testing.T) {
	server, _ := newServer(t)

	recorder := do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{
		Kind:        domain.IntentTransfer,
		PrincipalID: "alice",
		Transfer:    &domain.TransferIntent{RecipientID: "bob", Amount: 30},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var result domain.Result
	decode(t, recorder, &result)
	if !result.Success {
		t.Fatalf("dispatch failed: %+v", result)
	}

	recorder = do(t, server, http.MethodGet, "/agora/v1/principals/bob", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("principal status = %d", recorder.Code)
	}
	var principal domain.Principal
	decode(t, recorder, &principal)
	if principal.Scrip != 50 {
		t.Fatalf("bob scrip = %d, want 50", principal.Scrip)
	}
}

func TestIntentStatusTracksErrorCategory(t *testing.T) {
	server, _ := newServer(t)

	tests := []struct {
		name   string
		intent domain.Intent
		status int
		code   kerr.Code
	}{
		{
			name: "unknown principal is a permission failure",
			intent: domain.Intent{
				Kind:        domain.IntentTransfer,
				PrincipalID: "mallory",
				Transfer:    &domain.TransferIntent{RecipientID: "bob", Amount: 1},
			},
			status: http.StatusForbidden,
			code:   kerr.CodeCallerUnverified,
		},
		{
			name: "missing payload is a validation failure",
			intent: domain.Intent{
				Kind:        domain.IntentTransfer,
				PrincipalID: "alice",
			},
			status: http.StatusBadRequest,
			code:   kerr.CodeArgumentMissing,
		},
		{
			name: "overdraft is a resource failure",
			intent: domain.Intent{
				Kind:        domain.IntentTransfer,
				PrincipalID: "bob",
				Transfer:    &domain.TransferIntent{RecipientID: "alice", Amount: 9000},
			},
			status: http.StatusConflict,
			code:   kerr.CodeInsufficientScrip,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := do(t, server, http.MethodPost, "/agora/v1/intents", tt.intent)
			if recorder.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, tt.status, recorder.Body.String())
			}
			var result domain.Result
			decode(t, recorder, &result)
			if result.ErrorCode != string(tt.code) {
				t.Fatalf("error code = %s, want %s", result.ErrorCode, tt.code)
			}
		})
	}
}

func TestMalformedIntentRejected(t *testing.T) {
	server, _ := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/agora/v1/intents", bytes.NewReader([]byte("{not json")))
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestArtifactViewAndNotFound(t *testing.T) {
	server, _ := newServer(t)

	recorder := do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{
		Kind:        domain.IntentWrite,
		PrincipalID: "alice",
		Write: &domain.WriteIntent{
			ArtifactID:       "notes",
			ArtifactType:     "data",
			Content:          "hello",
			AccessContractID: contract.IDPublicRead,
		},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("write status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	recorder = do(t, server, http.MethodGet, "/agora/v1/artifacts/notes", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("artifact status = %d", recorder.Code)
	}
	var got domain.Artifact
	decode(t, recorder, &got)
	if got.Controller != "alice" || got.Content != "hello" {
		t.Fatalf("artifact = %+v", got)
	}

	recorder = do(t, server, http.MethodGet, "/agora/v1/artifacts/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing artifact status = %d", recorder.Code)
	}
}

func TestAuctionSnapshot(t *testing.T) {
	server, _ := newServer(t)

	recorder := do(t, server, http.MethodGet, "/agora/v1/auction", nil)
	var state mint.State
	decode(t, recorder, &state)
	if state.Phase != mint.PhaseWaiting {
		t.Fatalf("phase = %s, want waiting", state.Phase)
	}

	do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{Kind: domain.IntentTick, PrincipalID: mintID})

	recorder = do(t, server, http.MethodGet, "/agora/v1/auction", nil)
	decode(t, recorder, &state)
	if state.Phase != mint.PhaseBidding {
		t.Fatalf("phase = %s, want bidding", state.Phase)
	}
}

func TestEscrowListingNotFound(t *testing.T) {
	server, _ := newServer(t)
	recorder := do(t, server, http.MethodGet, "/agora/v1/escrow/ghost", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestPrincipalEventsFollowSubscriptions(t *testing.T) {
	server, _ := newServer(t)

	recorder := do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{
		Kind:        domain.IntentSubscribe,
		PrincipalID: "bob",
		Subscribe:   &domain.SubscribeIntent{EventType: "transfer_success"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("subscribe status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{
		Kind:        domain.IntentTransfer,
		PrincipalID: "alice",
		Transfer:    &domain.TransferIntent{RecipientID: "bob", Amount: 5},
	})

	recorder = do(t, server, http.MethodGet, "/agora/v1/principals/bob/events", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("events status = %d", recorder.Code)
	}
	var page struct {
		Events []map[string]any `json:"events"`
	}
	decode(t, recorder, &page)
	if len(page.Events) != 1 {
		t.Fatalf("events = %d, want exactly the subscribed type: %v", len(page.Events), page.Events)
	}
	if page.Events[0]["event_type"] != "transfer_success" {
		t.Fatalf("event_type = %v", page.Events[0]["event_type"])
	}

	recorder = do(t, server, http.MethodGet, "/agora/v1/principals/alice/events", nil)
	decode(t, recorder, &page)
	if len(page.Events) != 0 {
		t.Fatalf("unsubscribed principal saw %d events", len(page.Events))
	}
}

func TestEventsPaging(t *testing.T) {
	server, _ := newServer(t)

	for range 3 {
		do(t, server, http.MethodPost, "/agora/v1/intents", domain.Intent{
			Kind:        domain.IntentTransfer,
			PrincipalID: "alice",
			Transfer:    &domain.TransferIntent{RecipientID: "bob", Amount: 1},
		})
	}

	recorder := do(t, server, http.MethodGet, "/agora/v1/events?limit=2", nil)
	var page struct {
		Events []map[string]any `json:"events"`
	}
	decode(t, recorder, &page)
	if len(page.Events) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Events))
	}

	recorder = do(t, server, http.MethodGet, "/agora/v1/events?after=0&limit=-1", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", recorder.Code)
	}
}
