package escrow

import (
	"context"
	"testing"

	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/storage"
)

func TestInvokeDepositAndListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listArtifact(t, "art-1", true)

	// JSON transports decode numbers as float64.
	data, err := f.svc.Invoke(ctx, "seller", MethodDeposit, map[string]any{
		"artifact_id": "art-1",
		"price":       float64(40),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if data["status"] != string(storage.ListingActive) || data["price"] != int64(40) {
		t.Fatalf("deposit data = %v", data)
	}

	data, err = f.svc.Invoke(ctx, "buyer", MethodListing, map[string]any{"artifact_id": "art-1"})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if data["seller_id"] != "seller" {
		t.Fatalf("listing data = %v", data)
	}
}

func TestInvokeArgumentErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.listArtifact(t, "art-1", true)

	tests := []struct {
		name   string
		method string
		args   map[string]any
		code   kerr.Code
	}{
		{
			name:   "missing artifact id",
			method: MethodDeposit,
			args:   map[string]any{"price": float64(10)},
			code:   kerr.CodeArgumentMissing,
		},
		{
			name:   "missing price",
			method: MethodDeposit,
			args:   map[string]any{"artifact_id": "art-1"},
			code:   kerr.CodeArgumentMissing,
		},
		{
			name:   "fractional price",
			method: MethodDeposit,
			args:   map[string]any{"artifact_id": "art-1", "price": 39.5},
			code:   kerr.CodeArgumentInvalid,
		},
		{
			name:   "unknown method",
			method: "appraise",
			args:   map[string]any{"artifact_id": "art-1"},
			code:   kerr.CodeMethodUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Invoke(ctx, "seller", tt.method, tt.args)
			if !kerr.IsCode(err, tt.code) {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
		})
	}
}
