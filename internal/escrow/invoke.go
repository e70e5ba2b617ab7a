package escrow

import (
	"context"
	"math"
	"strings"

	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/storage"
)

// Methods served behind the kernel's invoke protocol.
const (
	MethodDeposit  = "deposit"
	MethodPurchase = "purchase"
	MethodCancel   = "cancel"
	MethodListing  = "listing"
)

// Invoke dispatches one invoke-protocol call onto the service. The caller
// has already passed the contract gate; the service applies its own trade
// rules on top.
func (s *Service) Invoke(ctx context.Context, caller, method string, args map[string]any) (map[string]any, error) {
	artifactID, err := stringArg(args, "artifact_id")
	if err != nil {
		return nil, err
	}
	switch method {
	case MethodDeposit:
		price, err := intArg(args, "price")
		if err != nil {
			return nil, err
		}
		buyer, _ := optionalStringArg(args, "buyer")
		listing, err := s.Deposit(ctx, caller, artifactID, price, buyer)
		if err != nil {
			return nil, err
		}
		return listingData(listing), nil
	case MethodPurchase:
		listing, err := s.Purchase(ctx, caller, artifactID)
		if err != nil {
			return nil, err
		}
		return listingData(listing), nil
	case MethodCancel:
		listing, err := s.Cancel(ctx, caller, artifactID)
		if err != nil {
			return nil, err
		}
		return listingData(listing), nil
	case MethodListing:
		listing, err := s.activeListing(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		return listingData(listing), nil
	default:
		return nil, kerr.Newf(kerr.CodeMethodUnknown, "escrow has no method %q", method)
	}
}

func listingData(listing storage.Listing) map[string]any {
	data := map[string]any{
		"artifact_id": listing.ArtifactID,
		"seller_id":   listing.SellerID,
		"price":       listing.Price,
		"status":      string(listing.Status),
	}
	if listing.RestrictedBuyer != "" {
		data["restricted_buyer"] = listing.RestrictedBuyer
	}
	return data
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := optionalStringArg(args, key)
	if !ok || value == "" {
		return "", kerr.Newf(kerr.CodeArgumentMissing, "argument %s is required", key)
	}
	return value, nil
}

func optionalStringArg(args map[string]any, key string) (string, bool) {
	raw, ok := args[key]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

// intArg accepts integer-valued numbers however the transport decoded them:
// JSON produces float64, Lua bindings produce int64.
func intArg(args map[string]any, key string) (int64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, kerr.Newf(kerr.CodeArgumentMissing, "argument %s is required", key)
	}
	switch value := raw.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		if value != math.Trunc(value) {
			return 0, kerr.Newf(kerr.CodeArgumentInvalid, "argument %s must be an integer", key)
		}
		return int64(value), nil
	default:
		return 0, kerr.Newf(kerr.CodeArgumentInvalid, "argument %s must be an integer", key)
	}
}
