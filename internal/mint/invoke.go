package mint

import (
	"context"
	"math"
	"strings"

	"github.com/agoraverse/agora/internal/kerr"
)

// Methods served behind the kernel's invoke protocol.
const (
	MethodStatus = "status"
	MethodBid    = "bid"
	MethodCancel = "cancel"
)

// Invoke dispatches one invoke-protocol call onto the auction, so the mint
// answers the same protocol as any other executable service artifact.
func (s *Service) Invoke(ctx context.Context, caller, method string, args map[string]any) (map[string]any, error) {
	switch method {
	case MethodStatus:
		return stateData(s.State()), nil
	case MethodBid:
		artifactID, err := stringArg(args, "artifact_id")
		if err != nil {
			return nil, err
		}
		amount, err := intArg(args, "amount")
		if err != nil {
			return nil, err
		}
		if err := s.SubmitBid(ctx, caller, artifactID, amount); err != nil {
			return nil, err
		}
		return map[string]any{"artifact_id": artifactID, "amount": amount}, nil
	case MethodCancel:
		artifactID, _ := optionalStringArg(args, "artifact_id")
		if err := s.CancelBid(ctx, caller, artifactID); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": true}, nil
	default:
		return nil, kerr.Newf(kerr.CodeMethodUnknown, "mint has no method %q", method)
	}
}

func stateData(state State) map[string]any {
	data := map[string]any{
		"phase":       string(state.Phase),
		"round":       state.Round,
		"minimum_bid": state.MinimumBid,
	}
	if state.WindowEnd != 0 {
		data["window_end"] = state.WindowEnd
	}
	if state.NextStart != 0 {
		data["next_start"] = state.NextStart
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
