package domain

import (
	"strings"

	"github.com/agoraverse/agora/internal/kerr"
)

// IntentKind identifies one variant of the closed ActionIntent union.
type IntentKind string

const (
	IntentNoop             IntentKind = "noop"
	IntentRead             IntentKind = "read"
	IntentWrite            IntentKind = "write_artifact"
	IntentEdit             IntentKind = "edit_artifact"
	IntentInvoke           IntentKind = "invoke_artifact"
	IntentDelete           IntentKind = "delete_artifact"
	IntentTransfer         IntentKind = "transfer"
	IntentMint             IntentKind = "mint"
	IntentSubmitToAuction  IntentKind = "submit_to_auction"
	IntentCancelBid        IntentKind = "cancel_bid"
	IntentSubscribe        IntentKind = "subscribe"
	IntentUnsubscribe      IntentKind = "unsubscribe"
	IntentConfigureContext IntentKind = "configure_context"
	IntentSubmitToTask     IntentKind = "submit_to_task"
	IntentUpdateMetadata   IntentKind = "update_metadata"
	IntentTick             IntentKind = "tick"
)

// intentKinds is the closed set of dispatchable kinds.
var intentKinds = map[IntentKind]bool{
	IntentNoop:             true,
	IntentRead:             true,
	IntentWrite:            true,
	IntentEdit:             true,
	IntentInvoke:           true,
	IntentDelete:           true,
	IntentTransfer:         true,
	IntentMint:             true,
	IntentSubmitToAuction:  true,
	IntentCancelBid:        true,
	IntentSubscribe:        true,
	IntentUnsubscribe:      true,
	IntentConfigureContext: true,
	IntentSubmitToTask:     true,
	IntentUpdateMetadata:   true,
	IntentTick:             true,
}

// ReadIntent requests artifact content.
type ReadIntent struct {
	ArtifactID string `json:"artifact_id"`
}

// WriteIntent creates or updates an artifact.
type WriteIntent struct {
	ArtifactID       string            `json:"artifact_id"`
	ArtifactType     string            `json:"artifact_type"`
	Content          string            `json:"content"`
	Code             string            `json:"code,omitempty"`
	Executable       bool              `json:"executable,omitempty"`
	Price            int64             `json:"price,omitempty"`
	AccessContractID string            `json:"access_contract_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// EditIntent performs a surgical unique-match substring replacement.
type EditIntent struct {
	ArtifactID   string `json:"artifact_id"`
	OldSubstring string `json:"old_substring"`
	NewSubstring string `json:"new_substring"`
}

// InvokeIntent calls a method on an executable artifact.
type InvokeIntent struct {
	ArtifactID string         `json:"artifact_id"`
	Method     string         `json:"method"`
	Args       map[string]any `json:"args,omitempty"`
}

// DeleteIntent soft-deletes an artifact.
type DeleteIntent struct {
	ArtifactID string `json:"artifact_id"`
}

// TransferIntent moves scrip between principals.
type TransferIntent struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Memo        string `json:"memo,omitempty"`
}

// MintIntent applies an out-of-band mint settlement. Only the mint service
// principal may issue it; the pipeline rejects it from anyone else.
type MintIntent struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason,omitempty"`
}

// AuctionBidIntent escrows a sealed bid for the current bidding window.
type AuctionBidIntent struct {
	ArtifactID string `json:"artifact_id"`
	Bid        int64  `json:"bid"`
}

// CancelBidIntent withdraws the principal's escrowed bid and refunds it.
// ArtifactID is optional; when present it must match the standing bid.
type CancelBidIntent struct {
	ArtifactID string `json:"artifact_id,omitempty"`
}

// SubscribeIntent registers interest in a semantic event type.
type SubscribeIntent struct {
	EventType string `json:"event_type"`
}

// ConfigureContextIntent updates the principal's context entries.
type ConfigureContextIntent struct {
	Entries map[string]string `json:"entries"`
}

// TaskIntent submits an artifact against a posted task.
type TaskIntent struct {
	TaskID     string `json:"task_id"`
	ArtifactID string `json:"artifact_id"`
}

// MetadataIntent sets or clears artifact metadata keys. Empty values clear.
type MetadataIntent struct {
	ArtifactID string            `json:"artifact_id"`
	Entries    map[string]string `json:"entries"`
}

// Intent is one submitted action. Exactly the payload matching Kind is set;
// absent payloads are omitted on the wire.
type Intent struct {
	Kind        IntentKind `json:"kind"`
	PrincipalID string     `json:"principal_id"`

	Read             *ReadIntent             `json:"read,omitempty"`
	Write            *WriteIntent            `json:"write_artifact,omitempty"`
	Edit             *EditIntent             `json:"edit_artifact,omitempty"`
	Invoke           *InvokeIntent           `json:"invoke_artifact,omitempty"`
	Delete           *DeleteIntent           `json:"delete_artifact,omitempty"`
	Transfer         *TransferIntent         `json:"transfer,omitempty"`
	Mint             *MintIntent             `json:"mint,omitempty"`
	AuctionBid       *AuctionBidIntent       `json:"submit_to_auction,omitempty"`
	CancelBid        *CancelBidIntent        `json:"cancel_bid,omitempty"`
	Subscribe        *SubscribeIntent        `json:"subscribe,omitempty"`
	Unsubscribe      *SubscribeIntent        `json:"unsubscribe,omitempty"`
	ConfigureContext *ConfigureContextIntent `json:"configure_context,omitempty"`
	Task             *TaskIntent             `json:"submit_to_task,omitempty"`
	Metadata         *MetadataIntent         `json:"update_metadata,omitempty"`
}

// Validate checks the envelope: known kind, principal id, and the payload
// required by the kind.
func (i Intent) Validate() error {
	if !intentKinds[i.Kind] {
		return kerr.Newf(kerr.CodeIntentKindUnknown, "intent kind %q is not registered", i.Kind)
	}
	if strings.TrimSpace(i.PrincipalID) == "" {
		return kerr.New(kerr.CodeArgumentMissing, "principal id is required")
	}
	switch i.Kind {
	case IntentRead:
		if i.Read == nil || strings.TrimSpace(i.Read.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "read requires an artifact id")
		}
	case IntentWrite:
		if i.Write == nil || strings.TrimSpace(i.Write.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "write requires an artifact id")
		}
	case IntentEdit:
		if i.Edit == nil || strings.TrimSpace(i.Edit.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "edit requires an artifact id")
		}
		if i.Edit.OldSubstring == "" {
			return kerr.New(kerr.CodeArgumentMissing, "edit requires a non-empty old substring")
		}
	case IntentInvoke:
		if i.Invoke == nil || strings.TrimSpace(i.Invoke.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "invoke requires an artifact id")
		}
		if strings.TrimSpace(i.Invoke.Method) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "invoke requires a method")
		}
	case IntentDelete:
		if i.Delete == nil || strings.TrimSpace(i.Delete.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "delete requires an artifact id")
		}
	case IntentTransfer:
		if i.Transfer == nil || strings.TrimSpace(i.Transfer.RecipientID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "transfer requires a recipient id")
		}
		if i.Transfer.Amount <= 0 {
			return kerr.New(kerr.CodeArgumentInvalid, "transfer amount must be positive")
		}
	case IntentMint:
		if i.Mint == nil || strings.TrimSpace(i.Mint.RecipientID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "mint requires a recipient id")
		}
		if i.Mint.Amount < 0 {
			return kerr.New(kerr.CodeArgumentInvalid, "mint amount must not be negative")
		}
	case IntentSubmitToAuction:
		if i.AuctionBid == nil || strings.TrimSpace(i.AuctionBid.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "auction submission requires an artifact id")
		}
		if i.AuctionBid.Bid <= 0 {
			return kerr.New(kerr.CodeArgumentInvalid, "auction bid must be positive")
		}
	case IntentSubscribe:
		if i.Subscribe == nil || strings.TrimSpace(i.Subscribe.EventType) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "subscribe requires an event type")
		}
	case IntentUnsubscribe:
		if i.Unsubscribe == nil || strings.TrimSpace(i.Unsubscribe.EventType) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "unsubscribe requires an event type")
		}
	case IntentConfigureContext:
		if i.ConfigureContext == nil || len(i.ConfigureContext.Entries) == 0 {
			return kerr.New(kerr.CodeArgumentMissing, "configure-context requires entries")
		}
	case IntentSubmitToTask:
		if i.Task == nil || strings.TrimSpace(i.Task.TaskID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "task submission requires a task id")
		}
		if strings.TrimSpace(i.Task.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "task submission requires an artifact id")
		}
	case IntentUpdateMetadata:
		if i.Metadata == nil || strings.TrimSpace(i.Metadata.ArtifactID) == "" {
			return kerr.New(kerr.CodeArgumentMissing, "metadata update requires an artifact id")
		}
		if len(i.Metadata.Entries) == 0 {
			return kerr.New(kerr.CodeArgumentMissing, "metadata update requires entries")
		}
	}
	return nil
}
