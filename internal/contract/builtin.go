package contract

import (
	"context"

	"github.com/agoraverse/agora/internal/domain"
)

// Built-in contract ids.
const (
	// IDOwnerOnly restricts every operation to the controller.
	IDOwnerOnly = "owner-only"
	// IDPublicRead lets anyone read; mutations stay with the controller.
	IDPublicRead = "public-read"
	// IDOpenInvoke lets anyone read and invoke at the artifact's price.
	IDOpenInvoke = "open-invoke"
	// IDDelegatedWrite extends public-read with an authorized_writer
	// metadata slot. Rotating that slot is how ownership trades settle.
	IDDelegatedWrite = "delegated-write"
	// IDKernelProtected allows reads and denies every mutation.
	IDKernelProtected = "kernel-protected"
)

// PaymentRecipientKey optionally routes paid reads/invokes to a principal
// other than the controller.
const PaymentRecipientKey = "payment_recipient"

type ownerOnly struct{}

func (ownerOnly) ID() string { return IDOwnerOnly }

func (ownerOnly) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Caller == req.Artifact.Controller {
		return Allow(), nil
	}
	return Deny("caller is not the artifact controller"), nil
}

type publicRead struct{}

func (publicRead) ID() string { return IDPublicRead }

func (publicRead) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Op == OpRead {
		return paying(req.Artifact), nil
	}
	if req.Caller == req.Artifact.Controller {
		return Allow(), nil
	}
	return Deny("only the controller may modify this artifact"), nil
}

type openInvoke struct{}

func (openInvoke) ID() string { return IDOpenInvoke }

func (openInvoke) Evaluate(_ context.Context, req Request) (Decision, error) {
	switch req.Op {
	case OpRead, OpInvoke:
		return paying(req.Artifact), nil
	}
	if req.Caller == req.Artifact.Controller {
		return Allow(), nil
	}
	return Deny("only the controller may modify this artifact"), nil
}

type delegatedWrite struct{}

func (delegatedWrite) ID() string { return IDDelegatedWrite }

func (delegatedWrite) Evaluate(_ context.Context, req Request) (Decision, error) {
	switch req.Op {
	case OpRead:
		return paying(req.Artifact), nil
	case OpWrite:
		if req.Caller == req.Artifact.Controller {
			return Allow(), nil
		}
		if writer := req.Artifact.Meta(domain.MetadataAuthorizedWriter); writer != "" && writer == req.Caller {
			return Allow(), nil
		}
		return Deny("caller is neither the controller nor the authorized writer"), nil
	}
	if req.Caller == req.Artifact.Controller {
		return Allow(), nil
	}
	return Deny("only the controller may perform this operation"), nil
}

type kernelProtected struct{}

func (kernelProtected) ID() string { return IDKernelProtected }

func (kernelProtected) Evaluate(_ context.Context, req Request) (Decision, error) {
	if req.Op == OpRead || req.Op == OpInvoke {
		return paying(req.Artifact), nil
	}
	return Deny("artifact is kernel protected"), nil
}

// paying routes payment to the metadata override when present.
func paying(artifact domain.Artifact) Decision {
	if recipient := artifact.Meta(PaymentRecipientKey); recipient != "" {
		return AllowPaying(recipient)
	}
	return Allow()
}
