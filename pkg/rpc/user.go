package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/store"
)

// --- Session ---

type statusResponse struct {
	User       *store.User `json:"user"`
	InstanceID string      `json:"instanceId,omitempty"`
	Groups     []string    `json:"groups"`
	Scope      []string    `json:"dataScope"`
}

// authStatus reports who the connection is authenticated as.
func (h *Handlers) authStatus(ctx context.Context, call *gateway.Call) (any, error) {
	groups, err := h.deps.RBAC.GroupIDs(ctx, call.User.ID)
	if err != nil {
		return nil, err
	}

	scope, err := h.deps.RBAC.DataScope(ctx, call.User.ID, "crm")
	if err != nil {
		return nil, err
	}

	if groups == nil {
		groups = []string{}
	}

	return statusResponse{
		User:       call.User,
		InstanceID: call.InstanceID,
		Groups:     groups,
		Scope:      scope,
	}, nil
}

// authChannels lists the channel identities linked to the caller.
func (h *Handlers) authChannels(ctx context.Context, call *gateway.Call) (any, error) {
	return h.deps.Identity.ListChannels(ctx, call.User.ID)
}

// authLogout ends the caller's session. The connection learns about it on
// its next call.
func (h *Handlers) authLogout(ctx context.Context, call *gateway.Call) (any, error) {
	if err := h.deps.Sessions.Invalidate(ctx, call.Token); err != nil {
		return nil, err
	}

	h.audit(ctx, call, audit.Entry{Action: "auth.logout", EntityType: "session"})

	return map[string]bool{"ok": true}, nil
}

// --- Passkeys ---

func (h *Handlers) listPasskeys(ctx context.Context, call *gateway.Call) (any, error) {
	return h.deps.Passkeys.ListCredentials(ctx, call.User.ID)
}

type deletePasskeyParams struct {
	ID string `json:"id"`
}

func (h *Handlers) deletePasskey(ctx context.Context, call *gateway.Call) (any, error) {
	var p deletePasskeyParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	if err := required("id", p.ID); err != nil {
		return nil, err
	}

	if err := h.deps.Passkeys.DeleteCredential(ctx, call.User.ID, p.ID); err != nil {
		return nil, err
	}

	h.audit(ctx, call, audit.Entry{
		Action:     "passkey.delete",
		EntityType: "credential",
		EntityID:   p.ID,
	})

	return map[string]bool{"ok": true}, nil
}

type registerPasskeyParams struct {
	Phase      string          `json:"phase"`
	Credential json.RawMessage `json:"credential,omitempty"`
	DeviceName string          `json:"deviceName,omitempty"`
}

// registerPasskey runs the two registration phases for the caller.
func (h *Handlers) registerPasskey(ctx context.Context, call *gateway.Call) (any, error) {
	var p registerPasskeyParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	switch p.Phase {
	case "start":
		return h.deps.Passkeys.StartRegistration(ctx, call.User.ID)
	case "finish":
		if len(p.Credential) == 0 {
			return nil, fmt.Errorf("%w: credential is required", ErrValidation)
		}

		cred, err := h.deps.Passkeys.FinishRegistration(ctx, call.User.ID, p.Credential, p.DeviceName)
		if err != nil {
			if errors.Is(err, passkey.ErrInvalidState) ||
				errors.Is(err, passkey.ErrVerificationFailed) {
				return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
			}

			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "passkey.register",
			EntityType: "credential",
			EntityID:   cred.ID,
		})

		return cred, nil
	default:
		return nil, fmt.Errorf("%w: phase must be \"start\" or \"finish\"", ErrValidation)
	}
}
