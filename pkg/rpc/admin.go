package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/rbac"
	"github.com/clawcrm/clawcrm/pkg/store"
)

// --- Users ---

type adminUsersParams struct {
	actionParams
	UserID        string `json:"userId,omitempty"`
	Role          string `json:"role,omitempty"`
	Channel       string `json:"channel,omitempty"`
	ChannelUserID string `json:"channelUserId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
}

// adminUsers lists users, changes roles and links channel identities.
func (h *Handlers) adminUsers(ctx context.Context, call *gateway.Call) (any, error) {
	var p adminUsersParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	switch p.Action {
	case "", "list":
		return h.deps.Store.ListUsers(ctx)
	case "setRole":
		if err := required("userId", p.UserID, "role", p.Role); err != nil {
			return nil, err
		}

		if !rbac.ValidRole(p.Role) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, p.Role)
		}

		if err := h.deps.Store.UpdateUserRole(ctx, p.UserID, p.Role); err != nil {
			return nil, err
		}

		h.log.WithField("user_id", p.UserID).
			WithField("role", p.Role).
			Info("User role changed")

		h.audit(ctx, call, audit.Entry{
			Action:     "user.set_role",
			EntityType: "user",
			EntityID:   p.UserID,
			Details:    map[string]string{"role": p.Role},
		})

		h.broadcast(TopicAdminUsers, map[string]string{
			"event":  "role_changed",
			"userId": p.UserID,
			"role":   p.Role,
		})

		return h.deps.Store.GetUserByID(ctx, p.UserID)
	case "linkChannel":
		if err := required(
			"userId", p.UserID, "channel", p.Channel, "channelUserId", p.ChannelUserID,
		); err != nil {
			return nil, err
		}

		if _, err := h.deps.Identity.Resolve(ctx, p.Channel, p.ChannelUserID); err == nil {
			return nil, fmt.Errorf("%w: %s identity %q is already linked",
				ErrValidation, p.Channel, p.ChannelUserID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		var displayName *string
		if p.DisplayName != "" {
			displayName = &p.DisplayName
		}

		identity, err := h.deps.Identity.Link(
			ctx, p.UserID, p.Channel, p.ChannelUserID, p.Verified, displayName,
		)
		if err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "user.link_channel",
			EntityType: "user",
			EntityID:   p.UserID,
			Details:    map[string]string{"channel": p.Channel},
		})

		h.broadcast(TopicAdminUsers, map[string]string{
			"event":   "channel_linked",
			"userId":  p.UserID,
			"channel": p.Channel,
		})

		return identity, nil
	default:
		return nil, unknownAction(p.Action)
	}
}

// --- Permissions ---

type adminPermissionsParams struct {
	actionParams
	ID          string `json:"id,omitempty"`
	SubjectType string `json:"subjectType,omitempty"`
	SubjectID   string `json:"subjectId,omitempty"`
	Resource    string `json:"resource,omitempty"`
	ResourceID  string `json:"resourceId,omitempty"`
	Permission  string `json:"permission,omitempty"`
}

// adminPermissions lists, grants, denies and revokes permission rows.
func (h *Handlers) adminPermissions(ctx context.Context, call *gateway.Call) (any, error) {
	var p adminPermissionsParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	switch p.Action {
	case "", "list":
		if p.SubjectType == "" {
			return h.deps.RBAC.ListAll(ctx)
		}

		subject, err := rbac.ParseSubject(p.SubjectType, p.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}

		return h.deps.RBAC.List(ctx, subject)
	case "grant", "deny":
		subject, err := rbac.ParseSubject(p.SubjectType, p.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}

		if err := required("resource", p.Resource); err != nil {
			return nil, err
		}

		if !rbac.ValidAction(p.Permission) {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrValidation, p.Permission)
		}

		insert := h.deps.RBAC.Grant
		if p.Action == "deny" {
			insert = h.deps.RBAC.Deny
		}

		perm, err := insert(ctx, subject, p.Resource, p.ResourceID, p.Permission)
		if err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "permission." + p.Action,
			EntityType: "permission",
			EntityID:   perm.ID,
			Details:    perm,
		})

		h.broadcast(TopicAdminPermissions, map[string]any{
			"event":      "permission_" + p.Action,
			"permission": perm,
		})

		return perm, nil
	case "revoke":
		if err := required("id", p.ID); err != nil {
			return nil, err
		}

		if err := h.deps.RBAC.Revoke(ctx, p.ID); err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "permission.revoke",
			EntityType: "permission",
			EntityID:   p.ID,
		})

		h.broadcast(TopicAdminPermissions, map[string]string{
			"event": "permission_revoked",
			"id":    p.ID,
		})

		return map[string]bool{"ok": true}, nil
	default:
		return nil, unknownAction(p.Action)
	}
}

// --- Groups ---

type adminGroupsParams struct {
	actionParams
	GroupID     string `json:"groupId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// adminGroups manages groups and their membership.
func (h *Handlers) adminGroups(ctx context.Context, call *gateway.Call) (any, error) {
	var p adminGroupsParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	switch p.Action {
	case "", "list":
		return h.deps.Store.ListGroups(ctx)
	case "create":
		if err := required("name", p.Name); err != nil {
			return nil, err
		}

		group := &store.Group{Name: p.Name}
		if p.Description != "" {
			group.Description = &p.Description
		}

		if err := h.deps.Store.CreateGroup(ctx, group); err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "group.create",
			EntityType: "group",
			EntityID:   group.ID,
		})

		return group, nil
	case "addMember", "removeMember":
		if err := required("groupId", p.GroupID, "userId", p.UserID); err != nil {
			return nil, err
		}

		change := h.deps.Store.AddGroupMember
		if p.Action == "removeMember" {
			change = h.deps.Store.RemoveGroupMember
		}

		if err := change(ctx, p.GroupID, p.UserID); err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "group." + p.Action,
			EntityType: "group",
			EntityID:   p.GroupID,
			Details:    map[string]string{"user_id": p.UserID},
		})

		// Membership changes what the user may access.
		h.broadcast(TopicAdminPermissions, map[string]string{
			"event":   "group_" + p.Action,
			"groupId": p.GroupID,
			"userId":  p.UserID,
		})

		return map[string]bool{"ok": true}, nil
	default:
		return nil, unknownAction(p.Action)
	}
}

// --- Instances ---

type adminInstancesParams struct {
	actionParams
	ID    string `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
}

type instanceKeyResponse struct {
	Instance    *store.PairedInstance `json:"instance"`
	InstanceKey string                `json:"instanceKey"`
}

// adminInstances lists, generates, rotates and revokes paired instances.
// Generated keys are returned once.
func (h *Handlers) adminInstances(ctx context.Context, call *gateway.Call) (any, error) {
	var p adminInstancesParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}

	switch p.Action {
	case "", "list":
		return h.deps.Instances.List(ctx)
	case "generate", "rotate":
		var (
			key  string
			inst *store.PairedInstance
			err  error
		)

		if p.Action == "generate" {
			key, inst, err = h.deps.Instances.GenerateKey(ctx, p.Label)
		} else {
			if rerr := required("id", p.ID); rerr != nil {
				return nil, rerr
			}

			key, inst, err = h.deps.Instances.Rotate(ctx, p.ID, p.Label)
		}

		if err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "instance." + p.Action,
			EntityType: "paired_instance",
			EntityID:   inst.ID,
		})

		return instanceKeyResponse{Instance: inst, InstanceKey: key}, nil
	case "revoke":
		if err := required("id", p.ID); err != nil {
			return nil, err
		}

		if err := h.deps.Instances.Revoke(ctx, p.ID); err != nil {
			return nil, err
		}

		h.audit(ctx, call, audit.Entry{
			Action:     "instance.revoke",
			EntityType: "paired_instance",
			EntityID:   p.ID,
		})

		return map[string]bool{"ok": true}, nil
	default:
		return nil, unknownAction(p.Action)
	}
}
