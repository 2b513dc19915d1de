// Package rbac resolves access decisions from persisted permission rows.
//
// Resolution order for CanAccess: admin bypass, direct user grants, group
// grants, role grants, default deny. At every level an exact resource id is
// tried before the "*" wildcard and the first matching row decides, whether
// it allows or denies.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawcrm/clawcrm/pkg/store"
	"github.com/sirupsen/logrus"
)

// Actions.
const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionExecute = "execute"
	ActionAdmin   = "admin"
)

// Default policies. Both currently allow own data only.
const (
	PolicyDenyAll  = "deny-all"
	PolicyAllowOwn = "allow-own"
)

// ValidAction reports whether action is a known permission action.
func ValidAction(action string) bool {
	switch action {
	case ActionRead, ActionWrite, ActionExecute, ActionAdmin:
		return true
	default:
		return false
	}
}

// ValidRole reports whether role is a known user role.
func ValidRole(role string) bool {
	switch role {
	case store.RoleAdmin, store.RoleUser, store.RoleGuest:
		return true
	default:
		return false
	}
}

// Engine evaluates and manages permissions.
type Engine struct {
	log    logrus.FieldLogger
	store  store.Store
	policy string
}

// NewEngine creates a new permission Engine using the deny-all policy.
func NewEngine(log logrus.FieldLogger, st store.Store) *Engine {
	return &Engine{
		log:    log.WithField("component", "rbac"),
		store:  st,
		policy: PolicyDenyAll,
	}
}

// SetDefaultPolicy selects the fallback policy for record checks. Call it
// before the engine is shared.
func (e *Engine) SetDefaultPolicy(policy string) error {
	if policy != PolicyDenyAll && policy != PolicyAllowOwn {
		return fmt.Errorf("unknown default policy %q", policy)
	}

	e.policy = policy

	return nil
}

// DefaultPolicy returns the configured fallback policy.
func (e *Engine) DefaultPolicy() string {
	return e.policy
}

// CanAccessRecord checks action on a record owned by ownerID. Without a
// matching grant the default policy decides.
func (e *Engine) CanAccessRecord(
	ctx context.Context, userID, resource, resourceID string, ownerID *string, action string,
) (bool, error) {
	allowed, err := e.CanAccess(ctx, userID, resource, resourceID, action)
	if err != nil || allowed {
		return allowed, err
	}

	return EvaluateDefaultPolicy(e.policy, userID, ownerID), nil
}

// CanAccess reports whether userID may perform action on resource/resourceID.
// An unknown user is denied without error.
func (e *Engine) CanAccess(
	ctx context.Context, userID, resource, resourceID, action string,
) (bool, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("loading user: %w", err)
	}

	if user.Role == store.RoleAdmin {
		return true, nil
	}

	allowed, found, err := e.lookup(ctx, UserSubject(user.ID), resource, resourceID, action)
	if err != nil || found {
		return allowed, err
	}

	groupIDs, err := e.store.ListGroupIDsForUser(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("loading groups: %w", err)
	}

	for _, groupID := range groupIDs {
		allowed, found, err = e.lookup(ctx, GroupSubject(groupID), resource, resourceID, action)
		if err != nil || found {
			return allowed, err
		}
	}

	allowed, found, err = e.lookup(ctx, RoleSubject(user.Role), resource, resourceID, action)
	if err != nil || found {
		return allowed, err
	}

	return false, nil
}

// lookup finds the deciding row for subject, trying the exact resource id
// before the wildcard.
func (e *Engine) lookup(
	ctx context.Context, subject Subject, resource, resourceID, action string,
) (allowed, found bool, err error) {
	candidates := []string{resourceID}
	if resourceID != store.WildcardResourceID {
		candidates = append(candidates, store.WildcardResourceID)
	}

	for _, id := range candidates {
		perm, err := e.store.FindPermission(
			ctx, subject.Type, subject.ID, resource, id, action,
		)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			return false, false, fmt.Errorf("checking %s: %w", subject, err)
		}

		return perm.Allowed, true, nil
	}

	return false, false, nil
}

// IsOwnData reports whether the caller owns the record.
func IsOwnData(userID, ownerID string) bool {
	return userID == ownerID
}

// EvaluateDefaultPolicy applies the fallback policy used when no grant
// matched: own data is allowed, anything else is denied. Both policies behave
// the same.
func EvaluateDefaultPolicy(policy, userID string, ownerID *string) bool {
	return ownerID != nil && *ownerID == userID
}

// CanExecuteSkill checks the execute permission on a skill.
func (e *Engine) CanExecuteSkill(
	ctx context.Context, userID, skill string,
) (bool, error) {
	return e.CanAccess(ctx, userID, "skill", skill, ActionExecute)
}

// CanAccessModule checks action on a dashboard module.
func (e *Engine) CanAccessModule(
	ctx context.Context, userID, moduleID, action string,
) (bool, error) {
	return e.CanAccess(ctx, userID, "module", moduleID, action)
}

// DataScope returns the owner ids a user's reads of resource are limited to.
// A nil slice means unrestricted.
func (e *Engine) DataScope(
	ctx context.Context, userID, resource string,
) ([]string, error) {
	ok, err := e.CanAccess(ctx, userID, resource, store.WildcardResourceID, ActionRead)
	if err != nil {
		return nil, err
	}

	if ok {
		return nil, nil
	}

	return []string{userID}, nil
}

// GroupIDs returns the ids of the groups userID belongs to.
func (e *Engine) GroupIDs(ctx context.Context, userID string) ([]string, error) {
	return e.store.ListGroupIDsForUser(ctx, userID)
}

// Grant inserts an allow row.
func (e *Engine) Grant(
	ctx context.Context, subject Subject, resource, resourceID, action string,
) (*store.Permission, error) {
	return e.insert(ctx, subject, resource, resourceID, action, true)
}

// Deny inserts an explicit deny row. Deny rows keep a record of the
// revocation, unlike Revoke.
func (e *Engine) Deny(
	ctx context.Context, subject Subject, resource, resourceID, action string,
) (*store.Permission, error) {
	return e.insert(ctx, subject, resource, resourceID, action, false)
}

func (e *Engine) insert(
	ctx context.Context,
	subject Subject,
	resource, resourceID, action string,
	allowed bool,
) (*store.Permission, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource is required")
	}

	if !ValidAction(action) {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	if resourceID == "" {
		resourceID = store.WildcardResourceID
	}

	perm := &store.Permission{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Resource:    resource,
		ResourceID:  resourceID,
		Action:      action,
		Allowed:     allowed,
	}

	if err := e.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"subject":     subject.String(),
		"resource":    resource,
		"resource_id": resourceID,
		"action":      action,
		"allowed":     allowed,
	}).Info("Permission row added")

	return perm, nil
}

// Revoke deletes a permission row by id.
func (e *Engine) Revoke(ctx context.Context, permissionID string) error {
	if err := e.store.DeletePermission(ctx, permissionID); err != nil {
		return err
	}

	e.log.WithField("permission_id", permissionID).Info("Permission revoked")

	return nil
}

// List returns the rows held by subject.
func (e *Engine) List(
	ctx context.Context, subject Subject,
) ([]store.Permission, error) {
	return e.store.ListPermissions(ctx, subject.Type, subject.ID)
}

// ListAll returns every permission row.
func (e *Engine) ListAll(ctx context.Context) ([]store.Permission, error) {
	return e.store.ListAllPermissions(ctx)
}
