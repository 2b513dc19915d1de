// Package rpc contains the built-in RPC methods served over the gateway:
// session status, passkey self-service and the admin surface for users,
// permissions, groups and paired instances.
package rpc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/identity"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/rbac"
	"github.com/clawcrm/clawcrm/pkg/session"
	"github.com/clawcrm/clawcrm/pkg/store"
)

// Errors understood by the gateway's error mapping.
var (
	ErrForbidden  = gateway.ErrForbidden
	ErrValidation = gateway.ErrValidation
)

// Topics the admin methods publish to.
const (
	TopicAdminUsers       = "admin:users"
	TopicAdminPermissions = "admin:permissions"
)

// Registrar accepts method registrations.
type Registrar interface {
	Register(method string, h gateway.Handler) error
}

// Broadcaster pushes data to topic subscribers.
type Broadcaster interface {
	BroadcastToTopic(topic string, payload any, filterUserID string) int
}

// Deps are the services the built-in methods operate on.
type Deps struct {
	Store     store.Store
	Identity  *identity.Service
	RBAC      *rbac.Engine
	Passkeys  *passkey.Service
	Sessions  *session.Manager
	Instances *instance.Service
	Audit     *audit.Logger
	// Broadcaster is optional.
	Broadcaster Broadcaster
}

// Handlers implements the built-in methods.
type Handlers struct {
	log  logrus.FieldLogger
	deps Deps
}

// New creates the built-in handlers.
func New(log logrus.FieldLogger, deps Deps) *Handlers {
	return &Handlers{
		log:  log.WithField("component", "rpc"),
		deps: deps,
	}
}

// Register adds every built-in method to r.
func (h *Handlers) Register(r Registrar) error {
	methods := map[string]gateway.Handler{
		"crm.auth.status":          h.authStatus,
		"crm.auth.channels":        h.authChannels,
		"crm.auth.logout":          h.authLogout,
		"crm.user.listPasskeys":    h.listPasskeys,
		"crm.user.deletePasskey":   h.deletePasskey,
		"crm.user.registerPasskey": h.registerPasskey,
		"crm.admin.users":          h.requireAdmin(h.adminUsers),
		"crm.admin.permissions":    h.requireAdmin(h.adminPermissions),
		"crm.admin.groups":         h.requireAdmin(h.adminGroups),
		"crm.admin.instances":      h.requireAdmin(h.adminInstances),
	}

	for name, fn := range methods {
		if err := r.Register(name, fn); err != nil {
			return fmt.Errorf("registering built-in methods: %w", err)
		}
	}

	h.log.WithField("count", len(methods)).Debug("Registered built-in methods")

	return nil
}

// requireAdmin wraps next with an admin permission check.
func (h *Handlers) requireAdmin(next gateway.Handler) gateway.Handler {
	return func(ctx context.Context, call *gateway.Call) (any, error) {
		ok, err := h.deps.RBAC.CanAccess(
			ctx, call.User.ID, "admin", store.WildcardResourceID, rbac.ActionAdmin,
		)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, fmt.Errorf("%w: admin permission required", ErrForbidden)
		}

		return next(ctx, call)
	}
}

func (h *Handlers) audit(ctx context.Context, call *gateway.Call, e audit.Entry) {
	e.UserID = call.User.ID
	e.Channel = "web"

	h.deps.Audit.Write(ctx, e)
}

func (h *Handlers) broadcast(topic string, payload any) {
	if h.deps.Broadcaster == nil {
		return
	}

	h.deps.Broadcaster.BroadcastToTopic(topic, payload, "")
}

// actionParams is embedded by methods that multiplex several actions.
type actionParams struct {
	Action string `json:"action"`
}

func unknownAction(action string) error {
	return fmt.Errorf("%w: unknown action %q", ErrValidation, action)
}

func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, fields[i])
		}
	}

	return nil
}
