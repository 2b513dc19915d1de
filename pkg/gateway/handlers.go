package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/protocol"
	"github.com/clawcrm/clawcrm/pkg/store"
)

const (
	adminTopicPrefix  = "admin:"
	moduleTopicPrefix = "module:"
)

// dispatch handles one client frame. It never returns an error: every
// failure becomes a protocol reply.
func (c *conn) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation, err.Error())

		return
	}

	switch env.Type {
	case protocol.TypePairInit:
		c.handlePairInit(env)
	case protocol.TypeAuthChallenge:
		c.handleAuthChallenge()
	case protocol.TypeAuthVerify:
		c.handleAuthVerify(env)
	case protocol.TypeAuthResume:
		c.handleAuthResume(env)
	case protocol.TypeAuthLogout:
		c.handleAuthLogout()
	case protocol.TypeSubscribe:
		c.handleSubscribe(env)
	case protocol.TypeUnsubscribe:
		c.handleUnsubscribe(env)
	case protocol.TypeRPCRequest:
		c.handleRPCRequest(env)
	default:
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation,
			fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (c *conn) handlePairInit(env *protocol.Envelope) {
	var req protocol.PairInit
	if err := env.DecodeData(&req); err != nil || req.InstanceKey == "" {
		c.sendError(protocol.TypePairError, protocol.CodeValidation, "instanceKey is required")

		return
	}

	instanceID, wsToken, err := c.gw.deps.Pairer.Pair(c.ctx, req.InstanceKey, c.origin)
	if err != nil {
		if errors.Is(err, instance.ErrPairingInvalid) {
			c.sendError(protocol.TypePairError, protocol.CodePairingInvalid,
				"instance key is invalid or already used")

			return
		}

		c.log.WithError(err).Error("Pairing failed")
		c.sendError(protocol.TypePairError, protocol.CodeInternal, "pairing failed")

		return
	}

	c.setInstanceID(instanceID)
	c.log.WithField("instance_id", instanceID).Info("Instance paired")

	c.gw.audit(c.ctx, audit.Entry{
		Action:     "instance.pair",
		EntityType: "paired_instance",
		EntityID:   instanceID,
		Details:    map[string]string{"origin": c.origin},
	})

	c.sendFrame(protocol.TypePairSuccess, protocol.PairSuccess{
		InstanceID: instanceID,
		WSToken:    wsToken,
	})
}

func (c *conn) handleAuthChallenge() {
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError(protocol.TypeAuthError, protocol.CodeRateLimited, "too many requests")

		return
	}

	// A connection holds at most one pending ceremony.
	if c.challengeKey != "" {
		c.gw.deps.Authenticator.DiscardChallenge(c.challengeKey)
		c.challengeKey = ""
	}

	assertion, err := c.gw.deps.Authenticator.StartAuthentication(c.ctx, "")
	if err != nil {
		c.log.WithError(err).Error("Failed to start authentication")
		c.sendError(protocol.TypeAuthError, protocol.CodeInternal, "could not create challenge")

		return
	}

	options, err := assertion.OptionsJSON()
	if err != nil {
		c.gw.deps.Authenticator.DiscardChallenge(assertion.Key)
		c.log.WithError(err).Error("Failed to encode challenge")
		c.sendError(protocol.TypeAuthError, protocol.CodeInternal, "could not create challenge")

		return
	}

	c.challengeKey = assertion.Key

	c.sendFrame(protocol.TypeAuthChallenge, protocol.AuthChallenge{
		Challenge: options,
		RPID:      assertion.RPID,
	})
}

func (c *conn) handleAuthVerify(env *protocol.Envelope) {
	if c.challengeKey == "" {
		c.sendError(protocol.TypeAuthError, protocol.CodeUnauthorized, "no pending challenge")

		return
	}

	var req protocol.AuthVerify
	if err := env.DecodeData(&req); err != nil || len(req.Credential) == 0 {
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation, "credential is required")

		return
	}

	key := c.challengeKey
	c.challengeKey = ""

	userID, err := c.gw.deps.Authenticator.FinishAuthentication(c.ctx, key, req.Credential)
	if err != nil {
		c.log.WithError(err).Info("Passkey verification failed")

		code := protocol.CodeUnauthorized
		if !errors.Is(err, passkey.ErrVerificationFailed) &&
			!errors.Is(err, passkey.ErrInvalidState) &&
			!errors.Is(err, store.ErrNotFound) {
			code = protocol.CodeInternal
		}

		c.sendError(protocol.TypeAuthError, code, err.Error())

		return
	}

	token, err := c.gw.deps.Sessions.Create(c.ctx, userID, store.SessionTypeWeb)
	if err != nil {
		c.log.WithError(err).Error("Failed to create session")
		c.sendError(protocol.TypeAuthError, protocol.CodeInternal, "could not create session")

		return
	}

	user := c.gw.deps.Sessions.Validate(c.ctx, token)
	if user == nil {
		c.sendError(protocol.TypeAuthError, protocol.CodeInternal, "session could not be validated")

		return
	}

	c.bind(user, token)
	c.log.WithField("user_id", user.ID).Info("User authenticated")

	c.gw.audit(c.ctx, audit.Entry{
		UserID:     user.ID,
		Action:     "auth.login",
		EntityType: "session",
		Channel:    "web",
		Details:    map[string]string{"instance_id": c.boundInstanceID()},
	})

	c.sendFrame(protocol.TypeAuthSuccess, protocol.AuthSuccess{Token: token, User: user})
}

func (c *conn) handleAuthResume(env *protocol.Envelope) {
	var req protocol.AuthResume
	if err := env.DecodeData(&req); err != nil || req.Token == "" {
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation, "token is required")

		return
	}

	user := c.gw.deps.Sessions.Validate(c.ctx, req.Token)
	if user == nil {
		c.unbind()
		c.sendError(protocol.TypeAuthError, protocol.CodeSessionExpired, "session expired or invalid")

		return
	}

	c.bind(user, req.Token)
	c.log.WithField("user_id", user.ID).Debug("Session resumed")

	c.sendFrame(protocol.TypeAuthSuccess, protocol.AuthSuccess{Token: req.Token, User: user})
}

func (c *conn) handleAuthLogout() {
	token := c.boundToken()
	userID := c.boundUserID()

	c.unbind()

	if token == "" {
		return
	}

	if err := c.gw.deps.Sessions.Invalidate(c.ctx, token); err != nil {
		c.log.WithError(err).Warn("Failed to invalidate session")
	}

	c.gw.audit(c.ctx, audit.Entry{
		UserID:     userID,
		Action:     "auth.logout",
		EntityType: "session",
		Channel:    "web",
	})
}

// requireSession re-validates the bound token. On failure it returns the
// code to reply with and clears a stale binding.
func (c *conn) requireSession() (*store.User, string, protocol.ErrorCode) {
	token := c.boundToken()
	if token == "" {
		return nil, "", protocol.CodeUnauthorized
	}

	user := c.gw.deps.Sessions.Validate(c.ctx, token)
	if user == nil {
		c.unbind()

		return nil, "", protocol.CodeSessionExpired
	}

	c.bind(user, token)

	return user, token, ""
}

func (c *conn) handleSubscribe(env *protocol.Envelope) {
	user, _, code := c.requireSession()
	if user == nil {
		c.sendError(protocol.TypeAuthError, code, "authentication required")

		return
	}

	var req protocol.Subscribe
	if err := env.DecodeData(&req); err != nil || req.Topic == "" {
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation, "topic is required")

		return
	}

	allowed, err := c.topicAllowed(c.ctx, user.ID, req.Topic)
	if err != nil {
		c.log.WithError(err).WithField("topic", req.Topic).Error("Topic permission check failed")
		c.sendRPCError("", protocol.CodeInternal, "permission check failed")

		return
	}

	if !allowed {
		c.sendRPCError("", protocol.CodeForbidden,
			fmt.Sprintf("no access to topic %s", req.Topic))

		return
	}

	c.subscribe(req.Topic)
	c.log.WithField("topic", req.Topic).Debug("Subscribed")
}

func (c *conn) topicAllowed(ctx context.Context, userID, topic string) (bool, error) {
	switch {
	case strings.HasPrefix(topic, adminTopicPrefix):
		return c.gw.deps.Access.CanAccess(ctx, userID, "admin", store.WildcardResourceID, "read")
	case strings.HasPrefix(topic, moduleTopicPrefix):
		// The whole remainder is the resource id; "module:notes:x" needs
		// a grant on "notes:x" or the wildcard.
		moduleID := strings.TrimPrefix(topic, moduleTopicPrefix)

		return c.gw.deps.Access.CanAccess(ctx, userID, "module", moduleID, "read")
	default:
		return true, nil
	}
}

func (c *conn) handleUnsubscribe(env *protocol.Envelope) {
	var req protocol.Unsubscribe
	if err := env.DecodeData(&req); err != nil {
		c.sendError(protocol.TypeAuthError, protocol.CodeValidation, err.Error())

		return
	}

	c.unsubscribe(req.Topic)
}

func (c *conn) handleRPCRequest(env *protocol.Envelope) {
	var req protocol.RPCRequest
	if err := env.DecodeData(&req); err != nil {
		c.sendRPCError("", protocol.CodeValidation, err.Error())

		return
	}

	user, token, code := c.requireSession()
	if user == nil {
		c.sendRPCError(req.ID, code, "authentication required")

		return
	}

	if req.Method == "" {
		c.sendRPCError(req.ID, protocol.CodeValidation, "method is required")

		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.sendRPCError(req.ID, protocol.CodeRateLimited, "too many requests")

		return
	}

	h, ok := c.gw.handler(req.Method)
	if !ok {
		c.sendRPCError(req.ID, protocol.CodeNotFound,
			fmt.Sprintf("unknown method %s", req.Method))

		return
	}

	result, err := c.invoke(h, &Call{
		Method:     req.Method,
		Params:     req.Params,
		User:       user,
		Token:      token,
		InstanceID: c.boundInstanceID(),
	})
	if err != nil {
		perr := toProtocolError(err)

		log := c.log.WithFields(logrus.Fields{
			"method": req.Method,
			"code":   perr.Code,
		})
		if perr.Code == protocol.CodeInternal {
			log.WithError(err).Error("RPC handler failed")
		} else {
			log.WithError(err).Debug("RPC rejected")
		}

		c.sendFrame(protocol.TypeRPCResponse, protocol.RPCResponse{ID: req.ID, Error: perr})

		return
	}

	c.sendFrame(protocol.TypeRPCResponse, protocol.RPCResponse{ID: req.ID, Result: result})
}

// invoke runs a handler, turning a panic into an error.
func (c *conn) invoke(h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(c.ctx, call)
}

// toProtocolError maps a handler error onto the wire taxonomy.
func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, ErrForbidden):
		return protocol.NewError(protocol.CodeForbidden, err.Error())
	case errors.Is(err, ErrValidation):
		return protocol.NewError(protocol.CodeValidation, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	default:
		return protocol.NewError(protocol.CodeInternal, err.Error())
	}
}
