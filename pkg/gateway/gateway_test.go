package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/gateway"
	"github.com/clawcrm/clawcrm/pkg/instance"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/passkey/passkeytest"
	"github.com/clawcrm/clawcrm/pkg/protocol"
	"github.com/clawcrm/clawcrm/pkg/rbac"
	"github.com/clawcrm/clawcrm/pkg/session"
	"github.com/clawcrm/clawcrm/pkg/store"
)

const (
	rpOrigin   = "http://localhost:5173"
	readTimout = 5 * time.Second
)

type harness struct {
	gw        *gateway.Gateway
	srv       *httptest.Server
	store     store.Store
	sessions  *session.Manager
	rbac      *rbac.Engine
	passkeys  *passkey.Service
	instances *instance.Service
}

func testServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Listen:         "127.0.0.1:0",
		MaxMessageSize: "1MiB",
	}
}

func newHarness(
	t *testing.T, cfg *config.ServerConfig, register func(g *gateway.Gateway),
) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	passkeys, err := passkey.NewService(log, &config.PasskeyConfig{
		RPID:          "localhost",
		RPDisplayName: "ClawCRM",
		RPOrigins:     []string{rpOrigin},
	}, st, passkey.Options{})
	require.NoError(t, err)

	h := &harness{
		store:     st,
		sessions:  session.NewManager(log, st, session.Options{}),
		rbac:      rbac.NewEngine(log, st),
		passkeys:  passkeys,
		instances: instance.NewService(log, st),
	}

	h.gw, err = gateway.New(log, cfg, gateway.Deps{
		Pairer:        h.instances,
		Authenticator: passkeys,
		Sessions:      h.sessions,
		Access:        h.rbac,
		Auditor:       audit.NewLogger(log, st, true),
	})
	require.NoError(t, err)

	require.NoError(t, h.gw.Register("test.ping", func(_ context.Context, call *gateway.Call) (any, error) {
		return map[string]string{"pong": call.User.ID}, nil
	}))

	if register != nil {
		register(h.gw)
	}

	h.srv = httptest.NewServer(h.gw.Handler())

	t.Cleanup(func() {
		_ = h.gw.Stop()
		h.srv.Close()
		_ = st.Stop()
	})

	return h
}

func (h *harness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}

	return u
}

func (h *harness) dial(t *testing.T, origin, query string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), header)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

func (h *harness) createUser(t *testing.T, name, role string) *store.User {
	t.Helper()

	user := &store.User{DisplayName: name, Role: role}
	require.NoError(t, h.store.CreateUser(context.Background(), user))

	return user
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data any) {
	t.Helper()

	frame, err := protocol.Encode(msgType, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func read(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimout)))

	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(frame)
	require.NoError(t, err)

	return env
}

func readError(t *testing.T, ws *websocket.Conn, wantType string) *protocol.Error {
	t.Helper()

	env := read(t, ws)
	require.Equal(t, wantType, env.Type)

	var perr protocol.Error
	require.NoError(t, env.DecodeData(&perr))

	return &perr
}

type rpcReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func call(t *testing.T, ws *websocket.Conn, id, method string, params any) rpcReply {
	t.Helper()

	req := protocol.RPCRequest{ID: id, Method: method}

	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)

		req.Params = raw
	}

	send(t, ws, protocol.TypeRPCRequest, req)

	env := read(t, ws)
	require.Equal(t, protocol.TypeRPCResponse, env.Type)

	var reply rpcReply
	require.NoError(t, env.DecodeData(&reply))
	require.Equal(t, id, reply.ID)

	return reply
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(readTimout)))

	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}

		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		assert.Equal(t, code, ce.Code)

		return
	}
}

// login runs the challenge/verify exchange with a software authenticator
// registered for user and returns the session token.
func (h *harness) login(t *testing.T, ws *websocket.Conn, user *store.User) (string, *passkeytest.Authenticator) {
	t.Helper()

	auth, err := passkeytest.New(user.ID, rpOrigin)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateCredential(context.Background(), auth.Credential()))

	return h.loginWith(t, ws, user, auth), auth
}

func (h *harness) loginWith(
	t *testing.T, ws *websocket.Conn, user *store.User, auth *passkeytest.Authenticator,
) string {
	t.Helper()

	send(t, ws, protocol.TypeAuthChallenge, struct{}{})

	env := read(t, ws)
	require.Equal(t, protocol.TypeAuthChallenge, env.Type)

	var challenge struct {
		Challenge string `json:"challenge"`
		RPID      string `json:"rpId"`
	}
	require.NoError(t, env.DecodeData(&challenge))
	assert.Equal(t, "localhost", challenge.RPID)

	// The challenge is the serialized request options, parsed by the client.
	var options struct {
		Challenge string `json:"challenge"`
		RPID      string `json:"rpId"`
	}
	require.NoError(t, json.Unmarshal([]byte(challenge.Challenge), &options))
	assert.NotEmpty(t, options.Challenge)
	assert.Equal(t, "localhost", options.RPID)

	response, err := auth.Assert([]byte(challenge.Challenge))
	require.NoError(t, err)

	send(t, ws, protocol.TypeAuthVerify, protocol.AuthVerify{Credential: response})

	env = read(t, ws)
	require.Equal(t, protocol.TypeAuthSuccess, env.Type)

	var success struct {
		Token string     `json:"token"`
		User  store.User `json:"user"`
	}
	require.NoError(t, env.DecodeData(&success))
	require.NotEmpty(t, success.Token)
	require.Equal(t, user.ID, success.User.ID)

	return success.Token
}

func TestNew_Validation(t *testing.T) {
	log := logrus.New()

	_, err := gateway.New(log, &config.ServerConfig{MaxMessageSize: "lots"}, gateway.Deps{})
	require.Error(t, err)

	_, err = gateway.New(log, testServerConfig(), gateway.Deps{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestOriginAllowList(t *testing.T) {
	cfg := testServerConfig()
	cfg.AllowedOrigins = []string{"https://crm.example.com"}

	h := newHarness(t, cfg, nil)

	t.Run("rejected", func(t *testing.T) {
		ws := h.dial(t, "https://evil.example.com", "")
		expectClose(t, ws, protocol.CloseOriginForbidden)
	})

	t.Run("allowed", func(t *testing.T) {
		ws := h.dial(t, "https://crm.example.com", "")
		reply := call(t, ws, "1", "test.ping", nil)
		require.NotNil(t, reply.Error)
		assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)
	})
}

func TestReconnect_InvalidToken(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	ws := h.dial(t, "", "token=not-a-token")

	perr := readError(t, ws, protocol.TypePairError)
	assert.Equal(t, protocol.CodePairingInvalid, perr.Code)

	expectClose(t, ws, protocol.ClosePairingInvalid)
}

func TestPairing(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ctx := context.Background()

	key, inst, err := h.instances.GenerateKey(ctx, "front desk")
	require.NoError(t, err)

	ws := h.dial(t, "https://crm.example.com", "")
	send(t, ws, protocol.TypePairInit, protocol.PairInit{InstanceKey: key})

	env := read(t, ws)
	require.Equal(t, protocol.TypePairSuccess, env.Type)

	var success protocol.PairSuccess
	require.NoError(t, env.DecodeData(&success))
	assert.Equal(t, inst.ID, success.InstanceID)
	assert.NotEmpty(t, success.WSToken)

	// The key is consumed; the connection stays usable.
	send(t, ws, protocol.TypePairInit, protocol.PairInit{InstanceKey: key})
	assert.Equal(t, protocol.CodePairingInvalid, readError(t, ws, protocol.TypePairError).Code)

	send(t, ws, protocol.TypePairInit, protocol.PairInit{})
	assert.Equal(t, protocol.CodeValidation, readError(t, ws, protocol.TypePairError).Code)

	// The reconnect token opens new connections.
	again := h.dial(t, "", "token="+success.WSToken)
	reply := call(t, again, "r1", "test.ping", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)

	entries, err := h.store.ListAuditEntriesBefore(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "instance.pair", entries[0].Action)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	user := h.createUser(t, "Greta", "")

	ws := h.dial(t, "", "")

	t.Run("verify without challenge", func(t *testing.T) {
		send(t, ws, protocol.TypeAuthVerify, protocol.AuthVerify{Credential: json.RawMessage(`{}`)})
		assert.Equal(t, protocol.CodeUnauthorized, readError(t, ws, protocol.TypeAuthError).Code)
	})

	t.Run("bad assertion leaves connection unauthenticated", func(t *testing.T) {
		send(t, ws, protocol.TypeAuthChallenge, struct{}{})
		require.Equal(t, protocol.TypeAuthChallenge, read(t, ws).Type)

		send(t, ws, protocol.TypeAuthVerify, protocol.AuthVerify{
			Credential: json.RawMessage(`{"id":"unknown","type":"public-key"}`),
		})
		assert.Equal(t, protocol.CodeUnauthorized, readError(t, ws, protocol.TypeAuthError).Code)

		reply := call(t, ws, "1", "test.ping", nil)
		require.NotNil(t, reply.Error)
		assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)
	})

	t.Run("challenge and verify", func(t *testing.T) {
		token, auth := h.login(t, ws, user)
		assert.Equal(t, uint32(1), auth.Counter())

		reply := call(t, ws, "2", "test.ping", nil)
		require.Nil(t, reply.Error)
		assert.JSONEq(t, `{"pong":"`+user.ID+`"}`, string(reply.Result))

		assert.NotNil(t, h.sessions.Validate(context.Background(), token))
	})
}

func TestAuthResumeAndLogout(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ctx := context.Background()
	user := h.createUser(t, "Jonas", "")

	token, err := h.sessions.Create(ctx, user.ID, store.SessionTypeWeb)
	require.NoError(t, err)

	ws := h.dial(t, "", "")

	send(t, ws, protocol.TypeAuthResume, protocol.AuthResume{Token: "bogus"})
	assert.Equal(t, protocol.CodeSessionExpired, readError(t, ws, protocol.TypeAuthError).Code)

	send(t, ws, protocol.TypeAuthResume, protocol.AuthResume{Token: token})
	require.Equal(t, protocol.TypeAuthSuccess, read(t, ws).Type)

	reply := call(t, ws, "1", "test.ping", nil)
	require.Nil(t, reply.Error)

	send(t, ws, protocol.TypeAuthLogout, struct{}{})

	reply = call(t, ws, "2", "test.ping", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)

	assert.Nil(t, h.sessions.Validate(ctx, token))
}

func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ctx := context.Background()
	user := h.createUser(t, "Ida", "")

	ws := h.dial(t, "", "")
	token, _ := h.login(t, ws, user)

	require.NoError(t, h.sessions.Invalidate(ctx, token))

	reply := call(t, ws, "1", "test.ping", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeSessionExpired, reply.Error.Code)

	// The stale binding was cleared.
	reply = call(t, ws, "2", "test.ping", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "orders"})
	assert.Equal(t, protocol.CodeUnauthorized, readError(t, ws, protocol.TypeAuthError).Code)
}

func TestSubscribe_AdminTopicGating(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	plain := h.createUser(t, "Paul", store.RoleUser)
	admin := h.createUser(t, "Anna", store.RoleAdmin)

	userWS := h.dial(t, "", "")
	h.login(t, userWS, plain)

	adminWS := h.dial(t, "", "")
	h.login(t, adminWS, admin)

	send(t, userWS, protocol.TypeSubscribe, protocol.Subscribe{Topic: "admin:users"})

	env := read(t, userWS)
	require.Equal(t, protocol.TypeRPCResponse, env.Type)

	var denied rpcReply
	require.NoError(t, env.DecodeData(&denied))
	assert.Equal(t, "", denied.ID)
	require.NotNil(t, denied.Error)
	assert.Equal(t, protocol.CodeForbidden, denied.Error.Code)

	send(t, adminWS, protocol.TypeSubscribe, protocol.Subscribe{Topic: "admin:users"})
	// Frames are processed in order, so the subscription is active once
	// this reply arrives.
	require.Nil(t, call(t, adminWS, "sync", "test.ping", nil).Error)

	sent := h.gw.BroadcastToTopic("admin:users", map[string]string{"event": "created"}, "")
	assert.Equal(t, 1, sent)

	env = read(t, adminWS)
	require.Equal(t, protocol.TypeData, env.Type)

	var data struct {
		Topic   string            `json:"topic"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, env.DecodeData(&data))
	assert.Equal(t, "admin:users", data.Topic)
	assert.Equal(t, "created", data.Payload["event"])

	// Nothing was queued for the non-admin connection.
	reply := call(t, userWS, "after", "test.ping", nil)
	assert.Nil(t, reply.Error)
}

func TestSubscribe_ModuleTopicAndUnsubscribe(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ctx := context.Background()

	user := h.createUser(t, "Lena", store.RoleUser)
	ws := h.dial(t, "", "")
	h.login(t, ws, user)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "module:notes"})
	assert.Equal(t, protocol.TypeRPCResponse, read(t, ws).Type)

	_, err := h.rbac.Grant(ctx, rbac.UserSubject(user.ID), "module", "notes", rbac.ActionRead)
	require.NoError(t, err)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "module:notes"})
	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "orders"})
	require.Nil(t, call(t, ws, "1", "test.ping", nil).Error)

	assert.Equal(t, 1, h.gw.BroadcastToTopic("module:notes", "n", ""))
	assert.Equal(t, 1, h.gw.BroadcastToTopic("orders", "o", user.ID))
	assert.Equal(t, 0, h.gw.BroadcastToTopic("orders", "o", "someone-else"))

	assert.Equal(t, protocol.TypeData, read(t, ws).Type)
	assert.Equal(t, protocol.TypeData, read(t, ws).Type)

	send(t, ws, protocol.TypeUnsubscribe, protocol.Unsubscribe{Topic: "orders"})
	require.Nil(t, call(t, ws, "2", "test.ping", nil).Error)

	assert.Equal(t, 0, h.gw.BroadcastToTopic("orders", "o", ""))

	// Sub-topics are gated on the full remainder.
	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "module:notes:shared"})

	var denied rpcReply
	env := read(t, ws)
	require.Equal(t, protocol.TypeRPCResponse, env.Type)
	require.NoError(t, env.DecodeData(&denied))
	require.NotNil(t, denied.Error)
	assert.Equal(t, protocol.CodeForbidden, denied.Error.Code)

	_, err = h.rbac.Grant(ctx, rbac.UserSubject(user.ID), "module", "notes:shared", rbac.ActionRead)
	require.NoError(t, err)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{Topic: "module:notes:shared"})
	require.Nil(t, call(t, ws, "3", "test.ping", nil).Error)
	assert.Equal(t, 1, h.gw.BroadcastToTopic("module:notes:shared", "s", ""))
}

func TestSendToUser(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	user := h.createUser(t, "Max", "")
	other := h.createUser(t, "Mia", "")

	first := h.dial(t, "", "")
	_, auth := h.login(t, first, user)

	second := h.dial(t, "", "")
	h.loginWith(t, second, user, auth)

	third := h.dial(t, "", "")
	h.login(t, third, other)

	assert.Equal(t, 2, h.gw.SendToUser(user.ID, "notification", map[string]int{"unread": 3}))
	assert.Equal(t, 0, h.gw.SendToUser("", "notification", nil))

	for _, ws := range []*websocket.Conn{first, second} {
		env := read(t, ws)
		require.Equal(t, protocol.TypeEvent, env.Type)

		var event protocol.Event
		require.NoError(t, env.DecodeData(&event))
		assert.Equal(t, "notification", event.Name)
	}
}

func TestRPC_ErrorMapping(t *testing.T) {
	h := newHarness(t, testServerConfig(), func(g *gateway.Gateway) {
		require.NoError(t, g.Register("test.forbidden", func(context.Context, *gateway.Call) (any, error) {
			return nil, gateway.ErrForbidden
		}))
		require.NoError(t, g.Register("test.params", func(_ context.Context, call *gateway.Call) (any, error) {
			var p struct {
				N int `json:"n"`
			}

			if err := call.DecodeParams(&p); err != nil {
				return nil, err
			}

			return p.N * 2, nil
		}))
		require.NoError(t, g.Register("test.missing", func(context.Context, *gateway.Call) (any, error) {
			return nil, store.ErrNotFound
		}))
		require.NoError(t, g.Register("test.boom", func(context.Context, *gateway.Call) (any, error) {
			return nil, errors.New("boom")
		}))
		require.NoError(t, g.Register("test.panic", func(context.Context, *gateway.Call) (any, error) {
			panic("kaputt")
		}))
		require.NoError(t, g.Register("test.setup", func(context.Context, *gateway.Call) (any, error) {
			return nil, protocol.NewError(protocol.CodeSetupRequired, "finish setup first")
		}))
	})

	user := h.createUser(t, "Otto", "")
	ws := h.dial(t, "", "")
	h.login(t, ws, user)

	tests := []struct {
		method  string
		params  any
		code    protocol.ErrorCode
		message string
	}{
		{method: "test.unknown", code: protocol.CodeNotFound},
		{method: "test.forbidden", code: protocol.CodeForbidden},
		{method: "test.params", params: map[string]string{"n": "x"}, code: protocol.CodeValidation},
		{method: "test.missing", code: protocol.CodeNotFound},
		{method: "test.boom", code: protocol.CodeInternal, message: "boom"},
		{method: "test.panic", code: protocol.CodeInternal},
		{method: "test.setup", code: protocol.CodeSetupRequired, message: "finish setup first"},
	}

	for i, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			id := tt.method + "-" + string(rune('a'+i))

			reply := call(t, ws, id, tt.method, tt.params)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)

			if tt.message != "" {
				assert.Equal(t, tt.message, reply.Error.Message)
			}
		})
	}

	reply := call(t, ws, "ok", "test.params", map[string]int{"n": 21})
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `42`, string(reply.Result))
}

func TestMalformedFrames(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ws := h.dial(t, "", "")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, protocol.CodeValidation, readError(t, ws, protocol.TypeAuthError).Code)

	send(t, ws, "bogus:type", struct{}{})
	assert.Equal(t, protocol.CodeValidation, readError(t, ws, protocol.TypeAuthError).Code)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, protocol.CodeValidation, readError(t, ws, protocol.TypeAuthError).Code)

	// Still open.
	reply := call(t, ws, "1", "test.ping", nil)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)
}

func TestRegistry(t *testing.T) {
	var g *gateway.Gateway

	h := newHarness(t, testServerConfig(), func(gw *gateway.Gateway) {
		g = gw

		require.Error(t, gw.Register("test.ping", func(context.Context, *gateway.Call) (any, error) {
			return nil, nil
		}))
		require.Error(t, gw.RegisterModule("bad.id", "list", func(context.Context, *gateway.Call) (any, error) {
			return nil, nil
		}))
		require.NoError(t, gw.RegisterModule("notes", "list", func(context.Context, *gateway.Call) (any, error) {
			return []string{"a", "b"}, nil
		}))
	})

	err := g.Register("late", func(context.Context, *gateway.Call) (any, error) { return nil, nil })
	require.ErrorIs(t, err, gateway.ErrRegistryClosed)
	assert.Contains(t, g.Methods(), gateway.ModuleMethod("notes", "list"))

	user := h.createUser(t, "Emil", store.RoleUser)
	ws := h.dial(t, "", "")
	h.login(t, ws, user)

	method := gateway.ModuleMethod("notes", "list")
	assert.Equal(t, "crm.module.notes.list", method)

	reply := call(t, ws, "1", method, nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeForbidden, reply.Error.Code)

	_, err = h.rbac.Grant(context.Background(), rbac.UserSubject(user.ID), "module", "notes", rbac.ActionExecute)
	require.NoError(t, err)

	reply = call(t, ws, "2", method, nil)
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `["a","b"]`, string(reply.Result))
}

func TestRateLimits(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit = config.RateLimitConfig{
		Enabled: true,
		Connect: config.RateLimitTier{RequestsPerMinute: 2},
		RPC:     config.RateLimitTier{RequestsPerMinute: 2},
	}

	h := newHarness(t, cfg, nil)
	user := h.createUser(t, "Rita", "")

	ws := h.dial(t, "", "")
	h.login(t, ws, user)

	// The login challenge took one token from the connection budget.
	require.Nil(t, call(t, ws, "1", "test.ping", nil).Error)

	reply := call(t, ws, "2", "test.ping", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeRateLimited, reply.Error.Code)

	send(t, ws, protocol.TypeAuthChallenge, struct{}{})
	assert.Equal(t, protocol.CodeRateLimited, readError(t, ws, protocol.TypeAuthError).Code)

	h.dial(t, "", "")

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAuthChallenge_PendingCeremoniesAreDiscarded(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	ws := h.dial(t, "", "")

	for i := 0; i < 20; i++ {
		send(t, ws, protocol.TypeAuthChallenge, struct{}{})
		require.Equal(t, protocol.TypeAuthChallenge, read(t, ws).Type)
	}

	assert.Equal(t, 1, h.passkeys.PendingChallenges())

	other := h.dial(t, "", "")
	send(t, other, protocol.TypeAuthChallenge, struct{}{})
	require.Equal(t, protocol.TypeAuthChallenge, read(t, other).Type)
	assert.Equal(t, 2, h.passkeys.PendingChallenges())

	require.NoError(t, ws.Close())
	require.NoError(t, other.Close())

	require.Eventually(t, func() bool {
		return h.gw.ConnectionCount() == 0 && h.passkeys.PendingChallenges() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthRequiredBeforePayloadChecks(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	ws := h.dial(t, "", "")

	reply := call(t, ws, "1", "", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeUnauthorized, reply.Error.Code)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{})
	assert.Equal(t, protocol.CodeUnauthorized, readError(t, ws, protocol.TypeAuthError).Code)

	user := h.createUser(t, "Ida", store.RoleUser)
	h.login(t, ws, user)

	reply = call(t, ws, "2", "", nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeValidation, reply.Error.Code)

	send(t, ws, protocol.TypeSubscribe, protocol.Subscribe{})
	assert.Equal(t, protocol.CodeValidation, readError(t, ws, protocol.TypeAuthError).Code)
}

func TestStop_ClosesConnections(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)

	ws := h.dial(t, "", "")
	require.NotNil(t, call(t, ws, "1", "test.ping", nil).Error)
	assert.Equal(t, 1, h.gw.ConnectionCount())

	require.NoError(t, h.gw.Stop())

	expectClose(t, ws, websocket.CloseGoingAway)
	assert.Equal(t, 0, h.gw.ConnectionCount())
}
