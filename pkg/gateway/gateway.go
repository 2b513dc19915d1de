// Package gateway is the WebSocket server dashboards connect to. It runs
// instance pairing, passkey login, topic subscriptions, broadcast fan-out
// and RPC dispatch for every connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clawcrm/clawcrm/pkg/audit"
	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/clawcrm/clawcrm/pkg/passkey"
	"github.com/clawcrm/clawcrm/pkg/protocol"
	"github.com/clawcrm/clawcrm/pkg/store"
)

const shutdownTimeout = 10 * time.Second

var (
	// ErrForbidden makes a handler reply FORBIDDEN.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation makes a handler reply VALIDATION_ERROR.
	ErrValidation = errors.New("validation failed")

	// ErrRegistryClosed is returned when registering after Start.
	ErrRegistryClosed = errors.New("method registry is closed")
)

// Pairer pairs and reconnects dashboard instances.
type Pairer interface {
	Pair(ctx context.Context, instanceKey, origin string) (string, string, error)
	Reconnect(ctx context.Context, wsToken string) (string, error)
}

// Authenticator runs passkey login ceremonies.
type Authenticator interface {
	StartAuthentication(ctx context.Context, userID string) (*passkey.Assertion, error)
	FinishAuthentication(ctx context.Context, key string, response json.RawMessage) (string, error)
	DiscardChallenge(key string)
}

// Sessions issues and validates session tokens.
type Sessions interface {
	Create(ctx context.Context, userID, sessionType string) (string, error)
	Validate(ctx context.Context, token string) *store.User
	Invalidate(ctx context.Context, token string) error
}

// AccessChecker answers permission questions.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, resource, resourceID, action string) (bool, error)
}

// Auditor records audit entries.
type Auditor interface {
	Write(ctx context.Context, e audit.Entry)
}

// Deps are the services a Gateway calls into.
type Deps struct {
	Pairer        Pairer
	Authenticator Authenticator
	Sessions      Sessions
	Access        AccessChecker
	// Auditor is optional.
	Auditor Auditor
}

// Call is the context handed to an RPC handler.
type Call struct {
	Method     string
	Params     json.RawMessage
	User       *store.User
	Token      string
	InstanceID string
}

// DecodeParams unmarshals the call parameters into v. Decoding failures
// wrap ErrValidation.
func (c *Call) DecodeParams(v any) error {
	if len(c.Params) == 0 || string(c.Params) == "null" {
		return nil
	}

	if err := json.Unmarshal(c.Params, v); err != nil {
		return fmt.Errorf("%w: invalid params: %s", ErrValidation, err.Error())
	}

	return nil
}

// Handler serves one RPC method. The result is sent back as the response
// body; errors are mapped onto protocol error codes.
type Handler func(ctx context.Context, call *Call) (any, error)

// Gateway is the WebSocket server.
type Gateway struct {
	log     logrus.FieldLogger
	cfg     *config.ServerConfig
	deps    Deps
	maxSize int64

	methodsMu sync.RWMutex
	methods   map[string]Handler
	started   bool

	connsMu  sync.RWMutex
	conns    map[*conn]struct{}
	stopping bool
	connWG   sync.WaitGroup

	connectLimiter *ipRateLimiter
	httpServer     *http.Server
	addr           string
	baseCtx        context.Context
	cancel         context.CancelFunc
	serveWG        sync.WaitGroup
	stopOnce       sync.Once
}

// New creates a new Gateway.
func New(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Deps,
) (*Gateway, error) {
	maxSize, err := cfg.MaxMessageBytes()
	if err != nil {
		return nil, err
	}

	if deps.Pairer == nil || deps.Authenticator == nil ||
		deps.Sessions == nil || deps.Access == nil {
		return nil, fmt.Errorf("gateway requires pairer, authenticator, sessions and access checker")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		log:     log.WithField("component", "gateway"),
		cfg:     cfg,
		deps:    deps,
		maxSize: maxSize,
		methods: make(map[string]Handler, 32),
		conns:   make(map[*conn]struct{}, 16),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Register adds an RPC method. All methods must be registered before Start.
func (g *Gateway) Register(method string, h Handler) error {
	g.methodsMu.Lock()
	defer g.methodsMu.Unlock()

	if g.started {
		return fmt.Errorf("registering %s: %w", method, ErrRegistryClosed)
	}

	if method == "" || h == nil {
		return fmt.Errorf("registering %q: method name and handler are required", method)
	}

	if _, exists := g.methods[method]; exists {
		return fmt.Errorf("method %s already registered", method)
	}

	g.methods[method] = h

	return nil
}

// ModuleMethod returns the namespaced name of a module method.
func ModuleMethod(moduleID, name string) string {
	return "crm.module." + moduleID + "." + name
}

// RegisterModule adds a method owned by a dashboard module. Calls require
// execute permission on the module.
func (g *Gateway) RegisterModule(moduleID, name string, h Handler) error {
	if moduleID == "" || strings.Contains(moduleID, ".") {
		return fmt.Errorf("invalid module id %q", moduleID)
	}

	return g.Register(ModuleMethod(moduleID, name), func(ctx context.Context, call *Call) (any, error) {
		ok, err := g.deps.Access.CanAccess(ctx, call.User.ID, "module", moduleID, "execute")
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, fmt.Errorf("%w: no access to module %s", ErrForbidden, moduleID)
		}

		return h(ctx, call)
	})
}

func (g *Gateway) handler(method string) (Handler, bool) {
	g.methodsMu.RLock()
	defer g.methodsMu.RUnlock()

	h, ok := g.methods[method]

	return h, ok
}

// Methods returns the registered method names.
func (g *Gateway) Methods() []string {
	g.methodsMu.RLock()
	defer g.methodsMu.RUnlock()

	names := make([]string, 0, len(g.methods))
	for name := range g.methods {
		names = append(names, name)
	}

	return names
}

// Handler freezes the method registry and returns the HTTP handler serving
// /health and /ws. Start calls it; tests may mount it directly.
func (g *Gateway) Handler() http.Handler {
	g.methodsMu.Lock()
	g.started = true
	g.methodsMu.Unlock()

	return g.buildRouter()
}

// Start binds the listener and serves connections in the background.
func (g *Gateway) Start(_ context.Context) error {
	g.httpServer = &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so port conflicts fail start-up.
	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Listen, err)
	}

	g.addr = ln.Addr().String()

	g.serveWG.Add(1)

	go func() {
		defer g.serveWG.Done()

		g.log.WithField("listen", g.cfg.Listen).Info("Gateway listening")

		if err := g.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			g.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address once Start has returned.
func (g *Gateway) Addr() string {
	return g.addr
}

// Stop closes every connection with 1001 and shuts the listener down.
func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() {
		g.cancel()

		g.connsMu.Lock()
		g.stopping = true
		g.connsMu.Unlock()

		for _, c := range g.snapshot() {
			c.closeWith(1001, "server shutting down")
		}

		if g.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := g.httpServer.Shutdown(ctx); err != nil {
				g.log.WithError(err).Warn("HTTP server shutdown error")
			}
		}

		if g.connectLimiter != nil {
			g.connectLimiter.stop()
		}

		g.connWG.Wait()
		g.serveWG.Wait()
	})

	return nil
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()

	return len(g.conns)
}

// addConn registers c. It fails once Stop has begun.
func (g *Gateway) addConn(c *conn) bool {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	if g.stopping {
		return false
	}

	g.conns[c] = struct{}{}
	g.connWG.Add(1)

	return true
}

func (g *Gateway) removeConn(c *conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	delete(g.conns, c)
}

func (g *Gateway) snapshot() []*conn {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()

	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}

	return conns
}

// BroadcastToTopic sends a data frame to every connection subscribed to
// topic. A non-empty filterUserID restricts delivery to that user's
// connections. It returns the number of connections reached.
func (g *Gateway) BroadcastToTopic(topic string, payload any, filterUserID string) int {
	frame, err := protocol.Encode(protocol.TypeData, protocol.Data{
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		g.log.WithError(err).WithField("topic", topic).Warn("Failed to encode broadcast")

		return 0
	}

	sent := 0

	for _, c := range g.snapshot() {
		if !c.isSubscribed(topic) {
			continue
		}

		if filterUserID != "" && c.boundUserID() != filterUserID {
			continue
		}

		if c.enqueue(frame) {
			sent++
		}
	}

	return sent
}

// SendToUser sends an event frame to every connection of userID regardless
// of subscriptions. It returns the number of connections reached.
func (g *Gateway) SendToUser(userID, name string, payload any) int {
	if userID == "" {
		return 0
	}

	frame, err := protocol.Encode(protocol.TypeEvent, protocol.Event{
		Name:    name,
		Payload: payload,
	})
	if err != nil {
		g.log.WithError(err).WithField("event", name).Warn("Failed to encode event")

		return 0
	}

	sent := 0

	for _, c := range g.snapshot() {
		if c.boundUserID() != userID {
			continue
		}

		if c.enqueue(frame) {
			sent++
		}
	}

	return sent
}

func (g *Gateway) audit(ctx context.Context, e audit.Entry) {
	if g.deps.Auditor != nil {
		g.deps.Auditor.Write(ctx, e)
	}
}
