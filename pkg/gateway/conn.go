package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clawcrm/clawcrm/pkg/protocol"
	"github.com/clawcrm/clawcrm/pkg/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are checked after the upgrade so the client sees a close
	// code instead of a failed handshake.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// conn is the per-socket state. Only the reader goroutine mutates the
// binding fields; mu guards the ones broadcast reads.
type conn struct {
	id      string
	gw      *Gateway
	ws      *websocket.Conn
	log     logrus.FieldLogger
	origin  string
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	mu            sync.RWMutex
	instanceID    string
	userID        string
	user          *store.User
	token         string
	subscriptions map[string]struct{}

	challengeKey string
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	origin := r.Header.Get("Origin")
	log := g.log.WithFields(logrus.Fields{
		"remote": extractIP(r),
		"origin": origin,
	})

	if !g.originAllowed(origin) {
		log.Warn("Rejected connection from disallowed origin")
		closeNow(ws, protocol.CloseOriginForbidden, "origin not allowed")

		return
	}

	var instanceID string

	if token := r.URL.Query().Get("token"); token != "" {
		instanceID, err = g.deps.Pairer.Reconnect(r.Context(), token)
		if err != nil {
			log.WithError(err).Info("Rejected reconnect token")

			if frame, eerr := protocol.Encode(protocol.TypePairError, protocol.NewError(
				protocol.CodePairingInvalid, "reconnect token is invalid",
			)); eerr == nil {
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.WriteMessage(websocket.TextMessage, frame)
			}

			closeNow(ws, protocol.ClosePairingInvalid, "pairing invalid")

			return
		}
	}

	ctx, cancel := context.WithCancel(g.baseCtx)

	c := &conn{
		id:            uuid.NewString(),
		gw:            g,
		ws:            ws,
		origin:        origin,
		ctx:           ctx,
		cancel:        cancel,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		instanceID:    instanceID,
		subscriptions: make(map[string]struct{}, 8),
	}

	c.log = log.WithField("conn_id", c.id)

	if g.cfg.RateLimit.Enabled {
		c.limiter = newLimiter(g.cfg.RateLimit.RPC.RequestsPerMinute)
	}

	ws.SetReadLimit(g.maxSize)

	if !g.addConn(c) {
		cancel()
		closeNow(ws, websocket.CloseGoingAway, "server shutting down")

		return
	}

	c.log.WithField("instance_id", instanceID).Debug("Connection opened")

	go c.writeLoop()

	c.readLoop()
}

func (g *Gateway) originAllowed(origin string) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

func closeNow(ws *websocket.Conn, code int, text string) {
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait),
	)
	_ = ws.Close()
}

// readLoop processes frames one at a time until the socket fails.
func (c *conn) readLoop() {
	defer func() {
		c.gw.deps.Authenticator.DiscardChallenge(c.challengeKey)
		c.challengeKey = ""
		c.gw.removeConn(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		c.cancel()
		c.gw.connWG.Done()
		c.log.Debug("Connection closed")
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("Connection read failed")
			}

			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			c.sendError(protocol.TypeAuthError, protocol.CodeValidation, "expected a text frame")

			continue
		}

		c.dispatch(frame)
	}
}

// writeLoop owns all data writes to the socket.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")

				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")

				return
			}
		case <-c.done:
			c.flush()

			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeText),
					time.Now().Add(writeWait),
				)
			}

			return
		}
	}
}

// flush writes frames queued before the connection was closed.
func (c *conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// closeWith marks the connection closed. The writer sends the close frame
// after flushing queued frames.
func (c *conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// enqueue queues a frame for the writer. A client that cannot keep up is
// disconnected.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("Send buffer full, closing connection")
		c.closeWith(websocket.ClosePolicyViolation, "send buffer full")

		return false
	}
}

func (c *conn) sendFrame(msgType string, data any) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode frame")

		return
	}

	c.enqueue(frame)
}

func (c *conn) sendError(msgType string, code protocol.ErrorCode, message string) {
	c.sendFrame(msgType, protocol.NewError(code, message))
}

func (c *conn) sendRPCError(id string, code protocol.ErrorCode, message string) {
	c.sendFrame(protocol.TypeRPCResponse, protocol.RPCResponse{
		ID:    id,
		Error: protocol.NewError(code, message),
	})
}

// --- binding state ---

func (c *conn) bind(user *store.User, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.user = user
	c.userID = user.ID
	c.token = token
}

func (c *conn) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.user = nil
	c.userID = ""
	c.token = ""
	c.subscriptions = make(map[string]struct{}, 8)
}

func (c *conn) boundUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.userID
}

func (c *conn) boundToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

func (c *conn) boundInstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.instanceID
}

func (c *conn) setInstanceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.instanceID = id
}

func (c *conn) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscriptions[topic] = struct{}{}
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subscriptions, topic)
}

func (c *conn) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.subscriptions[topic]

	return ok
}
