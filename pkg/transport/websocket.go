package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/pubsub"
)

// WebSocketConfig configures WebSocket security settings.
type WebSocketConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket
	// connections. If empty and InsecureDevMode is false, only
	// same-origin connections are allowed.
	AllowedOrigins []string

	// InsecureDevMode disables origin validation (development only).
	InsecureDevMode bool
}

// WSConn is a server-side WebSocket connection implementing Transport.
// Writes go through a buffered pump so fan-out callers never block on a
// slow socket.
type WSConn struct {
	conn   *websocket.Conn
	id     identity.Identity
	config *Config
	ps     pubsub.PubSub
	logger logging.Logger

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	subs map[string]pubsub.Subscription
	mu   sync.Mutex
}

// newWSConn wires an accepted connection.
func newWSConn(conn *websocket.Conn, id identity.Identity, config *Config, ps pubsub.PubSub, logger logging.Logger) *WSConn {
	c := &WSConn{
		conn:    conn,
		id:      id,
		config:  config,
		ps:      ps,
		logger:  logger,
		sendCh:  make(chan []byte, config.SendBufferSize),
		closeCh: make(chan struct{}),
		subs:    make(map[string]pubsub.Subscription),
	}
	go c.writeLoop()
	go c.pingLoop()
	return c
}

// Data returns the identity assigned at upgrade.
func (c *WSConn) Data() identity.Identity {
	return c.id
}

// Send queues bytes for this connection.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.closeCh:
		return ErrConnectionClosed
	case <-time.After(c.config.WriteTimeout):
		return ErrSendTimeout
	}
}

// Subscribe joins a topic; published bytes are written to this connection.
func (c *WSConn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[topic]; ok {
		return nil
	}
	sub, err := c.ps.Subscribe(topic, func(msg []byte) {
		if err := c.Send(msg); err != nil {
			c.logger.Debug("dropping topic message",
				logging.String("topic", topic),
				logging.String("client", c.id.ID),
				logging.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	return nil
}

// Unsubscribe leaves a topic.
func (c *WSConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// PublishTopic fans bytes out to every subscriber of a topic.
func (c *WSConn) PublishTopic(topic string, data []byte) error {
	return c.ps.Publish(topic, data)
}

// Close terminates the connection and releases all topic subscriptions.
func (c *WSConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]pubsub.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}

		if code == 0 {
			code = CloseNormal
		}
		err = c.conn.Close(websocket.StatusCode(code), reason)
	})
	return err
}

func (c *WSConn) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close(CloseAbnormal, "write failed")
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
			c.conn.Ping(ctx)
			cancel()
		case <-c.closeCh:
			return
		}
	}
}

// readLoop reads frames and feeds the handler. It owns the close
// notification: the handler's OnClose fires exactly once per connection.
func (c *WSConn) readLoop(handler Handler) {
	for {
		select {
		case <-c.closeCh:
			handler.OnClose(c, CloseNormal, "closed")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ReadTimeout)
		_, data, err := c.conn.Read(ctx)
		cancel()

		if err != nil {
			code := int(websocket.CloseStatus(err))
			reason := "connection closed"
			if code < 0 {
				code = CloseAbnormal
			}
			c.Close(code, reason)
			handler.OnClose(c, code, reason)
			return
		}

		handler.OnMessage(c, data)
	}
}

// WebSocketServer upgrades HTTP requests, assigns identities, and feeds
// connection events to the hub. It also implements Server so the hub can
// publish through the shared topic fabric.
type WebSocketServer struct {
	*TopicServer

	config   *Config
	wsConfig *WebSocketConfig
	handler  Handler
	logger   logging.Logger
}

// NewWebSocketServer creates a server over the given fabric.
func NewWebSocketServer(ps pubsub.PubSub, handler Handler, config *Config, wsConfig *WebSocketConfig, logger logging.Logger) *WebSocketServer {
	if config == nil {
		config = DefaultConfig()
	}
	if wsConfig == nil {
		wsConfig = &WebSocketConfig{}
	}
	if logger == nil {
		logger = logging.DefaultLogger
	}
	return &WebSocketServer{
		TopicServer: NewTopicServer(ps),
		config:      config,
		wsConfig:    wsConfig,
		handler:     handler,
		logger:      logger,
	}
}

// ServeHTTP handles the upgrade handshake.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.isOriginAllowed(r.Header.Get("Origin"), r.Host) {
		http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.wsConfig.InsecureDevMode,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", logging.Err(err))
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	id := identityFromRequest(r)
	ws := newWSConn(conn, id, s.config, s.PubSub(), s.logger)

	s.handler.OnOpen(ws)
	go ws.readLoop(s.handler)
}

// identityFromRequest derives the client identity from query parameters,
// falling back to a generated id. Authentication decisions belong to the
// caller; the hub accepts an already-identified client.
func identityFromRequest(r *http.Request) identity.Identity {
	q := r.URL.Query()
	id := q.Get("client_id")
	if id == "" {
		id = uuid.NewString()
	}
	name := q.Get("name")
	if name == "" {
		name = identity.UnknownName
	}
	return identity.Identity{ID: id, Name: name}
}

// isOriginAllowed checks the Origin header against the allow list.
func (s *WebSocketServer) isOriginAllowed(origin, requestHost string) bool {
	if s.wsConfig.InsecureDevMode {
		return true
	}

	// Empty origin = same-origin request.
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Host == requestHost {
		return true
	}

	for _, allowed := range s.wsConfig.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if allowedURL, err := url.Parse(allowed); err == nil {
			if allowedURL.Host == originURL.Host {
				return true
			}
		}
	}
	return false
}
