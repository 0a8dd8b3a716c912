package hub

import (
	"fmt"
	"sync"

	"github.com/sockethub/sockethub/pkg/envelope"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/metrics"
	"github.com/sockethub/sockethub/pkg/presence"
	"github.com/sockethub/sockethub/pkg/transport"
)

// The "global" channel every client joins on connect.
const (
	GlobalChannelID    = "global"
	GlobalChannelLimit = 1000
)

// pongFrame answers the bare "ping" heartbeat. It is a fixed byte sequence
// so clients can match it verbatim.
var pongFrame = []byte(`{"type":"pong","content":{"message":"pong"}}`)

// heartbeatFrame is the bare text frame clients send as a keepalive.
const heartbeatFrame = "ping"

// Hub is the process-wide registry of clients and channels and the
// lifecycle coordinator between the transport layer and both.
//
// Lock ordering is Hub → Channel → Client; the hub never takes its own
// lock while holding an entity lock, and user hooks and transport writes
// always run outside every lock.
type Hub struct {
	channels map[string]ChannelOps
	clients  map[string]ClientOps

	srv transport.Server

	env            *Env
	hooks          Hooks
	clientFactory  ClientFactory
	channelFactory ChannelFactory
	presence       *presence.Manager
	defaultLimit   int
	debug          bool

	mu sync.RWMutex
}

// Option configures a hub.
type Option func(*Hub)

// WithHooks installs user lifecycle hooks.
func WithHooks(hooks Hooks) Option {
	return func(h *Hub) { h.hooks = hooks }
}

// WithLogger sets the hub logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Hub) { h.env.Logger = l }
}

// WithMetrics attaches hub metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.env.Metrics = m }
}

// WithCodec sets the wire codec. JSON is the default.
func WithCodec(c envelope.Codec) Option {
	return func(h *Hub) { h.env.Builder = envelope.NewBuilder(c) }
}

// WithClientFactory installs a client variant constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(h *Hub) { h.clientFactory = f }
}

// WithChannelFactory installs a channel variant constructor.
func WithChannelFactory(f ChannelFactory) Option {
	return func(h *Hub) { h.channelFactory = f }
}

// WithChannelsSeed pre-populates the channel registry in lieu of the
// default global channel.
func WithChannelsSeed(seed map[string]ChannelOps) Option {
	return func(h *Hub) {
		for id, ch := range seed {
			h.channels[id] = ch
		}
	}
}

// WithPresence attaches a presence manager maintained across connect,
// join, leave and disconnect.
func WithPresence(m *presence.Manager) Option {
	return func(h *Hub) { h.presence = m }
}

// WithDefaultChannelLimit overrides the member cap applied to channels
// created without an explicit limit.
func WithDefaultChannelLimit(limit int) Option {
	return func(h *Hub) {
		if limit > 0 {
			h.defaultLimit = limit
		}
	}
}

// WithDebug enables verbose lifecycle logging.
func WithDebug() Option {
	return func(h *Hub) { h.debug = true }
}

// New creates a hub. Unless a channel seed provides one, a "global"
// channel with limit 1000 is created up front.
func New(opts ...Option) *Hub {
	h := &Hub{
		channels:     make(map[string]ChannelOps),
		clients:      make(map[string]ClientOps),
		env:          &Env{Builder: envelope.NewBuilder(nil), Logger: logging.DefaultLogger},
		defaultLimit: DefaultChannelLimit,
	}
	h.clientFactory = func(conn transport.Transport, env *Env) ClientOps {
		return NewClient(conn, env)
	}
	h.channelFactory = func(id, name string, limit int, env *Env) ChannelOps {
		return NewChannel(id, name, limit, env)
	}

	for _, opt := range opts {
		opt(h)
	}
	if len(h.channels) == 0 {
		h.CreateChannel(GlobalChannelID, "Global", GlobalChannelLimit)
	}
	return h
}

var (
	defaultHub  *Hub
	defaultOnce sync.Once
)

// Default returns the shared hub for single-hub processes. Construction is
// guarded by sync.Once, so nested or concurrent first access is safe.
// Tests should instantiate their own hubs with New.
func Default() *Hub {
	defaultOnce.Do(func() { defaultHub = New() })
	return defaultHub
}

// Env exposes the hub's shared collaborators, mainly for variants built
// through factories.
func (h *Hub) Env() *Env { return h.env }

// SetTransportServer late-binds the shared pub/sub server. Required before
// any broadcast; existing and future channels pick it up.
func (h *Hub) SetTransportServer(srv transport.Server) {
	h.mu.Lock()
	h.srv = srv
	channels := make([]ChannelOps, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		ch.BindPublisher(srv)
	}
}

func (h *Hub) server() transport.Server {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.srv
}

// CreateChannel returns the existing channel for id, or constructs one
// with the configured channel variant. A non-positive limit uses the
// hub's default.
func (h *Hub) CreateChannel(id, name string, limit int) ChannelOps {
	h.mu.RLock()
	ch, ok := h.channels[id]
	h.mu.RUnlock()
	if ok {
		return ch
	}

	if limit <= 0 {
		limit = h.defaultLimit
	}

	h.mu.Lock()
	if ch, ok = h.channels[id]; ok {
		h.mu.Unlock()
		return ch
	}
	ch = h.channelFactory(id, name, limit, h.env)
	h.channels[id] = ch
	srv := h.srv
	h.mu.Unlock()

	if srv != nil {
		ch.BindPublisher(srv)
	}
	h.env.Metrics.ChannelCreated()
	return ch
}

// RemoveChannel evacuates and deletes a channel. Unknown ids are no-ops.
func (h *Hub) RemoveChannel(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	if ok {
		delete(h.channels, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	ch.Delete()
	if h.presence != nil {
		h.presence.Remove(id)
	}
	h.env.Metrics.ChannelRemoved()
}

// GetChannel retrieves a channel by id.
func (h *Hub) GetChannel(id string) (ChannelOps, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[id]
	return ch, ok
}

// GetChannels returns all channels.
func (h *Hub) GetChannels() []ChannelOps {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChannelOps, 0, len(h.channels))
	for _, ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

// GetClient retrieves a connected client by id.
func (h *Hub) GetClient(id string) (ClientOps, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// LookupClient retrieves a client or fails with ErrClientNotFound.
func (h *Hub) LookupClient(id string) (ClientOps, error) {
	if c, ok := h.GetClient(id); ok {
		return c, nil
	}
	return nil, ErrClientNotFound
}

// GetClients returns all connected clients.
func (h *Hub) GetClients() []ClientOps {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientOps, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetChannelCount returns the number of channels.
func (h *Hub) GetChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Broadcast serializes the payload as an envelope and publishes the bytes
// on the channel topic. The envelope bytes go on the wire directly, the
// same shape Channel.Broadcast produces.
func (h *Hub) Broadcast(channelID string, payload any) error {
	srv := h.server()
	if srv == nil {
		return ErrTransportNotSet
	}

	var p envelope.Payload
	switch v := payload.(type) {
	case string:
		p = envelope.Text(v)
	case envelope.Payload:
		p = v
	default:
		return fmt.Errorf("unsupported broadcast payload %T", payload)
	}
	p.Channel = channelID

	data, err := h.env.Builder.Serialize(h.env.Builder.Build(p, nil))
	if err != nil {
		return err
	}
	h.env.Metrics.Published()
	return srv.PublishTopic(channelID, data)
}

// BroadcastAll invokes Broadcast on every channel. Transport failures are
// confined to the affected channel and logged; only a missing transport
// server surfaces.
func (h *Hub) BroadcastAll(payload any) error {
	if h.server() == nil {
		return ErrTransportNotSet
	}

	for _, ch := range h.GetChannels() {
		if err := h.Broadcast(ch.ID(), payload); err != nil {
			h.env.Logger.Warn("broadcast failed",
				logging.String("channel", ch.ID()),
				logging.Err(err))
		}
	}
	return nil
}

// Join resolves the client id and delegates membership to the channel.
func (h *Hub) Join(channelID, clientID string) JoinResult {
	c, err := h.LookupClient(clientID)
	if err != nil {
		return JoinResult{OK: false, Reason: ReasonError, Err: err}
	}
	ch, ok := h.GetChannel(channelID)
	if !ok {
		return JoinResult{OK: false, Reason: ReasonError, Err: ErrChannelNotFound}
	}

	res := c.JoinChannel(ch, true)
	if res.OK {
		h.trackPresence(channelID, c)
	}
	return res
}

// Leave resolves the client id and delegates removal to the channel.
func (h *Hub) Leave(channelID, clientID string) error {
	c, err := h.LookupClient(clientID)
	if err != nil {
		return err
	}
	ch, ok := h.GetChannel(channelID)
	if !ok {
		return ErrChannelNotFound
	}

	if c.LeaveChannel(ch, true) {
		h.untrackPresence(channelID, clientID)
	}
	return nil
}

func (h *Hub) trackPresence(channelID string, c ClientOps) {
	if h.presence == nil {
		return
	}
	h.presence.GetOrCreate(channelID).Track(c.Whoami(), nil)
}

func (h *Hub) untrackPresence(channelID, clientID string) {
	if h.presence == nil {
		return
	}
	h.presence.GetOrCreate(channelID).Untrack(clientID)
}

// OnOpen handles a new connection: register the client, welcome it, and
// admit it to the global channel. The user hook runs after the default
// open work.
func (h *Hub) OnOpen(conn transport.Transport) {
	who := conn.Data()
	if h.debug {
		h.env.Logger.Info("client connected",
			logging.String("client", who.ID),
			logging.String("name", who.Name))
	}

	global, ok := h.GetChannel(GlobalChannelID)
	if !ok {
		// Only possible when a channel seed dropped the global
		// channel: a wiring bug, not a runtime condition.
		panic("hub: global channel missing")
	}

	client := h.clientFactory(conn, h.env)

	h.mu.Lock()
	h.clients[who.ID] = client
	h.mu.Unlock()

	client.MarkConnected()
	h.env.Metrics.ConnOpened()

	client.Send(envelope.Payload{
		Type: envelope.TypeClientConnected,
		Content: map[string]any{
			"message": "Welcome to the server",
			"client":  map[string]any{"id": who.ID, "name": who.Name},
		},
	}, nil)

	if res := global.AddMember(client, true); res.OK {
		h.trackPresence(GlobalChannelID, client)
	} else if res.Reason == ReasonError {
		h.env.Logger.Error("global channel admission failed",
			logging.String("client", who.ID),
			logging.Err(res.Err))
	}

	if h.hooks.Open != nil {
		h.hooks.Open(conn)
	}
}

// OnMessage handles an inbound frame. The bare "ping" heartbeat is
// answered immediately; a user message hook replaces the default
// echo-and-broadcast behavior for everything else.
func (h *Hub) OnMessage(conn transport.Transport, msg []byte) {
	if string(msg) == heartbeatFrame {
		h.env.Metrics.MessageReceived(envelope.TypePing)
		if err := conn.Send(pongFrame); err != nil {
			h.env.Logger.Debug("heartbeat reply failed",
				logging.String("client", conn.Data().ID),
				logging.Err(err))
		}
		return
	}

	h.env.Metrics.MessageReceived(envelope.TypeMessage)

	if h.hooks.Message != nil {
		h.hooks.Message(conn, msg)
		return
	}

	payload := envelope.Payload{
		Type:    envelope.TypeClientMessageReceived,
		Content: map[string]any{"message": string(msg)},
	}

	if client, ok := h.GetClient(conn.Data().ID); ok {
		client.Send(payload, nil)
	}
	if err := h.BroadcastAll(payload); err != nil {
		h.env.Logger.Warn("broadcast-all failed", logging.Err(err))
	}
}

// OnClose handles a closed connection: the user hook runs first, then the
// client is evacuated from every channel before being deregistered.
func (h *Hub) OnClose(conn transport.Transport, code int, reason string) {
	who := conn.Data()
	if h.debug {
		h.env.Logger.Info("client disconnected",
			logging.String("client", who.ID),
			logging.Int("code", code),
			logging.String("reason", reason))
	}

	if h.hooks.Close != nil {
		h.hooks.Close(conn, code, reason)
	}

	client, ok := h.GetClient(who.ID)
	if !ok {
		return
	}

	client.MarkDisconnecting()

	for _, ch := range h.GetChannels() {
		if _, removed := ch.RemoveMember(who.ID, true); removed {
			h.untrackPresence(ch.ID(), who.ID)
		}
	}

	h.mu.Lock()
	delete(h.clients, who.ID)
	h.mu.Unlock()

	client.MarkDisconnected()
	h.env.Metrics.ConnClosed()
}
