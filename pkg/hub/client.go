package hub

import (
	"strings"
	"sync"
	"time"

	"github.com/sockethub/sockethub/pkg/envelope"
	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/transport"
)

// Client adapts one transport connection: identity, joined channels, and a
// send gate driven by the connection state machine.
type Client struct {
	id   identity.Identity
	conn transport.Transport
	env  *Env

	channels map[string]ChannelOps

	state          ClientState
	connectedAt    time.Time
	disconnectedAt time.Time

	mu sync.RWMutex
}

var _ ClientOps = (*Client)(nil)

// NewClient creates a client over an accepted connection. The client
// starts in CONNECTING; the hub marks it CONNECTED once registered.
func NewClient(conn transport.Transport, env *Env) *Client {
	return &Client{
		id:       conn.Data(),
		conn:     conn,
		env:      env,
		channels: make(map[string]ChannelOps),
		state:    StateConnecting,
	}
}

// Whoami returns the client's identity.
func (c *Client) Whoami() identity.Identity {
	return c.id
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CanReceive reports whether outbound sends are admissible: true iff the
// state is CONNECTED or DISCONNECTING.
func (c *Client) CanReceive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected || c.state == StateDisconnecting
}

// advance moves the state forward. Backward transitions are ignored.
func (c *Client) advance(target ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target <= c.state {
		return
	}
	c.state = target
	switch target {
	case StateConnected:
		c.connectedAt = time.Now()
	case StateDisconnected:
		c.disconnectedAt = time.Now()
	}
}

// MarkConnected moves the client to CONNECTED.
func (c *Client) MarkConnected() { c.advance(StateConnected) }

// MarkDisconnecting moves the client to DISCONNECTING.
func (c *Client) MarkDisconnecting() { c.advance(StateDisconnecting) }

// MarkDisconnected moves the client to DISCONNECTED.
func (c *Client) MarkDisconnected() { c.advance(StateDisconnected) }

// Send builds an envelope from the payload and options, attributes this
// client as the sender, and writes it to the connection. Transport errors
// indicating closure force DISCONNECTED; other transport errors are logged
// and swallowed.
func (c *Client) Send(p envelope.Payload, opts *envelope.Options) error {
	if !c.CanReceive() {
		c.env.Logger.Warn("dropping send to client in inadmissible state",
			logging.String("client", c.id.ID),
			logging.String("state", c.State().String()),
			logging.String("type", p.Type))
		return nil
	}

	var o envelope.Options
	if opts != nil {
		o = *opts
	}
	sender := c.id
	o.Client = &sender

	built := c.env.Builder.Build(p, &o)
	data, err := c.env.Builder.Serialize(built)
	if err != nil {
		c.env.Logger.Error("envelope serialization failed",
			logging.String("client", c.id.ID),
			logging.Err(err))
		return err
	}

	if err := c.writeRaw(data); err != nil {
		return nil
	}
	c.env.Metrics.MessageSent(p.Type)
	return nil
}

// Deliver writes pre-serialized bytes, subject to the same state gate as
// Send. Disconnected clients silently cease to receive.
func (c *Client) Deliver(data []byte) error {
	if !c.CanReceive() {
		return nil
	}
	return c.writeRaw(data)
}

// writeRaw writes to the transport, translating closure into state.
func (c *Client) writeRaw(data []byte) error {
	err := c.conn.Send(data)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "closed") {
		c.MarkDisconnected()
		c.env.Logger.Debug("transport closed, client marked disconnected",
			logging.String("client", c.id.ID))
	} else {
		c.env.Logger.Warn("transport send failed",
			logging.String("client", c.id.ID),
			logging.Err(err))
	}
	c.env.Metrics.Failure("transport")
	return err
}

// JoinChannel is a thin delegate: membership authority lives in the
// channel. Joining a channel the client already tracks is rejected here
// without consulting the channel.
func (c *Client) JoinChannel(ch ChannelOps, notify bool) JoinResult {
	if c.InChannel(ch.ID()) {
		return JoinResult{OK: false, Reason: ReasonAlreadyMember}
	}
	return ch.AddMember(c, notify)
}

// LeaveChannel delegates removal to the channel. Leaving an untracked
// channel is a no-op.
func (c *Client) LeaveChannel(ch ChannelOps, notify bool) bool {
	if !c.InChannel(ch.ID()) {
		return false
	}
	_, ok := ch.RemoveMember(c.id.ID, notify)
	return ok
}

// JoinChannels joins each channel without per-channel notification, then
// sends one aggregate notification listing the channels joined.
func (c *Client) JoinChannels(chs []ChannelOps, notify bool) []JoinResult {
	results := make([]JoinResult, 0, len(chs))
	joined := make([]string, 0, len(chs))
	for _, ch := range chs {
		res := c.JoinChannel(ch, false)
		results = append(results, res)
		if res.OK {
			joined = append(joined, ch.ID())
		}
	}

	if notify && len(joined) > 0 {
		c.Send(envelope.Payload{
			Type:    envelope.TypeClientJoinChannels,
			Content: map[string]any{"channels": joined},
		}, nil)
	}
	return results
}

// LeaveChannels leaves the given channels, or every tracked channel when
// chs is nil, then sends one aggregate notification.
func (c *Client) LeaveChannels(chs []ChannelOps, notify bool) {
	if chs == nil {
		chs = c.Channels()
	}
	left := make([]string, 0, len(chs))
	for _, ch := range chs {
		if c.LeaveChannel(ch, false) {
			left = append(left, ch.ID())
		}
	}

	if notify && len(left) > 0 {
		c.Send(envelope.Payload{
			Type:    envelope.TypeClientLeaveChannels,
			Content: map[string]any{"channels": left},
		}, nil)
	}
}

// Channels returns the channels this client has joined.
func (c *Client) Channels() []ChannelOps {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChannelOps, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// InChannel reports whether the client tracks a channel id.
func (c *Client) InChannel(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[id]
	return ok
}

// GetConnectionInfo returns a snapshot with uptime and channel count.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := ConnectionInfo{
		Identity:       c.id,
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		DisconnectedAt: c.disconnectedAt,
		ChannelCount:   len(c.channels),
	}
	if !c.connectedAt.IsZero() {
		end := time.Now()
		if !c.disconnectedAt.IsZero() {
			end = c.disconnectedAt
		}
		info.Uptime = end.Sub(c.connectedAt)
	}
	return info
}

// TrackChannel records a joined channel. Called by the channel during
// membership coordination.
func (c *Client) TrackChannel(ch ChannelOps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.ID()] = ch
}

// UntrackChannel removes a channel from the client's map.
func (c *Client) UntrackChannel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
}

// SubscribeTopic passes through to the transport. Without this the client
// would not observe topic publishes.
func (c *Client) SubscribeTopic(topic string) error {
	return c.conn.Subscribe(topic)
}

// UnsubscribeTopic passes through to the transport.
func (c *Client) UnsubscribeTopic(topic string) error {
	return c.conn.Unsubscribe(topic)
}
