// Package hub implements the connection-oriented messaging runtime: a
// registry of connected clients grouped into named channels, with broadcast
// fan-out, membership coordination, and per-connection lifecycle handling.
package hub

import (
	"errors"
	"time"

	"github.com/sockethub/sockethub/pkg/envelope"
	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/metrics"
	"github.com/sockethub/sockethub/pkg/transport"
)

// Configuration and lookup errors.
var (
	// ErrTransportNotSet is returned when a broadcast is attempted
	// before SetTransportServer.
	ErrTransportNotSet = errors.New("transport server not set")

	// ErrClientNotFound is returned when a client id resolves to nothing.
	ErrClientNotFound = errors.New("client not found")

	// ErrChannelNotFound is returned when a channel id resolves to nothing.
	ErrChannelNotFound = errors.New("channel not found")
)

// ClientState is the connection state of a client. Transitions are
// monotonic: a client never revives.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// JoinReason classifies an expected join failure.
type JoinReason string

const (
	ReasonAlreadyMember JoinReason = "already_member"
	ReasonFull          JoinReason = "full"
	ReasonError         JoinReason = "error"
)

// JoinResult is the structured outcome of a membership change. Expected
// failures are result variants, never panics.
type JoinResult struct {
	OK     bool
	Client ClientOps
	Reason JoinReason
	Err    error
}

// ConnectionInfo is a point-in-time snapshot of a client connection.
type ConnectionInfo struct {
	Identity       identity.Identity
	State          ClientState
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Uptime         time.Duration
	ChannelCount   int
}

// ClientOps is the capability set the hub and channels depend on. Variants
// are supplied through ClientFactory; embedding *Client is the usual way to
// specialize behavior.
type ClientOps interface {
	// Whoami returns the client's identity.
	Whoami() identity.Identity

	// State returns the current connection state.
	State() ClientState

	// CanReceive reports whether outbound sends are admissible.
	CanReceive() bool

	// Send builds an envelope, attributes it to this client, and writes
	// it to the connection. Sends in an inadmissible state are dropped
	// with a warning.
	Send(p envelope.Payload, opts *envelope.Options) error

	// JoinChannel delegates membership to the channel.
	JoinChannel(ch ChannelOps, notify bool) JoinResult

	// LeaveChannel delegates removal to the channel. Returns false when
	// the channel was not tracked.
	LeaveChannel(ch ChannelOps, notify bool) bool

	// JoinChannels joins each channel without per-channel notification,
	// then sends one aggregate notification.
	JoinChannels(chs []ChannelOps, notify bool) []JoinResult

	// LeaveChannels leaves the given channels (all tracked channels when
	// nil), then sends one aggregate notification.
	LeaveChannels(chs []ChannelOps, notify bool)

	// Channels returns the channels this client has joined.
	Channels() []ChannelOps

	// InChannel reports whether the client tracks a channel id.
	InChannel(id string) bool

	// State mutators. Each only moves the state forward.
	MarkConnected()
	MarkDisconnecting()
	MarkDisconnected()

	// GetConnectionInfo returns a snapshot with uptime and channel count.
	GetConnectionInfo() ConnectionInfo

	// Coordination surface used by channels during membership changes.
	TrackChannel(ch ChannelOps)
	UntrackChannel(id string)
	SubscribeTopic(topic string) error
	UnsubscribeTopic(topic string) error

	// Deliver writes pre-serialized bytes, subject to the same state
	// gate as Send. Used by the filtered fan-out path.
	Deliver(data []byte) error
}

// ChannelOps is the capability set the hub depends on for channels.
type ChannelOps interface {
	ID() string
	Name() string
	Limit() int
	CreatedAt() time.Time

	// AddMember admits a client, enforcing capacity atomically and
	// rolling back on any coordination failure.
	AddMember(c ClientOps, notify bool) JoinResult

	// RemoveMember evicts a client. Returns false when not a member.
	RemoveMember(id string, notify bool) (ClientOps, bool)

	// Broadcast fans a payload out to the channel: one topic publish,
	// or per-member filtered delivery when exclusions apply.
	Broadcast(payload any, opts *envelope.Options) error

	HasMember(id string) bool
	GetMember(id string) (ClientOps, bool)
	GetMembers(filter func(ClientOps) bool) []ClientOps
	GetMetadata() map[string]string
	SetMetadata(key, value string)
	GetSize() int
	CanAddMember() bool

	// Delete evacuates all members with notification, then clears.
	Delete()

	// BindPublisher late-binds the shared topic server.
	BindPublisher(srv transport.Server)
}

// Env bundles the collaborators shared by hub entities.
type Env struct {
	Builder *envelope.Builder
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// ClientFactory constructs client variants.
type ClientFactory func(conn transport.Transport, env *Env) ClientOps

// ChannelFactory constructs channel variants.
type ChannelFactory func(id, name string, limit int, env *Env) ChannelOps

// Hooks are user callbacks composed with the default lifecycle handlers.
// Message, when set, replaces the default handler for non-heartbeat frames;
// Open runs after the default open work; Close runs before the default
// close cleanup.
type Hooks struct {
	Open    func(conn transport.Transport)
	Message func(conn transport.Transport, msg []byte)
	Close   func(conn transport.Transport, code int, reason string)
}
