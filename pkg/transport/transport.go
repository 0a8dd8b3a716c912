// Package transport provides the connection layer consumed by the hub:
// a per-connection byte sink with topic subscribe/publish, and the shared
// topic server the hub late-binds for broadcasts.
package transport

import (
	"errors"
	"time"

	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/pubsub"
)

// Common transport errors.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send timeout")
	ErrBufferFull       = errors.New("transport buffer full")
)

// Standard WebSocket close codes propagated to the hub unchanged.
// Application-defined codes may use the 4000-4999 range.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupported     = 1003
	CloseAbnormal        = 1006
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	CloseAppRangeStart   = 4000
	CloseAppRangeEnd     = 4999
)

// Transport is one client connection as the hub sees it.
type Transport interface {
	// Send writes bytes to this connection.
	Send(data []byte) error

	// Subscribe joins a pub/sub topic; published bytes are delivered
	// through Send.
	Subscribe(topic string) error

	// Unsubscribe leaves a pub/sub topic.
	Unsubscribe(topic string) error

	// PublishTopic fans bytes out to every subscriber of a topic.
	PublishTopic(topic string, data []byte) error

	// Close terminates the connection.
	Close(code int, reason string) error

	// Data returns the identity assigned at upgrade.
	Data() identity.Identity
}

// Server is the shared pub/sub surface the hub publishes through.
type Server interface {
	PublishTopic(topic string, data []byte) error
}

// Handler receives connection lifecycle events from the transport layer.
type Handler interface {
	OnOpen(conn Transport)
	OnMessage(conn Transport, msg []byte)
	OnClose(conn Transport, code int, reason string)
}

// Config holds common transport tuning.
type Config struct {
	// ReadTimeout is the maximum time to wait for a frame. Idle
	// connections stay alive through the client heartbeat.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for a write.
	WriteTimeout time.Duration

	// PingInterval is how often to send protocol-level pings.
	PingInterval time.Duration

	// MaxMessageSize is the maximum inbound frame size in bytes.
	MaxMessageSize int64

	// SendBufferSize is the size of the outbound frame buffer.
	SendBufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512 * 1024,
		SendBufferSize: 256,
	}
}

// TopicServer implements Server over a pubsub fabric.
type TopicServer struct {
	ps pubsub.PubSub
}

// NewTopicServer creates a topic server over the given fabric.
func NewTopicServer(ps pubsub.PubSub) *TopicServer {
	return &TopicServer{ps: ps}
}

// PublishTopic fans bytes out to all subscribers of a topic.
func (s *TopicServer) PublishTopic(topic string, data []byte) error {
	return s.ps.Publish(topic, data)
}

// PubSub exposes the underlying fabric, for connections that subscribe.
func (s *TopicServer) PubSub() pubsub.PubSub {
	return s.ps
}

// Close shuts the fabric down.
func (s *TopicServer) Close() error {
	return s.ps.Close()
}
