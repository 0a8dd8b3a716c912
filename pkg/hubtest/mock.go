// Package hubtest provides transport doubles for hub tests.
package hubtest

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/transport"
)

// MockTransport implements transport.Transport and records everything.
type MockTransport struct {
	id identity.Identity

	sent          [][]byte
	subscriptions map[string]bool
	published     map[string][][]byte

	closed    bool
	closeCode int
	reason    string

	// SendErr, when set, is returned from Send to simulate failures.
	SendErr error

	// SubscribeErr, when set, is returned from Subscribe.
	SubscribeErr error

	mu sync.Mutex
}

// NewMockTransport creates a mock connection with the given identity.
// An empty id gets a generated one.
func NewMockTransport(id, name string) *MockTransport {
	if id == "" {
		id = "test-" + uuid.NewString()[:8]
	}
	return &MockTransport{
		id:            identity.Identity{ID: id, Name: name},
		subscriptions: make(map[string]bool),
		published:     make(map[string][][]byte),
	}
}

// Data returns the assigned identity.
func (m *MockTransport) Data() identity.Identity {
	return m.id
}

// Send records the written bytes.
func (m *MockTransport) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return m.SendErr
	}
	if m.closed {
		return transport.ErrConnectionClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.sent = append(m.sent, buf)
	return nil
}

// Subscribe records the topic.
func (m *MockTransport) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.subscriptions[topic] = true
	return nil
}

// Unsubscribe removes the topic.
func (m *MockTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, topic)
	return nil
}

// PublishTopic records a publish.
func (m *MockTransport) PublishTopic(topic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.published[topic] = append(m.published[topic], buf)
	return nil
}

// Close marks the connection closed.
func (m *MockTransport) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.closeCode = code
	m.reason = reason
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SentCount returns the number of writes.
func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Sent returns copies of all written frames.
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the last written frame, or nil.
func (m *MockTransport) LastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// LastSentJSON decodes the last written frame as JSON.
func (m *MockTransport) LastSentJSON() (map[string]any, bool) {
	data := m.LastSent()
	if data == nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

// SentJSON decodes every written frame as JSON, skipping non-JSON frames.
func (m *MockTransport) SentJSON() []map[string]any {
	frames := m.Sent()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var v map[string]any
		if err := json.Unmarshal(f, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Subscribed reports whether the topic is currently subscribed.
func (m *MockTransport) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[topic]
}

// Publish captures one server-side topic publish.
type Publish struct {
	Topic string
	Data  []byte
}

// MockServer implements transport.Server and records publishes.
type MockServer struct {
	published []Publish

	// Err, when set, is returned from PublishTopic.
	Err error

	mu sync.Mutex
}

// NewMockServer creates a recording server.
func NewMockServer() *MockServer {
	return &MockServer{}
}

// PublishTopic records a publish.
func (s *MockServer) PublishTopic(topic string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.published = append(s.published, Publish{Topic: topic, Data: buf})
	return nil
}

// PublishCount returns the number of publishes.
func (s *MockServer) PublishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

// Published returns copies of all publishes.
func (s *MockServer) Published() []Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Publish, len(s.published))
	copy(out, s.published)
	return out
}

// LastPublish returns the last publish, or false when none happened.
func (s *MockServer) LastPublish() (Publish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.published) == 0 {
		return Publish{}, false
	}
	return s.published[len(s.published)-1], true
}
