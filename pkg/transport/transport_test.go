package transport

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sockethub/sockethub/pkg/identity"
	"github.com/sockethub/sockethub/pkg/pubsub"
)

func TestTopicServerPublishReachesSubscribers(t *testing.T) {
	ps := pubsub.NewMemory()
	srv := NewTopicServer(ps)
	defer srv.Close()

	got := make(chan []byte, 1)
	_, err := ps.Subscribe("room", func(msg []byte) {
		got <- msg
	})
	require.NoError(t, err)

	require.NoError(t, srv.PublishTopic("room", []byte("hello")))

	select {
	case msg := <-got:
		require.Equal(t, []byte("hello"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never reached the subscriber")
	}
}

func TestTopicServerCloseRejectsPublish(t *testing.T) {
	srv := NewTopicServer(pubsub.NewMemory())
	require.NoError(t, srv.Close())
	require.ErrorIs(t, srv.PublishTopic("room", []byte("x")), pubsub.ErrClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 60*time.Second, cfg.ReadTimeout)
	require.Equal(t, 10*time.Second, cfg.WriteTimeout)
	require.Equal(t, 30*time.Second, cfg.PingInterval)
	require.Equal(t, int64(512*1024), cfg.MaxMessageSize)
	require.Equal(t, 256, cfg.SendBufferSize)
}

func TestIdentityFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?client_id=u1&name=Alice", nil)
	id := identityFromRequest(r)
	require.Equal(t, identity.Identity{ID: "u1", Name: "Alice"}, id)

	r = httptest.NewRequest("GET", "/ws", nil)
	id = identityFromRequest(r)
	require.NotEmpty(t, id.ID)
	require.Equal(t, identity.UnknownName, id.Name)

	// Generated ids are unique per request.
	other := identityFromRequest(httptest.NewRequest("GET", "/ws", nil))
	require.NotEqual(t, id.ID, other.ID)
}

func TestIsOriginAllowed(t *testing.T) {
	newServer := func(cfg *WebSocketConfig) *WebSocketServer {
		return NewWebSocketServer(pubsub.NewMemory(), nil, nil, cfg, nil)
	}

	s := newServer(nil)
	require.True(t, s.isOriginAllowed("", "example.com"), "same-origin requests carry no Origin header")
	require.True(t, s.isOriginAllowed("https://example.com", "example.com"))
	require.False(t, s.isOriginAllowed("https://evil.com", "example.com"))
	require.False(t, s.isOriginAllowed("://bad", "example.com"))

	s = newServer(&WebSocketConfig{AllowedOrigins: []string{"https://app.example.com"}})
	require.True(t, s.isOriginAllowed("https://app.example.com", "api.example.com"))
	require.False(t, s.isOriginAllowed("https://other.example.com", "api.example.com"))

	s = newServer(&WebSocketConfig{AllowedOrigins: []string{"*"}})
	require.True(t, s.isOriginAllowed("https://anything.com", "example.com"))

	s = newServer(&WebSocketConfig{InsecureDevMode: true})
	require.True(t, s.isOriginAllowed("https://evil.com", "example.com"))
}

func TestServeHTTPRejectsDisallowedOrigin(t *testing.T) {
	s := NewWebSocketServer(pubsub.NewMemory(), nil, nil, nil, nil)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Host = "example.com"
	r.Header.Set("Origin", "https://evil.com")
	w := httptest.NewRecorder()

	s.ServeHTTP(w, r)
	require.Equal(t, 403, w.Code)
}
