package liveview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/ring-capture/pkg/backoff"
	"github.com/ethan/ring-capture/pkg/sink"
)

// nullSink counts lifecycle calls without writing anything.
type nullSink struct {
	mu      sync.Mutex
	started int
	closed  int
}

func (s *nullSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *nullSink) WriteRTP(*rtp.Packet) error { return nil }

func (s *nullSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *nullSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// signallingServer accepts the WebSocket upgrade, sends the scripted
// envelopes in order, then drains inbound traffic until the client
// hangs up.
func signallingServer(t *testing.T, script []envelope) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{wsSubprotocol}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, msg := range script {
			data, err := json.Marshal(msg)
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func newSessionTestClient(t *testing.T, src *fakeTicketSource, snk sink.Sink, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		DeviceID: "123456",
		Duration: 30 * time.Second,
		Auth:     &fakeAuth{},
		Tickets:  newTestTicketCache(src, &fakeAuth{}),
		Sink:     snk,
	})
	require.NoError(t, err)
	c.signalURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c.iceServers = nil
	c.policy = backoff.Policy{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Factor:     2,
		MaxRetries: 2,
	}
	t.Cleanup(c.Stop)
	return c
}

func TestStartConnectsThroughNotReadyClose(t *testing.T) {
	srv := signallingServer(t, []envelope{
		{Method: "close", Body: json.RawMessage(`{"reason":{"code":26,"text":"camera not ready"}}`)},
		{Method: "session_created", Body: json.RawMessage(`{"session_id":"jwt-1"}`)},
		{Method: "camera_started"},
	})
	defer srv.Close()

	src := &fakeTicketSource{}
	snk := &nullSink{}
	c := newSessionTestClient(t, src, snk, srv)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, src.callCount())

	c.mu.Lock()
	jwt := c.sessionJWT
	c.mu.Unlock()
	assert.Equal(t, "jwt-1", jwt)

	c.Stop()
	require.NoError(t, c.Wait())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, snk.closeCount())

	// The client is single-use; a restart after Stop is refused.
	assert.ErrorIs(t, c.Start(context.Background()), ErrStopped)
}

func TestStartGivesUpAfterRejectedHandshakes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ticket expired", http.StatusNotFound)
	}))
	defer srv.Close()

	src := &fakeTicketSource{}
	c := newSessionTestClient(t, src, &nullSink{}, srv)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after")

	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusNotFound, hs.Status)

	// Every rejection invalidated the ticket, so each attempt fetched a
	// fresh one.
	assert.Equal(t, 2, src.callCount())
}

func TestStartRefusedWhileSignallingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &fakeAuth{}
	src := &fakeTicketSource{}
	c := newSessionTestClient(t, src, &nullSink{}, srv)
	c.cfg.Auth = auth

	err := c.Start(context.Background())
	require.Error(t, err)

	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.True(t, hs.AuthLike())

	// A 401 handshake forces a bearer token refresh before the retry.
	auth.mu.Lock()
	defer auth.mu.Unlock()
	assert.GreaterOrEqual(t, auth.refreshes, 1)
}
