package ring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/ring-capture/pkg/events"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("refresh-0", "hw-test", nil)
	c.oauthURL = srv.URL + "/oauth/token"
	c.apiBase = srv.URL + "/clients_api"
	c.ticketURL = srv.URL + "/ticket"
	return c, srv
}

func tokenHandler(grants *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grants.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	}
}

func TestAuthenticateCachesToken(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))

	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx))

	tok, err := c.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", tok)

	// Second GetToken hits the cache, not the endpoint.
	_, err = c.GetToken(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), grants.Load())

	// The rotated refresh token is kept.
	c.mu.RLock()
	defer c.mu.RUnlock()
	require.Equal(t, "refresh-1", c.refreshToken)
}

func TestRefreshTokenForcesGrant(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))

	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx))
	require.NoError(t, c.RefreshToken(ctx))
	require.Equal(t, int32(2), grants.Load())
}

func TestAuthenticateRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c, _ := newTestClient(t, mux)
	err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestGetAccountID(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/clients_api/ring_devices", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"doorbots": []map[string]any{
				{"id": 12345, "owner": map[string]any{"id": 777}},
			},
		})
	})

	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.GetAccountID(ctx)
	require.NoError(t, err)
	require.Equal(t, "777", id)

	// Cached on second call.
	id, err = c.GetAccountID(ctx)
	require.NoError(t, err)
	require.Equal(t, "777", id)
}

func TestGetAccountIDMissing(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/clients_api/ring_devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"doorbots": []any{}})
	})

	c, _ := newTestClient(t, mux)
	_, err := c.GetAccountID(context.Background())
	require.ErrorIs(t, err, ErrAccountIDMissing)
}

func TestRequestSignalTicket(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/ticket", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]string{"ticket": "tck-1", "region": "eu"})
	})

	c, _ := newTestClient(t, mux)
	ticket, err := c.RequestSignalTicket(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tck-1", ticket.Value)
	require.Equal(t, "eu", ticket.Region)
}

func TestRequestSignalTicketNoTokenFallback(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/ticket", func(w http.ResponseWriter, r *http.Request) {
		// 200 but no ticket field: must be an error, never the bearer token.
		json.NewEncoder(w).Encode(map[string]string{"region": "eu"})
	})

	c, _ := newTestClient(t, mux)
	_, err := c.RequestSignalTicket(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no ticket field")
}

func TestRequestSignalTicketAuthExpired(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/ticket", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	c, _ := newTestClient(t, mux)
	_, err := c.RequestSignalTicket(context.Background())
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestListenerDeliversNewNotificationsOnce(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/clients_api/dings/active", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 42, "kind": "motion", "doorbot_id": 9, "doorbot_description": "Front"},
		})
	})

	c, _ := newTestClient(t, mux)

	got := make(chan events.RawEvent, 8)
	l := NewListener(c, 20*time.Millisecond, func(raw events.RawEvent) {
		got <- raw
	}, nil)

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()

	select {
	case raw := <-got:
		require.NotNil(t, raw.Native)
		require.Equal(t, int64(42), raw.Native.ID)
		require.Equal(t, "motion", raw.Native.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}

	// The same ding id must not be delivered again.
	select {
	case <-got:
		t.Fatal("duplicate notification delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	var grants atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", tokenHandler(&grants))
	mux.HandleFunc("/clients_api/dings/active", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})

	c, _ := newTestClient(t, mux)
	l := NewListener(c, 10*time.Millisecond, nil, nil)

	require.NoError(t, l.Start(context.Background()))
	l.Stop()
	l.Stop()
}

func TestAPIErrorClassification(t *testing.T) {
	var apiErr *APIError
	err := error(&APIError{Status: 503, Body: "unavailable"})
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 503, apiErr.Status)
}
