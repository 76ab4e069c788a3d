// Package ring is the cloud API collaborator: OAuth token lifecycle,
// account discovery, signalling tickets, and the push-notification feed.
package ring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/ring-capture/pkg/logger"
)

const (
	oauthTokenURL = "https://oauth.ring.com/oauth/token"
	apiBaseURL    = "https://api.ring.com/clients_api"
	ticketURL     = "https://app.ring.com/api/v1/clap/ticket/request/signalsocket"

	oauthClientID = "ring_official_android"
	oauthScope    = "client"
)

// ErrAuthExpired marks a 401/403 from the API; one token refresh is the
// local recovery.
var ErrAuthExpired = errors.New("bearer token rejected")

// ErrAccountIDMissing is fatal: no account id could be discovered and
// there is no fallback.
var ErrAccountIDMissing = errors.New("account id unavailable")

// APIError carries a non-2xx status for callers that classify by code.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Body)
}

// Client talks to the Ring cloud API with a cached bearer token.
type Client struct {
	hardwareID string
	httpClient *http.Client
	log        *logger.Logger

	// Endpoint overrides for tests.
	oauthURL  string
	apiBase   string
	ticketURL string

	// Token cache. The refresh token rotates on every grant.
	mu           sync.RWMutex
	refreshToken string
	accessToken  string
	tokenExpiry  time.Time
	accountID    string
}

// NewClient creates an unauthenticated client. hardwareID may be empty;
// a random one is generated and kept for the process lifetime.
func NewClient(refreshToken, hardwareID string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	if hardwareID == "" {
		hardwareID = uuid.NewString()
	}
	return &Client{
		hardwareID:   hardwareID,
		refreshToken: refreshToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:       log.With("component", "ring-client"),
		oauthURL:  oauthTokenURL,
		apiBase:   apiBaseURL,
		ticketURL: ticketURL,
	}
}

// Authenticate performs the initial token grant. Called once at startup.
func (c *Client) Authenticate(ctx context.Context) error {
	if _, err := c.refreshAccessToken(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// GetToken returns a valid access token, refreshing if necessary.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	// Cached token is fine with a 30s buffer
	if time.Now().Add(30 * time.Second).Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	return c.refreshAccessToken(ctx)
}

// RefreshToken forces a new grant regardless of expiry.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()

	_, err := c.refreshAccessToken(ctx)
	return err
}

func (c *Client) refreshAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if time.Now().Add(30 * time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	c.log.Info("refreshing OAuth access token")

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     oauthClientID,
		"scope":         oauthScope,
		"refresh_token": c.refreshToken,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.oauthURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("hardware_id", c.hardwareID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("token refresh failed: %s: %w", data, ErrAuthExpired)
		}
		return "", fmt.Errorf("token refresh failed: %s (status %d)", data, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	// The grant rotates the refresh token; keep the latest one.
	if tokenResp.RefreshToken != "" {
		c.refreshToken = tokenResp.RefreshToken
	}
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	c.log.Info("access token refreshed",
		"expires_at", c.tokenExpiry.Format(time.RFC3339))

	return c.accessToken, nil
}

// apiGet issues an authenticated GET and decodes the JSON response.
func (c *Client) apiGet(ctx context.Context, url string, out any) error {
	token, err := c.GetToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Device is a camera-capable device on the account.
type Device struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Owner       struct {
		ID int64 `json:"id"`
	} `json:"owner"`
}

// ListDevices returns every doorbell and camera on the account,
// including shared ones.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var devices struct {
		Doorbots           []Device `json:"doorbots"`
		AuthorizedDoorbots []Device `json:"authorized_doorbots"`
		StickupCams        []Device `json:"stickup_cams"`
	}
	if err := c.apiGet(ctx, c.apiBase+"/ring_devices", &devices); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	all := make([]Device, 0, len(devices.Doorbots)+len(devices.AuthorizedDoorbots)+len(devices.StickupCams))
	all = append(all, devices.Doorbots...)
	all = append(all, devices.AuthorizedDoorbots...)
	all = append(all, devices.StickupCams...)
	return all, nil
}

// GetAccountID discovers the account id as the owner of the first listed
// device. Cached after the first success.
func (c *Client) GetAccountID(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.accountID != "" {
		id := c.accountID
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	devices, err := c.ListDevices(ctx)
	if err != nil {
		return "", err
	}

	for _, d := range devices {
		if d.Owner.ID != 0 {
			id := fmt.Sprintf("%d", d.Owner.ID)
			c.mu.Lock()
			c.accountID = id
			c.mu.Unlock()
			return id, nil
		}
	}
	return "", ErrAccountIDMissing
}

// Ticket is a short-lived signalling credential.
type Ticket struct {
	Value  string
	Region string
}

// RequestSignalTicket obtains a fresh signalling ticket. 401/403 surface
// as ErrAuthExpired; a 200 without a ticket field is an error, never a
// token fallback.
func (c *Client) RequestSignalTicket(ctx context.Context) (Ticket, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return Ticket{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.ticketURL, nil)
	if err != nil {
		return Ticket{}, fmt.Errorf("create ticket request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return Ticket{}, ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Ticket{}, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	var ticketResp struct {
		Ticket string `json:"ticket"`
		Region string `json:"region"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticketResp); err != nil {
		return Ticket{}, fmt.Errorf("decode ticket response: %w", err)
	}
	if ticketResp.Ticket == "" {
		return Ticket{}, fmt.Errorf("ticket response has no ticket field")
	}

	c.log.DebugTicket("signalling ticket issued", "region", ticketResp.Region)
	return Ticket{Value: ticketResp.Ticket, Region: ticketResp.Region}, nil
}
