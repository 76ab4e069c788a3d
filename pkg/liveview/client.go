// Package liveview implements the WebRTC live-view signalling and
// recording core: one Client drives one attempt to open a session to a
// device and record its video track into a sink.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/ring-capture/pkg/backoff"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/ring"
	"github.com/ethan/ring-capture/pkg/sink"
)

// State is the client lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// WakeMonitor is the optional sleep/wake collaborator.
type WakeMonitor interface {
	OnWake(fn func())
	Stop()
}

// Config wires one client instance.
type Config struct {
	DeviceID       string
	Duration       time.Duration // requested; clamped to MaxDuration
	TicketInterval time.Duration // proactive ticket refresh period; default TicketMaxAge
	Auth           AuthManager
	Tickets        *TicketCache
	Sink           sink.Sink
	Wake           WakeMonitor // optional
	Log            *logger.Logger
}

// Client drives one live-view recording attempt. Not reusable after
// Stop.
type Client struct {
	cfg      Config
	duration time.Duration
	policy   backoff.Policy
	log      *logger.Logger

	// signalURL, when set, replaces the ticket-derived endpoint.
	signalURL  string
	iceServers []webrtc.ICEServer

	state    atomic.Int32
	stopFlag atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	wakeOnce sync.Once

	// lastActivity is the unix-nano time of the last inbound signalling
	// message or media frame.
	lastActivity atomic.Int64

	mu                sync.Mutex
	runCtx            context.Context
	pc                *webrtc.PeerConnection
	ws                *websocket.Conn
	wsReady           bool
	pendingCandidates []webrtc.ICECandidateInit
	dialogID          string
	sessionID         string
	sessionJWT        string
	attempts          int
	taskCancel        context.CancelFunc
	taskDone          chan struct{}
	iceStates         chan webrtc.ICEConnectionState

	wsWriteMu sync.Mutex

	failureMu sync.Mutex
	failure   error
}

// New creates a client. The sink is owned by the client from here on
// and closed during Stop.
func New(cfg Config) (*Client, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id required")
	}
	if cfg.Auth == nil || cfg.Tickets == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("auth, tickets and sink are required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		cfg:        cfg,
		duration:   clampDuration(cfg.Duration),
		policy:     backoff.Default(),
		log:        log.With("component", "liveview", "device_id", cfg.DeviceID),
		iceServers: defaultICEServers(),
		stopped:    make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	c.touchActivity()
	return c, nil
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state changed", "state", s.String())
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Start negotiates a session and launches the supervisory tasks. It
// retries failed attempts with exponential backoff up to the policy's
// retry count, refreshing credentials per the failure class. Returns
// once the session is connected.
func (c *Client) Start(ctx context.Context) error {
	if c.stopFlag.Load() {
		return ErrStopped
	}

	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if c.cfg.Wake != nil {
		c.wakeOnce.Do(func() {
			c.cfg.Wake.OnWake(func() { go c.handleWake() })
		})
	}

	c.setState(StateNegotiating)

	var lastErr error
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.log.Info("starting live view session", "attempt", attempt)

		err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			c.setState(StateConnected)
			c.startTasks(ctx)
			c.log.Info("live view session connected")
			return nil
		}
		lastErr = err
		c.teardownSession()

		if c.stopFlag.Load() {
			return ErrStopped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ring.ErrAccountIDMissing) || errors.Is(err, ErrTicketUnavailable) {
			// Fatal: no retry can fix these.
			return err
		}

		var hs *HandshakeError
		if errors.As(err, &hs) {
			if hs.AuthLike() {
				c.log.Warn("handshake rejected as unauthenticated, refreshing credentials")
				if refreshErr := c.cfg.Auth.RefreshToken(ctx); refreshErr != nil {
					c.log.Error("token refresh failed", "error", refreshErr)
				}
				c.cfg.Tickets.Invalidate()
			} else if hs.TicketExpired() {
				c.log.Warn("handshake returned 404, forcing ticket refresh")
				c.cfg.Tickets.Invalidate()
			}
		}

		if attempt >= c.policy.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, lastErr)
		}

		delay := c.policy.Delay(attempt - 1)
		c.log.Info("retrying live view session", "delay", delay, "error", err)
		if !c.sleepWithStop(ctx, delay) {
			return ErrStopped
		}
	}
}

// sleepWithStop sleeps in short slices so Stop interrupts promptly.
// Returns false when interrupted.
func (c *Client) sleepWithStop(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if c.stopFlag.Load() || ctx.Err() != nil {
			return false
		}
		slice := time.Until(deadline)
		if slice > 500*time.Millisecond {
			slice = 500 * time.Millisecond
		}
		time.Sleep(slice)
	}
	return !c.stopFlag.Load() && ctx.Err() == nil
}

// Wait blocks until the session has fully stopped and returns the
// recorded failure, if any.
func (c *Client) Wait() error {
	<-c.stopped
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	return c.failure
}

func (c *Client) recordFailure(err error) {
	if err == nil {
		return
	}
	c.failureMu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.failureMu.Unlock()
}

// Stop tears everything down: cancel tasks with a 2s join, close the
// peer connection with a 3s cap, close the WebSocket, close the sink
// (finalising the recording), and stop the wake monitor. Idempotent and
// safe to call from any supervisory task.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.stopFlag.Store(true)
		c.setState(StateClosing)
		c.log.Info("stopping live view client")

		c.mu.Lock()
		cancel := c.taskCancel
		done := c.taskDone
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				c.log.Warn("supervisory tasks did not stop within 2s, abandoning")
			}
		}

		c.closePeerAndSocket()

		if err := c.cfg.Sink.Close(); err != nil {
			c.log.Warn("sink close failed", "error", err)
		}

		if c.cfg.Wake != nil {
			c.cfg.Wake.Stop()
		}

		c.setState(StateClosed)
		close(c.stopped)
		c.log.Info("live view client stopped")
	})
}

// closePeerAndSocket closes the media and signalling channels without
// touching the sink.
func (c *Client) closePeerAndSocket() {
	c.mu.Lock()
	pc := c.pc
	ws := c.ws
	c.pc = nil
	c.ws = nil
	c.wsReady = false
	c.pendingCandidates = nil
	c.mu.Unlock()

	if pc != nil {
		closed := make(chan struct{})
		go func() {
			if err := pc.Close(); err != nil {
				c.log.Debug("peer connection close error", "error", err)
			}
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(3 * time.Second):
			c.log.Warn("peer connection close timed out")
		}
	}

	if ws != nil {
		if err := ws.Close(); err != nil {
			c.log.Debug("websocket close error", "error", err)
		}
	}
}

// teardownSession aborts the current attempt, keeping the sink open for
// the next one.
func (c *Client) teardownSession() {
	c.mu.Lock()
	cancel := c.taskCancel
	done := c.taskDone
	c.taskCancel = nil
	c.taskDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.log.Warn("session tasks did not stop within 2s, abandoning")
		}
	}
	c.closePeerAndSocket()
}

// handleWake restarts the session after the system wakes from sleep:
// tear down, settle, reset the attempt counter, start fresh.
func (c *Client) handleWake() {
	if c.stopFlag.Load() {
		return
	}
	c.log.Info("wake detected, restarting live view session")

	c.teardownSession()
	time.Sleep(2 * time.Second)

	c.mu.Lock()
	c.attempts = 0
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.Start(ctx); err != nil && !errors.Is(err, ErrStopped) {
		c.log.Error("restart after wake failed", "error", err)
		c.recordFailure(err)
		c.Stop()
	}
}
