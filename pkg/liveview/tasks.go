package liveview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

const (
	keepaliveInterval = 5 * time.Second
	keepaliveMaxFails = 3

	// activityInterval is the silence threshold past which a refresh
	// request accompanies the keepalive ping.
	activityInterval = 15 * time.Second

	connErrorLimit  = 3
	iceRecoveryWait = 10 * time.Second
)

// errSessionComplete marks the clean end of a session, used by the
// duration guard to unwind the task group without recording a failure.
var errSessionComplete = errors.New("session duration reached")

// startTasks launches the supervisory goroutines for a connected
// session: keepalive, signalling monitor, ICE monitor, ticket
// maintenance, and the duration guard. A watcher goroutine tears the
// client down when any task fails.
func (c *Client) startTasks(ctx context.Context) {
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.taskCancel = cancel
	c.taskDone = done
	iceStates := c.iceStates
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(taskCtx)

	g.Go(func() error { return c.keepaliveLoop(gctx) })
	g.Go(func() error { return c.monitorSignalling(gctx) })
	g.Go(func() error { return c.monitorICE(gctx, iceStates) })
	g.Go(func() error { return c.ticketLoop(gctx) })
	g.Go(func() error { return c.durationGuard(gctx) })

	go func() {
		err := g.Wait()
		cancel()
		close(done)

		switch {
		case err == nil, errors.Is(err, context.Canceled):
			// Cancelled from outside (Stop, teardown, or wake restart);
			// whoever cancelled owns the rest of the shutdown.
			return
		case errors.Is(err, errSessionComplete):
			// Duration elapsed, finalise the recording.
		default:
			c.log.Error("session task failed", "error", err)
			c.recordFailure(err)
		}
		c.Stop()
	}()
}

// keepaliveLoop pings every 5s. Three consecutive send failures end the
// session. When nothing has arrived for a while a refresh request rides
// along with the ping.
func (c *Client) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		c.mu.Lock()
		jwt := c.sessionJWT
		c.mu.Unlock()

		err := c.send("ping", map[string]any{
			"doorbot_id": c.doorbotID(),
			"session_id": jwt,
		})
		if err != nil {
			failures++
			c.log.Warn("keepalive send failed", "consecutive", failures, "error", err)
			if failures >= keepaliveMaxFails {
				return fmt.Errorf("keepalive failed %d times: %w", failures, err)
			}
			continue
		}
		failures = 0

		if c.sinceActivity() > activityInterval {
			c.log.DebugSignal("no recent activity, requesting refresh",
				"idle", c.sinceActivity().Round(time.Second))
			if err := c.send("refresh", map[string]any{
				"doorbot_id": c.doorbotID(),
				"session_id": jwt,
			}); err != nil {
				c.log.Debug("refresh send failed", "error", err)
			}
		}
	}
}

// monitorSignalling pumps the WebSocket for the lifetime of the
// session. Connection-class read errors are tolerated up to a limit;
// a close frame other than "not ready" ends the session.
func (c *Client) monitorSignalling(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	pc := c.pc
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("signalling channel not open")
	}

	connErrors := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := c.readEnvelope(ws)
		if err != nil {
			if c.stopFlag.Load() || ctx.Err() != nil {
				return ctx.Err()
			}
			if forcesTicketRefresh(err) {
				c.log.Warn("signalling error forces ticket refresh", "error", err)
				c.cfg.Tickets.Invalidate()
			}
			if isConnectionError(err) {
				connErrors++
				c.log.Warn("signalling read error", "consecutive", connErrors, "error", err)
				if connErrors >= connErrorLimit {
					return fmt.Errorf("signalling channel lost: %w", err)
				}
				continue
			}
			c.log.Warn("signalling read error", "error", err)
			continue
		}
		if env == nil {
			continue
		}
		connErrors = 0

		body, err := env.decodeBody()
		if err != nil {
			c.log.Warn("bad signalling body", "method", env.Method, "error", err)
			continue
		}

		switch env.Method {
		case "icecandidate":
			if body.Candidate == nil || pc == nil {
				continue
			}
			init := webrtc.ICECandidateInit{
				Candidate:     body.Candidate.Candidate,
				SDPMid:        body.Candidate.SDPMid,
				SDPMLineIndex: body.Candidate.SDPMLineIndex,
			}
			if err := pc.AddICECandidate(init); err != nil {
				c.log.Warn("add remote ice candidate failed", "error", err)
			}

		case "session_created":
			if body.SessionID != "" {
				c.mu.Lock()
				c.sessionJWT = body.SessionID
				c.mu.Unlock()
				c.log.DebugSignal("session token rotated")
			}

		case "notification":
			c.log.Info("camera notification", "text", body.Text)

		case "close":
			if body.Reason != nil && body.Reason.Code == closeNotReady {
				c.log.DebugSignal("camera not ready, waiting", "wait", notReadyWait)
				time.Sleep(notReadyWait)
				continue
			}
			reason := "no reason given"
			if body.Reason != nil {
				reason = fmt.Sprintf("code=%d text=%q", body.Reason.Code, body.Reason.Text)
			}
			return fmt.Errorf("%w: %s", ErrPeerClosed, reason)

		case "pong", "ping", "camera_started", "live_view", "sdp":
			// Already handled during negotiation or keepalive noise.

		default:
			c.log.Debug("unhandled signalling method", "method", env.Method)
		}
	}
}

// monitorICE watches connection state transitions. A failure that does
// not recover within the recovery window ends the session.
func (c *Client) monitorICE(ctx context.Context, states <-chan webrtc.ICEConnectionState) error {
	if states == nil {
		return fmt.Errorf("ice state channel not initialised")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state := <-states:
			switch state {
			case webrtc.ICEConnectionStateDisconnected:
				c.log.Warn("ice disconnected, watching for recovery")

			case webrtc.ICEConnectionStateFailed:
				c.log.Warn("ice failed, waiting for recovery", "window", iceRecoveryWait)
				if c.awaitICERecovery(ctx, states) {
					c.log.Info("ice connection recovered")
					continue
				}
				return ErrICEFailed

			case webrtc.ICEConnectionStateClosed:
				if c.stopFlag.Load() {
					return ctx.Err()
				}
				return fmt.Errorf("%w: ice connection closed", ErrPeerClosed)
			}
		}
	}
}

func (c *Client) awaitICERecovery(ctx context.Context, states <-chan webrtc.ICEConnectionState) bool {
	timer := time.NewTimer(iceRecoveryWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case state := <-states:
			if state == webrtc.ICEConnectionStateConnected ||
				state == webrtc.ICEConnectionStateCompleted {
				return true
			}
		}
	}
}

// ticketLoop keeps the signalling ticket warm so a reconnect never has
// to wait on the ticket endpoint. Refresh failures back off and retry;
// the cache's stale fallback covers the gap.
func (c *Client) ticketLoop(ctx context.Context) error {
	interval := c.cfg.TicketInterval
	if interval <= 0 {
		interval = TicketMaxAge
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retryDelay := 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if c.cfg.Tickets.Age() < interval {
			continue
		}

		if _, err := c.cfg.Tickets.Get(ctx); err != nil {
			c.log.Warn("proactive ticket refresh failed", "retry_in", retryDelay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			if retryDelay < 30*time.Second {
				retryDelay *= 2
			}
			continue
		}
		retryDelay = 5 * time.Second
	}
}

// durationGuard ends the session cleanly when the recording duration
// elapses.
func (c *Client) durationGuard(ctx context.Context) error {
	timer := time.NewTimer(c.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.log.Info("recording duration reached, ending session",
			"duration", c.duration)
		return errSessionComplete
	}
}
