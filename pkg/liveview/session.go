package liveview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const (
	iceGatherTimeout   = 6 * time.Second
	iceGatherMinCand   = 2
	wsReadSlice        = 2 * time.Second
	wsHandshakeTimeout = 10 * time.Second
	frameReadTimeout   = time.Second
	notReadyWait       = 300 * time.Millisecond
	pliInterval        = 2 * time.Second
)

var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func defaultICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, s := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return servers
}

// connect runs one full negotiation attempt: credentials, ticket,
// peer connection, ICE gathering, WebSocket handshake, and the
// signalling exchange up to camera_started.
func (c *Client) connect(ctx context.Context) error {
	// Best-effort token freshness; ticket requests need it anyway.
	if _, err := c.cfg.Auth.GetToken(ctx); err != nil {
		c.log.Warn("token check failed before session", "error", err)
	}

	accountID, err := c.cfg.Auth.GetAccountID(ctx)
	if err != nil {
		return fmt.Errorf("resolve account id: %w", err)
	}
	c.log.Debug("resolved account id", "account_id", accountID)

	c.mu.Lock()
	c.sessionID = uuid.NewString()
	c.dialogID = uuid.NewString()
	c.sessionJWT = ""
	c.mu.Unlock()

	ticket, err := c.cfg.Tickets.Get(ctx)
	if err != nil {
		return err
	}

	wsURL := buildWSURL(ticket, newClientID())
	if c.signalURL != "" {
		wsURL = c.signalURL
	}
	c.log.DebugSignal("dialing signalling endpoint", "region", ticket.Region)

	pc, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	c.waitForICEGathering(ctx, pc)

	ws, err := c.dialSignalling(ctx, wsURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.wsReady = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		c.sendICECandidate(cand)
	}

	if err := c.sendOffer(pc.LocalDescription().SDP); err != nil {
		return err
	}

	return c.negotiate(ctx, pc, ws)
}

// newPeerConnection builds a receive-only video peer connection with
// the default codec set and interceptors.
func (c *Client) newPeerConnection() (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	c.mu.Lock()
	c.iceStates = make(chan webrtc.ICEConnectionState, 8)
	states := c.iceStates
	c.mu.Unlock()

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.DebugICE("ice connection state changed", "state", state.String())
		select {
		case states <- state:
		default:
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		ready := c.wsReady
		if !ready {
			c.pendingCandidates = append(c.pendingCandidates, init)
		}
		c.mu.Unlock()
		if ready {
			c.sendICECandidate(init)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info("track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		go c.handleTrack(track)
	})

	return pc, nil
}

// waitForICEGathering returns as soon as gathering completes, two
// candidates are available, or the 6s cap elapses.
func (c *Client) waitForICEGathering(ctx context.Context, pc *webrtc.PeerConnection) {
	complete := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-complete:
			c.log.DebugICE("ice gathering complete")
			return
		case <-timer.C:
			c.log.Warn("ice gathering timed out, proceeding with available candidates")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			n := len(c.pendingCandidates)
			c.mu.Unlock()
			if n >= iceGatherMinCand {
				c.log.DebugICE("proceeding with gathered candidates", "count", n)
				return
			}
		}
	}
}

// dialSignalling opens the WebSocket; handshake rejections carry the
// HTTP status for the retry policy.
func (c *Client) dialSignalling(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{wsSubprotocol},
		HandshakeTimeout: wsHandshakeTimeout,
	}
	header := http.Header{"User-Agent": []string{"ring-capture/1.0"}}

	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &HandshakeError{Status: status, Err: err}
	}
	c.log.DebugSignal("signalling channel established", "subprotocol", ws.Subprotocol())
	return ws, nil
}

// doorbotID sends the device id as a number when it is one.
func (c *Client) doorbotID() any {
	if n, err := strconv.ParseInt(c.cfg.DeviceID, 10, 64); err == nil {
		return n
	}
	return c.cfg.DeviceID
}

// send frames and writes one signalling message.
func (c *Client) send(method string, body any) error {
	c.mu.Lock()
	ws := c.ws
	dialogID := c.dialogID
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("signalling channel not open")
	}

	data, err := newEnvelope(method, dialogID, body)
	if err != nil {
		return err
	}

	c.wsWriteMu.Lock()
	defer c.wsWriteMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	c.log.DebugSignal("message sent", "method", method)
	return nil
}

func (c *Client) sendOffer(sdpOffer string) error {
	return c.send("live_view", map[string]any{
		"doorbot_id": c.doorbotID(),
		"sdp":        sdpOffer,
		"stream_options": map[string]bool{
			"audio_enabled": false,
			"video_enabled": true,
			"ptz_enabled":   false,
		},
	})
}

func (c *Client) sendICECandidate(init webrtc.ICECandidateInit) {
	err := c.send("icecandidate", map[string]any{
		"doorbot_id": c.doorbotID(),
		"candidate": map[string]any{
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		},
	})
	if err != nil {
		c.log.Debug("ice candidate send failed", "error", err)
	}
}

// readEnvelope reads one signalling message with a short deadline so
// stop requests are honoured promptly. Returns (nil, nil) on a timeout
// slice with no data.
func (c *Client) readEnvelope(ws *websocket.Conn) (*envelope, error) {
	ws.SetReadDeadline(time.Now().Add(wsReadSlice))
	_, data, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	c.touchActivity()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("undecodable signalling message", "error", err)
		return nil, nil
	}
	return &env, nil
}

// negotiate processes inbound messages until both session_created and
// camera_started have arrived.
func (c *Client) negotiate(ctx context.Context, pc *webrtc.PeerConnection, ws *websocket.Conn) error {
	var sessionJWT string
	cameraStarted := false

	for {
		if c.stopFlag.Load() {
			return ErrStopped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := c.readEnvelope(ws)
		if err != nil {
			return fmt.Errorf("signalling read during negotiation: %w", err)
		}
		if env == nil {
			continue
		}

		body, err := env.decodeBody()
		if err != nil {
			c.log.Warn("bad signalling body", "method", env.Method, "error", err)
			continue
		}

		switch env.Method {
		case "session_created":
			sessionJWT = body.SessionID
			c.log.DebugSignal("session created")

		case "live_view", "sdp":
			if body.SDP == "" {
				continue
			}
			if err := c.applyRemoteAnswer(pc, body.SDP); err != nil {
				return err
			}

		case "camera_started":
			c.log.Info("camera started")
			cameraStarted = true

		case "icecandidate":
			if body.Candidate == nil {
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
			return fmt.Errorf("%w during negotiation: %s", ErrPeerClosed, reason)

		case "ping", "pong":
			// Keepalive noise.

		default:
			c.log.Debug("unhandled signalling method", "method", env.Method)
		}

		if sessionJWT != "" && cameraStarted {
			c.mu.Lock()
			c.sessionJWT = sessionJWT
			c.mu.Unlock()
			return nil
		}
	}
}

// applyRemoteAnswer sanity-parses the SDP before handing it to the peer
// connection.
func (c *Client) applyRemoteAnswer(pc *webrtc.PeerConnection, answer string) error {
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(answer); err != nil {
		return fmt.Errorf("malformed sdp answer: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("sdp answer has no media sections")
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return fmt.Errorf("apply sdp answer: %w", err)
	}
	c.log.DebugSignal("remote description applied", "media_sections", len(parsed.MediaDescriptions))
	return nil
}

// handleTrack attaches the inbound video track to the sink and pumps
// packets until the session ends. Read errors classified as connection
// failures stop the client; "reset by peer" additionally invalidates
// the ticket for the next attempt.
func (c *Client) handleTrack(track *webrtc.TrackRemote) {
	if err := c.cfg.Sink.Start(); err != nil {
		c.log.Error("sink start failed", "error", err)
		c.recordFailure(err)
		go c.Stop()
		return
	}

	var frames uint64
	lastPLI := time.Time{}
	start := time.Now()

	for !c.stopFlag.Load() {
		// Periodic PLI keeps keyframes coming so the recording can
		// start promptly and recover from loss.
		if time.Since(lastPLI) >= pliInterval {
			c.sendPLI(track)
			lastPLI = time.Now()
		}

		track.SetReadDeadline(time.Now().Add(frameReadTimeout))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if c.stopFlag.Load() {
				break
			}
			if forcesTicketRefresh(err) {
				c.log.Warn("connection reset on media read, invalidating ticket")
				c.cfg.Tickets.Invalidate()
			}
			if isConnectionError(err) {
				c.log.Warn("connection error on media read, stopping", "error", err)
				go c.Stop()
				break
			}
			c.log.Error("media read error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		c.touchActivity()
		frames++
		if frames == 1 {
			c.log.Info("first media packet received",
				"elapsed", time.Since(start).Round(time.Millisecond))
		}

		if err := c.cfg.Sink.WriteRTP(pkt); err != nil {
			c.log.Debug("sink write failed", "error", err)
		}
	}

	c.log.Info("track handler exiting", "packets", frames)
}

// sendPLI asks the sender for a keyframe.
func (c *Client) sendPLI(track *webrtc.TrackRemote) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	pli := []rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}
	if err := pc.WriteRTCP(pli); err != nil {
		c.log.DebugICE("pli send failed", "error", err)
	}
}
