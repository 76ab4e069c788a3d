package liveview

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ethan/ring-capture/pkg/ring"
)

const (
	signallingHost   = "prod.signalling.ring.devices.a2z.com"
	signallingParams = "api_version=4.0&auth_type=ring_solutions"

	// wsSubprotocol is required by the signalling endpoint.
	wsSubprotocol = "aws.iot.webrtc.signalling.lightcone"

	// closeNotReady is the server's "camera not ready yet" close code;
	// the session waits 300ms and continues.
	closeNotReady = 26
)

// MaxDuration is the hard session cap; battery cameras are cut off by
// the cloud at 10 minutes, so sessions stop just short of it.
const MaxDuration = 590 * time.Second

// envelope is the signalling message frame in both directions.
type envelope struct {
	Method   string          `json:"method"`
	DialogID string          `json:"dialog_id,omitempty"`
	RIID     string          `json:"riid,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// messageBody is the union of inbound body fields the client reads.
type messageBody struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Text      string `json:"text"`
	Candidate *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"candidate"`
	Reason *struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	} `json:"reason"`
}

func (e *envelope) decodeBody() (*messageBody, error) {
	var body messageBody
	if len(e.Body) == 0 {
		return &body, nil
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", e.Method, err)
	}
	return &body, nil
}

// newEnvelope frames an outbound message with the dialog id and a fresh
// per-message riid.
func newEnvelope(method, dialogID string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", method, err)
	}
	return json.Marshal(envelope{
		Method:   method,
		DialogID: dialogID,
		RIID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Body:     data,
	})
}

// buildWSURL constructs the signalling endpoint URL. The region segment
// is omitted when the ticket carries none.
func buildWSURL(ticket ring.Ticket, clientID string) string {
	host := "api." + signallingHost
	if ticket.Region != "" {
		host = "api." + ticket.Region + "." + signallingHost
	}
	return fmt.Sprintf("wss://%s/ws?%s&client_id=%s&token=%s",
		host, signallingParams, clientID, ticket.Value)
}

// newClientID generates the per-connection client identifier.
func newClientID() string {
	return "ring_site-" + uuid.NewString()
}

// clampDuration bounds a requested recording duration to the session
// cap. Non-positive requests get the full cap.
func clampDuration(d time.Duration) time.Duration {
	if d <= 0 || d > MaxDuration {
		return MaxDuration
	}
	return d
}

// isConnectionError classifies errors from the WebSocket or media path
// as connection-class, which count toward the consecutive-error limits.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "closed", "shutdown", "broken pipe", "404"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isTimeout reports a deadline-style error, which only means "nothing
// arrived in this slice".
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// forcesTicketRefresh reports errors that indicate the signalling ticket
// has gone stale mid-session.
func forcesTicketRefresh(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "reset by peer") || strings.Contains(msg, "404")
}
