package liveview

import (
	"errors"
	"fmt"
)

var (
	// ErrTicketUnavailable means no signalling ticket could be obtained
	// after retries and no previous ticket exists.
	ErrTicketUnavailable = errors.New("signalling ticket unavailable")

	// ErrPeerClosed means the server closed the signalling channel with a
	// reason other than "not ready".
	ErrPeerClosed = errors.New("peer closed signalling channel")

	// ErrICEFailed means the ICE connection failed and did not recover
	// within the recovery window.
	ErrICEFailed = errors.New("ice connection failed")

	// ErrStopped means the client was stopped while an operation was in
	// flight.
	ErrStopped = errors.New("live view client stopped")
)

// HandshakeError is a rejected WebSocket handshake carrying the HTTP
// status when one was observed.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("signalling handshake rejected with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("signalling handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// AuthLike reports whether the handshake failure indicates an expired
// bearer token.
func (e *HandshakeError) AuthLike() bool {
	return e.Status == 401 || e.Status == 403
}

// TicketExpired reports whether the handshake failure indicates a stale
// signalling ticket.
func (e *HandshakeError) TicketExpired() bool {
	return e.Status == 404
}
