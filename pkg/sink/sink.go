// Package sink consumes depacketised media from a live-view session and
// writes it somewhere, typically an MP4 file on disk.
package sink

import (
	"github.com/pion/rtp"
)

// CompletionFunc receives the output path and final byte size, invoked
// synchronously inside Close.
type CompletionFunc func(path string, size int64)

// Sink is a consumer of RTP video packets.
type Sink interface {
	// Start prepares the sink. Idempotent; safe before any packets.
	Start() error

	// WriteRTP consumes one video RTP packet. Errors are logged by the
	// sink and never abort the session.
	WriteRTP(pkt *rtp.Packet) error

	// Close flushes and finalises the output. Safe to call twice.
	Close() error
}
