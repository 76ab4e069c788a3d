package sink

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/ethan/ring-capture/pkg/logger"
)

// FanoutSink distributes every packet to a set of child sinks. One
// failing child never starves the others.
type FanoutSink struct {
	children []Sink
	log      *logger.Logger
}

// NewFanoutSink wraps the given children.
func NewFanoutSink(log *logger.Logger, children ...Sink) *FanoutSink {
	if log == nil {
		log = logger.Default()
	}
	return &FanoutSink{
		children: children,
		log:      log.With("component", "fanout-sink"),
	}
}

// Start starts every child; the first error aborts.
func (s *FanoutSink) Start() error {
	for i, c := range s.children {
		if err := c.Start(); err != nil {
			return fmt.Errorf("start sink %d: %w", i, err)
		}
	}
	return nil
}

// WriteRTP forwards the packet to every child.
func (s *FanoutSink) WriteRTP(pkt *rtp.Packet) error {
	for i, c := range s.children {
		if err := c.WriteRTP(pkt); err != nil {
			s.log.Debug("child sink write failed", "sink", i, "error", err)
		}
	}
	return nil
}

// Close closes every child, returning the first error after all have
// been attempted.
func (s *FanoutSink) Close() error {
	var firstErr error
	for i, c := range s.children {
		if err := c.Close(); err != nil {
			s.log.Error("child sink close failed", "sink", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
