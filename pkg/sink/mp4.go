package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/mp4"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/ethan/ring-capture/pkg/logger"
)

// MP4Sink depacketises an H.264 RTP stream and writes a fragmented MP4
// file. Recording starts at the first keyframe; packets before it are
// dropped.
type MP4Sink struct {
	path       string
	log        *logger.Logger
	onComplete CompletionFunc

	mu           sync.Mutex
	started      bool
	closed       bool
	file         *os.File
	muxer        *mp4.Muxer
	depacketizer codecs.H264Packet

	sps, pps     []byte
	initWritten  bool
	keyframeSeen bool

	// access unit being assembled
	au          [][]byte
	auTimestamp uint32
	auValid     bool

	frames       uint64
	bytesWritten int64
}

// NewMP4Sink creates a sink writing to path. onComplete may be nil.
func NewMP4Sink(path string, onComplete CompletionFunc, log *logger.Logger) *MP4Sink {
	if log == nil {
		log = logger.Default()
	}
	return &MP4Sink{
		path:         path,
		onComplete:   onComplete,
		log:          log.With("component", "mp4-sink"),
		depacketizer: codecs.H264Packet{IsAVC: true},
	}
}

// Start creates the output file. Idempotent.
func (s *MP4Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.closed {
		return fmt.Errorf("sink already closed")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create recording file %s: %w", s.path, err)
	}
	s.file = f
	s.started = true
	s.log.Info("recording started", "path", s.path)
	return nil
}

// WriteRTP consumes one RTP packet. Depacketisation and muxer errors
// are logged, never propagated.
func (s *MP4Sink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.closed {
		return nil
	}

	avc, err := s.depacketizer.Unmarshal(pkt.Payload)
	if err != nil {
		// Fragmented units spanning packets resolve on later packets.
		s.log.DebugTrack("depacketise failed", "seq", pkt.SequenceNumber, "error", err)
		return nil
	}
	units := splitAVC(avc)
	if len(units) == 0 {
		return nil
	}

	// A timestamp change means a new access unit began.
	if s.auValid && pkt.Timestamp != s.auTimestamp {
		s.flushAccessUnit()
	}

	for _, u := range units {
		switch naluType(u) {
		case naluTypeSPS:
			s.sps = append([]byte(nil), u...)
			continue
		case naluTypePPS:
			s.pps = append([]byte(nil), u...)
			continue
		}
		s.au = append(s.au, u)
	}
	s.auTimestamp = pkt.Timestamp
	s.auValid = true

	if pkt.Marker {
		s.flushAccessUnit()
	}
	return nil
}

// flushAccessUnit writes the pending access unit. Caller holds the lock.
func (s *MP4Sink) flushAccessUnit() {
	units := s.au
	ts := s.auTimestamp
	s.au = nil
	s.auValid = false

	if len(units) == 0 {
		return
	}

	if !s.keyframeSeen {
		if !containsKeyframe(units) {
			return
		}
		s.keyframeSeen = true
	}

	if !s.initWritten {
		if err := s.writeInit(); err != nil {
			s.log.DebugTrack("init segment not ready", "error", err)
			// Without an init segment the keyframe gate reopens.
			s.keyframeSeen = false
			return
		}
	}

	packet := &core.Packet{
		Header:  rtp.Header{Timestamp: ts, Marker: true},
		Payload: joinAVC(units),
	}
	data := s.muxer.GetPayload(0, packet)
	n, err := s.file.Write(data)
	if err != nil {
		s.log.Error("write fragment failed", "path", s.path, "error", err)
		return
	}
	s.bytesWritten += int64(n)
	s.frames++

	if s.frames == 1 {
		s.log.DebugTrack("first frame written", "timestamp", ts, "bytes", n)
	}
}

// writeInit emits ftyp+moov once SPS and PPS have been seen. Caller
// holds the lock.
func (s *MP4Sink) writeInit() error {
	fmtp, err := fmtpLine(s.sps, s.pps)
	if err != nil {
		return err
	}

	s.muxer = &mp4.Muxer{}
	s.muxer.AddTrack(&core.Codec{
		Name:        core.CodecH264,
		ClockRate:   90000,
		PayloadType: 96,
		FmtpLine:    fmtp,
	})

	init, err := s.muxer.GetInit()
	if err != nil {
		return fmt.Errorf("build init segment: %w", err)
	}
	n, err := s.file.Write(init)
	if err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	s.bytesWritten += int64(n)
	s.initWritten = true
	return nil
}

// Frames returns the number of access units written so far.
func (s *MP4Sink) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close flushes, closes the file and fires the completion callback with
// the final size. Second call is a no-op.
func (s *MP4Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	if s.auValid {
		s.flushAccessUnit()
	}

	var size int64
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			s.log.Error("sync recording failed", "path", s.path, "error", err)
		}
		if err := s.file.Close(); err != nil {
			s.log.Error("close recording failed", "path", s.path, "error", err)
		}
		if info, err := os.Stat(s.path); err == nil {
			size = info.Size()
		}
	}
	path := s.path
	frames := s.frames
	onComplete := s.onComplete
	s.mu.Unlock()

	s.log.Info("recording finished", "path", path, "bytes", size, "frames", frames)
	if onComplete != nil {
		onComplete(path, size)
	}
	return nil
}
