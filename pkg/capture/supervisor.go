package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/sink"
	"github.com/ethan/ring-capture/pkg/storage"
)

// minRecordingBytes is the smallest file the supervisor will link to an
// event; anything shorter is a failed recording.
const minRecordingBytes = 1000

const (
	// DefaultDingDuration is the recording length for doorbell presses.
	DefaultDingDuration = 30 * time.Second
	// DefaultMotionDuration is the recording length for motion events.
	DefaultMotionDuration = 20 * time.Second
)

// Recording is a live recording in progress.
type Recording interface {
	Stop()
	Wait() error
}

// Recorder starts a live-view recording for a device, writing the MP4
// to path and invoking onComplete once the file is finalised.
type Recorder interface {
	Record(ctx context.Context, deviceID, path string, duration time.Duration, onComplete sink.CompletionFunc) (Recording, error)
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Root           string
	Storages       []storage.Storage
	Bus            *events.Bus
	Recorder       Recorder
	DingDuration   time.Duration
	MotionDuration time.Duration
	Log            *logger.Logger
}

// Supervisor owns the per-device recording slots. It subscribes to the
// triggering event kinds, launches recordings with per-kind durations,
// and on completion copies the file into the event's canonical
// directory and writes the updated record through every storage.
type Supervisor struct {
	root           string
	storages       []storage.Storage
	bus            *events.Bus
	recorder       Recorder
	dingDuration   time.Duration
	motionDuration time.Duration
	log            *logger.Logger

	mu     sync.Mutex
	slots  map[string]string // device_id -> event_id
	active map[string]Recording

	onRecording func(outcome string)
}

// NewSupervisor builds a supervisor; call Subscribe to start receiving
// triggers.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root required")
	}
	if cfg.Bus == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("bus and recorder are required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.Default()
	}
	s := &Supervisor{
		root:           cfg.Root,
		storages:       cfg.Storages,
		bus:            cfg.Bus,
		recorder:       cfg.Recorder,
		dingDuration:   cfg.DingDuration,
		motionDuration: cfg.MotionDuration,
		log:            log.With("component", "recording-supervisor"),
		slots:          make(map[string]string),
		active:         make(map[string]Recording),
	}
	if s.dingDuration <= 0 {
		s.dingDuration = DefaultDingDuration
	}
	if s.motionDuration <= 0 {
		s.motionDuration = DefaultMotionDuration
	}
	return s, nil
}

// OnRecording registers an observer for recording outcomes ("started",
// "completed", "failed"), used for metrics. Call before Subscribe.
func (s *Supervisor) OnRecording(fn func(outcome string)) {
	s.onRecording = fn
}

// Subscribe attaches the supervisor to the triggering kinds.
func (s *Supervisor) Subscribe() {
	s.bus.Subscribe(events.KindDing, s.handleTrigger)
	s.bus.Subscribe(events.KindMotion, s.handleTrigger)
}

// ActiveRecordings returns the number of devices currently recording.
func (s *Supervisor) ActiveRecordings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Shutdown stops every active recording and waits for each to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	recs := make([]Recording, 0, len(s.active))
	for _, r := range s.active {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	for _, r := range recs {
		r.Stop()
	}
	for _, r := range recs {
		r.Wait()
	}
}

func (s *Supervisor) durationFor(kind string) time.Duration {
	if kind == events.KindDing {
		return s.dingDuration
	}
	return s.motionDuration
}

// handleTrigger claims the device's recording slot and launches the
// recorder. A device already recording drops the trigger; triggers are
// never queued.
func (s *Supervisor) handleTrigger(ctx context.Context, rec *events.Record) {
	if rec.DeviceID == "" {
		s.log.Warn("trigger without device id", "event_id", rec.ID)
		return
	}

	s.mu.Lock()
	if busyEvent, busy := s.slots[rec.DeviceID]; busy {
		s.mu.Unlock()
		s.log.Info("device already recording, dropping trigger",
			"device_id", rec.DeviceID, "event_id", rec.ID, "active_event_id", busyEvent)
		return
	}
	s.slots[rec.DeviceID] = rec.ID
	s.mu.Unlock()

	deviceID := rec.DeviceID
	eventID := rec.ID
	path := filepath.Join(s.root, deviceID, "live_view",
		fmt.Sprintf("%d.mp4", time.Now().Unix()))
	duration := s.durationFor(rec.Kind)

	s.log.Info("starting recording",
		"device_id", deviceID, "event_id", eventID,
		"kind", rec.Kind, "duration", duration)

	recording, err := s.recorder.Record(ctx, deviceID, path, duration,
		func(finalPath string, size int64) {
			s.finishRecording(deviceID, eventID, finalPath, size)
		})
	if err != nil {
		s.log.Error("recording failed to start",
			"device_id", deviceID, "event_id", eventID, "error", err)
		s.releaseSlot(deviceID)
		if s.onRecording != nil {
			s.onRecording("failed")
		}
		return
	}

	// A recording that dies instantly can finish, and vacate the slot,
	// before Record returns. Only track it while its claim is live.
	s.mu.Lock()
	if s.slots[deviceID] == eventID {
		s.active[deviceID] = recording
	}
	s.mu.Unlock()
	if s.onRecording != nil {
		s.onRecording("started")
	}
}

func (s *Supervisor) releaseSlot(deviceID string) {
	s.mu.Lock()
	delete(s.slots, deviceID)
	delete(s.active, deviceID)
	s.mu.Unlock()
}

// finishRecording runs when the sink reports the file is closed. It
// links the video to the triggering event and always vacates the slot.
func (s *Supervisor) finishRecording(deviceID, eventID, path string, size int64) {
	defer s.releaseSlot(deviceID)

	log := s.log.With("device_id", deviceID, "event_id", eventID)

	if path == "" || size < minRecordingBytes {
		log.Warn("recording too small, abandoning", "path", path, "size", size)
		if s.onRecording != nil {
			s.onRecording("failed")
		}
		return
	}
	if _, err := os.Stat(path); err != nil {
		log.Warn("recording file missing, abandoning", "path", path, "error", err)
		if s.onRecording != nil {
			s.onRecording("failed")
		}
		return
	}

	ctx := context.Background()
	rec := s.lookupEvent(ctx, eventID)
	if rec == nil {
		// The event may have been lost before it reached any storage.
		// A minimal record keeps the video reachable.
		log.Warn("event not found in any storage, synthesising record")
		rec = &events.Record{
			ID:        eventID,
			Kind:      events.KindMotion,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			DeviceID:  deviceID,
		}
	}

	eventDir := filepath.Join(s.root, deviceID, rec.Kind, eventID)
	if err := os.MkdirAll(eventDir, 0o755); err != nil {
		log.Error("create event directory failed", "error", err)
		if s.onRecording != nil {
			s.onRecording("failed")
		}
		return
	}

	dst := filepath.Join(eventDir, "video.mp4")
	if err := copyFile(path, dst); err != nil {
		log.Error("copy recording into event directory failed", "error", err)
		if s.onRecording != nil {
			s.onRecording("failed")
		}
		return
	}

	rec.AttachVideo(dst)

	for _, st := range s.storages {
		if _, err := st.SaveEvent(ctx, rec); err != nil {
			log.Error("write-through of recorded event failed", "error", err)
		}
	}

	log.Info("recording linked to event", "video_path", dst, "size", size)
	if s.onRecording != nil {
		s.onRecording("completed")
	}
	s.bus.Publish(ctx, events.TopicRecordingCompleted, rec)
}

// lookupEvent returns the first storage's copy of the event, or nil.
func (s *Supervisor) lookupEvent(ctx context.Context, eventID string) *events.Record {
	for _, st := range s.storages {
		rec, err := st.RetrieveEvent(ctx, eventID)
		if err == nil && rec != nil {
			return rec
		}
	}
	return nil
}

// copyFile copies src to dst, leaving src in place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
