package capture

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/sink"
	"github.com/ethan/ring-capture/pkg/storage"
)

// memStorage is an in-memory Storage for exercising the engine and
// supervisor without a database.
type memStorage struct {
	mu       sync.Mutex
	recs     map[string]*events.Record
	failSave bool
}

func newMemStorage() *memStorage {
	return &memStorage{recs: make(map[string]*events.Record)}
}

func (m *memStorage) SaveEvent(ctx context.Context, rec *events.Record) (storage.SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return storage.Failed, assert.AnError
	}
	if existing, ok := m.recs[rec.ID]; ok {
		merged := rec.Clone()
		if existing.HasVideo && !merged.HasVideo {
			merged.HasVideo = true
			merged.VideoPath = existing.VideoPath
		}
		m.recs[rec.ID] = merged
		return storage.AlreadyExists, nil
	}
	m.recs[rec.ID] = rec.Clone()
	return storage.Saved, nil
}

func (m *memStorage) RetrieveEvent(ctx context.Context, id string) (*events.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *memStorage) SaveVideo(ctx context.Context, eventID string, video storage.Video, meta map[string]string) (string, error) {
	return video.Path, nil
}

func (m *memStorage) RetrieveVideo(ctx context.Context, eventID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[eventID]
	if !ok || !rec.HasVideo {
		return "", storage.ErrNotFound
	}
	return rec.VideoPath, nil
}

func (m *memStorage) Close() error { return nil }

func (m *memStorage) get(id string) *events.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id]
}

type recordCall struct {
	deviceID   string
	path       string
	duration   time.Duration
	onComplete sink.CompletionFunc
}

type fakeRecording struct {
	once sync.Once
	done chan struct{}
}

func (f *fakeRecording) Stop()       { f.once.Do(func() { close(f.done) }) }
func (f *fakeRecording) Wait() error { <-f.done; return nil }

// fakeRecorder captures Record calls; the test drives completion.
type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
}

func (f *fakeRecorder) Record(ctx context.Context, deviceID, path string, duration time.Duration, onComplete sink.CompletionFunc) (Recording, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordCall{deviceID, path, duration, onComplete})
	f.mu.Unlock()
	return &fakeRecording{done: make(chan struct{})}, nil
}

func (f *fakeRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRecorder) call(i int) recordCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// finish writes size bytes to the call's path and fires its completion
// callback.
func (f *fakeRecorder) finish(t *testing.T, i int, size int) {
	t.Helper()
	call := f.call(i)
	require.NoError(t, os.MkdirAll(filepath.Dir(call.path), 0o755))
	require.NoError(t, os.WriteFile(call.path, bytes.Repeat([]byte{0xAB}, size), 0o644))
	call.onComplete(call.path, int64(size))
}

func motionRaw(id, deviceID string) events.RawEvent {
	return events.RawEvent{Generic: map[string]any{
		"id":         id,
		"kind":       "motion",
		"created_at": "2024-01-01T00:00:00Z",
		"doorbot":    map[string]any{"id": deviceID, "description": "Front"},
	}}
}

func TestEngineCaptureSavesAndPublishes(t *testing.T) {
	st := newMemStorage()
	bus := events.NewBus(nil)

	got := make(chan *events.Record, 1)
	bus.Subscribe(events.KindMotion, func(ctx context.Context, rec *events.Record) {
		got <- rec
	})

	engine := NewEngine([]storage.Storage{st}, bus, nil)
	rec, err := engine.Capture(context.Background(), motionRaw("evt-1", "dev-9"))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", rec.ID)
	assert.Equal(t, "dev-9", rec.DeviceID)

	select {
	case published := <-got:
		assert.Equal(t, "evt-1", published.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not published on bus")
	}
	require.NotNil(t, st.get("evt-1"))
}

func TestEngineCaptureSucceedsIfAnyStorageSaves(t *testing.T) {
	failing := newMemStorage()
	failing.failSave = true
	ok := newMemStorage()

	engine := NewEngine([]storage.Storage{failing, ok}, events.NewBus(nil), nil)
	_, err := engine.Capture(context.Background(), motionRaw("evt-2", "dev-9"))
	require.NoError(t, err)
	require.NotNil(t, ok.get("evt-2"))
}

func TestEngineCaptureFailsWhenAllStoragesFail(t *testing.T) {
	failing := newMemStorage()
	failing.failSave = true

	engine := NewEngine([]storage.Storage{failing}, events.NewBus(nil), nil)
	_, err := engine.Capture(context.Background(), motionRaw("evt-3", "dev-9"))
	require.Error(t, err)
}

func newTestSupervisor(t *testing.T, st *memStorage, rec Recorder) (*Supervisor, *events.Bus, string) {
	t.Helper()
	root := t.TempDir()
	bus := events.NewBus(nil)
	sup, err := NewSupervisor(SupervisorConfig{
		Root:     root,
		Storages: []storage.Storage{st},
		Bus:      bus,
		Recorder: rec,
	})
	require.NoError(t, err)
	sup.Subscribe()
	return sup, bus, root
}

func trigger(t *testing.T, bus *events.Bus, st *memStorage, id, deviceID string) {
	t.Helper()
	rec := &events.Record{
		ID:        id,
		Kind:      events.KindMotion,
		CreatedAt: "2024-01-01T00:00:00Z",
		DeviceID:  deviceID,
	}
	_, err := st.SaveEvent(context.Background(), rec)
	require.NoError(t, err)
	bus.Publish(context.Background(), rec.Kind, rec)
}

func TestSupervisorLinksRecordingToEvent(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	sup, bus, root := newTestSupervisor(t, st, recorder)

	completed := make(chan *events.Record, 1)
	bus.Subscribe(events.TopicRecordingCompleted, func(ctx context.Context, rec *events.Record) {
		completed <- rec
	})

	trigger(t, bus, st, "evt-1", "dev-9")
	require.Eventually(t, func() bool { return recorder.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	call := recorder.call(0)
	assert.Equal(t, "dev-9", call.deviceID)
	assert.Equal(t, DefaultMotionDuration, call.duration)
	assert.Contains(t, call.path, filepath.Join(root, "dev-9", "live_view"))

	recorder.finish(t, 0, 4096)

	select {
	case rec := <-completed:
		assert.True(t, rec.HasVideo)
	case <-time.After(2 * time.Second):
		t.Fatal("recording_completed not published")
	}

	canonical := filepath.Join(root, "dev-9", "motion", "evt-1", "video.mp4")
	info, err := os.Stat(canonical)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())

	// Source file stays in place; the supervisor copies.
	_, err = os.Stat(call.path)
	require.NoError(t, err)

	stored := st.get("evt-1")
	require.NotNil(t, stored)
	assert.True(t, stored.HasVideo)
	assert.Equal(t, canonical, stored.VideoPath)
	assert.Equal(t, 0, sup.ActiveRecordings())
}

func TestSupervisorSingleFlightPerDevice(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	sup, bus, _ := newTestSupervisor(t, st, recorder)

	trigger(t, bus, st, "evt-1", "dev-9")
	require.Eventually(t, func() bool { return recorder.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Second trigger while recording: dropped, not queued.
	trigger(t, bus, st, "evt-2", "dev-9")
	bus.Wait()
	assert.Equal(t, 1, recorder.callCount())
	assert.Equal(t, 1, sup.ActiveRecordings())

	recorder.finish(t, 0, 4096)
	require.Eventually(t, func() bool { return sup.ActiveRecordings() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Slot vacated: the device can record again.
	trigger(t, bus, st, "evt-3", "dev-9")
	require.Eventually(t, func() bool { return recorder.callCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	second := st.get("evt-2")
	require.NotNil(t, second)
	assert.False(t, second.HasVideo)
}

func TestSupervisorIndependentDevices(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	sup, bus, _ := newTestSupervisor(t, st, recorder)

	trigger(t, bus, st, "evt-1", "dev-1")
	trigger(t, bus, st, "evt-2", "dev-2")
	require.Eventually(t, func() bool { return recorder.callCount() == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sup.ActiveRecordings())
}

func TestSupervisorAbandonsShortRecording(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	sup, bus, root := newTestSupervisor(t, st, recorder)

	trigger(t, bus, st, "evt-1", "dev-9")
	require.Eventually(t, func() bool { return recorder.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	recorder.finish(t, 0, 200) // below the minimum

	require.Eventually(t, func() bool { return sup.ActiveRecordings() == 0 },
		2*time.Second, 10*time.Millisecond)

	stored := st.get("evt-1")
	require.NotNil(t, stored)
	assert.False(t, stored.HasVideo)
	_, err := os.Stat(filepath.Join(root, "dev-9", "motion", "evt-1", "video.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorSynthesisesMissingEvent(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	sup, bus, root := newTestSupervisor(t, st, recorder)

	// Publish directly without saving so no storage knows the event.
	rec := &events.Record{ID: "evt-ghost", Kind: events.KindMotion, DeviceID: "dev-9"}
	bus.Publish(context.Background(), rec.Kind, rec)

	require.Eventually(t, func() bool { return recorder.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	recorder.finish(t, 0, 4096)

	require.Eventually(t, func() bool { return sup.ActiveRecordings() == 0 },
		2*time.Second, 10*time.Millisecond)

	stored := st.get("evt-ghost")
	require.NotNil(t, stored)
	assert.Equal(t, events.KindMotion, stored.Kind)
	assert.True(t, stored.HasVideo)
	_, err := os.Stat(filepath.Join(root, "dev-9", "motion", "evt-ghost", "video.mp4"))
	require.NoError(t, err)
}

// instantFailRecorder fires the completion callback before Record
// returns, the way a recording that dies on startup does.
type instantFailRecorder struct {
	fakeRecorder
}

func (f *instantFailRecorder) Record(ctx context.Context, deviceID, path string, duration time.Duration, onComplete sink.CompletionFunc) (Recording, error) {
	rec, err := f.fakeRecorder.Record(ctx, deviceID, path, duration, onComplete)
	onComplete(path, 0)
	return rec, err
}

func TestSupervisorInstantFailureLeavesNoActiveEntry(t *testing.T) {
	st := newMemStorage()
	recorder := &instantFailRecorder{}
	sup, bus, _ := newTestSupervisor(t, st, recorder)

	trigger(t, bus, st, "evt-1", "dev-9")
	bus.Wait()

	assert.Equal(t, 0, sup.ActiveRecordings())
	sup.mu.Lock()
	assert.Empty(t, sup.active)
	sup.mu.Unlock()

	// The slot is genuinely free: the device can record again.
	trigger(t, bus, st, "evt-2", "dev-9")
	require.Eventually(t, func() bool { return recorder.callCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestSupervisorDingDuration(t *testing.T) {
	st := newMemStorage()
	recorder := &fakeRecorder{}
	_, bus, _ := newTestSupervisor(t, st, recorder)

	rec := &events.Record{ID: "evt-ding", Kind: events.KindDing, DeviceID: "dev-9"}
	bus.Publish(context.Background(), rec.Kind, rec)

	require.Eventually(t, func() bool { return recorder.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, DefaultDingDuration, recorder.call(0).duration)
}
