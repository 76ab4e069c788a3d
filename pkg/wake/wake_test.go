package wake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe replays a fixed reachability sequence, holding the last
// value once exhausted.
type scriptedProbe struct {
	mu     sync.Mutex
	script []bool
	i      int
}

func (s *scriptedProbe) probe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i < len(s.script) {
		v := s.script[s.i]
		s.i++
		return v
	}
	if len(s.script) == 0 {
		return true
	}
	return s.script[len(s.script)-1]
}

func TestSleepThenWakeFiresCallback(t *testing.T) {
	m := NewMonitor(20*time.Millisecond, nil)

	// Online, then offline long enough to exceed twice the interval,
	// then back online.
	probe := &scriptedProbe{script: []bool{true, false, false, false, true}}
	m.SetProber(probe.probe)

	var wakes, sleeps atomic.Int32
	m.OnWake(func() { wakes.Add(1) })
	m.OnSleep(func() { sleeps.Add(1) })

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return wakes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), sleeps.Load())
}

func TestShortBlipDoesNotFireWake(t *testing.T) {
	m := NewMonitor(50*time.Millisecond, nil)

	// One missed poll only: outage is about one interval, under the
	// 2x threshold.
	probe := &scriptedProbe{script: []bool{true, false, true}}
	m.SetProber(probe.probe)

	var wakes atomic.Int32
	m.OnWake(func() { wakes.Add(1) })

	m.Start(context.Background())
	defer m.Stop()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(0), wakes.Load())
}

func TestCallbackPanicIsolated(t *testing.T) {
	m := NewMonitor(20*time.Millisecond, nil)
	probe := &scriptedProbe{script: []bool{true, false, false, false, true}}
	m.SetProber(probe.probe)

	var second atomic.Bool
	m.OnWake(func() { panic("bad callback") })
	m.OnWake(func() { second.Store(true) })

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return second.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestStopIdempotent(t *testing.T) {
	m := NewMonitor(10*time.Millisecond, nil)
	m.SetProber(func(ctx context.Context) bool { return true })

	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
