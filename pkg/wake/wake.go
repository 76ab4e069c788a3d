// Package wake detects system sleep/wake cycles by watching network
// reachability. A long connectivity outage that follows a suspected
// suspend is reported as a wake event so long-running sessions can
// restart their connections.
package wake

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ethan/ring-capture/pkg/logger"
)

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 15 * time.Second

	probeTimeout = 3 * time.Second
)

// probeTargets are well-known public DNS endpoints; reaching any one of
// them counts as online.
var probeTargets = []string{
	"8.8.8.8:53",
	"1.1.1.1:53",
	"208.67.222.222:53",
}

// Prober reports whether the network is reachable right now.
type Prober func(ctx context.Context) bool

// Monitor polls connectivity and fires callbacks on suspected sleep and
// wake transitions.
type Monitor struct {
	interval time.Duration
	probe    Prober
	log      *logger.Logger

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	online         bool
	lastOnline     time.Time
	sleepSuspected bool
	wakeFns        []func()
	sleepFns       []func()
}

// NewMonitor builds a monitor with the default probe set.
func NewMonitor(interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		interval: interval,
		probe:    dialProbe,
		log:      log.With("component", "wake-monitor"),
		online:   true,
	}
}

// SetProber swaps the connectivity probe. Call before Start.
func (m *Monitor) SetProber(p Prober) {
	m.mu.Lock()
	m.probe = p
	m.mu.Unlock()
}

// OnWake registers a callback fired after a suspected sleep ends.
func (m *Monitor) OnWake(fn func()) {
	m.mu.Lock()
	m.wakeFns = append(m.wakeFns, fn)
	m.mu.Unlock()
}

// OnSleep registers a callback fired when connectivity drops in a way
// that looks like a system suspend.
func (m *Monitor) OnSleep(fn func()) {
	m.mu.Lock()
	m.sleepFns = append(m.sleepFns, fn)
	m.mu.Unlock()
}

// Start begins polling. Safe to call once; later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastOnline = time.Now()
	m.mu.Unlock()

	go m.loop(runCtx)
	m.log.Info("wake monitor started", "interval", m.interval)
}

// Stop halts polling. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(probeTimeout + time.Second):
		m.log.Warn("wake monitor loop did not stop in time")
	}
	m.log.Info("wake monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()

	reachable := probe(ctx)

	m.mu.Lock()
	wasOnline := m.online
	m.online = reachable

	switch {
	case wasOnline && !reachable:
		// Going dark right at a poll boundary is what a suspend looks
		// like from inside the process.
		m.sleepSuspected = true
		m.lastOnline = time.Now()
		fns := append([]func(){}, m.sleepFns...)
		m.mu.Unlock()
		m.log.Warn("connectivity lost, sleep suspected")
		m.fire(fns)

	case !wasOnline && reachable:
		outage := time.Since(m.lastOnline)
		suspected := m.sleepSuspected
		m.sleepSuspected = false
		var fns []func()
		if suspected && outage > 2*m.interval {
			fns = append([]func(){}, m.wakeFns...)
		}
		m.mu.Unlock()
		if fns != nil {
			m.log.Info("wake detected", "outage", outage.Round(time.Second))
			m.fire(fns)
		} else {
			m.log.Info("connectivity restored", "outage", outage.Round(time.Second))
		}

	case reachable:
		m.lastOnline = time.Now()
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// fire runs callbacks one at a time, isolating panics so one bad
// callback cannot take the monitor down.
func (m *Monitor) fire(fns []func()) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("wake callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// dialProbe tries each target until one answers.
func dialProbe(ctx context.Context) bool {
	d := net.Dialer{Timeout: probeTimeout}
	for _, target := range probeTargets {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}
