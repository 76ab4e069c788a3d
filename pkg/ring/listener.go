package ring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
)

// NotifyFunc receives each new push notification exactly once.
type NotifyFunc func(raw events.RawEvent)

// Listener polls the active-dings feed and delivers new notifications.
// Stop waits up to 10s for the poll loop to drain.
type Listener struct {
	client   *Client
	interval time.Duration
	notify   NotifyFunc
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	seen    map[int64]time.Time
}

// NewListener creates a listener polling every interval.
func NewListener(client *Client, interval time.Duration, notify NotifyFunc, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Listener{
		client:   client,
		interval: interval,
		notify:   notify,
		log:      log.With("component", "listener"),
		seen:     make(map[int64]time.Time),
	}
}

// Start launches the poll loop. Idempotent while running.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.pollLoop(runCtx)

	l.log.Info("event listener started", "poll_interval", l.interval)
	return nil
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	var dings []events.Notification
	if err := l.client.apiGet(ctx, l.client.apiBase+"/dings/active", &dings); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, ErrAuthExpired) {
			l.log.Warn("dings poll rejected, refreshing token")
			if refreshErr := l.client.RefreshToken(ctx); refreshErr != nil {
				l.log.Error("token refresh failed", "error", refreshErr)
			}
			return
		}
		l.log.Warn("dings poll failed", "error", err)
		return
	}

	now := time.Now()
	for i := range dings {
		n := dings[i]
		if _, ok := l.seen[n.ID]; ok {
			continue
		}
		l.seen[n.ID] = now

		l.log.Info("notification received",
			"event_id", n.ID, "kind", n.Kind, "device_id", n.DoorbotID)
		if l.notify != nil {
			l.notify(events.RawEvent{Native: &n})
		}
	}

	// Forget ids older than an hour so the map stays bounded.
	for id, ts := range l.seen {
		if now.Sub(ts) > time.Hour {
			delete(l.seen, id)
		}
	}
}

// Stop halts polling, waiting at most 10s for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		l.log.Warn("event listener did not stop within 10s, abandoning")
	}
	l.log.Info("event listener stopped")
}
