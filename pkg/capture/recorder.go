package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/ethan/ring-capture/pkg/liveview"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/sink"
)

// LiveViewRecorder produces recordings by opening a WebRTC live-view
// session per request. Each request gets its own client and MP4 sink;
// the auth manager and ticket cache are shared across sessions.
type LiveViewRecorder struct {
	auth           liveview.AuthManager
	tickets        *liveview.TicketCache
	ticketInterval time.Duration
	newWakeMonitor func() liveview.WakeMonitor // optional
	log            *logger.Logger
}

// NewLiveViewRecorder builds a recorder over shared credentials.
func NewLiveViewRecorder(auth liveview.AuthManager, tickets *liveview.TicketCache, ticketInterval time.Duration, log *logger.Logger) *LiveViewRecorder {
	if log == nil {
		log = logger.Default()
	}
	return &LiveViewRecorder{
		auth:           auth,
		tickets:        tickets,
		ticketInterval: ticketInterval,
		log:            log,
	}
}

// SetWakeMonitorFactory enables per-session wake monitoring.
func (r *LiveViewRecorder) SetWakeMonitorFactory(fn func() liveview.WakeMonitor) {
	r.newWakeMonitor = fn
}

// Record opens a live-view session writing to path. The returned
// Recording stops itself when the duration elapses; onComplete fires
// when the file is finalised, including after failed sessions, so the
// caller always learns the final size.
func (r *LiveViewRecorder) Record(ctx context.Context, deviceID, path string, duration time.Duration, onComplete sink.CompletionFunc) (Recording, error) {
	mp4 := sink.NewMP4Sink(path, onComplete, r.log)

	cfg := liveview.Config{
		DeviceID:       deviceID,
		Duration:       duration,
		TicketInterval: r.ticketInterval,
		Auth:           r.auth,
		Tickets:        r.tickets,
		Sink:           mp4,
		Log:            r.log,
	}
	if r.newWakeMonitor != nil {
		cfg.Wake = r.newWakeMonitor()
	}

	client, err := liveview.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create live view client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		// Stop finalises the sink so the completion callback still
		// reports the (empty) file.
		client.Stop()
		return nil, fmt.Errorf("start live view session: %w", err)
	}

	go func() {
		if waitErr := client.Wait(); waitErr != nil {
			r.log.Warn("live view session ended with error",
				"device_id", deviceID, "error", waitErr)
		}
	}()

	return client, nil
}
