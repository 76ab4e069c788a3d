// Package capture ties the notification stream to storage and
// recording: the Engine normalises raw events and fans them out to
// every backend, and the Supervisor reacts to triggering kinds by
// recording a live view and linking the video back to the event.
package capture

import (
	"context"
	"fmt"

	"github.com/ethan/ring-capture/pkg/events"
	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/storage"
)

// Engine normalises raw notifications and persists them to every
// configured storage before publishing them on the bus under their
// kind.
type Engine struct {
	storages []storage.Storage
	bus      *events.Bus
	log      *logger.Logger

	onCaptured func(rec *events.Record, saved bool)
}

// NewEngine builds an engine over the given backends. The bus is
// required; storages may be empty for dry runs.
func NewEngine(storages []storage.Storage, bus *events.Bus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		storages: storages,
		bus:      bus,
		log:      log.With("component", "capture-engine"),
	}
}

// OnCaptured registers an observer for capture outcomes, used for
// metrics. Call before the first Capture.
func (e *Engine) OnCaptured(fn func(rec *events.Record, saved bool)) {
	e.onCaptured = fn
}

// Capture normalises a raw event, saves it to every storage in turn,
// and publishes it under its kind. The capture succeeds when at least
// one backend saved the record or already had it.
func (e *Engine) Capture(ctx context.Context, raw events.RawEvent) (*events.Record, error) {
	rec, err := events.Normalise(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise event: %w", err)
	}

	succeeded := 0
	failed := 0
	for _, st := range e.storages {
		result, err := st.SaveEvent(ctx, rec)
		if err != nil {
			failed++
			e.log.Error("storage save failed",
				"event_id", rec.ID, "error", err)
			continue
		}
		e.log.DebugStorage("event saved",
			"event_id", rec.ID, "result", result.String())
		if result == storage.Saved || result == storage.AlreadyExists {
			succeeded++
		} else {
			failed++
		}
	}

	if len(e.storages) > 0 && succeeded == 0 {
		if e.onCaptured != nil {
			e.onCaptured(rec, false)
		}
		return rec, fmt.Errorf("all %d storages failed to save event %s", failed, rec.ID)
	}

	e.log.Info("event captured",
		"event_id", rec.ID, "kind", rec.Kind, "device_id", rec.DeviceID)
	if e.onCaptured != nil {
		e.onCaptured(rec, true)
	}

	e.bus.Publish(ctx, rec.Kind, rec)
	return rec, nil
}
