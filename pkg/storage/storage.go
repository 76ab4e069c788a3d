// Package storage defines the backend interface used by the capture
// engine's fan-out and three interchangeable implementations: a sqlite
// event index, a filesystem layout, and a remote HTTP backend.
package storage

import (
	"context"
	"errors"

	"github.com/ethan/ring-capture/pkg/events"
)

// SaveResult classifies the outcome of SaveEvent.
type SaveResult int

const (
	Saved SaveResult = iota
	AlreadyExists
	Failed
)

func (r SaveResult) String() string {
	switch r {
	case Saved:
		return "saved"
	case AlreadyExists:
		return "already_exists"
	default:
		return "failed"
	}
}

// ErrNotFound is returned when an event or video does not exist.
var ErrNotFound = errors.New("not found")

// ErrBytesUnsupported is returned by backends that only store
// references, not raw video data.
var ErrBytesUnsupported = errors.New("raw video bytes not supported")

// Video is the payload for SaveVideo: exactly one field is set.
type Video struct {
	Bytes []byte
	Path  string
	URL   string
}

// Storage is implemented by every backend. Implementations must be safe
// for concurrent use.
type Storage interface {
	// SaveEvent persists rec idempotently keyed by rec.ID. Saving an
	// existing id updates the mutable fields instead of duplicating.
	SaveEvent(ctx context.Context, rec *events.Record) (SaveResult, error)

	// RetrieveEvent returns the record for id, or ErrNotFound.
	RetrieveEvent(ctx context.Context, id string) (*events.Record, error)

	// SaveVideo stores the video for eventID and returns its path or URL.
	SaveVideo(ctx context.Context, eventID string, video Video, meta map[string]string) (string, error)

	// RetrieveVideo returns the stored path or URL for eventID, or
	// ErrNotFound.
	RetrieveVideo(ctx context.Context, eventID string) (string, error)

	// Close releases backend handles. Idempotent.
	Close() error
}
